package handlers

import (
	"net/http"

	"databounty-backend/bridge"
	"databounty-backend/middleware"
)

// BridgeHandler serves the cross-chain boundary: inbound envelopes and the
// outbound payout queue.
type BridgeHandler struct {
	processor *bridge.InboundProcessor
	outbox    *bridge.Outbox
}

// NewBridgeHandler creates a new bridge handler.
func NewBridgeHandler(processor *bridge.InboundProcessor, outbox *bridge.Outbox) *BridgeHandler {
	return &BridgeHandler{processor: processor, outbox: outbox}
}

// Bridge routes /bridge requests:
//
//	POST /bridge/inbound   apply a cross-chain envelope
//	GET  /bridge/outbox    outbound payout queue snapshot
func (h *BridgeHandler) Bridge(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, "/bridge")
	if len(parts) != 1 {
		middleware.Error(w, http.StatusNotFound, "unknown bridge operation")
		return
	}

	switch {
	case parts[0] == "inbound" && r.Method == http.MethodPost:
		h.handleInbound(w, r)
	case parts[0] == "outbox" && r.Method == http.MethodGet:
		h.handleOutbox(w, r)
	default:
		middleware.Error(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// Inbound serves POST /inbound, the bare cross-chain entrypoint. Same handler
// as /bridge/inbound; relays that only speak the minimal envelope contract
// use this route.
func (h *BridgeHandler) Inbound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		middleware.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h.handleInbound(w, r)
}

func (h *BridgeHandler) handleInbound(w http.ResponseWriter, r *http.Request) {
	var env bridge.Envelope
	if !decodeBody(w, r, &env) {
		return
	}
	result, err := h.processor.Process(r.Context(), env)
	if err != nil {
		middleware.Error(w, statusForErr(err), err.Error())
		return
	}
	middleware.JSON(w, http.StatusOK, map[string]interface{}{
		"kind":   env.Kind,
		"result": result,
	})
}

func (h *BridgeHandler) handleOutbox(w http.ResponseWriter, r *http.Request) {
	middleware.JSON(w, http.StatusOK, map[string]interface{}{
		"entries": h.outbox.Entries(),
		"summary": h.outbox.Summary(),
	})
}
