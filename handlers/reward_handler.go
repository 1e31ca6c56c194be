package handlers

import (
	"net/http"

	"databounty-backend/middleware"
	"databounty-backend/services"
)

// RewardHandler serves the settlement surface of the ledger.
type RewardHandler struct {
	settlement *services.SettlementService
}

// NewRewardHandler creates a new reward handler.
func NewRewardHandler(settlement *services.SettlementService) *RewardHandler {
	return &RewardHandler{settlement: settlement}
}

// Rewards routes /rewards requests:
//
//	POST /rewards/verify   attested verification (settles on approval)
//	POST /rewards/batch    attested multi-recipient distribution
//	POST /rewards/claim    attested single-recipient claim
func (h *RewardHandler) Rewards(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, "/rewards")
	if r.Method != http.MethodPost || len(parts) != 1 {
		middleware.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch parts[0] {
	case "verify":
		h.handleVerify(w, r)
	case "batch":
		h.handleBatch(w, r)
	case "claim":
		h.handleClaim(w, r)
	default:
		middleware.Error(w, http.StatusNotFound, "unknown rewards operation")
	}
}

func (h *RewardHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req services.VerificationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sub, stl, err := h.settlement.RecordVerification(r.Context(), req)
	if err != nil {
		middleware.Error(w, statusForErr(err), err.Error())
		return
	}
	middleware.JSON(w, http.StatusOK, map[string]interface{}{
		"submission": sub,
		"settlement": stl,
	})
}

func (h *RewardHandler) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req services.BatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	settlements, err := h.settlement.DistributeBatch(r.Context(), req)
	if err != nil {
		middleware.Error(w, statusForErr(err), err.Error())
		return
	}
	middleware.JSON(w, http.StatusOK, map[string]interface{}{
		"settlements": settlements,
		"total":       len(settlements),
	})
}

func (h *RewardHandler) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req services.ClaimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	stl, err := h.settlement.Claim(r.Context(), req)
	if err != nil {
		middleware.Error(w, statusForErr(err), err.Error())
		return
	}
	middleware.JSON(w, http.StatusOK, stl)
}
