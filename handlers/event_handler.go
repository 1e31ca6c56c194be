package handlers

import (
	"net/http"

	"databounty-backend/core/ledger"
	"databounty-backend/middleware"
	"databounty-backend/services"
)

// EventHandler serves the persisted audit stream.
type EventHandler struct {
	events *services.EventService
}

// NewEventHandler creates a new event handler.
func NewEventHandler(events *services.EventService) *EventHandler {
	return &EventHandler{events: events}
}

// Events handles GET /events with type, task_id, after_seq and limit filters.
// Indexers poll with after_seq to tail the stream.
func (h *EventHandler) Events(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		middleware.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	filter := ledger.EventFilter{
		Type:     r.URL.Query().Get("type"),
		TaskID:   r.URL.Query().Get("task_id"),
		AfterSeq: queryInt64(r, "after_seq"),
		Limit:    queryInt(r, "limit"),
	}
	events, err := h.events.List(r.Context(), filter)
	if err != nil {
		middleware.Error(w, statusForErr(err), err.Error())
		return
	}
	lastSeq := filter.AfterSeq
	if len(events) > 0 {
		lastSeq = events[len(events)-1].Seq
	}
	middleware.JSON(w, http.StatusOK, map[string]interface{}{
		"events":   events,
		"total":    len(events),
		"last_seq": lastSeq,
	})
}
