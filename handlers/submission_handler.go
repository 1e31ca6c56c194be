package handlers

import (
	"net/http"

	"databounty-backend/middleware"
	"databounty-backend/services"
	storage "databounty-backend/storage/ledger"
)

// SubmissionHandler serves the submission surface of the ledger.
type SubmissionHandler struct {
	store      storage.Store
	settlement *services.SettlementService
}

// NewSubmissionHandler creates a new submission handler.
func NewSubmissionHandler(store storage.Store, settlement *services.SettlementService) *SubmissionHandler {
	return &SubmissionHandler{store: store, settlement: settlement}
}

// Submissions routes /submissions requests:
//
//	POST /submissions                 record an attested submission
//	GET  /submissions/{id}            fetch
//	GET  /submissions?contributor=a   contributor's submissions
func (h *SubmissionHandler) Submissions(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, "/submissions")

	switch {
	case len(parts) == 0 && r.Method == http.MethodPost:
		h.handleSubmit(w, r)
	case len(parts) == 0 && r.Method == http.MethodGet:
		h.handleListByContributor(w, r)
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleGet(w, r, parts[0])
	default:
		middleware.Error(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *SubmissionHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req services.SubmissionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sub, err := h.settlement.RecordSubmission(r.Context(), req)
	if err != nil {
		middleware.Error(w, statusForErr(err), err.Error())
		return
	}
	middleware.JSON(w, http.StatusCreated, sub)
}

func (h *SubmissionHandler) handleListByContributor(w http.ResponseWriter, r *http.Request) {
	contributor := r.URL.Query().Get("contributor")
	if contributor == "" {
		middleware.Error(w, http.StatusBadRequest, "contributor query parameter required")
		return
	}
	subs, err := h.store.ListUserSubmissions(r.Context(), contributor)
	if err != nil {
		middleware.Error(w, statusForErr(err), err.Error())
		return
	}
	middleware.JSON(w, http.StatusOK, map[string]interface{}{
		"submissions": subs,
		"total":       len(subs),
	})
}

func (h *SubmissionHandler) handleGet(w http.ResponseWriter, r *http.Request, submissionID string) {
	sub, err := h.store.GetSubmission(r.Context(), submissionID)
	if err != nil {
		middleware.Error(w, statusForErr(err), err.Error())
		return
	}
	middleware.JSON(w, http.StatusOK, sub)
}
