package handlers

import (
	"net/http"
	"strconv"
	"time"

	"databounty-backend/core/ledger"
	"databounty-backend/metrics"
	"databounty-backend/middleware"
	"databounty-backend/services"
	storage "databounty-backend/storage/ledger"
)

// TaskHandler serves the task surface of the ledger.
type TaskHandler struct {
	store          storage.Store
	settlement     *services.SettlementService
	qr             *services.QRService
	funding        services.FundingSource
	localChainID   string
	fundingAddress string
}

// NewTaskHandler creates a new task handler.
func NewTaskHandler(store storage.Store, settlement *services.SettlementService, qr *services.QRService, funding services.FundingSource, localChainID, fundingAddress string) *TaskHandler {
	return &TaskHandler{
		store:          store,
		settlement:     settlement,
		qr:             qr,
		funding:        funding,
		localChainID:   localChainID,
		fundingAddress: fundingAddress,
	}
}

// Tasks routes /tasks requests:
//
//	GET  /tasks                       list
//	POST /tasks                       create (locally funded)
//	GET  /tasks/{id}                  fetch
//	GET  /tasks/{id}/submissions      task's submissions
//	POST /tasks/{id}/submissions      record an attested submission
//	GET  /tasks/{id}/rewards          reconciliation view
//	GET  /tasks/{id}/qr               funding QR code
//	POST /tasks/{id}/active           signed active toggle
func (h *TaskHandler) Tasks(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, "/tasks")

	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		h.handleList(w, r)
	case len(parts) == 0 && r.Method == http.MethodPost:
		h.handleCreate(w, r)
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleGet(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "submissions" && r.Method == http.MethodGet:
		h.handleSubmissions(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "submissions" && r.Method == http.MethodPost:
		h.handleSubmit(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "rewards" && r.Method == http.MethodGet:
		h.handleRewards(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "qr" && r.Method == http.MethodGet:
		h.handleQR(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "active" && r.Method == http.MethodPost:
		h.handleSetActive(w, r, parts[0])
	default:
		middleware.Error(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *TaskHandler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := ledger.TaskFilter{
		Creator: r.URL.Query().Get("creator"),
		ChainID: r.URL.Query().Get("chain_id"),
		Limit:   queryInt(r, "limit"),
		Offset:  queryInt(r, "offset"),
	}
	if raw := r.URL.Query().Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			middleware.Error(w, http.StatusBadRequest, "invalid active filter")
			return
		}
		filter.Active = &active
	}
	tasks, err := h.store.ListTasks(r.Context(), filter)
	if err != nil {
		middleware.Error(w, statusForErr(err), err.Error())
		return
	}
	middleware.JSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"total": len(tasks),
	})
}

// CreateTaskRequest is the body for POST /tasks. Creation through this
// endpoint settles funding on the local chain; cross-chain funding arrives
// through the bridge inbound route instead. Native-asset payments carry the
// funded value in attached_value; token payments are pulled from the creator.
type CreateTaskRequest struct {
	Creator       string          `json:"creator"`
	Spec          ledger.TaskSpec `json:"spec"`
	PaymentToken  string          `json:"payment_token"`
	Amount        int64           `json:"amount"`
	AttachedValue int64           `json:"attached_value"`
}

func (h *TaskHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	// Funding must be settled before the record exists. Native payments must
	// attach exactly the funded amount; token payments pull it from the
	// creator, and a failed pull creates nothing. The spec is validated first
	// so a doomed request never moves value.
	if err := ledger.ValidateSpec(req.Spec, req.Amount, time.Now()); err != nil {
		middleware.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.PaymentToken == ledger.NativeToken {
		if req.AttachedValue != req.Amount {
			middleware.Error(w, http.StatusBadRequest, "attached value must equal amount")
			return
		}
	} else if err := h.funding.Pull(r.Context(), req.Creator, req.Amount, req.PaymentToken); err != nil {
		middleware.Error(w, http.StatusConflict, "funding pull failed: "+err.Error())
		return
	}
	task, err := h.store.CreateTask(r.Context(), storage.CreateTaskParams{
		Creator:       req.Creator,
		Spec:          req.Spec,
		SourceChainID: h.localChainID,
		PaymentToken:  req.PaymentToken,
		Amount:        req.Amount,
	})
	if err != nil {
		middleware.Error(w, statusForErr(err), err.Error())
		return
	}
	metrics.TasksCreated.Inc()
	middleware.JSON(w, http.StatusCreated, task)
}

func (h *TaskHandler) handleGet(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := h.store.GetTask(r.Context(), taskID)
	if err != nil {
		middleware.Error(w, statusForErr(err), err.Error())
		return
	}
	middleware.JSON(w, http.StatusOK, task)
}

func (h *TaskHandler) handleSubmissions(w http.ResponseWriter, r *http.Request, taskID string) {
	subs, err := h.store.ListTaskSubmissions(r.Context(), taskID)
	if err != nil {
		middleware.Error(w, statusForErr(err), err.Error())
		return
	}
	middleware.JSON(w, http.StatusOK, map[string]interface{}{
		"submissions": subs,
		"total":       len(subs),
	})
}

func (h *TaskHandler) handleSubmit(w http.ResponseWriter, r *http.Request, taskID string) {
	var req services.SubmissionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.TaskID = taskID
	sub, err := h.settlement.RecordSubmission(r.Context(), req)
	if err != nil {
		middleware.Error(w, statusForErr(err), err.Error())
		return
	}
	middleware.JSON(w, http.StatusCreated, sub)
}

func (h *TaskHandler) handleRewards(w http.ResponseWriter, r *http.Request, taskID string) {
	calc, err := h.store.RewardCalculation(r.Context(), taskID)
	if err != nil {
		middleware.Error(w, statusForErr(err), err.Error())
		return
	}
	middleware.JSON(w, http.StatusOK, calc)
}

func (h *TaskHandler) handleQR(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := h.store.GetTask(r.Context(), taskID)
	if err != nil {
		middleware.Error(w, statusForErr(err), err.Error())
		return
	}
	address := r.URL.Query().Get("address")
	if address == "" {
		address = h.fundingAddress
	}
	if address == "" {
		middleware.Error(w, http.StatusBadRequest, "no funding address configured")
		return
	}
	png, err := h.qr.FundingPNG(task, address)
	if err != nil {
		middleware.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (h *TaskHandler) handleSetActive(w http.ResponseWriter, r *http.Request, taskID string) {
	var req services.SetActiveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.TaskID = taskID
	task, err := h.settlement.SetTaskActive(r.Context(), req)
	if err != nil {
		middleware.Error(w, statusForErr(err), err.Error())
		return
	}
	middleware.JSON(w, http.StatusOK, task)
}
