package handlers

import (
	"net/http"
	"strings"

	"databounty-backend/core/ledger"
	"databounty-backend/middleware"
	"databounty-backend/storage/auth"
	storage "databounty-backend/storage/ledger"
)

// AuthHandler serves the challenge/nonce auth surface. A user proves key
// control by signing their current deterministic challenge; success advances
// the nonce and issues an API key bound to the address.
type AuthHandler struct {
	registry *auth.NonceRegistry
	apiKeys  auth.APIKeyBackend
	store    storage.Store
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(registry *auth.NonceRegistry, apiKeys auth.APIKeyBackend, store storage.Store) *AuthHandler {
	return &AuthHandler{registry: registry, apiKeys: apiKeys, store: store}
}

// Auth routes /auth requests:
//
//	GET  /auth/challenge?address=a   current challenge and nonce
//	POST /auth/verify                signed challenge response
//	POST /auth/advance               authority-signed nonce advancement
//	POST /auth/bind                  attach an address to the caller's key
func (h *AuthHandler) Auth(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, "/auth")
	if len(parts) != 1 {
		middleware.Error(w, http.StatusNotFound, "unknown auth operation")
		return
	}

	switch {
	case parts[0] == "challenge" && r.Method == http.MethodGet:
		h.handleChallenge(w, r)
	case parts[0] == "verify" && r.Method == http.MethodPost:
		h.handleVerify(w, r)
	case parts[0] == "advance" && r.Method == http.MethodPost:
		h.handleAdvance(w, r)
	case parts[0] == "bind" && r.Method == http.MethodPost:
		h.handleBind(w, r)
	default:
		middleware.Error(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *AuthHandler) handleChallenge(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		middleware.Error(w, http.StatusBadRequest, "address query parameter required")
		return
	}
	challenge, nonce := h.registry.Challenge(address)
	middleware.JSON(w, http.StatusOK, map[string]interface{}{
		"address":   address,
		"nonce":     nonce,
		"challenge": challenge,
	})
}

// VerifyRequest is the body for POST /auth/verify.
type VerifyRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

func (h *AuthHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Address == "" || req.Signature == "" {
		middleware.Error(w, http.StatusBadRequest, "address and signature required")
		return
	}
	nonce, err := h.registry.VerifyResponse(req.Address, req.Signature)
	if err != nil {
		middleware.Error(w, http.StatusUnauthorized, err.Error())
		return
	}
	h.recordAdvance(r, req.Address, nonce)

	key, err := h.apiKeys.Issue("", req.Address, "registration")
	if err != nil {
		middleware.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	middleware.JSON(w, http.StatusOK, map[string]interface{}{
		"address": req.Address,
		"nonce":   nonce,
		"api_key": key.Key,
	})
}

// AdvanceRequest is the body for POST /auth/advance.
type AdvanceRequest struct {
	Address   string `json:"address"`
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

func (h *AuthHandler) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	nonce, err := h.registry.Advance(req.Address, req.Nonce, req.Timestamp, req.Signature)
	if err != nil {
		middleware.Error(w, http.StatusUnauthorized, err.Error())
		return
	}
	h.recordAdvance(r, req.Address, nonce)
	middleware.JSON(w, http.StatusOK, map[string]interface{}{
		"address": req.Address,
		"nonce":   nonce,
	})
}

// BindRequest is the body for POST /auth/bind. The caller presents their API
// key in the usual header and proves address control by signing the address's
// current challenge; binding consumes the challenge like a login does.
type BindRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

func (h *AuthHandler) handleBind(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
			key = strings.TrimPrefix(authz, "Bearer ")
		}
	}
	if key == "" {
		middleware.Error(w, http.StatusUnauthorized, "API key required")
		return
	}
	var req BindRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Address == "" || req.Signature == "" {
		middleware.Error(w, http.StatusBadRequest, "address and signature required")
		return
	}
	nonce, err := h.registry.VerifyResponse(req.Address, req.Signature)
	if err != nil {
		middleware.Error(w, http.StatusUnauthorized, err.Error())
		return
	}
	h.recordAdvance(r, req.Address, nonce)

	rec, err := h.apiKeys.BindAddress(key, req.Address)
	if err != nil {
		middleware.Error(w, http.StatusNotFound, err.Error())
		return
	}
	middleware.JSON(w, http.StatusOK, map[string]interface{}{
		"address": rec.Address,
		"label":   rec.Label,
		"source":  rec.Source,
	})
}

func (h *AuthHandler) recordAdvance(r *http.Request, address string, nonce uint64) {
	_, _ = h.store.AppendEvent(r.Context(), ledger.Event{
		Type:   ledger.EventNonceAdvanced,
		Actor:  address,
		Amount: int64(nonce),
	})
}
