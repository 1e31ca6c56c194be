package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"databounty-backend/chainsig"
	"databounty-backend/middleware"
	storage "databounty-backend/storage/ledger"
)

// basePath prefixes every ledger route.
const basePath = "/api/ledger"

// statusForErr maps domain errors to HTTP status codes. Precondition
// violations are conflicts: the request was well-formed, the ledger state
// disallowed it.
func statusForErr(err error) int {
	switch {
	case errors.Is(err, storage.ErrTaskNotFound),
		errors.Is(err, storage.ErrSubmissionNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrTaskInactive),
		errors.Is(err, storage.ErrDeadlinePassed),
		errors.Is(err, storage.ErrSubmissionLimit),
		errors.Is(err, storage.ErrAlreadyVerified),
		errors.Is(err, storage.ErrAlreadyRewarded),
		errors.Is(err, storage.ErrInsufficientReward):
		return http.StatusConflict
	case errors.Is(err, chainsig.ErrBadSignature),
		errors.Is(err, chainsig.ErrWrongSigner),
		errors.Is(err, chainsig.ErrStaleTimestamp):
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}

// decodeBody decodes a JSON request body, responding with 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		middleware.Error(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// pathParts splits the request path after the given route prefix.
func pathParts(r *http.Request, route string) []string {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, basePath+route), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func queryInt(r *http.Request, key string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return v
}

func queryInt64(r *http.Request, key string) int64 {
	v, err := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
