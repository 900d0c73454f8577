package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/outpostvpn/outpost/internal/entitlement"
	"github.com/outpostvpn/outpost/internal/sshrun"
	"github.com/outpostvpn/outpost/internal/state"
)

// pathInt64 parses a numeric path parameter; writes a 400 and returns false
// on garbage.
func pathInt64(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid "+name)
		return 0, false
	}
	return v, true
}

// decodeBody strictly decodes the JSON request body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeDomainError maps domain sentinels to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, state.ErrNotFound):
		WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, state.ErrDuplicate):
		WriteError(w, http.StatusConflict, "DUPLICATE", err.Error())
	case errors.Is(err, state.ErrInsufficientBalance):
		WriteError(w, http.StatusConflict, "INSUFFICIENT_BALANCE", err.Error())
	case errors.Is(err, state.ErrTokenExpired):
		WriteError(w, http.StatusGone, "TOKEN_EXPIRED", err.Error())
	case errors.Is(err, entitlement.ErrServerOverloaded):
		WriteError(w, http.StatusConflict, "SERVER_OVERLOADED", err.Error())
	case errors.Is(err, sshrun.ErrTransient):
		WriteError(w, http.StatusServiceUnavailable, "REMOTE_UNAVAILABLE", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}
