package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kubilitics/kubilitics-governance/internal/audit"
	"github.com/kubilitics/kubilitics-governance/internal/middleware"
	"github.com/kubilitics/kubilitics-governance/internal/modification"
	"github.com/kubilitics/kubilitics-governance/internal/safety"
	"github.com/kubilitics/kubilitics-governance/internal/security"
)

// APIError is the structured error body returned by every endpoint
type APIError struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeLockedOut      = "LOCKED_OUT"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeNotPending     = "NOT_PENDING"
	ErrCodeNotApproved    = "NOT_APPROVED"
	ErrCodeLockdown       = "LOCKDOWN_ACTIVE"
	ErrCodeDuplicateRule  = "DUPLICATE_RULE"
	ErrCodeStorageFailure = "STORAGE_FAILURE"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

// classify maps a domain error to a status and code. Storage failures win over everything
// else: a refusal that could not be recorded is reported as the hard failure it is.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, audit.ErrStorageFailure), errors.Is(err, modification.ErrStorage):
		return http.StatusInternalServerError, ErrCodeStorageFailure
	case errors.Is(err, security.ErrLockedOut):
		return http.StatusLocked, ErrCodeLockedOut
	case errors.Is(err, security.ErrUnauthorized):
		return http.StatusUnauthorized, ErrCodeUnauthorized
	case errors.Is(err, modification.ErrNotFound), errors.Is(err, safety.ErrRuleNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, modification.ErrNotPending):
		return http.StatusConflict, ErrCodeNotPending
	case errors.Is(err, modification.ErrNotApproved):
		return http.StatusConflict, ErrCodeNotApproved
	case errors.Is(err, modification.ErrLockdown):
		return http.StatusServiceUnavailable, ErrCodeLockdown
	case errors.Is(err, safety.ErrDuplicateRule):
		return http.StatusConflict, ErrCodeDuplicateRule
	case errors.Is(err, modification.ErrInvalidInput),
		errors.Is(err, audit.ErrInvalidEntry),
		errors.Is(err, safety.ErrInvalidRule),
		errors.Is(err, safety.ErrInvalidPattern),
		errors.Is(err, safety.ErrInvalidTier),
		errors.Is(err, security.ErrWeakSecret):
		return http.StatusBadRequest, ErrCodeInvalidRequest
	}
	return http.StatusInternalServerError, ErrCodeInternalError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	respondError(w, r, status, code, err.Error())
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, APIError{
		Error:     message,
		Code:      code,
		RequestID: middleware.RequestIDFromContext(r.Context()),
	})
}
