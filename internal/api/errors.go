package api

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error codes returned by the Engine in structured error bodies.
const (
	ErrCodeInvalidRequest  = "INVALID_REQUEST"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeAlreadyResolved = "ALREADY_RESOLVED"
	ErrCodeDeferLimit      = "DEFER_LIMIT_EXCEEDED"
	ErrCodeUndoExpired     = "UNDO_WINDOW_EXPIRED"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeUnavailable     = "UNAVAILABLE"
)

// APIError is the normalized error shape every REST failure is reduced to
// before it reaches the store. Store logic branches only on Code.
type APIError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Status  int               `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("engine api: %s (%s)", e.Message, e.Code)
}

// ErrorCode extracts the machine-readable code from err, or empty string
// if err is not an APIError.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// IsConflict reports whether err means the decision was already resolved by
// another actor. Callers treat this as success-adjacent, not a failure.
func IsConflict(err error) bool {
	return ErrorCode(err) == ErrCodeAlreadyResolved
}

// IsRetryable reports whether err is a transient failure worth retrying:
// network errors, timeouts, and 5xx-class responses. Validation and
// conflict errors are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Code == ErrCodeTimeout || apiErr.Code == ErrCodeUnavailable
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Anything else reaching here is a transport-level failure from the
	// HTTP client (connection refused, reset, DNS).
	return true
}
