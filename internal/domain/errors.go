package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured application error with HTTP status code and an
// optional machine-readable reason the UI can switch on.
type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Common error constructors.

func ErrNotFound(msg string) *AppError {
	return &AppError{Code: http.StatusNotFound, Message: msg}
}

func ErrUnauthorized(msg string) *AppError {
	return &AppError{Code: http.StatusUnauthorized, Message: msg}
}

func ErrBadRequest(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

func ErrValidation(msg string) *AppError {
	return &AppError{Code: http.StatusUnprocessableEntity, Message: msg}
}

func ErrInternal(msg string, err error) *AppError {
	return &AppError{Code: http.StatusInternalServerError, Message: msg, Err: err}
}

// ErrOwnershipMismatch rejects a checkout artifact that is not bound to the
// account claiming it.
func ErrOwnershipMismatch(reason string) *AppError {
	return &AppError{Code: http.StatusForbidden, Message: "session does not belong to this account", Reason: reason}
}

// ErrQuotaExceeded is the expected limit-reached outcome. The reason lets the
// UI render an upgrade prompt rather than a generic error.
func ErrQuotaExceeded() *AppError {
	return &AppError{Code: http.StatusForbidden, Message: "daily limit reached", Reason: "quota_exceeded"}
}

// AsAppError attempts to extract an AppError from an error chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Sentinel conditions for the store and provider boundaries.
var (
	// ErrStoreConflict signals an optimistic-concurrency failure; the caller
	// re-reads the snapshot and retries the whole read-modify-write.
	ErrStoreConflict = errors.New("store: version conflict")

	// ErrStoreUnavailable signals a transient durable-store failure. During a
	// quota increment the operation fails closed; during an entitlement read
	// the caller falls back to the last cached snapshot.
	ErrStoreUnavailable = errors.New("store: unavailable")
)
