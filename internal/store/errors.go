package store

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/api/googleapi"
)

// Common store errors
var (
	// ErrLedgerNotFound is returned when an operation targets a ledger
	// that has not been provisioned.
	ErrLedgerNotFound = errors.New("ledger not found")

	// ErrRateLimited is returned when the destination rejects the request
	// due to quota or rate limits. Retryable.
	ErrRateLimited = errors.New("destination rate limited")

	// ErrPermissionDenied is returned on auth/permission failures. Not retryable.
	ErrPermissionDenied = errors.New("destination permission denied")
)

// WriteError wraps a destination failure with the operation, the ledger it
// targeted, and whether a retry can reasonably succeed.
type WriteError struct {
	// Op is the store operation that failed (e.g. "UpsertRow").
	Op string

	// Ledger is the ledger the operation targeted.
	Ledger string

	// Err is the underlying error.
	Err error

	// Transient reports whether the failure is retryable.
	Transient bool
}

// Error implements the error interface.
func (e *WriteError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("store: %s on ledger %q failed (%s): %v", e.Op, e.Ledger, kind, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *WriteError) Unwrap() error {
	return e.Err
}

// NewWriteError classifies err and wraps it with operation context.
func NewWriteError(op, ledger string, err error) *WriteError {
	return &WriteError{
		Op:        op,
		Ledger:    ledger,
		Err:       err,
		Transient: classifyTransient(err),
	}
}

// IsTransient reports whether err represents a retryable destination
// failure. Unwrapped errors are classified by their googleapi status code
// or network error type.
func IsTransient(err error) bool {
	var we *WriteError
	if errors.As(err, &we) {
		return we.Transient
	}
	return classifyTransient(err)
}

func classifyTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Per-attempt timeouts are retried by the caller's backoff policy.
		return true
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrLedgerNotFound) {
		return false
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case 408, 429, 500, 502, 503, 504:
			return true
		default:
			return false
		}
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}

	return false
}
