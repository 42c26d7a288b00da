// Package errors consolidates error definitions for the radarcache engine.
//
// This package provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities
//
// The taxonomy distinguishes valid query results from real failures:
// NotFound and AlreadyExists are expected outcomes of idempotent storage,
// Incomplete is a recoverable assembly state, and only network failures
// are retriable.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Storage results
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidKey    = errors.New("invalid storage key")

	// Assembly results
	ErrIncomplete   = errors.New("scan incomplete")
	ErrDecodeFailed = errors.New("decode failed")

	// Acquisition results
	ErrNetwork          = errors.New("network failure")
	ErrStreamClosed     = errors.New("chunk stream closed")
	ErrTaskCanceled     = errors.New("task canceled")
	ErrQuotaExceeded    = errors.New("storage quota exceeded")
	ErrSchedulerStopped = errors.New("scheduler is stopped")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// IsNotFound returns true if err is a not-found result.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsIncomplete returns true if err is a recoverable incomplete-assembly
// result. Callers may render partial data and retry later.
func IsIncomplete(err error) bool {
	return errors.Is(err, ErrIncomplete)
}

// IsDecodeFailed returns true if err indicates corrupt or unrecognized
// record bytes. Never retriable: refetching yields the same bytes.
func IsDecodeFailed(err error) bool {
	return errors.Is(err, ErrDecodeFailed)
}

// IsRetriable returns true if the error is potentially transient and a
// bounded retry with backoff is appropriate.
func IsRetriable(err error) bool {
	if errors.Is(err, ErrNetwork) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewNetwork creates a network failure wrapping the transport error.
func NewNetwork(op string, cause error) error {
	return fmt.Errorf("%s: %v: %w", op, cause, ErrNetwork)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}
