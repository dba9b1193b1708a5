// Package errors provides error handling for Strata.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is     = crdb.Is
	IsAny  = crdb.IsAny
	As     = crdb.As
	Unwrap = crdb.Unwrap
)

// Sentinel errors for the Strata error taxonomy. Every error surfaced by
// a store, the interpretation engine, or the merge service wraps exactly
// one of these, so callers can map failures to a stable code with
// errors.Is regardless of how much context was added along the way.
var (
	// ErrNotFound indicates the requested source, entity, or run does not exist
	ErrNotFound = New("not found")

	// ErrNotReady indicates a source whose raw bytes have not finished uploading
	ErrNotReady = New("source not ready")

	// ErrConflict indicates a state conflict: a run already in progress for a
	// source, a merge source that was already merged, or a retired merge target
	ErrConflict = New("conflict")

	// ErrQuotaExceeded indicates a tenant storage or interpretation limit was hit
	ErrQuotaExceeded = New("quota exceeded")

	// ErrValidation indicates a field value failed schema validation
	ErrValidation = New("validation failed")

	// ErrAccessDenied indicates a cross-tenant reference
	ErrAccessDenied = New("access denied")

	// ErrTimeout indicates a run exceeded its heartbeat window
	ErrTimeout = New("operation timed out")

	// ErrTransientIO indicates a retryable physical storage failure
	ErrTransientIO = New("transient storage failure")
)

// IsNotFound checks if an error is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsConflict checks if an error is or wraps ErrConflict.
func IsConflict(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsQuotaExceeded checks if an error is or wraps ErrQuotaExceeded.
func IsQuotaExceeded(err error) bool {
	return err != nil && Is(err, ErrQuotaExceeded)
}

// IsValidation checks if an error is or wraps ErrValidation.
func IsValidation(err error) bool {
	return err != nil && Is(err, ErrValidation)
}

// IsTransientIO checks if an error is or wraps ErrTransientIO.
func IsTransientIO(err error) bool {
	return err != nil && Is(err, ErrTransientIO)
}
