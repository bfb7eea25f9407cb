// Package errors provides error handling for agentdeploy.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Marks for classifying pipeline failures
//
// Usage:
//
//	// Wrap with context
//	if err := store.Get(ctx, id); err != nil {
//	    return errors.Wrap(err, "failed to load job")
//	}
//
//	// Classify a collaborator failure as retryable
//	return errors.Mark(err, errors.ErrTransientInfra)
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
	New           = crdb.New
	Newf          = crdb.Newf
	Wrap          = crdb.Wrap
	Wrapf         = crdb.Wrapf
	WithStack     = crdb.WithStack
	WithMessage   = crdb.WithMessage
	WithMessagef  = crdb.WithMessagef
	Mark          = crdb.Mark
	CombineErrors = crdb.CombineErrors
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
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// GetStack returns the reportable stack trace recorded on err.
var GetStack = crdb.GetReportableStackTrace

// Request-level sentinels. Use these with errors.Is().
var (
	// ErrNotFound indicates the requested job (or its logs) does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates a malformed submit; no job is created
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a policy or ownership conflict (busy agent, lost lease)
	ErrConflict = New("resource conflict")

	// ErrRateLimited indicates the requester exceeded the submit rate
	ErrRateLimited = New("rate limited")
)

// Stage-level sentinels. A failed job records exactly one of these kinds.
var (
	// ErrValidationFailed is a permanent failure of the validating stage
	ErrValidationFailed = New("validation failed")

	// ErrTransientInfra marks build infrastructure errors that may be retried
	ErrTransientInfra = New("transient infrastructure error")

	// ErrDeployFailed is a permanent rollout failure
	ErrDeployFailed = New("deploy failed")

	// ErrHealthCheckTimeout means the rollout succeeded but the service never became healthy
	ErrHealthCheckTimeout = New("health check timeout")

	// ErrCancelled is returned by stages that observed a cancellation request
	ErrCancelled = New("cancelled")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsConflictError checks if an error is or wraps ErrConflict
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsTransient reports whether err was marked as a retryable infrastructure error.
func IsTransient(err error) bool {
	return err != nil && Is(err, ErrTransientInfra)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// NewConflictError creates a conflict error with a formatted message
func NewConflictError(format string, args ...interface{}) error {
	return Wrap(ErrConflict, Newf(format, args...).Error())
}

// NewValidationError creates a validation failure with a formatted message
func NewValidationError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrValidationFailed)
}

// MarkTransient marks err as retryable. A nil err stays nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrTransientInfra)
}
