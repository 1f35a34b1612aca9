// Package syncerr defines the error taxonomy shared by the sync engine's
// services, stores, and adapters. Each class carries only a message; callers
// classify with the Is* predicates and map to transport codes themselves.
package syncerr

import "errors"

type InvalidInputError struct {
	msg string
}

func (e *InvalidInputError) Error() string { return e.msg }

func NewInvalidInput(msg string) error { return &InvalidInputError{msg: msg} }

func IsInvalidInput(err error) bool {
	var target *InvalidInputError
	return errors.As(err, &target)
}

type ConflictError struct {
	msg string
}

func (e *ConflictError) Error() string { return e.msg }

func NewConflict(msg string) error { return &ConflictError{msg: msg} }

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

type NotFoundError struct {
	msg string
}

func (e *NotFoundError) Error() string { return e.msg }

func NewNotFound(msg string) error { return &NotFoundError{msg: msg} }

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

type InvalidStateError struct {
	msg string
}

func (e *InvalidStateError) Error() string { return e.msg }

func NewInvalidState(msg string) error { return &InvalidStateError{msg: msg} }

func IsInvalidState(err error) bool {
	var target *InvalidStateError
	return errors.As(err, &target)
}

type ResourceExhaustedError struct {
	msg string
}

func (e *ResourceExhaustedError) Error() string { return e.msg }

func NewResourceExhausted(msg string) error { return &ResourceExhaustedError{msg: msg} }

func IsResourceExhausted(err error) bool {
	var target *ResourceExhaustedError
	return errors.As(err, &target)
}

// SourceUnavailableError and TargetUnavailableError are transient adapter
// failures; the executor retries them before escalating.

type SourceUnavailableError struct {
	msg string
}

func (e *SourceUnavailableError) Error() string { return e.msg }

func NewSourceUnavailable(msg string) error { return &SourceUnavailableError{msg: msg} }

func IsSourceUnavailable(err error) bool {
	var target *SourceUnavailableError
	return errors.As(err, &target)
}

type TargetUnavailableError struct {
	msg string
}

func (e *TargetUnavailableError) Error() string { return e.msg }

func NewTargetUnavailable(msg string) error { return &TargetUnavailableError{msg: msg} }

func IsTargetUnavailable(err error) bool {
	var target *TargetUnavailableError
	return errors.As(err, &target)
}

// SourceAuthError is a non-retryable adapter failure: credentials are wrong,
// so retrying cannot help and the operation fails immediately.

type SourceAuthError struct {
	msg string
}

func (e *SourceAuthError) Error() string { return e.msg }

func NewSourceAuth(msg string) error { return &SourceAuthError{msg: msg} }

func IsSourceAuth(err error) bool {
	var target *SourceAuthError
	return errors.As(err, &target)
}

// RecordError is scoped to a single record or field. It is absorbed into diff
// and counter state, never returned from Start.

type RecordError struct {
	msg string
}

func (e *RecordError) Error() string { return e.msg }

func NewRecord(msg string) error { return &RecordError{msg: msg} }

func IsRecord(err error) bool {
	var target *RecordError
	return errors.As(err, &target)
}

// IsRetryable reports whether the error is a transient adapter failure worth
// another attempt.
func IsRetryable(err error) bool {
	return IsSourceUnavailable(err) || IsTargetUnavailable(err)
}

// Code returns the stable machine code for an error class, or "internal" for
// anything outside the taxonomy. The HTTP layer puts these in error
// envelopes.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case IsInvalidInput(err):
		return "invalid_input"
	case IsConflict(err):
		return "conflict"
	case IsNotFound(err):
		return "not_found"
	case IsInvalidState(err):
		return "invalid_state"
	case IsResourceExhausted(err):
		return "resource_exhausted"
	case IsSourceUnavailable(err):
		return "source_unavailable"
	case IsTargetUnavailable(err):
		return "target_unavailable"
	case IsSourceAuth(err):
		return "source_auth"
	case IsRecord(err):
		return "record_error"
	default:
		return "internal"
	}
}
