package models

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures by who is expected to handle them
type ErrorKind string

const (
	// Retryable inside a sync
	KindRateLimited        ErrorKind = "rate_limited"
	KindUnreachable        ErrorKind = "unreachable"
	KindBackendUnavailable ErrorKind = "backend_unavailable"
	KindPartialTransport   ErrorKind = "partial_transport"

	// Per record, surfaced as counters
	KindMalformed   ErrorKind = "malformed"
	KindSchemaDrift ErrorKind = "schema_drift"
	KindFilteredOut ErrorKind = "filtered_out"

	// Per entity, returned to the caller
	KindNotFound         ErrorKind = "not_found"
	KindPermissionDenied ErrorKind = "permission_denied"
	KindConflict         ErrorKind = "conflict"
	KindValidation       ErrorKind = "validation"
	KindSerialization    ErrorKind = "serialization"

	// Fatal to a sync
	KindAuthFailed       ErrorKind = "auth_failed"
	KindQuarantined      ErrorKind = "quarantined"
	KindDeadlineExceeded ErrorKind = "deadline_exceeded"
	KindCancelled        ErrorKind = "cancelled"
	KindTimeout          ErrorKind = "timeout"

	// Fatal to the engine
	KindStorageCorrupted ErrorKind = "storage_corrupted"
)

// Sentinels for errors.Is comparisons. Matching is by kind, so
// errors.Is(NewError(KindNotFound, "get", nil), ErrNotFound) is true.
var (
	ErrRateLimited        = &Error{Kind: KindRateLimited}
	ErrUnreachable        = &Error{Kind: KindUnreachable}
	ErrBackendUnavailable = &Error{Kind: KindBackendUnavailable}
	ErrPartialTransport   = &Error{Kind: KindPartialTransport}
	ErrMalformed          = &Error{Kind: KindMalformed}
	ErrSchemaDrift        = &Error{Kind: KindSchemaDrift}
	ErrFilteredOut        = &Error{Kind: KindFilteredOut}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrPermissionDenied   = &Error{Kind: KindPermissionDenied}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrValidation         = &Error{Kind: KindValidation}
	ErrSerialization      = &Error{Kind: KindSerialization}
	ErrAuthFailed         = &Error{Kind: KindAuthFailed}
	ErrQuarantined        = &Error{Kind: KindQuarantined}
	ErrDeadlineExceeded   = &Error{Kind: KindDeadlineExceeded}
	ErrCancelled          = &Error{Kind: KindCancelled}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrStorageCorrupted   = &Error{Kind: KindStorageCorrupted}
)

// Error is the typed error carried across component boundaries
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error

	// RetryAfter is the server supplied hint for KindRateLimited
	RetryAfter time.Duration
}

// NewError creates a typed error for an operation
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf creates a typed error with a formatted cause
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first typed error in the chain.
// Context errors are mapped to cancellation kinds.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return ""
}

// IsRetryable reports whether the error is recovered locally with backoff
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindUnreachable, KindBackendUnavailable, KindPartialTransport:
		return true
	}
	return false
}

// IsPerRecord reports whether the error only affects a single record
func IsPerRecord(err error) bool {
	switch KindOf(err) {
	case KindMalformed, KindSchemaDrift, KindFilteredOut:
		return true
	}
	return false
}

// IsFatalToSync reports whether the error terminates the enclosing sync job
func IsFatalToSync(err error) bool {
	switch KindOf(err) {
	case KindAuthFailed, KindQuarantined, KindDeadlineExceeded, KindCancelled, KindTimeout, KindStorageCorrupted:
		return true
	}
	return false
}

// RetryAfter extracts a rate limit hint from the chain, zero if none
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimited {
		return e.RetryAfter
	}
	return 0
}

// FromContext converts a context error into a typed error
func FromContext(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(KindDeadlineExceeded, op, err)
	case errors.Is(err, context.Canceled):
		return NewError(KindCancelled, op, err)
	}
	return err
}
