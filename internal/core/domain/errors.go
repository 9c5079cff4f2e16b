package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers branch on data instead of on
// error message shape. Only Network and Timeout are retryable.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindNotFound     ErrorKind = "not_found"
	KindConflict     ErrorKind = "conflict"
	KindDeclined     ErrorKind = "payment_declined"
	KindNetwork      ErrorKind = "network"
	KindTimeout      ErrorKind = "timeout"
	KindCircuitOpen  ErrorKind = "circuit_open"
	KindRefundFailed ErrorKind = "refund_failed"
	KindInternal     ErrorKind = "internal"
)

// ErrDuplicateIdempotencyKey is the storage-level rejection of a reused
// idempotency key. Callers match it with errors.Is to tell a replayed
// request apart from other conflicts.
var ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")

type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindTimeout
}

// E builds a tagged error.
func E(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap tags an underlying error.
func Wrap(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from err, or KindInternal for untagged errors.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err is a tagged transient failure.
func IsRetryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable()
	}
	return false
}
