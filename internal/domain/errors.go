package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures observable to callers. Whether a failure is
// retryable is a property of the kind, not the call site.
type ErrorKind string

const (
	KindInvalidInput         ErrorKind = "invalid_input"
	KindIdentityUnresolved   ErrorKind = "identity_unresolved"
	KindCurveUnavailable     ErrorKind = "curve_unavailable"
	KindPredictorUnavailable ErrorKind = "predictor_unavailable"
	KindWindowExpired        ErrorKind = "window_expired"
	KindTimeout              ErrorKind = "timeout"
	KindBackendUnavailable   ErrorKind = "backend_unavailable"
)

// Error is a typed error carrying a caller-visible kind.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two domain errors by kind, so sentinel comparisons like
// errors.Is(err, &Error{Kind: KindTimeout}) work.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// E builds a typed error.
func E(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a typed error around a cause.
func Wrap(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain, or "" if untyped.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the failure is transient. Everything else is
// poison: it must not be retried and goes to the dead-letter sink on first
// occurrence.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindBackendUnavailable, KindTimeout:
		return true
	default:
		return false
	}
}
