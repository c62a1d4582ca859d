// Package apperr defines the caller-facing error taxonomy shared by every
// entitlement component.
//
// Expected outcomes (validation failures, permission denials, state machine
// violations, quota rejections) are returned as *Error values carrying a Kind.
// Storage and transport failures are wrapped as KindUnavailable or
// KindInternal so the API layer can log the cause and answer with a generic
// message.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers
type Kind string

const (
	KindValidation    Kind = "validation_error"
	KindPermission    Kind = "permission_denied"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindExpired       Kind = "expired_resource"
	KindInvalidState  Kind = "invalid_state_transition"
	KindQuotaExceeded Kind = "quota_exceeded"
	KindUnavailable   Kind = "unavailable"
	KindInternal      Kind = "internal"
)

// Error is an error with a kind and a human readable message
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil && (e.Kind == KindUnavailable || e.Kind == KindInternal) {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Kinded is implemented by errors that know their own kind
type Kinded interface {
	ErrorKind() Kind
}

// ErrorKind returns the kind of the error
func (e *Error) ErrorKind() Kind {
	return e.Kind
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation returns a malformed-input error
func Validation(format string, args ...any) *Error {
	return newf(KindValidation, format, args...)
}

// PermissionDenied returns a role hierarchy violation
func PermissionDenied(format string, args ...any) *Error {
	return newf(KindPermission, format, args...)
}

// NotFound returns an absent-resource error
func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, format, args...)
}

// Conflict returns a uniqueness or ownership conflict
func Conflict(format string, args ...any) *Error {
	return newf(KindConflict, format, args...)
}

// Expired returns an error for a resource past its expiry
func Expired(format string, args ...any) *Error {
	return newf(KindExpired, format, args...)
}

// InvalidState returns a state machine violation
func InvalidState(format string, args ...any) *Error {
	return newf(KindInvalidState, format, args...)
}

// Unavailable wraps a storage or transport failure. Retryable should only be
// set when the failed operation is idempotent.
func Unavailable(err error, retryable bool, format string, args ...any) *Error {
	e := newf(KindUnavailable, format, args...)
	e.Err = err
	e.Retryable = retryable
	return e
}

// Internal wraps an unexpected failure
func Internal(err error, format string, args ...any) *Error {
	e := newf(KindInternal, format, args...)
	e.Err = err
	return e
}

// Storage passes already classified errors through and wraps anything else
// as Unavailable. Nil stays nil.
func Storage(err error, retryable bool, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var k Kinded
	if errors.As(err, &k) {
		return err
	}
	return Unavailable(err, retryable, format, args...)
}

// KindOf returns the kind of err, KindInternal for unclassified errors and
// the empty kind for nil
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the caller may safely retry
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// HTTPStatus maps a kind to the status code used by the API layer
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindPermission:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindInvalidState:
		return http.StatusConflict
	case KindExpired:
		return http.StatusGone
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show to callers. Unexpected
// failures never expose their cause.
func PublicMessage(err error) string {
	switch KindOf(err) {
	case KindUnavailable:
		return "service temporarily unavailable"
	case KindInternal:
		return "internal server error"
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	var k Kinded
	if errors.As(err, &k) {
		return err.Error()
	}
	return "internal server error"
}
