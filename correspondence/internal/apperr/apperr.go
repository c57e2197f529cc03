// Package apperr defines the error kinds shared by the lifecycle engine.
// Business kinds (NotFound, InvalidTransition, InvalidInput) surface to
// callers as 4xx results; the remaining kinds are infrastructure failures.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindInvalidTransition
	KindInvalidInput
	KindTransient
	KindExternal
	KindRejected
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindInvalidInput:
		return "invalid_input"
	case KindTransient:
		return "transient"
	case KindExternal:
		return "external"
	case KindRejected:
		return "rejected"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return e.Msg + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Msg
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an error of the given kind.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. Wrapping nil returns nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func NotFound(format string, args ...any) error {
	return New(KindNotFound, format, args...)
}

func InvalidTransition(format string, args ...any) error {
	return New(KindInvalidTransition, format, args...)
}

func InvalidInput(format string, args ...any) error {
	return New(KindInvalidInput, format, args...)
}

func Transient(err error, format string, args ...any) error {
	return Wrap(KindTransient, err, format, args...)
}

func External(err error, format string, args ...any) error {
	if err == nil {
		return New(KindExternal, format, args...)
	}
	return Wrap(KindExternal, err, format, args...)
}

func Rejected(err error, format string, args ...any) error {
	if err == nil {
		return New(KindRejected, format, args...)
	}
	return Wrap(KindRejected, err, format, args...)
}

func Fatal(format string, args ...any) error {
	return New(KindFatal, format, args...)
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

func IsInvalidTransition(err error) bool {
	return KindOf(err) == KindInvalidTransition
}

// IsBusiness reports whether err describes a caller-visible rule violation
// rather than an infrastructure failure.
func IsBusiness(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindInvalidTransition, KindInvalidInput:
		return true
	}
	return false
}

// IsPermanent reports whether retrying err cannot succeed.
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindInvalidInput, KindRejected, KindFatal:
		return true
	}
	return false
}

// HTTPStatus maps err to the status code a caller should see.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTransition:
		return http.StatusConflict
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindExternal, KindRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
