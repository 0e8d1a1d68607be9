// Package apperr defines the error taxonomy shared by the conversation core
// and its transports. Every failure surfaced to a caller is an *Error with a
// Kind that maps to a transport-level status and a message safe for display.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for transport mapping.
type Kind int

const (
	KindUpstream Kind = iota // record store or blob store failure
	KindValidation
	KindUnauthorized
	KindNotFound
	KindConflict
	KindRateLimited
)

// String returns the kind's wire name.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "upstream"
	}
}

// Error is a classified error. Message is shown to clients; Err, if set, is
// the underlying cause and is only logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so errors.Is(err, apperr.ErrNotFound)
// works for any not-found error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrValidation   = &Error{Kind: KindValidation}
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrUpstream     = &Error{Kind: KindUpstream}
	ErrRateLimited  = &Error{Kind: KindRateLimited}
)

func Validation(msg string) *Error   { return &Error{Kind: KindValidation, Message: msg} }
func Unauthorized(msg string) *Error { return &Error{Kind: KindUnauthorized, Message: msg} }
func NotFound(msg string) *Error     { return &Error{Kind: KindNotFound, Message: msg} }
func Conflict(msg string) *Error     { return &Error{Kind: KindConflict, Message: msg} }
func RateLimited(msg string) *Error  { return &Error{Kind: KindRateLimited, Message: msg} }

// Upstream wraps a store or blob failure.
func Upstream(msg string, err error) *Error {
	return &Error{Kind: KindUpstream, Message: msg, Err: err}
}

// KindOf returns the kind of err. Unclassified errors are upstream failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUpstream
}

// Message returns the display-safe message for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal server error"
}

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
