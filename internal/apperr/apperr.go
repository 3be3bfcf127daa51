// Package apperr defines the error taxonomy shared by the editing and upload
// protocols and maps it onto HTTP status codes at the API edge.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failure by how callers should react to it.
type Kind string

const (
	KindInternal            Kind = "INTERNAL_ERROR"
	KindNotFound            Kind = "NOT_FOUND"
	KindUnauthorized        Kind = "UNAUTHORIZED"
	KindInvalidArgument     Kind = "INVALID_ARGUMENT"
	KindInvalidState        Kind = "INVALID_STATE"
	KindUpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
	KindCorrupted           Kind = "CORRUPTED"
)

// Error carries a Kind along with the operation that failed.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(strings.ToLower(string(e.Kind)))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, apperr.ErrNotFound) match any error of that kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrInvalidArgument     = &Error{Kind: KindInvalidArgument}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable}
	ErrCorrupted           = &Error{Kind: KindCorrupted}
)

// E builds an error of kind k.
func E(k Kind, op, format string, args ...any) *Error {
	return &Error{Kind: k, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind k to err.
func Wrap(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err}
}

func NotFound(op, format string, args ...any) *Error {
	return E(KindNotFound, op, format, args...)
}

func Unauthorized(op, format string, args ...any) *Error {
	return E(KindUnauthorized, op, format, args...)
}

func InvalidArgument(op, format string, args ...any) *Error {
	return E(KindInvalidArgument, op, format, args...)
}

func InvalidState(op, format string, args ...any) *Error {
	return E(KindInvalidState, op, format, args...)
}

func Upstream(op string, err error) *Error {
	return Wrap(KindUpstreamUnavailable, op, err)
}

func Corrupted(op, format string, args ...any) *Error {
	return E(KindCorrupted, op, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether a caller layer may retry err.
func Retryable(err error) bool {
	return KindOf(err) == KindUpstreamUnavailable
}

// HTTPStatus maps a kind to the status code used by the API.
func HTTPStatus(k Kind) int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusForbidden
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindInvalidState:
		return http.StatusConflict
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindCorrupted:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
