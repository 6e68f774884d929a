package models

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind classifies failures returned across the control plane boundary.
type ErrorKind string

const (
	ErrValidation           ErrorKind = "validation_error"
	ErrRateLimited          ErrorKind = "rate_limited"
	ErrAgentUnavailable     ErrorKind = "agent_unavailable"
	ErrAgentTimeout         ErrorKind = "agent_timeout"
	ErrAgentInvalidResponse ErrorKind = "agent_invalid_response"
	ErrSubscriberOverflow   ErrorKind = "subscriber_overflow"
	ErrUpstreamEngine       ErrorKind = "upstream_engine_error"
)

// Error is the typed error carried out of Resolve and the engine.
type Error struct {
	Kind       ErrorKind
	Detail     string
	RetryAfter time.Duration
	RateLimit  *RateLimitStatus // limiter state behind a rate_limited error
	Err        error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps the error kind onto an HTTP status.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrAgentUnavailable, ErrAgentTimeout, ErrSubscriberOverflow:
		return http.StatusServiceUnavailable
	case ErrAgentInvalidResponse, ErrUpstreamEngine:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewError builds an Error with a formatted detail.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error that wraps a cause.
func WrapError(kind ErrorKind, err error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// IsKind reports whether err carries an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// AsError extracts the *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
