package http

import (
	"errors"
	nethttp "net/http"
)

// Failure kinds recorded on a connection before the error handler runs
var (
	ErrNotFound         = errors.New("no handler for path")
	ErrMalformed        = errors.New("malformed request headers")
	ErrHeaderTooLarge   = errors.New("header line too large")
	ErrBadContentLength = errors.New("bad content length")
	ErrRequestTooLarge  = errors.New("request too large")
	ErrServerError      = errors.New("handler failed")
	ErrIO               = errors.New("connection i/o failed")
)

// ErrBodyPending is returned by Body.Read when the next body bytes have not
// arrived from the peer yet
var ErrBodyPending = errors.New("http: body bytes not yet received")

// Error pairs a failure kind with the fault that caused it.
// errors.Is matches both the kind and the cause.
type Error struct {
	Kind  error
	Cause error
}

// NewError wraps cause under kind
func NewError(kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// StatusFor maps a failure to its default response status
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return nethttp.StatusNotFound
	case errors.Is(err, ErrMalformed),
		errors.Is(err, ErrHeaderTooLarge),
		errors.Is(err, ErrBadContentLength),
		errors.Is(err, ErrRequestTooLarge):
		return nethttp.StatusBadRequest
	default:
		return nethttp.StatusServiceUnavailable
	}
}

// StatusText returns the reason phrase for code
func StatusText(code int) string {
	if text := nethttp.StatusText(code); text != "" {
		return text
	}
	return "Unknown"
}
