package http

import (
	"fmt"
	"time"
)

// Handler processes a request. Returning false stops the rest of the chain.
type Handler interface {
	Process(req *Request, resp *Response) (bool, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(req *Request, resp *Response) (bool, error)

// Process calls f(req, resp)
func (f HandlerFunc) Process(req *Request, resp *Response) (bool, error) {
	return f(req, resp)
}

// Optional hooks a Handler may implement.
type (
	// OutputStreamHook runs once the request headers are parsed, before the
	// body arrives. Returning false means the response is complete: the body
	// is not waited for and Process is skipped.
	OutputStreamHook interface {
		OnBeforeOutputStreamSet(req *Request, resp *Response) bool
	}

	// BytesReadHook is told about every read while the body accumulates.
	// finished is true once the whole body has been received.
	BytesReadHook interface {
		OnBytesRead(req *Request, finished bool)
	}

	// ErrorHook is told when the chain failed
	ErrorHook interface {
		OnError(req *Request, err error)
	}

	// ClosedHook is told when the connection carrying req closes. err is nil
	// for an orderly close.
	ClosedHook interface {
		OnClosed(req *Request, err error)
	}

	// LimitsHook overrides the engine defaults for idle time and request
	// size. A negative value keeps the default; a zero MaxIdle disables the
	// idle limit.
	LimitsHook interface {
		MaxIdle() time.Duration
		MaxIncomingSize() int64
	}
)

// Chain is the ordered list of handlers resolved for a request path
type Chain []Handler

// OnBeforeOutputStreamSet runs every OutputStreamHook until one returns false
func (c Chain) OnBeforeOutputStreamSet(req *Request, resp *Response) (cont bool, err error) {
	defer recoverInto(&err)
	for _, h := range c {
		if hook, ok := h.(OutputStreamHook); ok && !hook.OnBeforeOutputStreamSet(req, resp) {
			return false, nil
		}
	}
	return true, nil
}

// Process runs the handlers in order until one returns false or fails.
// Failures and panics are reported as ErrServerError.
func (c Chain) Process(req *Request, resp *Response) (err error) {
	defer recoverInto(&err)
	for _, h := range c {
		cont, err := h.Process(req, resp)
		if err != nil {
			return NewError(ErrServerError, err)
		}
		if !cont {
			break
		}
	}
	return nil
}

// OnBytesRead notifies every BytesReadHook
func (c Chain) OnBytesRead(req *Request, finished bool) (err error) {
	defer recoverInto(&err)
	for _, h := range c {
		if hook, ok := h.(BytesReadHook); ok {
			hook.OnBytesRead(req, finished)
		}
	}
	return nil
}

// OnError notifies every ErrorHook. Panics are swallowed.
func (c Chain) OnError(req *Request, err error) {
	for _, h := range c {
		if hook, ok := h.(ErrorHook); ok {
			func() {
				defer func() { _ = recover() }()
				hook.OnError(req, err)
			}()
		}
	}
}

// OnClosed notifies every ClosedHook. Panics are swallowed.
func (c Chain) OnClosed(req *Request, err error) {
	for _, h := range c {
		if hook, ok := h.(ClosedHook); ok {
			func() {
				defer func() { _ = recover() }()
				hook.OnClosed(req, err)
			}()
		}
	}
}

// MaxIdle returns the first non-negative MaxIdle of the chain, or -1
func (c Chain) MaxIdle() time.Duration {
	for _, h := range c {
		if hook, ok := h.(LimitsHook); ok {
			if d := hook.MaxIdle(); d >= 0 {
				return d
			}
		}
	}
	return -1
}

// MaxIncomingSize returns the first non-negative MaxIncomingSize of the chain, or -1
func (c Chain) MaxIncomingSize() int64 {
	for _, h := range c {
		if hook, ok := h.(LimitsHook); ok {
			if n := hook.MaxIncomingSize(); n >= 0 {
				return n
			}
		}
	}
	return -1
}

func recoverInto(err *error) {
	if r := recover(); r != nil {
		*err = NewError(ErrServerError, fmt.Errorf("panic: %v", r))
	}
}

// Router resolves the handler chain for a request target. A nil chain means
// no handler matches.
type Router interface {
	Resolve(fullPath, path, query string) (Chain, Params)
}

// ErrorHandler renders the response for a failed request. kind is one of the
// Err* failure kinds, cause the underlying fault if any.
type ErrorHandler interface {
	HandleError(req *Request, resp *Response, kind, cause error) error
}

// ErrorHandlerFunc adapts a function to ErrorHandler
type ErrorHandlerFunc func(req *Request, resp *Response, kind, cause error) error

// HandleError calls f
func (f ErrorHandlerFunc) HandleError(req *Request, resp *Response, kind, cause error) error {
	return f(req, resp, kind, cause)
}

// SafeHandleError calls h, turning a panic into an ErrServerError
func SafeHandleError(h ErrorHandler, req *Request, resp *Response, kind, cause error) (err error) {
	defer recoverInto(&err)
	return h.HandleError(req, resp, kind, cause)
}

// DefaultErrorHandler writes the status text of the kind as a plain body
var DefaultErrorHandler ErrorHandler = ErrorHandlerFunc(func(req *Request, resp *Response, kind, cause error) error {
	code := StatusFor(kind)
	resp.Headers.Reset()
	resp.String(code, StatusText(code)+"\n")
	return nil
})
