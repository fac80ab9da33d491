package http

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type hookRecorder struct {
	calls   []string
	before  bool
	maxIdle time.Duration
}

func (h *hookRecorder) Process(req *Request, resp *Response) (bool, error) {
	h.calls = append(h.calls, "process")
	return true, nil
}

func (h *hookRecorder) OnBeforeOutputStreamSet(req *Request, resp *Response) bool {
	h.calls = append(h.calls, "before")
	return h.before
}

func (h *hookRecorder) OnBytesRead(req *Request, finished bool) {
	if finished {
		h.calls = append(h.calls, "read-finished")
		return
	}
	h.calls = append(h.calls, "read")
}

func (h *hookRecorder) OnError(req *Request, err error) { h.calls = append(h.calls, "error") }

func (h *hookRecorder) OnClosed(req *Request, err error) { h.calls = append(h.calls, "closed") }

func (h *hookRecorder) MaxIdle() time.Duration { return h.maxIdle }

func (h *hookRecorder) MaxIncomingSize() int64 { return -1 }

func TestChainProcess(t *testing.T) {
	var order []int
	step := func(i int, cont bool) Handler {
		return HandlerFunc(func(req *Request, resp *Response) (bool, error) {
			order = append(order, i)
			return cont, nil
		})
	}

	c := Chain{step(1, true), step(2, false), step(3, true)}
	require.NoError(t, c.Process(NewRequest(), NewResponse()))
	require.Equal(t, []int{1, 2}, order)
}

func TestChainFailures(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		boom := errors.New("boom")
		c := Chain{HandlerFunc(func(*Request, *Response) (bool, error) { return false, boom })}
		err := c.Process(NewRequest(), NewResponse())
		require.ErrorIs(t, err, ErrServerError)
		require.ErrorIs(t, err, boom)
	})

	t.Run("panic", func(t *testing.T) {
		c := Chain{HandlerFunc(func(*Request, *Response) (bool, error) { panic("bad") })}
		err := c.Process(NewRequest(), NewResponse())
		require.ErrorIs(t, err, ErrServerError)
		require.Equal(t, 503, StatusFor(err))
	})
}

func TestChainHooks(t *testing.T) {
	a := &hookRecorder{before: true, maxIdle: -1}
	b := &hookRecorder{before: false, maxIdle: 3 * time.Second}
	c := Chain{a, b}
	req := NewRequest()

	cont, err := c.OnBeforeOutputStreamSet(req, NewResponse())
	require.NoError(t, err)
	require.False(t, cont)

	require.NoError(t, c.OnBytesRead(req, false))
	require.NoError(t, c.OnBytesRead(req, true))
	c.OnError(req, ErrIO)
	c.OnClosed(req, nil)

	require.Equal(t, []string{"before", "read", "read-finished", "error", "closed"}, a.calls)
	require.Equal(t, 3*time.Second, c.MaxIdle())
	require.Equal(t, int64(-1), c.MaxIncomingSize())
	require.Equal(t, time.Duration(-1), Chain{}.MaxIdle())
}

func TestDefaultErrorHandler(t *testing.T) {
	resp := NewResponse()
	resp.SetHeader("X-Stale", "1")
	require.NoError(t, DefaultErrorHandler.HandleError(NewRequest(), resp, ErrNotFound, nil))
	require.Equal(t, 404, resp.Status)
	require.False(t, resp.Headers.Has("X-Stale"))
	require.Equal(t, int64(len("Not Found\n")), resp.ContentLength)
}

func TestSafeHandleError(t *testing.T) {
	panicky := ErrorHandlerFunc(func(*Request, *Response, error, error) error {
		panic("boom")
	})
	err := SafeHandleError(panicky, NewRequest(), NewResponse(), ErrNotFound, nil)
	require.ErrorIs(t, err, ErrServerError)
	require.ErrorContains(t, err, "panic: boom")

	require.NoError(t, SafeHandleError(DefaultErrorHandler, NewRequest(), NewResponse(), ErrNotFound, nil))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("reset by peer")
	err := NewError(ErrIO, cause)
	require.ErrorIs(t, err, ErrIO)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "connection i/o failed: reset by peer", err.Error())
	require.Equal(t, 400, StatusFor(ErrRequestTooLarge))
}
