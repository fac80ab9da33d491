package core

import (
	"errors"
	"io"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/QubitProducts/topNET-sub000/core/http"
	"github.com/QubitProducts/topNET-sub000/core/poller"
	"github.com/QubitProducts/topNET-sub000/core/stream"
	"github.com/QubitProducts/topNET-sub000/core/workers"
)

// Connection states
type connState uint8

const (
	stateReadingHeaders connState = iota
	stateReadingBody
	stateDispatching
	stateWriting
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateReadingHeaders:
		return "reading-headers"
	case stateReadingBody:
		return "reading-body"
	case stateDispatching:
		return "dispatching"
	case stateWriting:
		return "writing"
	default:
		return "closed"
	}
}

// exchange is the pooled request/response pair of one HTTP exchange
type exchange struct {
	req  *http.Request
	resp *http.Response
}

// Connection is one client socket driven as a non-blocking state machine.
// It is a workers.Job: a single worker steps it at a time, so none of the
// non-atomic fields need locking.
type Connection struct {
	workers.Ownership

	engine *Engine
	fd     int
	remote string

	state  connState
	stream *stream.BytesStream // request bytes, then the staged response
	parser *http.Parser
	ex     *exchange
	chain  http.Chain
	wake   func()

	pipelined   []byte // bytes of the next request that arrived early
	head        []byte
	keepAlive   bool
	bodyDone    bool
	bodyWritten int64
	received    int64 // bytes read for the current request
	closeCause  error

	lastActive atomic.Int64
	assigned   atomic.Bool
	closed     atomic.Bool
}

func newConnection(e *Engine) *Connection {
	c := &Connection{
		engine: e,
		fd:     -1,
		stream: stream.New(stream.Options{
			SegmentSize:      e.cfg.SegmentSize,
			MaxSize:          int(e.cfg.MaxMessageSize),
			RecycleThreshold: e.cfg.RecycleThreshold,
		}, e.bytePool),
		parser: http.NewParser(http.ParserOptions{MaxLineSize: e.cfg.MaxLineSize}),
	}
	c.wake = func() { e.sched.Wake(c) }
	return c
}

// Reset implements pools.Poolable
func (c *Connection) Reset() {
	c.fd = -1
	c.remote = ""
	c.state = stateReadingHeaders
	c.ex = nil
	c.chain = nil
	if cap(c.pipelined) > c.engine.cfg.MinRetainedSize {
		c.pipelined = nil
	}
	c.pipelined = c.pipelined[:0]
	c.head = c.head[:0]
	c.keepAlive = false
	c.bodyDone = false
	c.bodyWritten = 0
	c.received = 0
	c.closeCause = nil
	c.parser.Reset()
	c.lastActive.Store(0)
	c.assigned.Store(false)
	c.closed.Store(false)
}

func (c *Connection) attach(fd int, remote string, now time.Time) {
	c.fd = fd
	c.remote = remote
	c.touch(now)
}

func (c *Connection) touch(now time.Time) {
	c.lastActive.Store(now.UnixNano())
}

// Fd returns the socket descriptor
func (c *Connection) Fd() int {
	return c.fd
}

// RemoteAddr returns the peer address
func (c *Connection) RemoteAddr() string {
	return c.remote
}

// Idle implements workers.Job
func (c *Connection) Idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActive.Load()))
}

// BytesRead implements workers.Job
func (c *Connection) BytesRead() int64 {
	return c.received
}

// Limits implements workers.Job. The resolved chain can override the
// engine defaults.
func (c *Connection) Limits() (time.Duration, int64) {
	if c.chain == nil {
		return -1, -1
	}
	return c.chain.MaxIdle(), c.chain.MaxIncomingSize()
}

// Step implements workers.Job
func (c *Connection) Step(now time.Time) int {
	switch c.state {
	case stateReadingHeaders, stateReadingBody:
		return c.read(now)
	case stateWriting:
		return c.write(now)
	}
	return -1
}

func (c *Connection) reading() bool {
	return c.state == stateReadingHeaders || c.state == stateReadingBody
}

// begin takes a request/response pair for the next request
func (c *Connection) begin(now time.Time) {
	if c.ex != nil {
		return
	}
	c.ex = c.engine.exchanges.Get()
	c.ex.req.RemoteAddr = c.remote
	c.ex.req.StartedAt = now
}

// read pulls socket bytes into the chain until EAGAIN, the request is
// complete, or the peer goes away, parsing as it goes.
func (c *Connection) read(now time.Time) int {
	progress := 0

	if len(c.pipelined) > 0 {
		c.begin(now)
		n, err := c.stream.Write(c.pipelined)
		c.pipelined = c.pipelined[:0]
		progress += n
		c.touch(now)
		if err != nil {
			c.fail(http.ErrRequestTooLarge, err, now)
		} else {
			c.received += int64(n)
			c.flushReads(n, now)
		}
	}

	for c.reading() {
		seg, err := c.stream.WriteSegment()
		if err != nil {
			c.begin(now)
			c.fail(http.ErrRequestTooLarge, err, now)
			break
		}
		n, err := unix.Read(c.fd, seg)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if wouldBlock(err) {
				return progress
			}
			c.closeCause = http.NewError(http.ErrIO, err)
			return -1
		}
		if n == 0 {
			// peer closed
			return -1
		}
		c.stream.Commit(n)
		c.received += int64(n)
		progress += n
		c.touch(now)
		c.begin(now)
		c.flushReads(n, now)
	}

	switch c.state {
	case stateWriting:
		n := c.write(now)
		if n < 0 {
			return n
		}
		return progress + n
	case stateClosed:
		return -1
	}
	return progress
}

// flushReads advances parsing after n new bytes were buffered
func (c *Connection) flushReads(n int, now time.Time) {
	req := c.ex.req

	if c.state == stateReadingHeaders {
		done, err := c.parser.Parse(c.stream, req)
		if err != nil {
			c.fail(parseKind(err), err, now)
			return
		}
		if !done {
			return
		}
		c.headersDone(now)
		if c.state != stateReadingBody {
			return
		}
	} else {
		req.Body.Received(n)
	}

	if !req.Body.Complete() {
		if err := c.chain.OnBytesRead(req, false); err != nil {
			c.fail(http.ErrServerError, causeOf(err), now)
			return
		}
		c.stream.Recycle()
		return
	}
	if err := c.chain.OnBytesRead(req, true); err != nil {
		c.fail(http.ErrServerError, causeOf(err), now)
		return
	}
	c.dispatch(now)
}

func (c *Connection) responseProto() http.Protocol {
	// 0.9 clients cannot read a head
	if c.ex.req.Proto == http.HTTP09 {
		return http.HTTP09
	}
	if p := c.engine.proto; p != http.ProtoUnknown {
		return p
	}
	if p := c.ex.req.Proto; p != http.ProtoUnknown {
		return p
	}
	return http.HTTP10
}

func (c *Connection) headersDone(now time.Time) {
	e := c.engine
	req, resp := c.ex.req, c.ex.resp

	resp.Proto = c.responseProto()
	resp.HeadersOnly = req.Method == http.MethodHead

	chain, params := e.router.Resolve(req.FullPath, req.Path, req.Query)
	if chain == nil {
		c.fail(http.ErrNotFound, nil, now)
		return
	}
	c.chain = chain
	req.Params = append(req.Params[:0], params...)

	if http.BodyRequired(req.Method) && req.ContentLength < 0 {
		c.fail(http.ErrBadContentLength, errors.New("missing content length"), now)
		return
	}

	if req.Proto == http.HTTP09 {
		req.Body.Attach(c.stream, -1)
	} else {
		req.Body.Attach(c.stream, max(req.ContentLength, 0))
	}

	cont, err := chain.OnBeforeOutputStreamSet(req, resp)
	if err != nil {
		c.fail(http.ErrServerError, causeOf(err), now)
		return
	}
	if !cont {
		if !req.Body.Complete() {
			resp.ForceClose = true
		}
		c.respond(now)
		return
	}

	if req.Proto == http.HTTP09 || req.ContentLength <= 0 {
		c.dispatch(now)
		return
	}
	c.state = stateReadingBody
}

func (c *Connection) dispatch(now time.Time) {
	c.state = stateDispatching
	if err := c.chain.Process(c.ex.req, c.ex.resp); err != nil {
		c.fail(http.ErrServerError, causeOf(err), now)
		return
	}
	c.respond(now)
}

// fail renders the error response for kind. The connection always closes
// once it is flushed.
func (c *Connection) fail(kind, cause error, now time.Time) {
	e := c.engine
	req, resp := c.ex.req, c.ex.resp
	err := http.NewError(kind, cause)
	e.stats.errors.Inc()

	if !c.parser.Done() {
		// whatever followed the bad header block is handed over as body
		req.Body.Attach(c.stream, -1)
	}
	if c.chain != nil {
		c.chain.OnError(req, err)
	}

	resp.Reset()
	resp.Proto = c.responseProto()
	resp.HeadersOnly = req.Method == http.MethodHead
	if herr := http.SafeHandleError(e.errorHandler, req, resp, kind, cause); herr != nil {
		e.logger.Printf("engine: error handler failed on %q from %s: %v", err, c.remote, herr)
		c.closeCause = err
		c.state = stateClosed
		return
	}
	resp.ForceClose = true
	c.closeCause = err
	c.respond(now)
}

func (c *Connection) shouldKeepAlive() bool {
	req, resp := c.ex.req, c.ex.resp
	switch {
	case resp.ForceClose, c.engine.closing.Load():
		return false
	case req.Proto == http.HTTP09:
		return false
	case req.WantsClose():
		return false
	case resp.Proto != http.HTTP11 && !req.WantsKeepAlive():
		return false
	case resp.ContentLength < 0:
		return false
	}
	return true
}

// respond stages the response head and switches the socket to writing
func (c *Connection) respond(now time.Time) {
	e := c.engine
	req, resp := c.ex.req, c.ex.resp

	req.Body.Discard()
	if resp.Source() == nil && resp.ContentLength < 0 {
		resp.ContentLength = 0
	}
	if resp.Source() == nil && !resp.HeadersOnly && resp.ContentLength > 0 {
		resp.ForceClose = true
	}
	c.keepAlive = c.shouldKeepAlive()

	if n := c.stream.Available(); n > 0 && c.keepAlive {
		c.pipelined = slices.Grow(c.pipelined[:0], n)[:n]
		n, _ = io.ReadFull(c.stream, c.pipelined)
		c.pipelined = c.pipelined[:n]
	}

	c.stream.Reset()
	c.head = resp.AppendHead(c.head[:0], e.serverName, now, c.keepAlive)
	if _, err := c.stream.Write(c.head); err != nil {
		c.closeCause = http.NewError(http.ErrServerError, err)
		c.state = stateClosed
		return
	}

	c.bodyDone = resp.HeadersOnly || resp.Source() == nil
	c.bodyWritten = 0
	if a := resp.AsyncBody(); a != nil {
		a.SetNotify(c.wake)
	}

	c.state = stateWriting
	if err := e.poller.Mod(c.fd, poller.Writable, true); err != nil {
		c.closeCause = http.NewError(http.ErrIO, err)
		c.state = stateClosed
	}
}

// write alternates between staging body bytes and draining them to the
// socket. It returns 0 while the socket is full or an async producer has
// nothing ready.
func (c *Connection) write(now time.Time) int {
	progress := 0
	for {
		if c.stream.Available() == 0 {
			if c.bodyDone {
				return c.finish(now, progress)
			}
			c.stream.Reset()
			n, err := c.fill()
			if err != nil {
				c.closeCause = http.NewError(http.ErrServerError, err)
				return -1
			}
			if n == 0 && !c.bodyDone {
				return progress
			}
			continue
		}

		n, err := c.drain()
		progress += n
		if n > 0 {
			c.touch(now)
		}
		if err != nil {
			if wouldBlock(err) {
				return progress
			}
			c.closeCause = http.NewError(http.ErrIO, err)
			return -1
		}
	}
}

// fill stages up to MaxFillSize body bytes, never more than the declared
// length
func (c *Connection) fill() (int, error) {
	resp := c.ex.resp
	src := resp.Source()

	limit := c.engine.cfg.MaxFillSize
	if resp.ContentLength >= 0 {
		left := resp.ContentLength - c.bodyWritten
		if left <= 0 {
			c.bodyDone = true
			return 0, nil
		}
		limit = int(min(int64(limit), left))
	}

	filled := 0
	for filled < limit {
		seg, err := c.stream.WriteSegment()
		if err != nil {
			break
		}
		if len(seg) > limit-filled {
			seg = seg[:limit-filled]
		}
		n, err := src.Read(seg)
		if n > 0 {
			c.stream.Commit(n)
			filled += n
			c.bodyWritten += int64(n)
		}
		if err == io.EOF {
			if resp.ContentLength >= 0 && c.bodyWritten < resp.ContentLength {
				// short body: the framing is broken, so the socket must go
				c.keepAlive = false
			}
			c.bodyDone = true
			break
		}
		if err != nil {
			return filled, err
		}
		if n == 0 {
			break
		}
	}
	if resp.ContentLength >= 0 && c.bodyWritten >= resp.ContentLength {
		c.bodyDone = true
	}
	return filled, nil
}

// drain writes staged bytes until the chain is empty or the socket is full
func (c *Connection) drain() (int, error) {
	total := 0
	for {
		chunk := c.stream.Readable()
		if len(chunk) == 0 {
			return total, nil
		}
		n, err := unix.Write(c.fd, chunk)
		if n > 0 {
			c.stream.Skip(n)
			total += n
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return total, err
		}
	}
}

// finish completes the exchange and either closes the connection or
// rearms it for the next request
func (c *Connection) finish(now time.Time, progress int) int {
	e := c.engine
	req, resp := c.ex.req, c.ex.resp

	_ = resp.Close()
	e.record(req, resp, now)

	if !c.keepAlive || e.closing.Load() {
		return -1
	}

	e.exchanges.Put(c.ex)
	c.ex = nil
	c.chain = nil
	c.closeCause = nil
	c.received = 0
	c.parser.Reset()
	c.stream.Reset()
	c.stream.Shrink(e.cfg.MinRetainedSize)
	c.state = stateReadingHeaders

	if err := e.poller.Mod(c.fd, poller.Readable, true); err != nil {
		c.closeCause = http.NewError(http.ErrIO, err)
		return -1
	}
	return max(progress, 1)
}

// Close implements workers.Job. It is idempotent.
func (c *Connection) Close(err error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if err == nil {
		err = c.closeCause
	}
	e := c.engine

	if c.chain != nil && c.ex != nil {
		c.chain.OnClosed(c.ex.req, err)
	}
	c.state = stateClosed
	e.forget(c)

	if c.ex != nil {
		_ = c.ex.resp.Close()
		e.exchanges.Put(c.ex)
		c.ex = nil
	}
	c.stream.Release()
	if w := c.Owner(); w != nil {
		c.Release(w)
	}
	e.connPool.Put(c)
}

func parseKind(err error) error {
	for _, kind := range []error{http.ErrHeaderTooLarge, http.ErrBadContentLength, http.ErrMalformed} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return http.ErrMalformed
}

// causeOf strips the ErrServerError wrapping added by the chain
func causeOf(err error) error {
	var herr *http.Error
	if errors.As(err, &herr) && herr.Cause != nil {
		return herr.Cause
	}
	return err
}
