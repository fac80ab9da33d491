package http

import (
	"io"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/QubitProducts/topNET-sub000/core/stream"
)

// Param is a path parameter captured by the router
type Param struct {
	Key   string
	Value string
}

// Params is the ordered list of captured path parameters
type Params []Param

// Get returns the value of the parameter called key
func (ps Params) Get(key string) string {
	for _, p := range ps {
		if p.Key == key {
			return p.Value
		}
	}
	return ""
}

// Request is a parsed HTTP request. Instances are pooled and reused across
// keep-alive requests on a connection; handlers must not retain one after
// the response has been written.
type Request struct {
	Method   string
	FullPath string // request target as received, query included
	Path     string
	Query    string // raw query, without '?'
	Proto    Protocol
	Headers  Headers

	// ContentLength is -1 when the request carried no Content-Length
	ContentLength int64

	Params     Params
	RemoteAddr string
	StartedAt  time.Time

	Body Body
}

// NewRequest returns an empty request
func NewRequest() *Request {
	r := &Request{}
	r.Reset()
	return r
}

// Reset clears the request for reuse (memory not freed, just reset)
func (r *Request) Reset() {
	r.Method = ""
	r.FullPath = ""
	r.Path = ""
	r.Query = ""
	r.Proto = ProtoUnknown
	r.Headers.Reset()
	r.ContentLength = -1
	r.Params = r.Params[:0]
	r.RemoteAddr = ""
	r.StartedAt = time.Time{}
	r.Body = Body{}
}

func (r *Request) setTarget(target string) {
	r.FullPath = target
	if i := strings.IndexByte(target, '?'); i >= 0 {
		r.Path = target[:i]
		r.Query = target[i+1:]
		return
	}
	r.Path = target
	r.Query = ""
}

// Header returns the first value of the named request header
func (r *Request) Header(name string) string {
	return r.Headers.Get(name)
}

// WantsClose reports whether the client sent "Connection: close"
func (r *Request) WantsClose() bool {
	return httpguts.HeaderValuesContainsToken(r.Headers.Values(HeaderConnection), "close")
}

// WantsKeepAlive reports whether the client sent "Connection: keep-alive"
func (r *Request) WantsKeepAlive() bool {
	return httpguts.HeaderValuesContainsToken(r.Headers.Values(HeaderConnection), "keep-alive")
}

// Body reads request body bytes straight out of the connection's buffer
// chain. Bytes become readable as they arrive, so a handler notified through
// OnBytesRead can drain the body before it has been fully received.
type Body struct {
	src *stream.BytesStream

	// remaining body bytes still to be read, -1 when unbounded
	remaining int64
	// bytes of the body not yet received from the peer
	pending int64
}

// Attach binds the body to src. length is the declared body size, or -1 to
// expose everything buffered after the headers.
func (b *Body) Attach(src *stream.BytesStream, length int64) {
	b.src = src
	b.remaining = length
	b.pending = 0
	if length > 0 {
		b.pending = max(length-int64(src.Available()), 0)
	}
}

// Received records n newly buffered body bytes
func (b *Body) Received(n int) {
	b.pending = max(b.pending-int64(n), 0)
}

// Complete reports whether every declared body byte has been received
func (b *Body) Complete() bool {
	return b.pending == 0
}

// Len returns how many body bytes can be read right now
func (b *Body) Len() int {
	if b.src == nil {
		return 0
	}
	n := b.src.Available()
	if b.remaining >= 0 && int64(n) > b.remaining {
		n = int(b.remaining)
	}
	return n
}

// Read implements io.Reader. It returns io.EOF after the last body byte and
// ErrBodyPending when more bytes are expected but none are buffered.
func (b *Body) Read(p []byte) (int, error) {
	if b.src == nil || b.remaining == 0 {
		return 0, io.EOF
	}
	if b.remaining > 0 && int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, _ := b.src.Read(p)
	if b.remaining > 0 {
		b.remaining -= int64(n)
	}
	if n == 0 && len(p) > 0 {
		if b.remaining > 0 {
			return 0, ErrBodyPending
		}
		return 0, io.EOF
	}
	return n, nil
}

// Bytes drains and returns every body byte buffered so far
func (b *Body) Bytes() []byte {
	out := make([]byte, b.Len())
	n, _ := io.ReadFull(b, out)
	return out[:n]
}

// Discard drops the unread rest of a bounded body that is already buffered
// and returns how many bytes were skipped.
func (b *Body) Discard() int {
	if b.src == nil || b.remaining <= 0 {
		return 0
	}
	n := b.src.Skip(int(b.remaining))
	b.remaining -= int64(n)
	return n
}
