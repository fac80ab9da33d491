package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http/httpguts"
)

// TimeFormat is the layout of the Date header
const TimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// Response is the response under construction for a Request. Its body is
// pulled by the connection in non-blocking slices, so a body source must
// never block: in-memory bytes, a file, or an AsyncBody fed by another
// goroutine.
type Response struct {
	Status  int
	Proto   Protocol
	Headers Headers

	// ContentLength is -1 when unknown; the connection is then closed after
	// the body because the response cannot be framed otherwise.
	ContentLength int64

	// ForceClose closes the connection once the response is flushed
	ForceClose bool

	// HeadersOnly suppresses the body, as for HEAD requests
	HeadersOnly bool

	body   io.Reader
	closer io.Closer
	async  *AsyncBody
}

// NewResponse returns an empty 200 response
func NewResponse() *Response {
	r := &Response{}
	r.Reset()
	return r
}

// Reset clears the response for reuse, closing any file body
func (r *Response) Reset() {
	r.Close()
	r.Status = 200
	r.Proto = ProtoUnknown
	r.Headers.Reset()
	r.ContentLength = -1
	r.ForceClose = false
	r.HeadersOnly = false
	r.body = nil
	r.async = nil
}

// Close releases the body source
func (r *Response) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

// SetHeader replaces a response header
func (r *Response) SetHeader(name, value string) {
	r.Headers.Set(name, value)
}

// AddHeader appends a response header
func (r *Response) AddHeader(name, value string) {
	r.Headers.Add(name, value)
}

// SetBody uses data as the complete body
func (r *Response) SetBody(data []byte) {
	r.setSource(bytes.NewReader(data), nil)
	r.ContentLength = int64(len(data))
}

// SetBodyReader streams the body from rd. length may be -1 when unknown.
// rd must not block; a Read returning (0, nil) means "nothing yet".
func (r *Response) SetBodyReader(rd io.Reader, length int64) {
	var closer io.Closer
	if c, ok := rd.(io.Closer); ok {
		closer = c
	}
	r.setSource(rd, closer)
	r.ContentLength = length
}

// SetFile streams the whole of f as the body and closes it when the
// response is done.
func (r *Response) SetFile(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return errors.New("http: cannot serve a directory")
	}
	r.setSource(io.NewSectionReader(f, 0, info.Size()), f)
	r.ContentLength = info.Size()
	return nil
}

// Async switches the body to a producer fed from another goroutine. The
// response is not finished until the producer is closed. length may be -1.
func (r *Response) Async(length int64) *AsyncBody {
	a := &AsyncBody{}
	r.setSource(a, nil)
	r.async = a
	r.ContentLength = length
	return a
}

func (r *Response) setSource(rd io.Reader, closer io.Closer) {
	r.Close()
	r.body = rd
	r.closer = closer
	r.async = nil
}

// Source returns the body source, nil for an empty body
func (r *Response) Source() io.Reader {
	return r.body
}

// AsyncBody returns the async producer, if the body has one
func (r *Response) AsyncBody() *AsyncBody {
	return r.async
}

// MoreDataComing reports whether an async producer may still add bytes
func (r *Response) MoreDataComing() bool {
	return r.async != nil && r.async.Open()
}

// String sends a plain text response
func (r *Response) String(code int, s string) {
	r.Status = code
	r.SetHeader(HeaderContentType, "text/plain; charset=utf-8")
	r.SetBody([]byte(s))
}

// Data sends a response with custom content type
func (r *Response) Data(code int, contentType string, data []byte) {
	r.Status = code
	r.SetHeader(HeaderContentType, contentType)
	r.SetBody(data)
}

// JSON sends a JSON response
func (r *Response) JSON(code int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.Data(code, "application/json", data)
	return nil
}

// AppendHead appends the status line and header block to dst. Date and
// Server are always present; Content-Length and Connection are derived from
// the response, overriding caller-supplied values. Headers that are not
// valid on the wire are dropped. HTTP/0.9 responses have no head.
func (r *Response) AppendHead(dst []byte, server string, now time.Time, keepAlive bool) []byte {
	if r.Proto == HTTP09 {
		return dst
	}

	dst = append(dst, r.Proto.String()...)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(r.Status), 10)
	dst = append(dst, ' ')
	dst = append(dst, StatusText(r.Status)...)
	dst = append(dst, "\r\n"...)

	dst = appendHeader(dst, HeaderDate, "")
	dst = now.UTC().AppendFormat(dst, TimeFormat)
	dst = append(dst, "\r\n"...)
	dst = appendHeader(dst, HeaderServer, server)
	dst = append(dst, "\r\n"...)

	for _, h := range r.Headers {
		if isFramingHeader(h.Name) {
			continue
		}
		if !httpguts.ValidHeaderFieldName(h.Name) || !httpguts.ValidHeaderFieldValue(h.Value) {
			continue
		}
		dst = appendHeader(dst, h.Name, h.Value)
		dst = append(dst, "\r\n"...)
	}

	if r.ContentLength >= 0 {
		dst = appendHeader(dst, HeaderContentLength, "")
		dst = strconv.AppendInt(dst, r.ContentLength, 10)
		dst = append(dst, "\r\n"...)
	}
	switch {
	case !keepAlive:
		dst = appendHeader(dst, HeaderConnection, "close")
		dst = append(dst, "\r\n"...)
	case r.Proto == HTTP10:
		dst = appendHeader(dst, HeaderConnection, "keep-alive")
		dst = append(dst, "\r\n"...)
	}
	return append(dst, "\r\n"...)
}

func appendHeader(dst []byte, name, value string) []byte {
	dst = append(dst, name...)
	dst = append(dst, ": "...)
	return append(dst, value...)
}

func isFramingHeader(name string) bool {
	return strings.EqualFold(name, HeaderContentLength) ||
		strings.EqualFold(name, HeaderConnection) ||
		strings.EqualFold(name, HeaderDate) ||
		strings.EqualFold(name, HeaderServer)
}

// ErrAsyncClosed is returned when writing to a closed AsyncBody
var ErrAsyncClosed = errors.New("http: async body closed")

// AsyncBody is a response body written by another goroutine while the
// connection drains it without blocking.
type AsyncBody struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
	notify func()
}

// SetNotify registers fn to be called whenever data is written or the body
// is closed. The connection uses it to wake its worker.
func (a *AsyncBody) SetNotify(fn func()) {
	a.mu.Lock()
	a.notify = fn
	a.mu.Unlock()
}

// Write appends p to the pending body bytes
func (a *AsyncBody) Write(p []byte) (int, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return 0, ErrAsyncClosed
	}
	n, _ := a.buf.Write(p)
	notify := a.notify
	a.mu.Unlock()

	if notify != nil {
		notify()
	}
	return n, nil
}

// Close marks the end of the body
func (a *AsyncBody) Close() error {
	a.mu.Lock()
	a.closed = true
	notify := a.notify
	a.mu.Unlock()

	if notify != nil {
		notify()
	}
	return nil
}

// Open reports whether the producer may still write
func (a *AsyncBody) Open() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.closed
}

// Read returns buffered bytes. It never blocks: (0, nil) means nothing is
// buffered yet, io.EOF means the producer closed and everything was read.
func (a *AsyncBody) Read(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.buf.Len() == 0 {
		if a.closed {
			return 0, io.EOF
		}
		return 0, nil
	}
	return a.buf.Read(p)
}

// Len returns how many written bytes have not been drained yet
func (a *AsyncBody) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.Len()
}
