// Package sse streams Server-Sent Events. Every subscriber is an open
// asynchronous response body, so a connection waiting for events costs no
// goroutine.
package sse

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/QubitProducts/topNET-sub000/core/http"
)

// Event represents a Server-Sent Event
type Event struct {
	ID    string
	Event string
	Data  string
	Retry int // milliseconds
}

// FormatEvent renders event in the text/event-stream format. Multi-line
// data becomes one data field per line.
func FormatEvent(event *Event) []byte {
	var buf []byte

	if event.ID != "" {
		buf = append(buf, "id: "...)
		buf = append(buf, event.ID...)
		buf = append(buf, '\n')
	}
	if event.Event != "" {
		buf = append(buf, "event: "...)
		buf = append(buf, event.Event...)
		buf = append(buf, '\n')
	}
	if event.Retry > 0 {
		buf = append(buf, "retry: "...)
		buf = strconv.AppendInt(buf, int64(event.Retry), 10)
		buf = append(buf, '\n')
	}
	if event.Data != "" {
		for _, line := range strings.Split(event.Data, "\n") {
			buf = append(buf, "data: "...)
			buf = append(buf, line...)
			buf = append(buf, '\n')
		}
	}

	buf = append(buf, '\n')
	return buf
}

var keepaliveFrame = []byte(": keepalive\n\n")

// Client is one subscribed connection
type Client struct {
	ID   string
	body *http.AsyncBody
}

// Send queues frame unless the client has fallen too far behind
func (c *Client) Send(frame []byte, maxBuffered int) bool {
	if maxBuffered > 0 && c.body.Len() > maxBuffered {
		return false
	}
	_, err := c.body.Write(frame)
	return err == nil
}

// Broker fans events out to every subscriber. It is an http.Handler: the
// route it is mounted on turns into an event stream.
type Broker struct {
	clients *xsync.MapOf[*http.Request, *Client]

	maxClients        int
	maxBuffered       int
	keepaliveInterval time.Duration

	nextClient atomic.Uint64
	nextEvent  atomic.Uint64
	active     atomic.Int64

	total   *xsync.Counter
	sent    *xsync.Counter
	dropped *xsync.Counter
}

// NewBroker creates a new SSE broker
func NewBroker(maxClients int, keepaliveInterval time.Duration) *Broker {
	if maxClients <= 0 {
		maxClients = 10000
	}
	if keepaliveInterval <= 0 {
		keepaliveInterval = 30 * time.Second
	}

	return &Broker{
		clients:           xsync.NewMapOf[*http.Request, *Client](),
		maxClients:        maxClients,
		maxBuffered:       256 << 10,
		keepaliveInterval: keepaliveInterval,
		total:             xsync.NewCounter(),
		sent:              xsync.NewCounter(),
		dropped:           xsync.NewCounter(),
	}
}

// Process subscribes the requesting connection. The client ID comes from
// the "client" query parameter, the X-Request-ID header, or a counter.
func (b *Broker) Process(req *http.Request, resp *http.Response) (bool, error) {
	if b.active.Add(1) > int64(b.maxClients) {
		b.active.Add(-1)
		resp.String(503, "Too Many Subscribers\n")
		return false, nil
	}

	id := clientID(req)
	if id == "" {
		id = "client-" + strconv.FormatUint(b.nextClient.Add(1), 10)
	}

	resp.SetHeader("Content-Type", "text/event-stream")
	resp.SetHeader("Cache-Control", "no-cache")
	resp.SetHeader("X-Accel-Buffering", "no")

	c := &Client{ID: id, body: resp.Async(-1)}
	c.Send(FormatEvent(&Event{
		Event: "connected",
		Data:  "client_id:" + id,
		Retry: 3000,
	}), 0)

	b.clients.Store(req, c)
	b.total.Inc()
	return true, nil
}

func clientID(req *http.Request) string {
	if req.Query != "" {
		if q, err := url.ParseQuery(req.Query); err == nil {
			if id := q.Get("client"); id != "" {
				return id
			}
		}
	}
	return req.Header("X-Request-ID")
}

// OnClosed unsubscribes the connection
func (b *Broker) OnClosed(req *http.Request, _ error) {
	if c, ok := b.clients.LoadAndDelete(req); ok {
		_ = c.body.Close()
		b.active.Add(-1)
	}
}

// MaxIdle disables the idle limit on event streams; keepalives keep the
// peer's proxies happy instead
func (b *Broker) MaxIdle() time.Duration { return 0 }

// MaxIncomingSize keeps the engine default
func (b *Broker) MaxIncomingSize() int64 { return -1 }

// Publish sends event to every client and returns how many accepted it.
// Events without an ID get a sequence number.
func (b *Broker) Publish(event *Event) int {
	if event.ID == "" {
		event.ID = strconv.FormatUint(b.nextEvent.Add(1), 10)
	}
	frame := FormatEvent(event)

	n := 0
	b.clients.Range(func(_ *http.Request, c *Client) bool {
		if c.Send(frame, b.maxBuffered) {
			n++
		} else {
			b.dropped.Inc()
		}
		return true
	})
	b.sent.Add(int64(n))
	return n
}

// PublishTo sends event to the client called id
func (b *Broker) PublishTo(id string, event *Event) bool {
	frame := FormatEvent(event)
	delivered := false
	b.clients.Range(func(_ *http.Request, c *Client) bool {
		if c.ID != id {
			return true
		}
		delivered = c.Send(frame, b.maxBuffered)
		return false
	})
	if delivered {
		b.sent.Inc()
	} else {
		b.dropped.Inc()
	}
	return delivered
}

// ClientCount returns the number of subscribers
func (b *Broker) ClientCount() int {
	return b.clients.Size()
}

// Run sends keepalive comments until ctx is done, then ends every stream
func (b *Broker) Run(ctx context.Context) {
	ticker := time.NewTicker(b.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Close()
			return
		case <-ticker.C:
			b.clients.Range(func(_ *http.Request, c *Client) bool {
				c.Send(keepaliveFrame, b.maxBuffered)
				return true
			})
		}
	}
}

// Close ends every stream; the connections close once drained
func (b *Broker) Close() {
	b.clients.Range(func(_ *http.Request, c *Client) bool {
		_ = c.body.Close()
		return true
	})
}

// Stats holds broker counters
type Stats struct {
	TotalClients   int64
	CurrentClients int
	Sent           int64
	Dropped        int64
}

// Stats returns broker counters
func (b *Broker) Stats() Stats {
	return Stats{
		TotalClients:   b.total.Value(),
		CurrentClients: b.ClientCount(),
		Sent:           b.sent.Value(),
		Dropped:        b.dropped.Value(),
	}
}
