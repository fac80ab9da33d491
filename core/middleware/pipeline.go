package middleware

import (
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/QubitProducts/topNET-sub000/core/http"
)

// Pipeline assembles an ordered handler chain. Middlewares run before the
// final handler; any of them can stop the chain by returning false.
type Pipeline struct {
	handlers []http.Handler
}

// NewPipeline creates a new middleware pipeline
func NewPipeline(handlers ...http.Handler) *Pipeline {
	p := &Pipeline{
		handlers: make([]http.Handler, 0, 16),
	}
	return p.Use(handlers...)
}

// Use adds middlewares to the pipeline
func (p *Pipeline) Use(handlers ...http.Handler) *Pipeline {
	p.handlers = append(p.handlers, handlers...)
	return p
}

// Len returns the number of middlewares
func (p *Pipeline) Len() int {
	return len(p.handlers)
}

// Then returns the chain of every middleware followed by final. The
// pipeline can keep growing without affecting chains already built.
func (p *Pipeline) Then(final http.Handler) http.Chain {
	chain := make(http.Chain, 0, len(p.handlers)+1)
	chain = append(chain, p.handlers...)
	if final != nil {
		chain = append(chain, final)
	}
	return chain
}

// Common middleware implementations

type recovery struct {
	logger *log.Logger
}

func (recovery) Process(*http.Request, *http.Response) (bool, error) { return true, nil }

func (r recovery) OnError(req *http.Request, err error) {
	r.logger.Printf("handler failed for %s %s: %v", req.Method, req.Path, err)
}

// Recovery logs handler failures and panics. The chain itself turns them
// into 503 responses.
func Recovery(logger *log.Logger) http.Handler {
	if logger == nil {
		logger = log.Default()
	}
	return recovery{logger: logger}
}

// Logger logs requests
func Logger(logger *log.Logger) http.Handler {
	if logger == nil {
		logger = log.Default()
	}
	return http.HandlerFunc(func(req *http.Request, resp *http.Response) (bool, error) {
		logger.Printf("[%s] %s", req.Method, req.Path)
		return true, nil
	})
}

// CORS adds CORS headers and answers preflight requests
func CORS() http.Handler {
	return http.HandlerFunc(func(req *http.Request, resp *http.Response) (bool, error) {
		resp.SetHeader("Access-Control-Allow-Origin", "*")
		resp.SetHeader("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		resp.SetHeader("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if req.Method == http.MethodOptions {
			resp.Status = 204
			resp.SetBody(nil)
			return false, nil
		}
		return true, nil
	})
}

// RateLimiter allows requestsPerSecond requests per one-second window
func RateLimiter(requestsPerSecond int) http.Handler {
	var (
		tokens     = requestsPerSecond
		lastRefill = time.Now()
		mu         sync.Mutex
	)

	return http.HandlerFunc(func(req *http.Request, resp *http.Response) (bool, error) {
		mu.Lock()

		now := time.Now()
		if now.Sub(lastRefill) > time.Second {
			tokens = requestsPerSecond
			lastRefill = now
		}

		if tokens > 0 {
			tokens--
			mu.Unlock()
			return true, nil
		}

		mu.Unlock()

		resp.String(429, "Too Many Requests\n")
		return false, nil
	})
}

// RequestID adds a unique request ID
func RequestID() http.Handler {
	var counter atomic.Uint64

	return http.HandlerFunc(func(req *http.Request, resp *http.Response) (bool, error) {
		id := counter.Add(1)
		resp.SetHeader("X-Request-ID", strconv.FormatUint(id, 10))
		return true, nil
	})
}

type limits struct {
	maxIdle time.Duration
	maxSize int64
}

func (limits) Process(*http.Request, *http.Response) (bool, error) { return true, nil }

func (l limits) MaxIdle() time.Duration { return l.maxIdle }

func (l limits) MaxIncomingSize() int64 { return l.maxSize }

// Limits overrides the engine's idle and size limits for the routes it is
// mounted on. Negative values keep the engine defaults, a zero maxIdle
// disables the idle limit.
func Limits(maxIdle time.Duration, maxSize int64) http.Handler {
	return limits{maxIdle: maxIdle, maxSize: maxSize}
}

// BodyCollector buffers the request body as it arrives. Once the body is
// complete it calls fn with the collected bytes.
func BodyCollector(fn func(req *http.Request, resp *http.Response, body []byte) error) http.Handler {
	return &bodyCollector{fn: fn}
}

type bodyCollector struct {
	fn func(req *http.Request, resp *http.Response, body []byte) error

	// one request at a time per connection, but chains are shared between
	// connections
	mu   sync.Mutex
	bufs map[*http.Request][]byte
}

func (c *bodyCollector) OnBytesRead(req *http.Request, finished bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bufs == nil {
		c.bufs = make(map[*http.Request][]byte)
	}
	c.bufs[req] = append(c.bufs[req], req.Body.Bytes()...)
}

func (c *bodyCollector) Process(req *http.Request, resp *http.Response) (bool, error) {
	c.mu.Lock()
	body := append(c.bufs[req], req.Body.Bytes()...)
	delete(c.bufs, req)
	c.mu.Unlock()

	return true, c.fn(req, resp, body)
}

func (c *bodyCollector) OnClosed(req *http.Request, err error) {
	c.mu.Lock()
	delete(c.bufs, req)
	c.mu.Unlock()
}
