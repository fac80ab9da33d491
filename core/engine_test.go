package core

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	nethttp "net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/QubitProducts/topNET-sub000/config"
	"github.com/QubitProducts/topNET-sub000/core/http"
	"github.com/QubitProducts/topNET-sub000/core/middleware"
	"github.com/QubitProducts/topNET-sub000/core/sse"
	"github.com/QubitProducts/topNET-sub000/core/workers"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.MinWorkers = 2
	cfg.MaxWorkers = 4
	cfg.StatsInterval = 0
	cfg.Logger = log.New(io.Discard, "", 0)
	return cfg
}

func startEngine(t *testing.T, mutate func(*config.Config), setup func(*Engine)) *Engine {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	e, err := NewEngine(cfg)
	require.NoError(t, err)

	e.HandleFunc("/hello", func(req *http.Request, resp *http.Response) error {
		resp.String(200, "hello")
		return nil
	})
	e.HandleFunc("/users/:id", func(req *http.Request, resp *http.Response) error {
		resp.String(200, "user "+req.Params.Get("id"))
		return nil
	})
	e.HandleFunc("/echo", func(req *http.Request, resp *http.Response) error {
		resp.Data(200, "application/octet-stream", req.Body.Bytes())
		return nil
	})
	if setup != nil {
		setup(e)
	}

	require.NoError(t, e.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return e
}

type client struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func dial(t *testing.T, e *Engine) *client {
	t.Helper()
	conn, err := net.Dial("tcp", e.Addr().String())
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, br: bufio.NewReader(conn)}
}

func (c *client) send(raw string) {
	c.t.Helper()
	_, err := io.WriteString(c.conn, raw)
	require.NoError(c.t, err)
}

func (c *client) read(method string) (*nethttp.Response, string) {
	c.t.Helper()
	resp, err := nethttp.ReadResponse(c.br, &nethttp.Request{Method: method})
	require.NoError(c.t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	resp.Body.Close()
	return resp, string(body)
}

func (c *client) get(path string) (*nethttp.Response, string) {
	c.t.Helper()
	c.send("GET " + path + " HTTP/1.1\r\nHost: test\r\n\r\n")
	return c.read("GET")
}

// expectClosed asserts the server closed the connection
func (c *client) expectClosed() {
	c.t.Helper()
	rest, err := io.ReadAll(c.br)
	if err != nil {
		// a reset also means closed
		var ne net.Error
		require.False(c.t, errors.As(err, &ne) && ne.Timeout(), "connection still open")
	}
	require.Empty(c.t, rest)
}

func TestMinimalGet(t *testing.T) {
	e := startEngine(t, nil, nil)
	c := dial(t, e)

	resp, body := c.get("/hello")
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "hello", body)
	require.Equal(t, int64(5), resp.ContentLength)
	require.Equal(t, "topNET", resp.Header.Get("Server"))
	require.NotEmpty(t, resp.Header.Get("Date"))
	require.False(t, resp.Close)
}

func TestKeepAliveReuse(t *testing.T) {
	e := startEngine(t, nil, nil)
	c := dial(t, e)

	for i := 0; i < 5; i++ {
		resp, body := c.get(fmt.Sprintf("/users/%d", i))
		require.Equal(t, 200, resp.StatusCode)
		require.Equal(t, fmt.Sprintf("user %d", i), body)
	}

	// requests are counted once the response has drained
	require.Eventually(t, func() bool { return e.Stats().Requests == 5 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(1), e.Stats().Accepted)
}

func TestHTTP10(t *testing.T) {
	e := startEngine(t, nil, nil)

	t.Run("closes by default", func(t *testing.T) {
		c := dial(t, e)
		c.send("GET /hello HTTP/1.0\r\n\r\n")
		resp, body := c.read("GET")
		require.Equal(t, "hello", body)
		require.Equal(t, "HTTP/1.0", resp.Proto)
		require.True(t, resp.Close)
		c.expectClosed()
	})

	t.Run("keep-alive on request", func(t *testing.T) {
		c := dial(t, e)
		for i := 0; i < 2; i++ {
			c.send("GET /hello HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
			resp, body := c.read("GET")
			require.Equal(t, "hello", body)
			require.Equal(t, "keep-alive", resp.Header.Get("Connection"))
		}
	})
}

func TestConnectionCloseHeader(t *testing.T) {
	e := startEngine(t, nil, nil)
	c := dial(t, e)
	c.send("GET /hello HTTP/1.1\r\nConnection: close\r\n\r\n")
	resp, _ := c.read("GET")
	require.True(t, resp.Close)
	c.expectClosed()
}

func TestPipelining(t *testing.T) {
	e := startEngine(t, nil, nil)
	c := dial(t, e)

	c.send("GET /users/1 HTTP/1.1\r\n\r\n" +
		"POST /echo HTTP/1.1\r\nContent-Length: 4\r\n\r\nping" +
		"GET /users/2 HTTP/1.1\r\n\r\n")

	_, body := c.read("GET")
	require.Equal(t, "user 1", body)
	_, body = c.read("POST")
	require.Equal(t, "ping", body)
	_, body = c.read("GET")
	require.Equal(t, "user 2", body)
}

func TestPostBody(t *testing.T) {
	e := startEngine(t, nil, func(e *Engine) {
		e.Handle("/collect", middleware.BodyCollector(func(req *http.Request, resp *http.Response, body []byte) error {
			resp.String(200, fmt.Sprint(len(body)))
			return nil
		}))
	})

	payload := strings.Repeat("0123456789", 10_000)

	t.Run("buffered", func(t *testing.T) {
		c := dial(t, e)
		c.send(fmt.Sprintf("POST /echo HTTP/1.1\r\nContent-Length: %d\r\n\r\n", len(payload)))
		c.send(payload)
		resp, body := c.read("POST")
		require.Equal(t, 200, resp.StatusCode)
		require.Equal(t, payload, body)
	})

	t.Run("drained while arriving", func(t *testing.T) {
		c := dial(t, e)
		c.send(fmt.Sprintf("POST /collect HTTP/1.1\r\nContent-Length: %d\r\n\r\n", len(payload)))
		for i := 0; i < len(payload); i += 7000 {
			c.send(payload[i:min(i+7000, len(payload))])
			time.Sleep(time.Millisecond)
		}
		_, body := c.read("POST")
		require.Equal(t, fmt.Sprint(len(payload)), body)
	})

	t.Run("missing content length", func(t *testing.T) {
		c := dial(t, e)
		c.send("POST /echo HTTP/1.1\r\n\r\n")
		resp, _ := c.read("POST")
		require.Equal(t, 400, resp.StatusCode)
		c.expectClosed()
	})
}

func TestRequestTooLarge(t *testing.T) {
	e := startEngine(t, func(cfg *config.Config) {
		cfg.SegmentSize = 512
		cfg.MaxMessageSize = 4096
	}, nil)
	c := dial(t, e)

	c.send("POST /echo HTTP/1.1\r\nContent-Length: 100000\r\n\r\n")
	// the server may already have hung up
	_, _ = c.conn.Write([]byte(strings.Repeat("x", 8192)))
	resp, err := nethttp.ReadResponse(c.br, nil)
	if err == nil {
		require.Equal(t, 400, resp.StatusCode)
	}
	require.Eventually(t, func() bool { return e.Stats().Closed == 1 }, time.Second, 5*time.Millisecond)
}

func TestErrors(t *testing.T) {
	e := startEngine(t, nil, func(e *Engine) {
		e.HandleFunc("/fail", func(req *http.Request, resp *http.Response) error {
			return errors.New("boom")
		})
		e.HandleFunc("/panic", func(req *http.Request, resp *http.Response) error {
			panic("boom")
		})
	})

	cases := []struct {
		name   string
		raw    string
		status int
	}{
		{"not found", "GET /nope HTTP/1.1\r\n\r\n", 404},
		{"malformed header", "GET /hello HTTP/1.1\r\n leading: space\r\n\r\n", 400},
		{"no colon", "GET /hello HTTP/1.1\r\nnocolon\r\n\r\n", 400},
		{"bad content length", "GET /hello HTTP/1.1\r\nContent-Length: -4\r\n\r\n", 400},
		{"unknown method", "BREW /hello HTTP/1.1\r\n\r\n", 400},
		{"handler error", "GET /fail HTTP/1.1\r\n\r\n", 503},
		{"handler panic", "GET /panic HTTP/1.1\r\n\r\n", 503},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := dial(t, e)
			c.send(tc.raw)
			resp, body := c.read("GET")
			require.Equal(t, tc.status, resp.StatusCode)
			require.Equal(t, nethttp.StatusText(tc.status)+"\n", body)
			require.True(t, resp.Close)
			c.expectClosed()
		})
	}

	require.GreaterOrEqual(t, e.Stats().Errors, int64(len(cases)))
}

func TestHeaderTooLarge(t *testing.T) {
	e := startEngine(t, func(cfg *config.Config) {
		cfg.MaxLineSize = 64
	}, nil)
	c := dial(t, e)
	c.send("GET /hello HTTP/1.1\r\nX-Big: " + strings.Repeat("a", 100) + "\r\n\r\n")
	resp, _ := c.read("GET")
	require.Equal(t, 400, resp.StatusCode)
}

func TestErrorHandler(t *testing.T) {
	t.Run("custom rendering", func(t *testing.T) {
		e := startEngine(t, nil, func(e *Engine) {
			e.SetErrorHandler(http.ErrorHandlerFunc(func(req *http.Request, resp *http.Response, kind, cause error) error {
				resp.String(418, "kind="+kind.Error())
				return nil
			}))
		})
		c := dial(t, e)
		resp, body := c.get("/missing")
		require.Equal(t, 418, resp.StatusCode)
		require.Equal(t, "kind="+http.ErrNotFound.Error(), body)
	})

	t.Run("failing handler closes silently", func(t *testing.T) {
		e := startEngine(t, nil, func(e *Engine) {
			e.SetErrorHandler(http.ErrorHandlerFunc(func(*http.Request, *http.Response, error, error) error {
				return errors.New("cannot render")
			}))
		})
		c := dial(t, e)
		c.send("GET /missing HTTP/1.1\r\n\r\n")
		c.expectClosed()
	})

	t.Run("panicking handler closes silently", func(t *testing.T) {
		e := startEngine(t, nil, func(e *Engine) {
			e.SetErrorHandler(http.ErrorHandlerFunc(func(*http.Request, *http.Response, error, error) error {
				panic("boom")
			}))
		})
		c := dial(t, e)
		c.send("GET /missing HTTP/1.1\r\n\r\n")
		c.expectClosed()

		// the worker survived
		_, body := dial(t, e).get("/hello")
		require.Equal(t, "hello", body)
	})
}

func TestHTTP09(t *testing.T) {
	e := startEngine(t, nil, nil)
	c := dial(t, e)
	c.send("GET /hello\r\n")
	body, err := io.ReadAll(c.br)
	require.NoError(t, err)
	require.Equal(t, "hello", string(body))
}

func TestHead(t *testing.T) {
	e := startEngine(t, nil, nil)
	c := dial(t, e)

	c.send("HEAD /hello HTTP/1.1\r\n\r\n")
	resp, body := c.read("HEAD")
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "5", resp.Header.Get("Content-Length"))
	require.Empty(t, body)

	// the connection survives without body bytes on the wire
	_, body = c.get("/hello")
	require.Equal(t, "hello", body)
}

func TestProtocolOverride(t *testing.T) {
	e := startEngine(t, func(cfg *config.Config) {
		cfg.Protocol = "HTTP/1.0"
	}, nil)
	c := dial(t, e)
	resp, _ := c.get("/hello")
	require.Equal(t, "HTTP/1.0", resp.Proto)
	require.True(t, resp.Close)
}

func TestHTTP09IgnoresProtocolOverride(t *testing.T) {
	for _, proto := range []string{"HTTP/1.0", "HTTP/1.1"} {
		t.Run(proto, func(t *testing.T) {
			e := startEngine(t, func(cfg *config.Config) {
				cfg.Protocol = proto
			}, nil)
			c := dial(t, e)
			c.send("GET /hello\r\n")
			body, err := io.ReadAll(c.br)
			require.NoError(t, err)
			require.Equal(t, "hello", string(body))
		})
	}
}

func TestAsyncBody(t *testing.T) {
	e := startEngine(t, nil, func(e *Engine) {
		e.HandleFunc("/async", func(req *http.Request, resp *http.Response) error {
			body := resp.Async(5)
			go func() {
				_, _ = body.Write([]byte("ab"))
				time.Sleep(20 * time.Millisecond)
				_, _ = body.Write([]byte("cde"))
				_ = body.Close()
			}()
			return nil
		})
		e.HandleFunc("/stream", func(req *http.Request, resp *http.Response) error {
			body := resp.Async(-1)
			go func() {
				for i := 0; i < 3; i++ {
					time.Sleep(5 * time.Millisecond)
					fmt.Fprintf(body, "chunk%d;", i)
				}
				_ = body.Close()
			}()
			return nil
		})
	})

	c := dial(t, e)
	resp, body := c.get("/async")
	require.Equal(t, "abcde", body)
	require.False(t, resp.Close)

	c.send("GET /stream HTTP/1.1\r\n\r\n")
	resp, body = c.read("GET")
	require.True(t, resp.Close)
	require.Equal(t, "chunk0;chunk1;chunk2;", body)
}

func TestEventStream(t *testing.T) {
	broker := sse.NewBroker(10, time.Hour)
	e := startEngine(t, nil, func(e *Engine) {
		e.Handle("/events", broker)
	})

	c := dial(t, e)
	c.send("GET /events?client=one HTTP/1.1\r\n\r\n")
	resp, err := nethttp.ReadResponse(c.br, nil)
	require.NoError(t, err)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return broker.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	broker.Publish(&sse.Event{Event: "tick", Data: "1"})
	broker.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "data: client_id:one\n")
	require.Contains(t, string(body), "event: tick\ndata: 1\n\n")

	require.Eventually(t, func() bool { return broker.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestIdleTimeout(t *testing.T) {
	e := startEngine(t, func(cfg *config.Config) {
		cfg.IdleTimeout = 100 * time.Millisecond
	}, nil)
	c := dial(t, e)
	_, body := c.get("/hello")
	require.Equal(t, "hello", body)
	c.expectClosed()
}

func TestLimitsHandlerVeto(t *testing.T) {
	vetoed := make(chan struct{}, 1)
	e := startEngine(t, func(cfg *config.Config) {
		cfg.IdleTimeout = 50 * time.Millisecond
	}, func(e *Engine) {
		e.SetLimitsHandler(vetoLimits{seen: vetoed})
	})
	c := dial(t, e)
	_, body := c.get("/hello")
	require.Equal(t, "hello", body)

	select {
	case <-vetoed:
	case <-time.After(2 * time.Second):
		t.Fatal("limits handler not consulted")
	}
	_, body = c.get("/hello")
	require.Equal(t, "hello", body)
}

type vetoLimits struct{ seen chan struct{} }

func (v vetoLimits) HandleTimeout(_ workers.Job, _ time.Duration) bool {
	select {
	case v.seen <- struct{}{}:
	default:
	}
	return false
}

func (v vetoLimits) HandleSizeLimit(workers.Job, int64) bool { return true }

func TestFirstByteTimeout(t *testing.T) {
	e := startEngine(t, func(cfg *config.Config) {
		cfg.WaitForData = true
		cfg.FirstByteTimeout = 100 * time.Millisecond
	}, nil)

	silent := dial(t, e)
	silent.expectClosed()
	require.Eventually(t, func() bool { return e.Stats().IdleClosed == 1 }, time.Second, 5*time.Millisecond)

	c := dial(t, e)
	_, body := c.get("/hello")
	require.Equal(t, "hello", body)
}

func TestStrategies(t *testing.T) {
	for _, strategy := range []string{"pooled", "queued", "shared"} {
		for _, placement := range []string{"roundrobin", "fillfirst"} {
			t.Run(strategy+"/"+placement, func(t *testing.T) {
				e := startEngine(t, func(cfg *config.Config) {
					cfg.Strategy = strategy
					cfg.Placement = placement
					cfg.JobsPerWorker = 4
				}, nil)

				const clients, requests = 16, 20
				var wg sync.WaitGroup
				errs := make(chan error, clients)
				for i := 0; i < clients; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						errs <- hammer(e.Addr().String(), i, requests)
					}(i)
				}
				wg.Wait()
				close(errs)
				for err := range errs {
					require.NoError(t, err)
				}
				require.Eventually(t, func() bool {
					return e.Stats().Requests == clients*requests
				}, 2*time.Second, 5*time.Millisecond)
			})
		}
	}
}

// hammer issues sequential keep-alive requests on one connection
func hammer(addr string, id, n int) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	br := bufio.NewReader(conn)

	for j := 0; j < n; j++ {
		want := fmt.Sprintf("user %d-%d", id, j)
		if _, err := fmt.Fprintf(conn, "GET /users/%d-%d HTTP/1.1\r\n\r\n", id, j); err != nil {
			return err
		}
		resp, err := nethttp.ReadResponse(br, nil)
		if err != nil {
			return err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}
		if string(body) != want {
			return fmt.Errorf("got %q, want %q", body, want)
		}
	}
	return nil
}

func TestAutoscale(t *testing.T) {
	e := startEngine(t, func(cfg *config.Config) {
		cfg.Strategy = "pooled"
		cfg.MinWorkers = 1
		cfg.MaxWorkers = 3
		cfg.JobsPerWorker = 2
		cfg.ScaleUpAfter = 0
	}, nil)

	var conns []*client
	for i := 0; i < 6; i++ {
		c := dial(t, e)
		_, body := c.get("/hello")
		require.Equal(t, "hello", body)
		conns = append(conns, c)
	}
	require.Equal(t, 3, e.Scheduler().Workers())
	require.Len(t, conns, 6)
}

func TestStatsJSON(t *testing.T) {
	e := startEngine(t, nil, nil)
	c := dial(t, e)
	c.get("/hello")
	c.get("/users/7")
	require.Eventually(t, func() bool { return e.Stats().Requests == 2 }, time.Second, 5*time.Millisecond)

	data, err := e.StatsJSON()
	require.NoError(t, err)

	var out struct {
		Requests  float64 `json:"requests"`
		Scheduler struct {
			Strategy string  `json:"strategy"`
			Workers  float64 `json:"workers"`
		} `json:"scheduler"`
		Routes []struct {
			Route string  `json:"route"`
			Count float64 `json:"count"`
		} `json:"routes"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, float64(2), out.Requests)
	require.Equal(t, "queued", out.Scheduler.Strategy)
	require.Equal(t, float64(2), out.Scheduler.Workers)
	require.Len(t, out.Routes, 2)
	require.Equal(t, "GET /hello", out.Routes[0].Route)
	require.Equal(t, "GET /users/:id", out.Routes[1].Route)

	require.Contains(t, e.GetPoolStatsText(), "Connection Pool:")
}

func TestLifecycleErrors(t *testing.T) {
	e, err := NewEngine(testConfig())
	require.NoError(t, err)
	require.ErrorIs(t, e.Serve(context.Background()), ErrNotListening)

	cfg := testConfig()
	cfg.Strategy = "bogus"
	_, err = NewEngine(cfg)
	require.ErrorIs(t, err, config.ErrInvalid)
}

func BenchmarkKeepAliveGet(b *testing.B) {
	cfg := testConfig()
	e, err := NewEngine(cfg)
	require.NoError(b, err)
	e.HandleFunc("/hello", func(req *http.Request, resp *http.Response) error {
		resp.String(200, "hello")
		return nil
	})
	require.NoError(b, e.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Serve(ctx)

	conn, err := net.Dial("tcp", e.Addr().String())
	require.NoError(b, err)
	defer conn.Close()
	br := bufio.NewReader(conn)
	req := []byte("GET /hello HTTP/1.1\r\n\r\n")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := conn.Write(req); err != nil {
			b.Fatal(err)
		}
		resp, err := nethttp.ReadResponse(br, nil)
		if err != nil {
			b.Fatal(err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}
