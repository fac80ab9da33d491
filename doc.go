/*
Package topnet is a non-blocking HTTP/1.x server engine.

A single accept loop registers every connection with the platform poller
(epoll on Linux, kqueue on BSD and macOS) and hands it to a small pool of
workers. Each connection is a state machine that a worker steps without ever
blocking: read what the socket has, parse what was read, run the handler
chain once the request is complete, and write as much of the response as the
socket accepts. Request bytes live in a chain of pooled segments, so a
connection holds memory proportional to what is actually buffered.

Workers keep their jobs in one of three ways:

  - pooled: a fixed array of slots per worker, every slot visited per pass
  - queued: a bounded FIFO per worker
  - shared: one FIFO for all workers, each job claimed before it is stepped

The pool grows when placement keeps failing and shrinks when load drops.

Quick Start

	cfg := config.New()
	a, err := app.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	a.Engine().HandleFunc("/hello", func(req *http.Request, resp *http.Response) error {
		resp.String(200, "Hello, World!")
		return nil
	})
	log.Fatal(a.Run())

Modules

  - app: signal handling and lifecycle
  - config: defaults, JSON file, TOPNET_* environment and flags
  - core: accept loop, connection state machine, statistics
  - core/stream: the segmented byte stream
  - core/http: request parsing, responses, handler chains
  - core/router: radix tree router
  - core/middleware: reusable handlers
  - core/workers: the scheduler and its job stores
  - core/poller: epoll and kqueue
  - core/pools: segment, connection and object pools
  - core/sse: Server-Sent Events broker
  - core/observability: per-route latency and error tracking
*/
package topnet
