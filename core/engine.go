package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sys/unix"

	"github.com/QubitProducts/topNET-sub000/config"
	"github.com/QubitProducts/topNET-sub000/core/http"
	"github.com/QubitProducts/topNET-sub000/core/middleware"
	"github.com/QubitProducts/topNET-sub000/core/observability"
	"github.com/QubitProducts/topNET-sub000/core/poller"
	"github.com/QubitProducts/topNET-sub000/core/pools"
	"github.com/QubitProducts/topNET-sub000/core/router"
	"github.com/QubitProducts/topNET-sub000/core/workers"
)

type route struct {
	pattern  string
	handlers []http.Handler
}

// Engine accepts connections on one goroutine and runs them as jobs on an
// elastic worker pool, all on non-blocking sockets and epoll/kqueue.
type Engine struct {
	cfg    *config.Config
	logger *log.Logger

	routes       []route
	router       *router.RadixRouter
	middleware   *middleware.Pipeline
	errorHandler http.ErrorHandler
	limits       workers.LimitsHandler
	monitor      *observability.PerformanceMonitor

	proto      http.Protocol
	serverName string

	// Fine-grained memory pools
	bytePool  *pools.BytePool
	connPool  *pools.ConnectionPool[*Connection]
	exchanges *pools.SmartPool[*exchange]

	sched  *workers.Scheduler
	poller poller.Poller
	conns  *xsync.MapOf[int, *Connection]

	ln     *net.TCPListener
	lnFile *os.File
	lfd    int

	// owned by the accept goroutine
	waiting   map[int]*Connection
	pending   []*Connection
	lastStats time.Time

	stats struct {
		accepted   *xsync.Counter
		idleClosed *xsync.Counter
		closed     *xsync.Counter
		requests   *xsync.Counter
		errors     *xsync.Counter
	}

	bound     atomic.Pointer[net.TCPAddr]
	listening atomic.Bool
	serving   atomic.Bool
	closing   atomic.Bool
}

// NewEngine creates an engine from cfg. Routes and middleware are added
// before Listen.
func NewEngine(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	proto, err := cfg.ResponseProtocol()
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	e := &Engine{
		cfg:          cfg,
		logger:       logger,
		middleware:   middleware.NewPipeline(),
		errorHandler: http.DefaultErrorHandler,
		monitor:      observability.NewPerformanceMonitor(),
		proto:        proto,
		serverName:   cfg.ServerName,
		bytePool:     pools.NewBytePool(),
		conns:        xsync.NewMapOf[int, *Connection](xsync.WithPresize(1024)),
		waiting:      make(map[int]*Connection),
		lfd:          -1,
	}
	e.stats.accepted = xsync.NewCounter()
	e.stats.idleClosed = xsync.NewCounter()
	e.stats.closed = xsync.NewCounter()
	e.stats.requests = xsync.NewCounter()
	e.stats.errors = xsync.NewCounter()

	e.connPool = pools.NewConnectionPool(func() *Connection {
		return newConnection(e)
	})
	e.exchanges = pools.NewSmartPool(pools.SmartPoolConfig[*exchange]{
		New: func() *exchange {
			return &exchange{req: http.NewRequest(), resp: http.NewResponse()}
		},
		Reset: func(x *exchange) {
			x.req.Reset()
			x.resp.Reset()
		},
		WarmupSize:    64,
		TargetHitRate: 0.95,
	})

	return e, nil
}

// Use appends middleware run in front of every route
func (e *Engine) Use(handlers ...http.Handler) {
	e.middleware.Use(handlers...)
}

// Handle registers the handlers for pattern. Patterns may hold ":name"
// parameters and a trailing "*name" catch-all.
func (e *Engine) Handle(pattern string, handlers ...http.Handler) {
	if e.listening.Load() {
		panic("engine: Handle after Listen")
	}
	e.routes = append(e.routes, route{pattern: pattern, handlers: handlers})
}

// HandleFunc registers a single function for pattern
func (e *Engine) HandleFunc(pattern string, fn func(req *http.Request, resp *http.Response) error) {
	e.Handle(pattern, http.HandlerFunc(func(req *http.Request, resp *http.Response) (bool, error) {
		return true, fn(req, resp)
	}))
}

// SetErrorHandler replaces the renderer of failed requests
func (e *Engine) SetErrorHandler(h http.ErrorHandler) {
	e.errorHandler = h
}

// SetLimitsHandler installs a handler that may veto idle and size closes
func (e *Engine) SetLimitsHandler(h workers.LimitsHandler) {
	e.limits = h
}

// Monitor returns the per-route performance monitor
func (e *Engine) Monitor() *observability.PerformanceMonitor {
	return e.monitor
}

// Scheduler returns the worker scheduler; nil before Listen
func (e *Engine) Scheduler() *workers.Scheduler {
	return e.sched
}

func (e *Engine) buildRouter() {
	e.router = router.NewRadixRouter()
	for _, r := range e.routes {
		chain := e.middleware.Then(nil)
		chain = append(chain, r.handlers...)
		e.router.Add(r.pattern, chain)
	}
}

func (e *Engine) schedulerOptions() (workers.Options, error) {
	strategy, err := e.cfg.WorkerStrategy()
	if err != nil {
		return workers.Options{}, err
	}
	placement, err := e.cfg.WorkerPlacement()
	if err != nil {
		return workers.Options{}, err
	}
	return workers.Options{
		Strategy:          strategy,
		Placement:         placement,
		MinWorkers:        e.cfg.MinWorkers,
		MaxWorkers:        e.cfg.MaxWorkers,
		JobsPerWorker:     e.cfg.JobsPerWorker,
		IdleTimeout:       e.cfg.IdleTimeout,
		MaxSize:           e.cfg.MaxMessageSize,
		ScaleUpAfter:      e.cfg.ScaleUpAfter,
		ScaleDownInterval: e.cfg.ScaleDownInterval,
		ScaleDownLoad:     e.cfg.ScaleDownLoad,
		PollInterval:      e.cfg.PollInterval,
		PinWorkers:        e.cfg.PinWorkers,
		Limits:            e.limits,
		Logger:            e.logger,
	}, nil
}

// Listen binds the configured address and prepares the poller and the
// worker pool. Routes are frozen from here on.
func (e *Engine) Listen() error {
	if !e.listening.CompareAndSwap(false, true) {
		return ErrAlreadyListening
	}

	opts, err := e.schedulerOptions()
	if err != nil {
		return err
	}
	e.buildRouter()
	e.sched = workers.NewScheduler(opts)

	laddr, err := net.ResolveTCPAddr("tcp", e.cfg.Addr())
	if err != nil {
		return err
	}
	ln, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return err
	}

	lnFile, err := ln.File()
	if err != nil {
		ln.Close()
		return err
	}
	lfd := int(lnFile.Fd())
	if err := unix.SetNonblock(lfd, true); err != nil {
		lnFile.Close()
		ln.Close()
		return err
	}

	p, err := poller.NewPoller()
	if err != nil {
		lnFile.Close()
		ln.Close()
		return err
	}
	if err := p.Add(lfd, poller.Readable, false); err != nil {
		p.Close()
		lnFile.Close()
		ln.Close()
		return err
	}

	e.ln, e.lnFile, e.lfd, e.poller = ln, lnFile, lfd, p
	e.bound.Store(ln.Addr().(*net.TCPAddr))

	if e.cfg.GCPercent > 0 || e.cfg.MemoryLimit > 0 {
		prev := pools.ApplyGCConfig(pools.GCConfig{Percent: e.cfg.GCPercent, MemoryLimit: e.cfg.MemoryLimit})
		e.logger.Printf("engine: gc tuned (GOGC %d -> %d, memory limit %d -> %d)",
			prev.Percent, e.cfg.GCPercent, prev.MemoryLimit, e.cfg.MemoryLimit)
	}

	e.logger.Printf("engine: listening on %s (%s strategy, %d-%s workers)",
		ln.Addr(), opts.Strategy, e.sched.Options().MinWorkers, maxWorkersLabel(opts.MaxWorkers))
	return nil
}

func maxWorkersLabel(n int) string {
	if n <= 0 {
		return "unbounded"
	}
	return fmt.Sprint(n)
}

// Addr returns the bound listen address; nil before Listen
func (e *Engine) Addr() net.Addr {
	if a := e.bound.Load(); a != nil {
		return a
	}
	return nil
}

// Run listens and serves until ctx is cancelled
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Listen(); err != nil {
		return err
	}
	return e.Serve(ctx)
}

// Serve runs the accept and dispatch loop until ctx is cancelled. Every
// connection is closed on return.
func (e *Engine) Serve(ctx context.Context) error {
	if e.poller == nil {
		return ErrNotListening
	}
	if !e.serving.CompareAndSwap(false, true) {
		return ErrAlreadyServing
	}

	e.sched.Start()
	e.lastStats = time.Now()

	bg, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.monitor.Run(bg, monitorInterval)
	e.exchanges.StartAutoOptimize(bg, poolOptimizeInterval)

	events := make([]poller.Event, 0, eventBatch)
	for ctx.Err() == nil {
		var err error
		events, err = e.poller.Wait(events, sweepInterval)
		if err != nil {
			e.logger.Printf("engine: poller wait: %v", err)
			continue
		}

		now := time.Now()
		for _, ev := range events {
			if ev.Fd == e.lfd {
				e.accept(now)
				continue
			}
			e.ready(ev, now)
		}
		e.sweep(now)
	}

	e.shutdown()
	return nil
}

// accept takes every pending connection off the listener
func (e *Engine) accept(now time.Time) {
	for {
		nfd, sa, err := acceptConn(e.lfd)
		if err != nil {
			if wouldBlock(err) {
				return
			}
			if err == unix.EINTR || err == unix.ECONNABORTED {
				continue
			}
			e.logger.Printf("engine: accept: %v", err)
			return
		}
		tuneSocket(nfd)

		c := e.connPool.Get()
		c.attach(nfd, sockaddrString(sa), now)
		e.conns.Store(nfd, c)
		if err := e.poller.Add(nfd, poller.Readable, true); err != nil {
			e.logger.Printf("engine: register %s: %v", c.remote, err)
			c.Close(err)
			continue
		}
		e.stats.accepted.Inc()

		if e.cfg.WaitForData {
			e.waiting[nfd] = c
			continue
		}
		if !e.place(c, now) {
			e.pending = append(e.pending, c)
		}
	}
}

// place hands c to the scheduler, parking it when no worker has room
func (e *Engine) place(c *Connection, now time.Time) bool {
	c.assigned.Store(true)
	ok, err := e.sched.Place(c, now)
	if err != nil {
		c.Close(err)
		return true
	}
	if !ok {
		c.assigned.Store(false)
		return false
	}
	return true
}

func (e *Engine) ready(ev poller.Event, now time.Time) {
	c, ok := e.conns.Load(ev.Fd)
	if !ok {
		return
	}
	if c.assigned.Load() {
		e.sched.Wake(c)
		return
	}

	if _, waiting := e.waiting[ev.Fd]; !waiting {
		// pending placement, retried by the sweep
		return
	}
	delete(e.waiting, ev.Fd)
	if ev.Hangup && !ev.Readable {
		c.Close(nil)
		return
	}
	if !e.place(c, now) {
		e.pending = append(e.pending, c)
	}
}

// sweep runs after every poller wakeup
func (e *Engine) sweep(now time.Time) {
	if limit := e.cfg.FirstByteTimeout; limit > 0 {
		for fd, c := range e.waiting {
			if c.Idle(now) > limit {
				delete(e.waiting, fd)
				e.stats.idleClosed.Inc()
				c.Close(workers.ErrIdleTimeout)
			}
		}
	}

	kept := e.pending[:0]
	for _, c := range e.pending {
		if limit := e.cfg.FirstByteTimeout; limit > 0 && c.Idle(now) > limit {
			e.stats.idleClosed.Inc()
			c.Close(workers.ErrIdleTimeout)
			continue
		}
		if !e.place(c, now) {
			kept = append(kept, c)
		}
	}
	clear(e.pending[len(kept):])
	e.pending = kept

	e.sched.WakeBusy()
	e.sched.ScaleDown(now)

	if iv := e.cfg.StatsInterval; iv > 0 && now.Sub(e.lastStats) >= iv {
		e.lastStats = now
		e.logger.Printf("engine: accepted=%d idle-closed=%d active=%d workers=%d requests=%d",
			e.stats.accepted.Value(), e.stats.idleClosed.Value(), e.conns.Size(),
			e.sched.Workers(), e.stats.requests.Value())
	}
}

// forget drops c from the registry and closes its socket
func (e *Engine) forget(c *Connection) {
	if c.fd < 0 {
		return
	}
	e.conns.Delete(c.fd)
	_ = e.poller.Remove(c.fd)
	_ = unix.Close(c.fd)
	e.stats.closed.Inc()
}

func (e *Engine) record(req *http.Request, resp *http.Response, now time.Time) {
	e.stats.requests.Inc()
	pattern := e.router.Pattern(req.Path)
	if pattern == "" {
		pattern = "unmatched"
	}
	e.monitor.RecordRequest(req.Method+" "+pattern, now.Sub(req.StartedAt), resp.Status)
}

func (e *Engine) shutdown() {
	e.closing.Store(true)
	e.sched.Stop()

	e.conns.Range(func(_ int, c *Connection) bool {
		c.Close(ErrServerClosed)
		return true
	})
	clear(e.waiting)
	e.pending = nil

	if err := e.poller.Close(); err != nil {
		e.logger.Printf("engine: close poller: %v", err)
	}
	_ = e.lnFile.Close()
	if err := e.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		e.logger.Printf("engine: close listener: %v", err)
	}
	e.logger.Printf("engine: stopped after %d requests", e.stats.requests.Value())
}
