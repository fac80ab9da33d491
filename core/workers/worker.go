package workers

import (
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/cpu"
)

// Worker is a goroutine that runs passes over a JobStore
type Worker struct {
	id    int
	sched *Scheduler
	store JobStore

	wake chan struct{}
	quit chan struct{}
	done chan struct{}

	_      cpu.CacheLinePad
	passes atomic.Uint64
	steps  atomic.Uint64
	closed atomic.Uint64
	_      cpu.CacheLinePad
}

func newWorker(id int, s *Scheduler, store JobStore) *Worker {
	return &Worker{
		id:    id,
		sched: s,
		store: store,
		wake:  make(chan struct{}, 1),
	}
}

// ID returns the worker number
func (w *Worker) ID() int {
	return w.id
}

// Wake interrupts the worker's sleep. It never blocks.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) start() {
	w.quit = make(chan struct{})
	w.done = make(chan struct{})
	go w.run(w.quit, w.done)
}

// stop asks the worker to exit and waits for it
func (w *Worker) stop() {
	close(w.quit)
	<-w.done
}

// run is the main loop for a worker goroutine
func (w *Worker) run(quit, done chan struct{}) {
	defer close(done)
	if w.sched.opts.PinWorkers {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	timer := time.NewTimer(w.sched.opts.PollInterval)
	defer timer.Stop()

	for {
		if !w.store.HasJobs() {
			// nothing to do until a job is admitted
			select {
			case <-w.wake:
				continue
			case <-quit:
				return
			}
		}

		w.passes.Add(1)
		if w.store.RunPass(w, time.Now()) {
			select {
			case <-quit:
				return
			default:
				continue
			}
		}

		timer.Reset(w.sched.opts.PollInterval)
		select {
		case <-w.wake:
		case <-timer.C:
		case <-quit:
			return
		}
	}
}

// step enforces the limits on j and advances it once. When keep is false
// the job is done: the caller evicts it from the store, releases it and
// then hands it to evict with err.
func (w *Worker) step(j Job, now time.Time) (keep, progress bool, err error) {
	opts := &w.sched.opts

	maxIdle, maxSize := j.Limits()
	if maxIdle < 0 {
		maxIdle = opts.IdleTimeout
	}
	if maxSize < 0 {
		maxSize = opts.MaxSize
	}

	if maxIdle > 0 {
		if idle := j.Idle(now); idle > maxIdle {
			if opts.Limits == nil || opts.Limits.HandleTimeout(j, idle) {
				return false, true, ErrIdleTimeout
			}
		}
	}
	if maxSize > 0 {
		if size := j.BytesRead(); size > maxSize {
			if opts.Limits == nil || opts.Limits.HandleSizeLimit(j, size) {
				return false, true, ErrSizeLimit
			}
		}
	}

	w.steps.Add(1)
	n := j.Step(now)
	if n < 0 {
		return false, true, nil
	}
	return true, n > 0, nil
}

// evict closes a job that has left the store
func (w *Worker) evict(j Job, err error) {
	w.closed.Add(1)
	j.Close(err)
}

// WorkerStats contains per-worker counters
type WorkerStats struct {
	ID     int
	Jobs   int
	Passes uint64
	Steps  uint64
	Closed uint64
}

// Stats returns worker counters. Jobs is 0 for the Shared strategy.
func (w *Worker) Stats() WorkerStats {
	st := WorkerStats{
		ID:     w.id,
		Passes: w.passes.Load(),
		Steps:  w.steps.Load(),
		Closed: w.closed.Load(),
	}
	if _, shared := w.store.(*sharedStore); !shared {
		st.Jobs = w.store.Len()
	}
	return st
}
