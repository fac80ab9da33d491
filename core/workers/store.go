package workers

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// JobStore holds the jobs of one worker, or of all workers for the Shared
// strategy.
type JobStore interface {
	// AddJob admits j, reporting false when the store is full
	AddJob(j Job) bool

	// RunPass steps the stored jobs once on behalf of w and reports whether
	// any of them made progress
	RunPass(w *Worker, now time.Time) bool

	HasJobs() bool
	CanAddJob() bool

	// JobsLeft returns how many more jobs can be admitted
	JobsLeft() int

	// Len returns the number of stored jobs
	Len() int
}

type slot struct {
	job Job
}

// pooledStore is a fixed array of slots filled by CAS
type pooledStore struct {
	slots []atomic.Pointer[slot]
	count atomic.Int64
}

func newPooledStore(capacity int) *pooledStore {
	return &pooledStore{slots: make([]atomic.Pointer[slot], capacity)}
}

func (s *pooledStore) AddJob(j Job) bool {
	e := &slot{job: j}
	for i := range s.slots {
		if s.slots[i].CompareAndSwap(nil, e) {
			s.count.Add(1)
			return true
		}
	}
	return false
}

func (s *pooledStore) RunPass(w *Worker, now time.Time) bool {
	progress := false
	for i := range s.slots {
		e := s.slots[i].Load()
		if e == nil {
			continue
		}
		keep, moved, err := w.step(e.job, now)
		progress = progress || moved
		if !keep {
			s.slots[i].Store(nil)
			s.count.Add(-1)
			e.job.Release(w)
			w.evict(e.job, err)
		}
	}
	return progress
}

func (s *pooledStore) HasJobs() bool   { return s.count.Load() > 0 }
func (s *pooledStore) CanAddJob() bool { return s.JobsLeft() > 0 }
func (s *pooledStore) JobsLeft() int   { return len(s.slots) - s.Len() }
func (s *pooledStore) Len() int        { return int(s.count.Load()) }

// fifo is a bounded lock-free queue with a reservation counter. size counts
// admitted jobs, whether they sit in the queue or are being stepped, so
// re-enqueueing a job taken off the queue always finds room.
type fifo struct {
	q     *xsync.MPMCQueueOf[Job]
	size  atomic.Int64
	limit atomic.Int64
}

func newFifo(capacity int) *fifo {
	f := &fifo{q: xsync.NewMPMCQueueOf[Job](capacity)}
	f.limit.Store(int64(capacity))
	return f
}

func (f *fifo) AddJob(j Job) bool {
	if f.size.Add(1) > f.limit.Load() {
		f.size.Add(-1)
		return false
	}
	f.requeue(j)
	return true
}

func (f *fifo) requeue(j Job) {
	for !f.q.TryEnqueue(j) {
		runtime.Gosched()
	}
}

func (f *fifo) drop() {
	f.size.Add(-1)
}

func (f *fifo) HasJobs() bool   { return f.size.Load() > 0 }
func (f *fifo) CanAddJob() bool { return f.JobsLeft() > 0 }
func (f *fifo) JobsLeft() int   { return int(max(f.limit.Load()-f.size.Load(), 0)) }
func (f *fifo) Len() int        { return int(f.size.Load()) }

// queuedStore is a per-worker FIFO
type queuedStore struct {
	*fifo
}

func newQueuedStore(capacity int) *queuedStore {
	return &queuedStore{fifo: newFifo(capacity)}
}

func (s *queuedStore) RunPass(w *Worker, now time.Time) bool {
	progress := false
	// only the jobs present at pass start
	for n := s.size.Load(); n > 0; n-- {
		j, ok := s.q.TryDequeue()
		if !ok {
			break
		}
		keep, moved, err := w.step(j, now)
		progress = progress || moved
		if keep {
			s.requeue(j)
		} else {
			s.drop()
			j.Release(w)
			w.evict(j, err)
		}
	}
	return progress
}

// sharedStore is one FIFO drained by every worker. Jobs are claimed before
// each step and released afterwards.
type sharedStore struct {
	*fifo
}

func newSharedStore(capacity int) *sharedStore {
	return &sharedStore{fifo: newFifo(capacity)}
}

func (s *sharedStore) RunPass(w *Worker, now time.Time) bool {
	progress := false
	for n := s.size.Load(); n > 0; n-- {
		j, ok := s.q.TryDequeue()
		if !ok {
			break
		}
		if !j.Claim(w) {
			s.requeue(j)
			continue
		}
		keep, moved, err := w.step(j, now)
		progress = progress || moved
		j.Release(w)
		if keep {
			s.requeue(j)
		} else {
			s.drop()
			w.evict(j, err)
		}
	}
	return progress
}

// setLimit bounds admissions to limit jobs, capped by the queue capacity
func (s *sharedStore) setLimit(limit, capacity int) {
	s.limit.Store(int64(min(limit, capacity)))
}
