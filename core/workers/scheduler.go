package workers

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped is returned when placing jobs on a stopped scheduler
var ErrStopped = errors.New("scheduler stopped")

// Scheduler owns the workers and places jobs on them. The worker count is
// elastic: it grows when placement keeps failing and shrinks when load is
// low, between MinWorkers and MaxWorkers.
type Scheduler struct {
	opts Options

	shared    *sharedStore
	sharedCap int

	mu           sync.Mutex
	active       atomic.Pointer[[]*Worker]
	spare        []*Worker // retired workers kept for reuse
	nextID       int
	cursor       int
	failingSince time.Time
	lastScale    time.Time
	started      bool
	stopped      bool

	stats struct {
		placed     atomic.Uint64
		rejected   atomic.Uint64
		scaledUp   atomic.Uint64
		scaledDown atomic.Uint64
	}
}

// NewScheduler creates a scheduler. Workers start with Start.
func NewScheduler(opts Options) *Scheduler {
	opts.setDefaults()
	s := &Scheduler{opts: opts}
	if opts.Strategy == Shared {
		s.sharedCap = opts.JobsPerWorker * opts.maxWorkers()
		s.shared = newSharedStore(s.sharedCap)
		s.shared.setLimit(0, s.sharedCap)
	}
	empty := []*Worker{}
	s.active.Store(&empty)
	return s
}

// Options returns the effective options
func (s *Scheduler) Options() Options {
	return s.opts
}

// Start launches MinWorkers workers
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.lastScale = time.Now()
	for i := 0; i < s.opts.MinWorkers; i++ {
		s.addWorkerLocked()
	}
}

// Stop stops every worker. Jobs still held are not closed; their owner
// keeps track of them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for _, w := range s.workers() {
		w.stop()
	}
	empty := []*Worker{}
	s.active.Store(&empty)
}

func (s *Scheduler) workers() []*Worker {
	return *s.active.Load()
}

// Workers returns the number of running workers
func (s *Scheduler) Workers() int {
	return len(s.workers())
}

func (s *Scheduler) newStore() JobStore {
	switch s.opts.Strategy {
	case Queued:
		return newQueuedStore(s.opts.JobsPerWorker)
	case Shared:
		return s.shared
	default:
		return newPooledStore(s.opts.JobsPerWorker)
	}
}

// addWorkerLocked starts a worker, reusing a retired one when possible
func (s *Scheduler) addWorkerLocked() bool {
	ws := s.workers()
	if s.opts.MaxWorkers > 0 && len(ws) >= s.opts.MaxWorkers {
		return false
	}

	var w *Worker
	if n := len(s.spare); n > 0 {
		w = s.spare[n-1]
		s.spare = s.spare[:n-1]
	} else {
		w = newWorker(s.nextID, s, s.newStore())
		s.nextID++
	}
	w.start()

	next := make([]*Worker, len(ws), len(ws)+1)
	copy(next, ws)
	next = append(next, w)
	s.active.Store(&next)
	s.resizeShared(len(next))
	return true
}

func (s *Scheduler) resizeShared(workers int) {
	if s.shared != nil {
		s.shared.setLimit(workers*s.opts.JobsPerWorker, s.sharedCap)
	}
}

// Place assigns j to a worker. When no worker has room it records the
// failure; once failures have lasted ScaleUpAfter a worker is added and
// placement is retried once. The caller retries jobs that were not placed.
func (s *Scheduler) Place(j Job, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false, ErrStopped
	}

	if s.tryPlaceLocked(j) {
		s.failingSince = time.Time{}
		return true, nil
	}

	if s.failingSince.IsZero() {
		s.failingSince = now
	}
	if now.Sub(s.failingSince) >= s.opts.ScaleUpAfter && s.addWorkerLocked() {
		s.stats.scaledUp.Add(1)
		s.lastScale = now
		s.opts.Logger.Printf("workers: scaled up to %d", s.Workers())
		s.failingSince = time.Time{}
		if s.tryPlaceLocked(j) {
			return true, nil
		}
	}
	s.stats.rejected.Add(1)
	return false, nil
}

func (s *Scheduler) tryPlaceLocked(j Job) bool {
	ws := s.workers()
	if len(ws) == 0 {
		return false
	}

	if s.shared != nil {
		if !s.shared.AddJob(j) {
			return false
		}
		s.stats.placed.Add(1)
		// any worker may take it
		ws[s.cursor%len(ws)].Wake()
		s.cursor++
		return true
	}

	start := 0
	if s.opts.Placement == RoundRobin {
		start = s.cursor
	}
	for i := range ws {
		idx := (start + i) % len(ws)
		w := ws[idx]
		if !w.store.CanAddJob() || !j.Claim(w) {
			continue
		}
		if !w.store.AddJob(j) {
			j.Release(w)
			continue
		}
		s.cursor = idx + 1
		s.stats.placed.Add(1)
		w.Wake()
		return true
	}
	return false
}

// ScaleDown retires one idle worker when the job load is below
// ScaleDownLoad. It acts at most once per ScaleDownInterval and never goes
// below MinWorkers.
func (s *Scheduler) ScaleDown(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || now.Sub(s.lastScale) < s.opts.ScaleDownInterval {
		return false
	}
	s.lastScale = now

	ws := s.workers()
	if len(ws) <= s.opts.MinWorkers {
		return false
	}
	if s.loadLocked(ws) >= s.opts.ScaleDownLoad {
		return false
	}

	for i := len(ws) - 1; i >= 0; i-- {
		w := ws[i]
		if s.shared == nil && w.store.HasJobs() {
			continue
		}
		next := make([]*Worker, 0, len(ws)-1)
		next = append(next, ws[:i]...)
		next = append(next, ws[i+1:]...)
		s.active.Store(&next)
		s.resizeShared(len(next))

		w.stop()
		s.spare = append(s.spare, w)
		s.stats.scaledDown.Add(1)
		s.opts.Logger.Printf("workers: scaled down to %d", len(next))
		return true
	}
	return false
}

func (s *Scheduler) loadLocked(ws []*Worker) float64 {
	capacity := len(ws) * s.opts.JobsPerWorker
	if capacity == 0 {
		return 0
	}
	return float64(s.jobs(ws)) / float64(capacity)
}

func (s *Scheduler) jobs(ws []*Worker) int {
	if s.shared != nil {
		return s.shared.Len()
	}
	n := 0
	for _, w := range ws {
		n += w.store.Len()
	}
	return n
}

// Wake wakes the worker that owns j, or every worker for the Shared strategy
// where ownership only lasts for a step.
func (s *Scheduler) Wake(j Job) {
	if s.shared == nil {
		if w := j.Owner(); w != nil {
			w.Wake()
		}
		return
	}
	s.WakeAll()
}

// WakeAll wakes every worker
func (s *Scheduler) WakeAll() {
	for _, w := range s.workers() {
		w.Wake()
	}
}

// WakeBusy wakes the workers that hold jobs
func (s *Scheduler) WakeBusy() {
	ws := s.workers()
	if s.shared != nil {
		if s.shared.HasJobs() {
			for _, w := range ws {
				w.Wake()
			}
		}
		return
	}
	for _, w := range ws {
		if w.store.HasJobs() {
			w.Wake()
		}
	}
}

// Stats contains scheduler statistics
type Stats struct {
	Strategy   Strategy
	Workers    int
	Spare      int
	Jobs       int
	Capacity   int
	Placed     uint64
	Rejected   uint64
	ScaledUp   uint64
	ScaledDown uint64
	PerWorker  []WorkerStats
}

// Stats returns scheduler statistics
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	spare := len(s.spare)
	s.mu.Unlock()

	ws := s.workers()
	st := Stats{
		Strategy:   s.opts.Strategy,
		Workers:    len(ws),
		Spare:      spare,
		Jobs:       s.jobs(ws),
		Capacity:   len(ws) * s.opts.JobsPerWorker,
		Placed:     s.stats.placed.Load(),
		Rejected:   s.stats.rejected.Load(),
		ScaledUp:   s.stats.scaledUp.Load(),
		ScaledDown: s.stats.scaledDown.Load(),
		PerWorker:  make([]WorkerStats, len(ws)),
	}
	if s.shared != nil {
		st.Capacity = min(st.Capacity, s.sharedCap)
	}
	for i, w := range ws {
		st.PerWorker[i] = w.Stats()
	}
	return st
}
