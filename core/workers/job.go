// Package workers runs connection jobs on a pool of worker goroutines. Jobs
// are non-blocking state machines: a worker visits each of its jobs once per
// pass, enforces idle and size limits, and advances the job by one step.
//
// Three strategies decide where jobs live between passes (see Strategy); all
// of them guarantee that a job is stepped by at most one worker at a time.
package workers

import (
	"errors"
	"sync/atomic"
	"time"
)

// Reasons passed to Job.Close when a limit is exceeded
var (
	ErrIdleTimeout = errors.New("idle timeout")
	ErrSizeLimit   = errors.New("size limit exceeded")
)

// Job is a unit of scheduled work, typically a connection
type Job interface {
	// Step performs one non-blocking unit of work. A positive result means
	// progress was made, zero means the job is waiting, and a negative
	// result means the job is finished and must be evicted.
	Step(now time.Time) int

	// Idle returns how long the job has gone without activity
	Idle(now time.Time) time.Duration

	// BytesRead returns the size of the job's current input
	BytesRead() int64

	// Limits returns job-specific limits. Negative values select the
	// scheduler defaults; a zero maxIdle disables the idle limit.
	Limits() (maxIdle time.Duration, maxSize int64)

	// Close releases the job. err is nil when the job finished on its own.
	Close(err error)

	// Claim makes w the single owner of the job. It fails if another worker
	// already owns it.
	Claim(w *Worker) bool

	// Release drops ownership held by w
	Release(w *Worker)

	// Owner returns the worker holding the job, or nil
	Owner() *Worker
}

// Ownership implements the Claim, Release and Owner methods of Job with a
// single atomic pointer. Embed it in job types.
type Ownership struct {
	owner atomic.Pointer[Worker]
}

// Claim makes w the owner if nobody is
func (o *Ownership) Claim(w *Worker) bool {
	return o.owner.CompareAndSwap(nil, w)
}

// Release drops ownership if w holds it
func (o *Ownership) Release(w *Worker) {
	o.owner.CompareAndSwap(w, nil)
}

// Owner returns the current owner
func (o *Ownership) Owner() *Worker {
	return o.owner.Load()
}

// LimitsHandler can veto closes caused by limits. Returning true closes the
// job, false keeps it for another pass.
type LimitsHandler interface {
	HandleTimeout(job Job, idle time.Duration) bool
	HandleSizeLimit(job Job, size int64) bool
}
