package workers

import (
	"fmt"
	"log"
	"runtime"
	"strings"
	"time"
)

// Strategy selects where jobs are kept between passes
type Strategy uint8

const (
	// Pooled gives every worker a fixed array of job slots. A job is
	// admitted into a free slot and every pass visits every slot.
	Pooled Strategy = iota

	// Queued gives every worker a bounded FIFO. A pass processes the jobs
	// present when it started, re-enqueueing unfinished ones at the tail.
	Queued

	// Shared keeps all jobs in one FIFO drained by every worker. A job is
	// claimed before each step so only one worker touches it.
	Shared
)

func (s Strategy) String() string {
	switch s {
	case Pooled:
		return "pooled"
	case Queued:
		return "queued"
	case Shared:
		return "shared"
	}
	return fmt.Sprintf("Strategy(%d)", s)
}

// ParseStrategy parses a strategy name
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "pooled", "pool", "array":
		return Pooled, nil
	case "queued", "queue":
		return Queued, nil
	case "shared", "global":
		return Shared, nil
	}
	return 0, fmt.Errorf("unknown worker strategy %q", s)
}

// Placement selects which worker receives a new job
type Placement uint8

const (
	// RoundRobin spreads jobs equally, continuing after the last worker used
	RoundRobin Placement = iota
	// FillFirst fills the first worker with room before using the next
	FillFirst
)

func (p Placement) String() string {
	switch p {
	case RoundRobin:
		return "roundrobin"
	case FillFirst:
		return "fillfirst"
	}
	return fmt.Sprintf("Placement(%d)", p)
}

// ParsePlacement parses a placement policy name
func ParsePlacement(s string) (Placement, error) {
	switch strings.ToLower(s) {
	case "roundrobin", "round-robin", "equal", "spread":
		return RoundRobin, nil
	case "fillfirst", "fill-first", "onebyone", "one-by-one":
		return FillFirst, nil
	}
	return 0, fmt.Errorf("unknown placement policy %q", s)
}

// Options configures a Scheduler
type Options struct {
	Strategy  Strategy
	Placement Placement

	MinWorkers    int
	MaxWorkers    int // 0 means unbounded
	JobsPerWorker int

	// Default limits, overridable per job
	IdleTimeout time.Duration // 0 means no idle limit
	MaxSize     int64         // 0 means no size limit

	ScaleUpAfter      time.Duration
	ScaleDownInterval time.Duration
	ScaleDownLoad     float64

	// PollInterval bounds how long a worker with unfinished jobs sleeps
	PollInterval time.Duration

	// PinWorkers locks every worker goroutine to an OS thread
	PinWorkers bool

	Limits LimitsHandler
	Logger *log.Logger
}

// Default values
const (
	DefaultJobsPerWorker     = 256
	DefaultScaleUpAfter      = 50 * time.Millisecond
	DefaultScaleDownInterval = 10 * time.Second
	DefaultScaleDownLoad     = 0.25
	DefaultPollInterval      = 10 * time.Millisecond
)

func (o *Options) setDefaults() {
	if o.MinWorkers <= 0 {
		o.MinWorkers = runtime.NumCPU()
	}
	if o.MaxWorkers > 0 && o.MaxWorkers < o.MinWorkers {
		o.MaxWorkers = o.MinWorkers
	}
	if o.JobsPerWorker <= 0 {
		o.JobsPerWorker = DefaultJobsPerWorker
	}
	if o.ScaleUpAfter < 0 {
		o.ScaleUpAfter = DefaultScaleUpAfter
	}
	if o.ScaleDownInterval <= 0 {
		o.ScaleDownInterval = DefaultScaleDownInterval
	}
	if o.ScaleDownLoad <= 0 {
		o.ScaleDownLoad = DefaultScaleDownLoad
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
}

// maxWorkers returns the worker cap used to size the shared queue
func (o *Options) maxWorkers() int {
	if o.MaxWorkers > 0 {
		return o.MaxWorkers
	}
	return max(o.MinWorkers, 4*runtime.NumCPU())
}
