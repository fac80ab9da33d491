package pools

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// SmartPool is a typed sync.Pool that counts how often Get falls through to
// New and pre-allocates more objects when that happens too often
type SmartPool[T any] struct {
	pool  sync.Pool
	newFn func() T
	reset func(T)

	gets   atomic.Uint64
	puts   atomic.Uint64
	misses atomic.Uint64

	warmup int
	target float64

	// counters seen by the previous Optimize
	mu         sync.Mutex
	seenGets   uint64
	seenMisses uint64
}

// SmartPoolConfig configures a SmartPool
type SmartPoolConfig[T any] struct {
	New           func() T
	Reset         func(T)
	WarmupSize    int     // objects allocated up front, 100 if zero
	TargetHitRate float64 // 0.9 if zero
}

// minOptimizeWindow is the number of Gets an Optimize window needs before
// its hit rate means anything
const minOptimizeWindow = 1000

// NewSmartPool creates a pool and warms it up
func NewSmartPool[T any](cfg SmartPoolConfig[T]) *SmartPool[T] {
	if cfg.WarmupSize == 0 {
		cfg.WarmupSize = 100
	}
	if cfg.TargetHitRate == 0 {
		cfg.TargetHitRate = 0.90
	}

	p := &SmartPool[T]{
		newFn:  cfg.New,
		reset:  cfg.Reset,
		warmup: cfg.WarmupSize,
		target: cfg.TargetHitRate,
	}
	p.pool.New = func() any {
		p.misses.Add(1)
		return p.newFn()
	}
	p.Warmup(p.warmup)
	return p
}

// Get takes an object from the pool
func (p *SmartPool[T]) Get() T {
	p.gets.Add(1)
	return p.pool.Get().(T)
}

// Put resets v and returns it to the pool
func (p *SmartPool[T]) Put(v T) {
	p.puts.Add(1)
	if p.reset != nil {
		p.reset(v)
	}
	p.pool.Put(v)
}

// Warmup allocates n objects into the pool
func (p *SmartPool[T]) Warmup(n int) {
	for range n {
		p.pool.Put(p.newFn())
	}
}

// SmartPoolStats holds lifetime counters of a SmartPool
type SmartPoolStats struct {
	Gets    uint64
	Puts    uint64
	Misses  uint64
	HitRate float64
}

// Stats returns lifetime counters
func (p *SmartPool[T]) Stats() SmartPoolStats {
	st := SmartPoolStats{
		Gets:   p.gets.Load(),
		Puts:   p.puts.Load(),
		Misses: p.misses.Load(),
	}
	st.HitRate = hitRate(st.Gets, st.Misses)
	return st
}

func hitRate(gets, misses uint64) float64 {
	if gets == 0 || misses >= gets {
		return 0
	}
	return float64(gets-misses) / float64(gets)
}

// Optimize looks at the Gets since the previous call. When there were enough
// of them and their hit rate fell short of the target, a tenth of the warmup
// size is allocated. It reports whether it allocated.
func (p *SmartPool[T]) Optimize() bool {
	gets, misses := p.gets.Load(), p.misses.Load()

	p.mu.Lock()
	dg, dm := gets-p.seenGets, misses-p.seenMisses
	if dg < minOptimizeWindow {
		p.mu.Unlock()
		return false
	}
	p.seenGets, p.seenMisses = gets, misses
	p.mu.Unlock()

	if hitRate(dg, dm) >= p.target {
		return false
	}
	p.Warmup(max(p.warmup/10, 1))
	return true
}

// StartAutoOptimize calls Optimize every interval until ctx is done
func (p *SmartPool[T]) StartAutoOptimize(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Optimize()
			}
		}
	}()
}
