// Package observability keeps per-route request metrics fed from the
// connection dispatch path.
package observability

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// PerformanceMonitor records request latency and outcomes per route
type PerformanceMonitor struct {
	enabled  atomic.Bool
	handlers *xsync.MapOf[string, *HandlerMetrics]
	global   struct {
		totalRequests atomic.Uint64
		totalErrors   atomic.Uint64
		totalDuration atomic.Uint64
	}
	bottlenecks  []Bottleneck
	bottleneckMu sync.RWMutex
}

// HandlerMetrics stores per-route metrics
type HandlerMetrics struct {
	Name           string
	Count          atomic.Uint64
	Errors         atomic.Uint64
	TotalDuration  atomic.Uint64
	MinDuration    atomic.Uint64
	MaxDuration    atomic.Uint64
	latencyBuckets [10]atomic.Uint64
}

// Bottleneck represents a performance issue
type Bottleneck struct {
	Type       string
	Location   string
	Severity   int
	Impact     float64
	DetectedAt time.Time
	Details    string
}

// Upper bounds of the latency buckets; the last bucket is open
var bucketBounds = [9]time.Duration{
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	5 * time.Second,
	10 * time.Second,
}

// NewPerformanceMonitor creates an enabled monitor. Bottleneck analysis
// only runs while Run is active.
func NewPerformanceMonitor() *PerformanceMonitor {
	pm := &PerformanceMonitor{
		handlers: xsync.NewMapOf[string, *HandlerMetrics](),
	}
	pm.enabled.Store(true)
	return pm
}

// SetEnabled turns recording on or off
func (pm *PerformanceMonitor) SetEnabled(on bool) {
	pm.enabled.Store(on)
}

// RecordRequest records one finished request. Statuses of 500 and above
// count as errors.
func (pm *PerformanceMonitor) RecordRequest(route string, duration time.Duration, status int) {
	if !pm.enabled.Load() {
		return
	}

	metrics, _ := pm.handlers.LoadOrCompute(route, func() *HandlerMetrics {
		return &HandlerMetrics{Name: route}
	})

	metrics.Count.Add(1)
	if status >= 500 {
		metrics.Errors.Add(1)
		pm.global.totalErrors.Add(1)
	}

	durationNs := uint64(max(duration, 0))
	metrics.TotalDuration.Add(durationNs)
	updateMinMax(metrics, durationNs)
	metrics.latencyBuckets[bucketFor(duration)].Add(1)

	pm.global.totalRequests.Add(1)
	pm.global.totalDuration.Add(durationNs)
}

func updateMinMax(m *HandlerMetrics, d uint64) {
	for {
		cur := m.MinDuration.Load()
		if cur != 0 && d >= cur {
			break
		}
		if m.MinDuration.CompareAndSwap(cur, d) {
			break
		}
	}
	for {
		cur := m.MaxDuration.Load()
		if d <= cur {
			break
		}
		if m.MaxDuration.CompareAndSwap(cur, d) {
			break
		}
	}
}

func bucketFor(d time.Duration) int {
	for i, bound := range bucketBounds {
		if d < bound {
			return i
		}
	}
	return len(bucketBounds)
}

// Run refreshes the bottleneck list every interval until ctx is done
func (pm *PerformanceMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !pm.enabled.Load() {
				continue
			}
			bottlenecks := pm.detectBottlenecks(time.Now())
			pm.bottleneckMu.Lock()
			pm.bottlenecks = bottlenecks
			pm.bottleneckMu.Unlock()
		}
	}
}

func (pm *PerformanceMonitor) detectBottlenecks(now time.Time) []Bottleneck {
	bottlenecks := make([]Bottleneck, 0)

	pm.handlers.Range(func(_ string, m *HandlerMetrics) bool {
		count := m.Count.Load()
		if count == 0 {
			return true
		}

		avgDuration := time.Duration(m.TotalDuration.Load() / count)
		if avgDuration > 100*time.Millisecond {
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:       "latency",
				Location:   m.Name,
				Severity:   8,
				Impact:     100.0,
				DetectedAt: now,
				Details:    fmt.Sprintf("High latency (%v avg)", avgDuration),
			})
		}

		errors := m.Errors.Load()
		if errors > 0 && float64(errors)/float64(count) > 0.05 {
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:       "errors",
				Location:   m.Name,
				Severity:   10,
				Impact:     float64(errors) / float64(count) * 100,
				DetectedAt: now,
				Details:    fmt.Sprintf("%.1f%% error rate", float64(errors)/float64(count)*100),
			})
		}

		return true
	})

	sort.Slice(bottlenecks, func(i, j int) bool {
		if bottlenecks[i].Location != bottlenecks[j].Location {
			return bottlenecks[i].Location < bottlenecks[j].Location
		}
		return bottlenecks[i].Type < bottlenecks[j].Type
	})
	return bottlenecks
}

// GetBottlenecks returns the bottlenecks found by the last analysis
func (pm *PerformanceMonitor) GetBottlenecks() []Bottleneck {
	pm.bottleneckMu.RLock()
	defer pm.bottleneckMu.RUnlock()
	return append([]Bottleneck{}, pm.bottlenecks...)
}

// RouteStats is a point-in-time copy of HandlerMetrics
type RouteStats struct {
	Route   string
	Count   uint64
	Errors  uint64
	Avg     time.Duration
	Min     time.Duration
	Max     time.Duration
	Buckets [10]uint64
}

// Summary holds totals over all routes
type Summary struct {
	Requests uint64
	Errors   uint64
	Avg      time.Duration
}

// Snapshot returns per-route stats sorted by route
func (pm *PerformanceMonitor) Snapshot() []RouteStats {
	out := make([]RouteStats, 0, pm.handlers.Size())
	pm.handlers.Range(func(route string, m *HandlerMetrics) bool {
		rs := RouteStats{
			Route:  route,
			Count:  m.Count.Load(),
			Errors: m.Errors.Load(),
			Min:    time.Duration(m.MinDuration.Load()),
			Max:    time.Duration(m.MaxDuration.Load()),
		}
		if rs.Count > 0 {
			rs.Avg = time.Duration(m.TotalDuration.Load() / rs.Count)
		}
		for i := range m.latencyBuckets {
			rs.Buckets[i] = m.latencyBuckets[i].Load()
		}
		out = append(out, rs)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out
}

// Summary returns totals over all routes
func (pm *PerformanceMonitor) Summary() Summary {
	s := Summary{
		Requests: pm.global.totalRequests.Load(),
		Errors:   pm.global.totalErrors.Load(),
	}
	if s.Requests > 0 {
		s.Avg = time.Duration(pm.global.totalDuration.Load() / s.Requests)
	}
	return s
}
