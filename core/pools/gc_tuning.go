package pools

import (
	"runtime"
	"runtime/debug"
	"time"
)

// GCConfig holds the runtime GC settings applied when an engine starts
type GCConfig struct {
	Percent     int   // GOGC; 0 keeps the runtime setting
	MemoryLimit int64 // soft limit in bytes; 0 keeps the runtime setting
}

// ApplyGCConfig applies cfg and returns the previous settings. Zero fields
// of the result were left untouched.
func ApplyGCConfig(cfg GCConfig) GCConfig {
	var prev GCConfig
	if cfg.Percent > 0 {
		prev.Percent = debug.SetGCPercent(cfg.Percent)
	}
	if cfg.MemoryLimit > 0 {
		prev.MemoryLimit = debug.SetMemoryLimit(cfg.MemoryLimit)
	}
	return prev
}

// GCStats is a snapshot of collector and heap counters
type GCStats struct {
	Cycles     uint32
	PauseTotal time.Duration
	LastPause  time.Duration
	HeapAlloc  uint64
	HeapInuse  uint64
	Sys        uint64
	Goroutines int
}

// ReadGCStats reads the current collector counters. It stops the world
// briefly, so callers sample it at stats intervals only.
func ReadGCStats() GCStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	st := GCStats{
		Cycles:     ms.NumGC,
		PauseTotal: time.Duration(ms.PauseTotalNs),
		HeapAlloc:  ms.HeapAlloc,
		HeapInuse:  ms.HeapInuse,
		Sys:        ms.Sys,
		Goroutines: runtime.NumGoroutine(),
	}
	if ms.NumGC > 0 {
		st.LastPause = time.Duration(ms.PauseNs[(ms.NumGC+255)%256])
	}
	return st
}
