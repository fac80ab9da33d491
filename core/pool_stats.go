package core

import (
	"fmt"

	"github.com/QubitProducts/topNET-sub000/core/pools"
)

// PoolStats represents statistics for all pools
type PoolStats struct {
	Connection ConnectionPoolStats
	Exchange   pools.SmartPoolStats
	Bytes      pools.BytePoolStats
}

// ConnectionPoolStats holds connection pool counters
type ConnectionPoolStats struct {
	Gets    uint64
	Puts    uint64
	HitRate float64
}

// GetPoolStats returns statistics for all memory pools
func (e *Engine) GetPoolStats() PoolStats {
	gets, puts, hitRate := e.connPool.Stats()
	return PoolStats{
		Connection: ConnectionPoolStats{
			Gets:    gets,
			Puts:    puts,
			HitRate: hitRate,
		},
		Exchange: e.exchanges.Stats(),
		Bytes:    e.bytePool.Stats(),
	}
}

// GetPoolStatsText returns pool statistics as human-readable text
func (e *Engine) GetPoolStatsText() string {
	stats := e.GetPoolStats()
	return fmt.Sprintf(`Memory Pool Statistics
======================

Connection Pool:
  Gets:     %d
  Puts:     %d
  Hit Rate: %.2f%%

Exchange Pool:
  Gets:     %d
  Puts:     %d
  Hit Rate: %.2f%%

Segment Pool:
  Gets:     %d
  Puts:     %d
  Misses:   %d

Target: Hit Rate > 95%% for optimal performance
`,
		stats.Connection.Gets, stats.Connection.Puts, stats.Connection.HitRate*100,
		stats.Exchange.Gets, stats.Exchange.Puts, stats.Exchange.HitRate*100,
		stats.Bytes.Gets, stats.Bytes.Puts, stats.Bytes.Misses,
	)
}
