package core

import (
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/QubitProducts/topNET-sub000/core/observability"
	"github.com/QubitProducts/topNET-sub000/core/pools"
	"github.com/QubitProducts/topNET-sub000/core/workers"
)

// Stats is a snapshot of the engine counters
type Stats struct {
	Accepted   int64
	IdleClosed int64
	Closed     int64
	Requests   int64
	Errors     int64
	Active     int

	Scheduler workers.Stats
	Pools     PoolStats
	Routes    []observability.RouteStats
	GC        pools.GCStats
}

// Stats returns the engine counters
func (e *Engine) Stats() Stats {
	st := Stats{
		Accepted:   e.stats.accepted.Value(),
		IdleClosed: e.stats.idleClosed.Value(),
		Closed:     e.stats.closed.Value(),
		Requests:   e.stats.requests.Value(),
		Errors:     e.stats.errors.Value(),
		Active:     e.conns.Size(),
		Pools:      e.GetPoolStats(),
		Routes:     e.monitor.Snapshot(),
		GC:         pools.ReadGCStats(),
	}
	if e.sched != nil {
		st.Scheduler = e.sched.Stats()
	}
	return st
}

// StatsStruct renders the snapshot as a protobuf Struct
func (e *Engine) StatsStruct() (*structpb.Struct, error) {
	st := e.Stats()

	perWorker := make([]any, 0, len(st.Scheduler.PerWorker))
	for _, w := range st.Scheduler.PerWorker {
		perWorker = append(perWorker, map[string]any{
			"id":     w.ID,
			"jobs":   w.Jobs,
			"passes": w.Passes,
			"steps":  w.Steps,
			"closed": w.Closed,
		})
	}

	routes := make([]any, 0, len(st.Routes))
	for _, r := range st.Routes {
		routes = append(routes, map[string]any{
			"route":  r.Route,
			"count":  r.Count,
			"errors": r.Errors,
			"avg_ms": r.Avg.Seconds() * 1000,
			"max_ms": r.Max.Seconds() * 1000,
		})
	}

	return structpb.NewStruct(map[string]any{
		"accepted":    st.Accepted,
		"idle_closed": st.IdleClosed,
		"closed":      st.Closed,
		"requests":    st.Requests,
		"errors":      st.Errors,
		"active":      st.Active,
		"scheduler": map[string]any{
			"strategy":    st.Scheduler.Strategy.String(),
			"workers":     st.Scheduler.Workers,
			"spare":       st.Scheduler.Spare,
			"jobs":        st.Scheduler.Jobs,
			"capacity":    st.Scheduler.Capacity,
			"placed":      st.Scheduler.Placed,
			"rejected":    st.Scheduler.Rejected,
			"scaled_up":   st.Scheduler.ScaledUp,
			"scaled_down": st.Scheduler.ScaledDown,
			"per_worker":  perWorker,
		},
		"pools": map[string]any{
			"connection_hit_rate": st.Pools.Connection.HitRate,
			"exchange_hit_rate":   st.Pools.Exchange.HitRate,
			"segment_gets":        st.Pools.Bytes.Gets,
			"segment_misses":      st.Pools.Bytes.Misses,
		},
		"routes": routes,
		"gc": map[string]any{
			"cycles":         st.GC.Cycles,
			"pause_total_ms": st.GC.PauseTotal.Seconds() * 1000,
			"last_pause_ms":  st.GC.LastPause.Seconds() * 1000,
			"heap_alloc":     st.GC.HeapAlloc,
			"heap_inuse":     st.GC.HeapInuse,
			"goroutines":     st.GC.Goroutines,
		},
	})
}

// StatsJSON returns the snapshot as indented JSON
func (e *Engine) StatsJSON() ([]byte, error) {
	s, err := e.StatsStruct()
	if err != nil {
		return nil, err
	}
	return protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
}
