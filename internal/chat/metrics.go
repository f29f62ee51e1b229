package chat

import "sync/atomic"

// engineMetrics tracks receive-path counters for the chat engine.
type engineMetricsState struct {
	seen        atomic.Int64
	delivered   atomic.Int64
	deduped     atomic.Int64
	rateLimited atomic.Int64
	filtered    atomic.Int64
	reconnects  atomic.Int64
}

var engineMetrics engineMetricsState

// MetricsSnapshot is a point-in-time copy of the engine counters, consumed by
// the host surface's Prometheus registry.
type MetricsSnapshot struct {
	Seen        int64
	Delivered   int64
	Deduped     int64
	RateLimited int64
	Filtered    int64
	Reconnects  int64
}

func Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Seen:        engineMetrics.seen.Load(),
		Delivered:   engineMetrics.delivered.Load(),
		Deduped:     engineMetrics.deduped.Load(),
		RateLimited: engineMetrics.rateLimited.Load(),
		Filtered:    engineMetrics.filtered.Load(),
		Reconnects:  engineMetrics.reconnects.Load(),
	}
}
