package hostapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/you/couchcast/internal/bridge"
	"github.com/you/couchcast/internal/chat"
)

// Metrics bundles Prometheus collectors for the host surface. Chat engine
// counters are pulled through CounterFuncs over its snapshot.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	sseClients      prometheus.Gauge
	broadcastDrops  prometheus.Counter
	rateLimited     prometheus.Counter
}

func newMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "couchcast",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "couchcast",
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "couchcast",
			Name:      "sse_clients",
			Help:      "Current connected SSE clients",
		}),
		broadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "couchcast",
			Name:      "broadcast_drops_total",
			Help:      "Number of events dropped due to slow SSE clients",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "couchcast",
			Name:      "http_rate_limited_total",
			Help:      "Number of HTTP requests rejected due to rate limiting",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.sseClients,
		m.broadcastDrops,
		m.rateLimited,
	)

	chatCounter := func(name, help string, read func(chat.MetricsSnapshot) int64) prometheus.CounterFunc {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "couchcast",
			Subsystem: "chat",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(chat.Metrics())) })
	}
	registry.MustRegister(
		chatCounter("messages_seen_total", "Chat messages parsed off the wire",
			func(s chat.MetricsSnapshot) int64 { return s.Seen }),
		chatCounter("messages_delivered_total", "Chat messages delivered to the observer",
			func(s chat.MetricsSnapshot) int64 { return s.Delivered }),
		chatCounter("messages_deduped_total", "Chat messages dropped as duplicates",
			func(s chat.MetricsSnapshot) int64 { return s.Deduped }),
		chatCounter("messages_rate_limited_total", "Chat messages dropped by the delivery limiter",
			func(s chat.MetricsSnapshot) int64 { return s.RateLimited }),
		chatCounter("messages_filtered_total", "Chat messages dropped by the channel filter",
			func(s chat.MetricsSnapshot) int64 { return s.Filtered }),
		chatCounter("reconnects_total", "Chat session reconnect attempts",
			func(s chat.MetricsSnapshot) int64 { return s.Reconnects }),
	)

	bridgeCounter := func(name, help string, read func(bridge.MetricsSnapshot) int64) prometheus.CounterFunc {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "couchcast",
			Subsystem: "bridge",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(bridge.Metrics())) })
	}
	registry.MustRegister(
		bridgeCounter("requests_total", "Privileged fetches issued",
			func(s bridge.MetricsSnapshot) int64 { return s.Requests }),
		bridgeCounter("request_failures_total", "Privileged fetches that failed",
			func(s bridge.MetricsSnapshot) int64 { return s.Failures }),
		bridgeCounter("bytes_total", "Payload bytes fetched through the transport",
			func(s bridge.MetricsSnapshot) int64 { return s.Bytes }),
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records timing and status information.
func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

// IncSSEClients adjusts the SSE client gauge by delta.
func (m *Metrics) IncSSEClients(delta float64) {
	if m == nil {
		return
	}
	m.sseClients.Add(delta)
}

// IncBroadcastDrops increments the drop counter.
func (m *Metrics) IncBroadcastDrops() {
	if m == nil {
		return
	}
	m.broadcastDrops.Inc()
}

// IncRateLimited increments the rate limit counter.
func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
