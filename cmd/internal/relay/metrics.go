package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the relay's Prometheus instruments.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ActiveRooms       prometheus.Gauge
	OpsApplied        prometheus.Counter
	OpsRejected       *prometheus.CounterVec
	BroadcastDrops    prometheus.Counter
	ChatStored        prometheus.Counter
	CompileRequests   prometheus.Counter
	RateLimited       prometheus.Counter
	ApplyDuration     prometheus.Histogram
}

// NewMetrics creates and registers the relay metrics on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "collab_ws_connections",
			Help: "Number of currently open websocket connections",
		}),
		ActiveRooms: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "collab_rooms",
			Help: "Number of active collaboration rooms",
		}),
		OpsApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "collab_ops_applied_total",
			Help: "Total number of document operations applied",
		}),
		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_ops_rejected_total",
			Help: "Total number of document operations rejected, by reason",
		}, []string{"reason"}),
		BroadcastDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "collab_broadcast_drops_total",
			Help: "Total number of envelopes dropped on slow client queues",
		}),
		ChatStored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "collab_chat_stored_total",
			Help: "Total number of chat messages stored",
		}),
		CompileRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "collab_compile_requests_total",
			Help: "Total number of compile requests served",
		}),
		RateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Name: "collab_rate_limited_total",
			Help: "Total number of messages refused by the per-connection rate limiter",
		}),
		ApplyDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "collab_apply_duration_seconds",
			Help:    "Duration of operation transform and apply",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 100µs to ~0.4s
		}),
	}
}

// NopMetrics returns instruments bound to a private registry, for tests.
func NopMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{Name: "collab_ws_connections"}),
		ActiveRooms:       factory.NewGauge(prometheus.GaugeOpts{Name: "collab_rooms"}),
		OpsApplied:        factory.NewCounter(prometheus.CounterOpts{Name: "collab_ops_applied_total"}),
		OpsRejected:       factory.NewCounterVec(prometheus.CounterOpts{Name: "collab_ops_rejected_total"}, []string{"reason"}),
		BroadcastDrops:    factory.NewCounter(prometheus.CounterOpts{Name: "collab_broadcast_drops_total"}),
		ChatStored:        factory.NewCounter(prometheus.CounterOpts{Name: "collab_chat_stored_total"}),
		CompileRequests:   factory.NewCounter(prometheus.CounterOpts{Name: "collab_compile_requests_total"}),
		RateLimited:       factory.NewCounter(prometheus.CounterOpts{Name: "collab_rate_limited_total"}),
		ApplyDuration:     factory.NewHistogram(prometheus.HistogramOpts{Name: "collab_apply_duration_seconds"}),
	}
}
