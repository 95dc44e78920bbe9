package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts resource requests by operation and response status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objectwire_requests_total",
			Help: "Total number of resource requests",
		},
		[]string{"operation", "status"},
	)

	// ActiveSessions tracks sessions that have not been logged out or expired.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "objectwire_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// IDAllocations counts resource ID allocations per entity.
	IDAllocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objectwire_id_allocations_total",
			Help: "Total number of resource IDs allocated",
		},
		[]string{"entity"},
	)

	// APILatency measures request latency per protocol operation and entity.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "objectwire_api_latency_seconds",
			Help:    "Request latency per protocol operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "entity", "status"},
	)
)
