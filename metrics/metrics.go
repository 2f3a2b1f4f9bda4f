// Package metrics exposes Prometheus instrumentation for the gateway's
// connection and job state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActivePairs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "comfy_gateway",
		Name:      "active_pairs",
		Help:      "Number of currently linked client/backend connection pairs.",
	})

	JobsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "comfy_gateway",
		Name:      "jobs_in_state",
		Help:      "Number of in-flight jobs currently in each state.",
	}, []string{"state"})

	BackendReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "comfy_gateway",
		Name:      "backend_reconnect_attempts_total",
		Help:      "Total number of backend reconnect attempts across all pairs.",
	})

	StatusListenerReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "comfy_gateway",
		Name:      "status_listener_reconnect_attempts_total",
		Help:      "Total number of status listener reconnect attempts.",
	})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "comfy_gateway",
		Name:      "idlemap_sweep_duration_seconds",
		Help:      "Duration of idle-map sweep passes.",
		Buckets:   prometheus.DefBuckets,
	})
)
