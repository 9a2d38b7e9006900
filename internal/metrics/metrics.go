// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the gateway updates.
type Metrics struct {
	Admissions      *prometheus.CounterVec
	CacheLookups    *prometheus.CounterVec
	Dispatches      *prometheus.CounterVec
	BreakerState    prometheus.Gauge
	RequestDuration prometheus.Histogram
}

// New registers the gateway collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llm_gateway",
			Name:      "admissions_total",
			Help:      "Admission decisions by outcome.",
		}, []string{"outcome"}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llm_gateway",
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by result.",
		}, []string{"result"}),
		Dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llm_gateway",
			Name:      "dispatches_total",
			Help:      "Provider dispatches by outcome.",
		}, []string{"outcome"}),
		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "llm_gateway",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}),
		RequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "llm_gateway",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
