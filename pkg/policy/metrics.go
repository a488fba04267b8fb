package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for policy decisions.
var (
	// Results tracks successful Execute calls by mode and source
	Results = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_cache_results_total",
		Help: "Total successful cache executions by mode and result source",
	}, []string{"mode", "source"})

	// StaleServed tracks cached entries served because the network failed
	StaleServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_cache_stale_served_total",
		Help: "Total cached entries served as a fallback for a failed fetch",
	}, []string{"mode"})

	// FetchesCollapsed tracks callers that shared another caller's in-flight fetch
	FetchesCollapsed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_cache_fetch_collapsed_total",
		Help: "Total executions that joined an in-flight fetch for the same key",
	})

	// Revalidations tracks 304 Not Modified revalidations
	Revalidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_cache_revalidations_total",
		Help: "Total stale entries refreshed by a 304 Not Modified response",
	})

	// TransportFailures tracks failed transport calls by status class
	TransportFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_cache_transport_failures_total",
		Help: "Total failed transport calls by status class",
	}, []string{"class"}) // "network", "4xx", "5xx", "other"

	// TransportDuration tracks transport call latency
	TransportDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "offline_cache_transport_duration_seconds",
		Help:    "Transport call duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
)
