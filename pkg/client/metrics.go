package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for upstream HTTP operations.
var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_http_requests_total",
		Help: "Total upstream HTTP requests by status",
	}, []string{"status"})

	httpRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "offline_http_request_duration_seconds",
		Help:    "Upstream HTTP request duration in seconds, including retries",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_http_errors_total",
		Help: "Total upstream HTTP errors by class",
	}, []string{"class"})

	httpRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_http_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	httpRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offline_http_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	httpRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_http_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)
