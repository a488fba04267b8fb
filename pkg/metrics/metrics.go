// Package metrics provides the Prometheus registry reference and HTTP handler
// for the offline cache. All metrics are defined in their respective packages
// (cache, policy, client, ratelimit) to keep them next to the code that
// updates them and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the offline cache.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer matching Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registered metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Store Metrics (pkg/cache):
//   - offline_cache_store_hits_total{backend} (Counter): Store hits by backend (memory, file, sqlite, redis)
//   - offline_cache_store_misses_total (Counter): Store misses
//   - offline_cache_written_bytes_total{backend} (Counter): Entry bytes written by backend
//   - offline_cache_errors_total{operation} (Counter): Store operation errors
//   - offline_cache_swept_total (Counter): Entries removed by sweeps
//
// Policy Metrics (pkg/policy):
//   - offline_cache_results_total{mode, source} (Counter): Successful executions by mode and source
//   - offline_cache_stale_served_total{mode} (Counter): Cached entries served because the fetch failed
//   - offline_cache_fetch_collapsed_total (Counter): Executions that joined an in-flight fetch
//   - offline_cache_revalidations_total (Counter): Entries refreshed by 304 Not Modified
//   - offline_cache_transport_failures_total{class} (Counter): Failed transport calls by class
//   - offline_cache_transport_duration_seconds (Histogram): Transport call duration
//
// Upstream Metrics (pkg/client):
//   - offline_http_requests_total{status} (Counter): Upstream requests by HTTP status
//   - offline_http_request_duration_seconds (Histogram): Request duration including retries
//   - offline_http_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//   - offline_http_retries_total{error_class} (Counter): Retry attempts by error class
//   - offline_http_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - offline_http_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Back-off Metrics (pkg/ratelimit):
//   - offline_upstream_quota_remaining (Gauge): Quota left in the upstream window
//   - offline_upstream_backoff_blocks_total (Counter): Requests blocked by upstream back-off
//   - offline_upstream_throttle_warnings_total (Counter): Requests sent while quota was low
//
// Example Prometheus Queries:
//
//   # Offline serving rate
//   sum(rate(offline_cache_stale_served_total[5m])) / sum(rate(offline_cache_results_total[5m]))
//
//   # Store hit rate
//   sum(rate(offline_cache_store_hits_total[5m])) /
//   (sum(rate(offline_cache_store_hits_total[5m])) + sum(rate(offline_cache_store_misses_total[5m])))
//
//   # P95 transport latency
//   histogram_quantile(0.95, rate(offline_cache_transport_duration_seconds_bucket[5m]))
