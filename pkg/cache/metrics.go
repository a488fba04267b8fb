package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks store hits by backend
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_store_hits_total",
			Help: "Total number of cache store lookups that found an entry",
		},
		[]string{"backend"}, // "memory", "file", "sqlite", "redis"
	)

	// CacheMisses tracks store misses
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_cache_store_misses_total",
			Help: "Total number of cache store lookups that found nothing",
		},
	)

	// WrittenBytes tracks bytes written by backend
	WrittenBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_written_bytes_total",
			Help: "Bytes written to the cache store by backend",
		},
		[]string{"backend"},
	)

	// CacheErrors tracks store operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_errors_total",
			Help: "Total number of cache store operation errors",
		},
		[]string{"operation"}, // "get", "put", "delete", "sweep", "keys", "clear"
	)

	// SweptEntries tracks entries removed by expiry sweeps
	SweptEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_cache_swept_total",
			Help: "Total number of cache entries removed by expiry sweeps",
		},
	)
)
