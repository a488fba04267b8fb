package policy

import (
	"context"
	"net/http"
	"time"

	"github.com/Sternrassler/offline-cache/pkg/cache"
)

// Source tells where a FetchResult's body came from.
type Source int

const (
	// SourceNetwork means the body was received (or revalidated) from the transport.
	SourceNetwork Source = iota

	// SourceCache means the body was read from the store.
	SourceCache
)

func (s Source) String() string {
	switch s {
	case SourceCache:
		return "cache"
	case SourceNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// FetchResult is the outcome of Engine.Execute.
type FetchResult struct {
	// Key is the derived cache key
	Key string

	// Body is the response body
	Body []byte

	// StatusCode is the status of the response that produced Body
	StatusCode int

	// Source tells whether Body came from the cache or the network
	Source Source

	// Age is how old a cached body is. Zero for network results; use CacheAge.
	Age time.Duration

	// Stale is true when a cached body past its StaleAt was served
	Stale bool

	// Metadata holds the response metadata (validators, content type)
	Metadata map[string]string

	// Warning reports a non-fatal problem, such as a failed cache write after
	// a successful fetch. It never means the result is unusable.
	Warning error
}

// CacheAge returns the age of a cache-sourced body. ok is false for
// network results, which have no age.
func (r *FetchResult) CacheAge() (age time.Duration, ok bool) {
	if r.Source != SourceCache {
		return 0, false
	}
	return r.Age, true
}

// Response is what a transport returns on success.
type Response struct {
	Body       []byte
	StatusCode int
	Headers    http.Header
}

// TransportFunc performs the network retrieval for a descriptor. Failures
// should be returned as *NetworkFailure; any other error is treated as a
// NetworkFailure without a status code. A 304 response is only expected
// when descriptor.Validators is set.
type TransportFunc func(ctx context.Context, descriptor cache.RequestDescriptor) (*Response, error)

func resultFromEntry(entry *cache.CacheEntry, now time.Time) *FetchResult {
	return &FetchResult{
		Key:        entry.Key,
		Body:       entry.Body,
		StatusCode: entry.StatusCode,
		Source:     SourceCache,
		Age:        entry.Age(now),
		Stale:      entry.IsStale(now),
		Metadata:   entry.Metadata,
	}
}

func resultFromNetwork(entry *cache.CacheEntry) *FetchResult {
	return &FetchResult{
		Key:        entry.Key,
		Body:       entry.Body,
		StatusCode: entry.StatusCode,
		Source:     SourceNetwork,
		Metadata:   entry.Metadata,
	}
}
