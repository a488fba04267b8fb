package cache

import (
	"fmt"
	"maps"
	"time"
)

// Well-known metadata keys stored alongside a cached body.
const (
	MetaETag         = "etag"
	MetaLastModified = "last-modified"
	MetaContentType  = "content-type"
)

// CacheEntry represents a cached response body and its freshness window.
type CacheEntry struct {
	// Key is the derived cache key the entry is stored under
	Key string `json:"key"`

	// Body is the opaque response body
	Body []byte `json:"body"`

	// CreatedAt is when the body was received from the network
	CreatedAt time.Time `json:"created_at"`

	// StaleAt is when the entry stops being fresh. An entry without a TTL
	// has StaleAt == CreatedAt and is stale immediately.
	StaleAt time.Time `json:"stale_at"`

	// StatusCode is the status code of the response that produced the body
	StatusCode int `json:"status_code"`

	// Metadata holds response attributes such as validators and content type
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate checks the entry invariants.
func (e *CacheEntry) Validate() error {
	if e == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	if e.StaleAt.Before(e.CreatedAt) {
		return fmt.Errorf("stale_at %s is before created_at %s",
			e.StaleAt.Format(time.RFC3339Nano), e.CreatedAt.Format(time.RFC3339Nano))
	}
	return nil
}

// IsStale returns true once now is past StaleAt. An entry with no TTL is
// stale from the moment it was created.
func (e *CacheEntry) IsStale(now time.Time) bool {
	return !now.Before(e.StaleAt)
}

// Age returns how long ago the entry was created.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	age := now.Sub(e.CreatedAt)
	if age < 0 {
		return 0
	}
	return age
}

// TTL returns the time until the entry becomes stale.
// Returns 0 if already stale.
func (e *CacheEntry) TTL(now time.Time) time.Duration {
	ttl := e.StaleAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// ExpiredAt reports whether the entry is past StaleAt plus the grace window,
// the point at which a sweep removes it.
func (e *CacheEntry) ExpiredAt(now time.Time, grace time.Duration) bool {
	return e.StaleAt.Add(grace).Before(now)
}

// ETag returns the entity tag recorded for the entry, if any.
func (e *CacheEntry) ETag() string {
	return e.Metadata[MetaETag]
}

// LastModified returns the parsed Last-Modified validator, or the zero time.
func (e *CacheEntry) LastModified() time.Time {
	raw := e.Metadata[MetaLastModified]
	if raw == "" {
		return time.Time{}
	}
	t, err := parseHTTPTime(raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Clone returns a deep copy so callers never share the body or metadata
// with a store.
func (e *CacheEntry) Clone() *CacheEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Body != nil {
		c.Body = append([]byte(nil), e.Body...)
	}
	if e.Metadata != nil {
		c.Metadata = maps.Clone(e.Metadata)
	}
	return &c
}
