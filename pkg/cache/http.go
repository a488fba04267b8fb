package cache

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Freshness is the outcome of inspecting a response for caching hints.
type Freshness struct {
	// StaleAt is when the response stops being fresh
	StaleAt time.Time

	// Known is false when the response carried no usable freshness hint
	Known bool

	// NoStore forbids persisting the response at all
	NoStore bool
}

// FreshnessFunc derives freshness from a response received at now.
type FreshnessFunc func(statusCode int, headers http.Header, now time.Time) Freshness

// HeaderFreshness reads standard HTTP freshness hints in order of precedence:
//
//   - Cache-Control: no-store           -> NoStore
//   - Cache-Control: no-cache, max-age=0 -> stale immediately
//   - Cache-Control: s-maxage / max-age  -> now + age - Age header
//   - Expires (relative to Date when present)
//
// A response without any of these returns Known == false so the caller can
// apply its own default TTL.
func HeaderFreshness(statusCode int, headers http.Header, now time.Time) Freshness {
	directives := parseCacheControl(headers.Values("Cache-Control"))

	if _, ok := directives["no-store"]; ok {
		return Freshness{StaleAt: now, Known: true, NoStore: true}
	}
	if _, ok := directives["no-cache"]; ok {
		return Freshness{StaleAt: now, Known: true}
	}

	for _, name := range []string{"s-maxage", "max-age"} {
		raw, ok := directives[name]
		if !ok {
			continue
		}
		seconds, ok := parseDeltaSeconds(raw)
		if !ok {
			continue
		}
		lifetime := time.Duration(seconds) * time.Second
		lifetime -= currentAge(headers)
		if lifetime < 0 {
			lifetime = 0
		}
		return Freshness{StaleAt: now.Add(lifetime), Known: true}
	}

	if expiresStr := headers.Get("Expires"); expiresStr != "" {
		expires, err := parseHTTPTime(expiresStr)
		if err != nil {
			// An invalid Expires means "already expired".
			return Freshness{StaleAt: now, Known: true}
		}
		lifetime := expires.Sub(now)
		if dateStr := headers.Get("Date"); dateStr != "" {
			if date, err := parseHTTPTime(dateStr); err == nil {
				lifetime = expires.Sub(date)
			}
		}
		if lifetime < 0 {
			lifetime = 0
		}
		return Freshness{StaleAt: now.Add(lifetime), Known: true}
	}

	return Freshness{StaleAt: now}
}

// FixedTTL returns a FreshnessFunc that ignores response headers.
func FixedTTL(ttl time.Duration) FreshnessFunc {
	if ttl < 0 {
		ttl = 0
	}
	return func(_ int, _ http.Header, now time.Time) Freshness {
		return Freshness{StaleAt: now.Add(ttl), Known: true}
	}
}

// maxDeltaSeconds caps delta-seconds values (max-age, Age) at 2^31-1.
const maxDeltaSeconds = math.MaxInt32

// parseDeltaSeconds parses a non-negative delta-seconds value. Values too
// large to represent are capped rather than rejected.
func parseDeltaSeconds(raw string) (int64, bool) {
	seconds, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) && !strings.HasPrefix(strings.TrimSpace(raw), "-") {
			return maxDeltaSeconds, true
		}
		return 0, false
	}
	if seconds < 0 {
		return 0, false
	}
	return min(seconds, maxDeltaSeconds), true
}

func parseCacheControl(values []string) map[string]string {
	directives := make(map[string]string)
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name, arg, _ := strings.Cut(part, "=")
			directives[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(arg), `"`)
		}
	}
	return directives
}

func currentAge(headers http.Header) time.Duration {
	raw := headers.Get("Age")
	if raw == "" {
		return 0
	}
	seconds, ok := parseDeltaSeconds(raw)
	if !ok {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func parseHTTPTime(value string) (time.Time, error) {
	return http.ParseTime(strings.TrimSpace(value))
}

// MetadataFromHeaders captures the validators and content type of a response.
func MetadataFromHeaders(headers http.Header) map[string]string {
	metadata := make(map[string]string)
	if etag := headers.Get("ETag"); etag != "" {
		metadata[MetaETag] = etag
	}
	if lastMod := headers.Get("Last-Modified"); lastMod != "" {
		if _, err := parseHTTPTime(lastMod); err == nil {
			metadata[MetaLastModified] = lastMod
		}
	}
	if contentType := headers.Get("Content-Type"); contentType != "" {
		metadata[MetaContentType] = contentType
	}
	if len(metadata) == 0 {
		return nil
	}
	return metadata
}

// ValidatorsFor returns the conditional request values of a cache entry.
func ValidatorsFor(entry *CacheEntry) Validators {
	if entry == nil {
		return Validators{}
	}
	return Validators{
		ETag:         entry.ETag(),
		LastModified: entry.LastModified(),
	}
}

// ShouldMakeConditionalRequest determines if we should add conditional
// request headers (If-None-Match or If-Modified-Since) based on the cache entry.
func ShouldMakeConditionalRequest(entry *CacheEntry) bool {
	if entry == nil {
		return false
	}
	return !ValidatorsFor(entry).IsZero()
}

// AddConditionalHeaders adds If-None-Match (ETag) or If-Modified-Since headers
// to the request when validators are present.
func AddConditionalHeaders(req *http.Request, v Validators) {
	if req == nil {
		return
	}

	// Prefer ETag over Last-Modified (more accurate)
	if v.ETag != "" {
		req.Header.Set("If-None-Match", v.ETag)
	} else if !v.LastModified.IsZero() {
		req.Header.Set("If-Modified-Since", v.LastModified.UTC().Format(http.TimeFormat))
	}
}
