// Package policy implements the offline-first read-through cache policy:
// given a request descriptor, a per-call Policy and a transport function, the
// Engine decides whether to serve cached data, fetch from the network, or
// fall back to stale data when the network fails.
package policy

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"
)

// Mode selects how the engine balances cache and network.
type Mode int

const (
	// CacheFirst serves a cached entry while it is within StaleAt + MaxStale,
	// otherwise fetches and falls back to the stale entry on failure.
	CacheFirst Mode = iota

	// NetworkFirst always fetches and falls back to any cached entry on failure.
	NetworkFirst

	// CacheOnly never contacts the network.
	CacheOnly

	// NetworkOnly always fetches and never falls back.
	NetworkOnly
)

var modeNames = map[Mode]string{
	CacheFirst:   "cache-first",
	NetworkFirst: "network-first",
	CacheOnly:    "cache-only",
	NetworkOnly:  "network-only",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode converts a mode name such as "cache-first" into a Mode.
// Underscores and case are ignored.
func ParseMode(s string) (Mode, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	if normalized == "" {
		return CacheFirst, nil
	}
	for mode, name := range modeNames {
		if name == normalized {
			return mode, nil
		}
	}
	return CacheFirst, fmt.Errorf("unknown cache mode %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	mode, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// Policy is the per-call cache configuration. The zero value is CacheFirst
// with no stale tolerance and no bypass codes.
type Policy struct {
	// Mode selects the fetch strategy
	Mode Mode

	// MaxStale is how long past StaleAt a CacheFirst read is still served
	// without contacting the network
	MaxStale time.Duration

	// BypassStatusCodes are failure codes that must never be masked by stale
	// data (e.g. 401/403 - the caller has to learn its credentials were rejected)
	BypassStatusCodes []int
}

// DefaultPolicy returns CacheFirst with authentication failures bypassing
// the stale fallback.
func DefaultPolicy() Policy {
	return Policy{
		Mode:              CacheFirst,
		MaxStale:          0,
		BypassStatusCodes: []int{http.StatusUnauthorized, http.StatusForbidden},
	}
}

// Bypasses reports whether a failure with statusCode must be propagated
// even when a cached entry exists.
func (p Policy) Bypasses(statusCode int) bool {
	return statusCode != 0 && slices.Contains(p.BypassStatusCodes, statusCode)
}

// Validate checks the policy is usable.
func (p Policy) Validate() error {
	if _, ok := modeNames[p.Mode]; !ok {
		return fmt.Errorf("unknown cache mode %d", int(p.Mode))
	}
	if p.MaxStale < 0 {
		return fmt.Errorf("max stale must be >= 0 (got %s)", p.MaxStale)
	}
	return nil
}
