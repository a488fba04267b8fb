package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	upstreamRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline_upstream_quota_remaining",
		Help: "Quota remaining in the current upstream rate limit window",
	})

	upstreamBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_upstream_backoff_blocks_total",
		Help: "Total number of requests blocked because the upstream asked to back off",
	})

	upstreamThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_upstream_throttle_warnings_total",
		Help: "Total number of requests sent while upstream quota was low",
	})
)

// Config names the headers the tracker reads.
type Config struct {
	RemainingHeader string
	ResetHeader     string

	// MaxBackoff caps how long a Retry-After may block requests.
	MaxBackoff time.Duration
}

// DefaultConfig returns the conventional X-RateLimit-* header names.
func DefaultConfig() Config {
	return Config{
		RemainingHeader: DefaultRemainingHeader,
		ResetHeader:     DefaultResetHeader,
		MaxBackoff:      10 * time.Minute,
	}
}

// Tracker monitors upstream rate-limit signals and gates requests.
// It is safe for concurrent use.
type Tracker struct {
	config Config
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	state RateLimitState
}

// NewTracker creates a new rate limit tracker.
func NewTracker(config Config, logger zerolog.Logger) *Tracker {
	if config.RemainingHeader == "" {
		config.RemainingHeader = DefaultRemainingHeader
	}
	if config.ResetHeader == "" {
		config.ResetHeader = DefaultResetHeader
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 10 * time.Minute
	}
	return &Tracker{
		config: config,
		logger: logger,
		now:    time.Now,
		state:  RateLimitState{Remaining: -1},
	}
}

// GetState returns a copy of the current state.
func (t *Tracker) GetState() RateLimitState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// UpdateFromResponse records the rate-limit headers of a response and,
// for 429 and 503, the Retry-After back-off.
func (t *Tracker) UpdateFromResponse(statusCode int, headers http.Header) error {
	now := t.now()

	var (
		remaining   = -1
		resetAt     time.Time
		blockedTill time.Time
		parseErr    error
	)

	if remainStr := headers.Get(t.config.RemainingHeader); remainStr != "" {
		v, err := strconv.Atoi(strings.TrimSpace(remainStr))
		if err != nil {
			parseErr = fmt.Errorf("parse %s header: %w", t.config.RemainingHeader, err)
		} else {
			remaining = v
		}
	}
	if resetStr := headers.Get(t.config.ResetHeader); resetStr != "" && remaining >= 0 {
		seconds, err := strconv.ParseInt(strings.TrimSpace(resetStr), 10, 64)
		if err != nil {
			parseErr = fmt.Errorf("parse %s header: %w", t.config.ResetHeader, err)
		} else {
			resetAt = now.Add(time.Duration(seconds) * time.Second)
		}
	}

	if statusCode == http.StatusTooManyRequests || statusCode == http.StatusServiceUnavailable {
		if wait, ok := parseRetryAfter(headers.Get("Retry-After"), now); ok {
			if wait > t.config.MaxBackoff {
				wait = t.config.MaxBackoff
			}
			blockedTill = now.Add(wait)
		}
	}

	t.mu.Lock()
	if remaining >= 0 {
		t.state.Remaining = remaining
		t.state.ResetAt = resetAt
		upstreamRemaining.Set(float64(remaining))
	}
	if blockedTill.After(t.state.BlockedUntil) {
		t.state.BlockedUntil = blockedTill
	}
	t.state.LastUpdate = now
	state := t.state
	t.mu.Unlock()

	switch {
	case state.NeedsCriticalBlock(now):
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Dur("wait_duration", state.TimeUntilAllowed(now)).
			Msg("Upstream asked to back off - requests will be blocked")
	case state.NeedsThrottling(now):
		t.logger.Warn().Int("remaining", state.Remaining).Msg("Upstream quota low")
	default:
		t.logger.Debug().Int("remaining", state.Remaining).Msg("Upstream rate limit state updated")
	}

	return parseErr
}

// ShouldAllowRequest reports whether a request may be sent now. When it
// returns false, the returned duration is how long until requests are
// allowed again.
func (t *Tracker) ShouldAllowRequest() (bool, time.Duration) {
	now := t.now()
	state := t.GetState()

	if state.NeedsCriticalBlock(now) {
		wait := state.TimeUntilAllowed(now)
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Dur("wait_duration", wait).
			Msg("Upstream back-off active - blocking request")
		upstreamBlocksTotal.Inc()
		return false, wait
	}

	if state.NeedsThrottling(now) {
		upstreamThrottlesTotal.Inc()
	}
	return true, 0
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		wait := when.Sub(now)
		if wait < 0 {
			wait = 0
		}
		return wait, true
	}
	return 0, false
}
