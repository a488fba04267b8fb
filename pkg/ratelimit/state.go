// Package ratelimit tracks upstream rate-limit and back-off signals and gates
// transport calls while the upstream has asked clients to stay away. A
// blocked call fails fast, which lets the policy engine answer from cache.
package ratelimit

import (
	"time"
)

// Default header names for remaining-quota signalling.
const (
	DefaultRemainingHeader = "X-RateLimit-Remaining"
	DefaultResetHeader     = "X-RateLimit-Reset"
)

// Thresholds for rate limit decisions.
const (
	// ThresholdCritical blocks requests when remaining quota falls below this value.
	ThresholdCritical = 1

	// ThresholdWarning logs and counts throttling below this value.
	ThresholdWarning = 10
)

// RateLimitState is a snapshot of what the upstream told us about quota
// and back-off.
type RateLimitState struct {
	// Remaining is the quota left in the current window, or -1 when unknown.
	Remaining int `json:"remaining"`

	// ResetAt is when the quota window resets.
	ResetAt time.Time `json:"reset_at"`

	// BlockedUntil is set from Retry-After on 429/503 responses.
	BlockedUntil time.Time `json:"blocked_until"`

	// LastUpdate is when this state was last updated.
	LastUpdate time.Time `json:"last_update"`
}

// NeedsCriticalBlock returns true if requests should be blocked at now.
func (s *RateLimitState) NeedsCriticalBlock(now time.Time) bool {
	if now.Before(s.BlockedUntil) {
		return true
	}
	return s.Remaining >= 0 && s.Remaining < ThresholdCritical && now.Before(s.ResetAt)
}

// NeedsThrottling returns true when quota is low but not exhausted.
func (s *RateLimitState) NeedsThrottling(now time.Time) bool {
	return s.Remaining >= 0 && s.Remaining < ThresholdWarning && !s.NeedsCriticalBlock(now)
}

// TimeUntilAllowed returns how long until requests are allowed again.
// Returns 0 if requests are allowed now.
func (s *RateLimitState) TimeUntilAllowed(now time.Time) time.Duration {
	if !s.NeedsCriticalBlock(now) {
		return 0
	}
	until := s.BlockedUntil
	if s.ResetAt.After(until) && s.Remaining >= 0 && s.Remaining < ThresholdCritical {
		until = s.ResetAt
	}
	if d := until.Sub(now); d > 0 {
		return d
	}
	return 0
}
