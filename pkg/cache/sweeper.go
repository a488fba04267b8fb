package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSweepInterval is how often a Sweeper runs when no interval is set.
const DefaultSweepInterval = 10 * time.Minute

// Sweeper periodically removes expired entries from a Store.
type Sweeper struct {
	store    Store
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewSweeper creates a sweeper for store. A non-positive interval uses
// DefaultSweepInterval.
func NewSweeper(store Store, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if store == nil {
		panic("cache store cannot be nil")
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		now:      time.Now,
		logger:   logger,
	}
}

// SweepOnce runs a single sweep at the current time.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	start := s.now()
	removed, err := s.store.SweepExpired(ctx, start)
	if removed > 0 {
		SweptEntries.Add(float64(removed))
	}
	if err != nil {
		s.logger.Warn().Err(err).Int("removed", removed).Msg("Cache sweep failed")
		return removed, fmt.Errorf("sweep expired: %w", err)
	}

	s.logger.Debug().
		Int("removed", removed).
		Dur("duration", time.Since(start)).
		Msg("Cache sweep complete")
	return removed, nil
}

// Run sweeps on every tick until ctx is cancelled. Sweep errors are logged
// and the loop keeps going.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("Cache sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Cache sweeper stopped")
			return
		case <-ticker.C:
			_, _ = s.SweepOnce(ctx)
		}
	}
}
