package policy

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"time"

	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// DefaultFetchTimeout bounds a shared transport call once it is detached
// from the callers that started it.
const DefaultFetchTimeout = 30 * time.Second

// Config holds the engine configuration.
type Config struct {
	// Store is the cache store shared by every call (required)
	Store cache.Store

	// Freshness derives StaleAt from responses (default cache.HeaderFreshness)
	Freshness cache.FreshnessFunc

	// DefaultTTL applies when a response carries no freshness hint.
	// Zero makes such entries stale immediately.
	DefaultTTL time.Duration

	// FetchTimeout bounds each transport call (default DefaultFetchTimeout)
	FetchTimeout time.Duration

	// Logger overrides the component logger
	Logger *zerolog.Logger

	// Now overrides the clock (tests)
	Now func() time.Time
}

// Engine applies cache policies against a shared Store. It keeps no entry
// state between calls and is safe for concurrent use.
type Engine struct {
	store        cache.Store
	freshness    cache.FreshnessFunc
	defaultTTL   time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	logger       zerolog.Logger

	flights singleflight.Group
}

// New creates a policy engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if cfg.DefaultTTL < 0 {
		return nil, fmt.Errorf("default ttl must be >= 0 (got %s)", cfg.DefaultTTL)
	}

	e := &Engine{
		store:        cfg.Store,
		freshness:    cfg.Freshness,
		defaultTTL:   cfg.DefaultTTL,
		fetchTimeout: cfg.FetchTimeout,
		now:          cfg.Now,
	}
	if e.freshness == nil {
		e.freshness = cache.HeaderFreshness
	}
	if e.fetchTimeout <= 0 {
		e.fetchTimeout = DefaultFetchTimeout
	}
	if e.now == nil {
		e.now = time.Now
	}
	if cfg.Logger != nil {
		e.logger = *cfg.Logger
	} else {
		e.logger = log.With().Str("component", "cache-engine").Logger()
	}
	return e, nil
}

// Store returns the underlying store, for lifecycle management.
func (e *Engine) Store() cache.Store {
	return e.store
}

// Execute runs descriptor through the policy and returns the result together
// with its provenance.
//
// Errors are one of *cache.KeyDerivationError, ErrNoCachedData,
// *NetworkFailure or the caller's context error. Serving a stale entry
// because the network is down is a successful result, not an error.
func (e *Engine) Execute(ctx context.Context, descriptor cache.RequestDescriptor, pol Policy, transport TransportFunc) (*FetchResult, error) {
	if err := pol.Validate(); err != nil {
		return nil, err
	}
	if transport == nil && pol.Mode != CacheOnly {
		return nil, fmt.Errorf("transport is required for %s", pol.Mode)
	}

	key, err := cache.DeriveKey(descriptor)
	if err != nil {
		return nil, err
	}

	entry := e.lookup(ctx, key)
	now := e.now()

	logger := e.logger.With().Str("key", key).Str("mode", pol.Mode.String()).Logger()

	switch pol.Mode {
	case CacheOnly:
		if entry == nil {
			logger.Debug().Msg("Cache-only miss")
			return nil, fmt.Errorf("%w for %s", ErrNoCachedData, key)
		}
		return e.served(resultFromEntry(entry, now), pol), nil

	case NetworkOnly:
		res, err := e.fetch(ctx, key, descriptor, nil, transport, true)
		if err != nil {
			logger.Warn().Err(err).Msg("Network-only fetch failed")
			return nil, err
		}
		return e.served(res, pol), nil

	case CacheFirst:
		if entry != nil && now.Before(entry.StaleAt.Add(pol.MaxStale)) {
			logger.Debug().
				Dur("age", entry.Age(now)).
				Dur("ttl", entry.TTL(now)).
				Msg("Serving cached entry")
			return e.served(resultFromEntry(entry, now), pol), nil
		}
		res, err := e.fetch(ctx, key, descriptor, entry, transport, false)
		if err != nil {
			return e.fallback(ctx, logger, entry, err, pol, now)
		}
		return e.served(res, pol), nil

	case NetworkFirst:
		res, err := e.fetch(ctx, key, descriptor, entry, transport, false)
		if err != nil {
			return e.fallback(ctx, logger, entry, err, pol, now)
		}
		return e.served(res, pol), nil
	}

	return nil, fmt.Errorf("unknown cache mode %d", int(pol.Mode))
}

// Invalidate removes the cached entry for descriptor.
func (e *Engine) Invalidate(ctx context.Context, descriptor cache.RequestDescriptor) error {
	key, err := cache.DeriveKey(descriptor)
	if err != nil {
		return err
	}
	return e.store.Delete(ctx, key)
}

// lookup reads the entry for key. Storage failures are treated as a miss.
func (e *Engine) lookup(ctx context.Context, key string) *cache.CacheEntry {
	entry, ok, err := e.store.Get(ctx, key)
	if err != nil {
		e.logger.Warn().Err(err).Str("key", key).Msg("Cache read failed, treating as miss")
		return nil
	}
	if !ok {
		return nil
	}
	return entry
}

// fallback decides whether a failed fetch can be answered from the cache.
func (e *Engine) fallback(ctx context.Context, logger zerolog.Logger, entry *cache.CacheEntry, err error, pol Policy, now time.Time) (*FetchResult, error) {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return nil, ctxErr
	}

	nf := asNetworkFailure(err)
	if entry == nil {
		logger.Warn().Err(nf).Msg("Fetch failed and nothing is cached")
		return nil, nf
	}
	if pol.Bypasses(nf.StatusCode) {
		logger.Warn().Err(nf).Int("status_code", nf.StatusCode).Msg("Fetch failed with bypass status, not serving cache")
		return nil, nf
	}

	res := resultFromEntry(entry, now)
	StaleServed.WithLabelValues(pol.Mode.String()).Inc()
	logger.Warn().
		Err(nf).
		Dur("age", res.Age).
		Bool("stale", res.Stale).
		Msg("Fetch failed, serving cached entry")
	return e.served(res, pol), nil
}

func (e *Engine) served(res *FetchResult, pol Policy) *FetchResult {
	Results.WithLabelValues(pol.Mode.String(), res.Source.String()).Inc()
	return res
}

type flightResult struct {
	entry   *cache.CacheEntry
	warning error
}

// fetch calls the transport for key, collapsing concurrent fetches of the
// same key into one call. The call runs detached from ctx so a caller that
// gives up does not cancel the fetch for the others or stop the store
// update; it only stops waiting.
func (e *Engine) fetch(ctx context.Context, key string, descriptor cache.RequestDescriptor, entry *cache.CacheEntry, transport TransportFunc, networkOnly bool) (*FetchResult, error) {
	flightKey := key
	if networkOnly {
		flightKey = "network-only|" + key
	}

	detached := context.WithoutCancel(ctx)
	ch := e.flights.DoChan(flightKey, func() (any, error) {
		fctx, cancel := context.WithTimeout(detached, e.fetchTimeout)
		defer cancel()
		return e.doFetch(fctx, key, descriptor, entry, transport)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Shared {
			FetchesCollapsed.Inc()
		}
		if r.Err != nil {
			return nil, r.Err
		}
		fr := r.Val.(*flightResult)
		res := resultFromNetwork(fr.entry.Clone())
		res.Warning = fr.warning
		return res, nil
	}
}

func (e *Engine) doFetch(ctx context.Context, key string, descriptor cache.RequestDescriptor, entry *cache.CacheEntry, transport TransportFunc) (*flightResult, error) {
	descriptor.Validators = cache.Validators{}
	if cache.ShouldMakeConditionalRequest(entry) {
		descriptor.Validators = cache.ValidatorsFor(entry)
	}

	start := time.Now()
	resp, err := transport(ctx, descriptor)
	TransportDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		nf := asNetworkFailure(err)
		TransportFailures.WithLabelValues(statusClass(nf.StatusCode)).Inc()
		return nil, nf
	}
	if resp == nil {
		TransportFailures.WithLabelValues(statusClass(0)).Inc()
		return nil, &NetworkFailure{Err: errors.New("transport returned no response")}
	}

	if resp.StatusCode != http.StatusNotModified && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		TransportFailures.WithLabelValues(statusClass(resp.StatusCode)).Inc()
		return nil, &NetworkFailure{StatusCode: resp.StatusCode, Err: errors.New("unsuccessful response")}
	}

	received := e.now()

	if resp.StatusCode == http.StatusNotModified {
		if entry == nil {
			TransportFailures.WithLabelValues(statusClass(resp.StatusCode)).Inc()
			return nil, &NetworkFailure{StatusCode: resp.StatusCode, Err: errors.New("not modified without a cached entry")}
		}
		Revalidations.Inc()
		updated := entry.Clone()
		updated.CreatedAt = received
		updated.StaleAt = e.staleAt(e.freshness(entry.StatusCode, resp.Headers, received), received)
		if fresh := cache.MetadataFromHeaders(resp.Headers); len(fresh) > 0 {
			if updated.Metadata == nil {
				updated.Metadata = make(map[string]string, len(fresh))
			}
			maps.Copy(updated.Metadata, fresh)
		}
		e.logger.Debug().Str("key", key).Time("stale_at", updated.StaleAt).Msg("Entry revalidated")
		return &flightResult{entry: updated, warning: e.put(ctx, key, updated)}, nil
	}

	fresh := e.freshness(resp.StatusCode, resp.Headers, received)
	body := resp.Body
	if body == nil {
		body = []byte{}
	}
	newEntry := &cache.CacheEntry{
		Key:        key,
		Body:       body,
		CreatedAt:  received,
		StaleAt:    e.staleAt(fresh, received),
		StatusCode: resp.StatusCode,
		Metadata:   cache.MetadataFromHeaders(resp.Headers),
	}

	if fresh.NoStore {
		e.logger.Debug().Str("key", key).Msg("Response marked no-store, not caching")
		return &flightResult{entry: newEntry}, nil
	}

	warning := e.put(ctx, key, newEntry)
	if warning == nil {
		e.logger.Debug().
			Str("key", key).
			Int("status_code", newEntry.StatusCode).
			Dur("ttl", newEntry.TTL(received)).
			Msg("Cached response")
	}
	return &flightResult{entry: newEntry, warning: warning}, nil
}

// put writes entry and returns the failure as a warning instead of failing
// the fetch.
func (e *Engine) put(ctx context.Context, key string, entry *cache.CacheEntry) error {
	if err := e.store.Put(ctx, key, entry); err != nil {
		e.logger.Warn().Err(err).Str("key", key).Msg("Failed to cache response")
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}

func (e *Engine) staleAt(fresh cache.Freshness, received time.Time) time.Time {
	switch {
	case fresh.Known:
		if fresh.StaleAt.Before(received) {
			return received
		}
		return fresh.StaleAt
	case e.defaultTTL > 0:
		return received.Add(e.defaultTTL)
	default:
		return received
	}
}

func statusClass(code int) string {
	switch {
	case code == 0:
		return "network"
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "other"
	}
}
