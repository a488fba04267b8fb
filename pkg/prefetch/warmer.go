package prefetch

import (
	"context"
	"sync"
	"time"

	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/Sternrassler/offline-cache/pkg/policy"
	"github.com/rs/zerolog/log"
)

// Config holds warmer configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel executions
	MaxConcurrency int
	// Timeout per request
	Timeout time.Duration
	// Policy applies to requests that carry none
	Policy policy.Policy
	// Transport applies to requests that carry none
	Transport policy.TransportFunc
}

// DefaultConfig returns the default warmer configuration. NetworkFirst
// refreshes entries that are already cached.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        30 * time.Second,
		Policy:         policy.Policy{Mode: policy.NetworkFirst},
	}
}

// Executor runs a descriptor through a cache policy. *policy.Engine
// implements it.
type Executor interface {
	Execute(ctx context.Context, descriptor cache.RequestDescriptor, pol policy.Policy, transport policy.TransportFunc) (*policy.FetchResult, error)
}

// Request is one descriptor to warm.
type Request struct {
	Descriptor cache.RequestDescriptor
	// Policy overrides Config.Policy when set
	Policy *policy.Policy
	// Transport overrides Config.Transport when set
	Transport policy.TransportFunc
}

// Result is the outcome of warming one Request.
type Result struct {
	Key    string
	Source policy.Source
	Stale  bool
	Err    error
}

// Warmer executes many requests concurrently.
type Warmer struct {
	executor Executor
	config   Config
}

// NewWarmer creates a new warmer.
func NewWarmer(executor Executor, config Config) *Warmer {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Warmer{
		executor: executor,
		config:   config,
	}
}

type job struct {
	index   int
	request Request
}

// WarmAll executes every request and returns one Result per request, in
// request order. Requests not started before ctx is cancelled report
// ctx.Err().
func (w *Warmer) WarmAll(ctx context.Context, requests []Request) []Result {
	start := time.Now()
	results := make([]Result, len(requests))
	if len(requests) == 0 {
		return results
	}

	workers := min(w.config.MaxConcurrency, len(requests))

	log.Info().
		Int("requests", len(requests)).
		Int("workers", workers).
		Msg("Starting cache warm-up")

	jobs := make(chan job)
	done := make([]bool, len(requests))

	var wg sync.WaitGroup
	var mu sync.Mutex
	completed := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			processed := 0
			for j := range jobs {
				res := w.warmOne(ctx, j.request)

				mu.Lock()
				results[j.index] = res
				done[j.index] = true
				completed++
				if completed%50 == 0 {
					log.Info().
						Int("completed", completed).
						Int("total", len(requests)).
						Float64("progress_pct", float64(completed)/float64(len(requests))*100).
						Msg("Warm-up progress")
				}
				mu.Unlock()
				processed++
			}
			log.Debug().
				Int("worker_id", workerID).
				Int("requests_processed", processed).
				Msg("Worker completed")
		}(i)
	}

dispatch:
	for i, r := range requests {
		select {
		case jobs <- job{index: i, request: r}:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	failed := 0
	for i := range results {
		if !done[i] {
			key, _ := cache.DeriveKey(requests[i].Descriptor)
			results[i] = Result{Key: key, Err: ctx.Err()}
		}
		if results[i].Err != nil {
			failed++
		}
	}

	log.Info().
		Int("requests", len(requests)).
		Int("failed", failed).
		Dur("duration", time.Since(start)).
		Msg("Warm-up complete")

	return results
}

func (w *Warmer) warmOne(ctx context.Context, r Request) Result {
	pol := w.config.Policy
	if r.Policy != nil {
		pol = *r.Policy
	}
	transport := r.Transport
	if transport == nil {
		transport = w.config.Transport
	}

	key, err := cache.DeriveKey(r.Descriptor)
	if err != nil {
		return Result{Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	res, err := w.executor.Execute(reqCtx, r.Descriptor, pol, transport)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Warm-up request failed")
		return Result{Key: key, Err: err}
	}
	return Result{Key: key, Source: res.Source, Stale: res.Stale}
}
