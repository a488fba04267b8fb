package prefetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/Sternrassler/offline-cache/pkg/policy"
	"github.com/rs/zerolog"
)

func newEngine(t *testing.T) *policy.Engine {
	t.Helper()

	store, err := cache.NewMemoryStore(cache.StoreOptions{})
	if err != nil {
		t.Fatalf("NewMemoryStore() failed: %v", err)
	}
	logger := zerolog.Nop()
	engine, err := policy.New(policy.Config{Store: store, DefaultTTL: time.Hour, Logger: &logger})
	if err != nil {
		t.Fatalf("policy.New() failed: %v", err)
	}
	return engine
}

func TestNewWarmer_Defaults(t *testing.T) {
	w := NewWarmer(nil, Config{})
	if w.config.MaxConcurrency != 4 {
		t.Errorf("MaxConcurrency = %d, want 4", w.config.MaxConcurrency)
	}
	if w.config.Timeout <= 0 {
		t.Errorf("Timeout = %v, want > 0", w.config.Timeout)
	}
}

func TestWarmAll_PopulatesCache(t *testing.T) {
	engine := newEngine(t)

	var calls atomic.Int32
	var inFlight, maxInFlight atomic.Int32
	transport := func(ctx context.Context, d cache.RequestDescriptor) (*policy.Response, error) {
		calls.Add(1)
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return &policy.Response{StatusCode: http.StatusOK, Body: []byte(d.Path)}, nil
	}

	cfg := DefaultConfig()
	cfg.MaxConcurrency = 3
	cfg.Transport = transport
	w := NewWarmer(engine, cfg)

	var requests []Request
	for i := 0; i < 12; i++ {
		requests = append(requests, Request{Descriptor: cache.RequestDescriptor{Path: fmt.Sprintf("/items/%d", i)}})
	}

	results := w.WarmAll(context.Background(), requests)
	if len(results) != len(requests) {
		t.Fatalf("got %d results, want %d", len(results), len(requests))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Errorf("result %d: unexpected error %v", i, r.Err)
		}
		want, _ := cache.DeriveKey(requests[i].Descriptor)
		if r.Key != want {
			t.Errorf("result %d: Key = %q, want %q (results must keep request order)", i, r.Key, want)
		}
		if r.Source != policy.SourceNetwork {
			t.Errorf("result %d: Source = %v, want network", i, r.Source)
		}
	}
	if got := calls.Load(); got != 12 {
		t.Errorf("transport calls = %d, want 12", got)
	}
	if got := maxInFlight.Load(); got > 3 {
		t.Errorf("max concurrent transport calls = %d, want <= 3", got)
	}

	// Warmed data is now available offline.
	res, err := engine.Execute(context.Background(), requests[5].Descriptor, policy.Policy{Mode: policy.CacheOnly}, nil)
	if err != nil {
		t.Fatalf("CacheOnly after warm-up failed: %v", err)
	}
	if string(res.Body) != "/items/5" {
		t.Errorf("Body = %q, want /items/5", res.Body)
	}
}

func TestWarmAll_PerRequestFailures(t *testing.T) {
	engine := newEngine(t)

	transport := func(ctx context.Context, d cache.RequestDescriptor) (*policy.Response, error) {
		if d.Path == "/bad" {
			return nil, &policy.NetworkFailure{StatusCode: http.StatusInternalServerError}
		}
		return &policy.Response{StatusCode: http.StatusOK, Body: []byte("ok")}, nil
	}

	cacheOnly := policy.Policy{Mode: policy.CacheOnly}
	w := NewWarmer(engine, Config{Transport: transport, Policy: policy.Policy{Mode: policy.NetworkFirst}})
	results := w.WarmAll(context.Background(), []Request{
		{Descriptor: cache.RequestDescriptor{Path: "/good"}},
		{Descriptor: cache.RequestDescriptor{Path: "/bad"}},
		{Descriptor: cache.RequestDescriptor{Path: "/never-cached"}, Policy: &cacheOnly},
		{Descriptor: cache.RequestDescriptor{Path: "/write", Method: http.MethodPost}},
	})

	if results[0].Err != nil {
		t.Errorf("/good: unexpected error %v", results[0].Err)
	}
	if policy.StatusCode(results[1].Err) != http.StatusInternalServerError {
		t.Errorf("/bad: err = %v, want NetworkFailure 500", results[1].Err)
	}
	if !errors.Is(results[2].Err, policy.ErrNoCachedData) {
		t.Errorf("/never-cached: err = %v, want ErrNoCachedData", results[2].Err)
	}
	if !errors.Is(results[3].Err, cache.ErrKeyDerivation) {
		t.Errorf("POST: err = %v, want ErrKeyDerivation", results[3].Err)
	}
}

type ctxExecutor struct {
	mu    sync.Mutex
	calls int
}

func (e *ctxExecutor) Execute(ctx context.Context, d cache.RequestDescriptor, pol policy.Policy, transport policy.TransportFunc) (*policy.FetchResult, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &policy.FetchResult{Source: policy.SourceNetwork}, nil
}

func TestWarmAll_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewWarmer(&ctxExecutor{}, DefaultConfig())
	requests := []Request{
		{Descriptor: cache.RequestDescriptor{Path: "/a"}},
		{Descriptor: cache.RequestDescriptor{Path: "/b"}},
		{Descriptor: cache.RequestDescriptor{Path: "/c"}},
	}

	results := w.WarmAll(ctx, requests)
	for i, r := range results {
		if !errors.Is(r.Err, context.Canceled) {
			t.Errorf("result %d: err = %v, want context.Canceled", i, r.Err)
		}
		if r.Key == "" {
			t.Errorf("result %d: missing key", i)
		}
	}
}

func TestWarmAll_Empty(t *testing.T) {
	w := NewWarmer(&ctxExecutor{}, DefaultConfig())
	if results := w.WarmAll(context.Background(), nil); len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}
