package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/Sternrassler/offline-cache/pkg/policy"
	"github.com/Sternrassler/offline-cache/pkg/ratelimit"
	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *policy.Engine {
	t.Helper()

	store, err := cache.NewMemoryStore(cache.StoreOptions{GraceWindow: time.Hour})
	if err != nil {
		t.Fatalf("NewMemoryStore() failed: %v", err)
	}
	logger := zerolog.Nop()
	engine, err := policy.New(policy.Config{
		Store:      store,
		DefaultTTL: time.Minute,
		Logger:     &logger,
	})
	if err != nil {
		t.Fatalf("policy.New() failed: %v", err)
	}
	return engine
}

func newTestClient(t *testing.T, baseURL string, mutate ...func(*Config)) *Client {
	t.Helper()

	cfg := DefaultConfig(newTestEngine(t), baseURL, "TestApp/1.0.0 (test@example.com)")
	cfg.InitialBackoff = time.Millisecond
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	c.logger = zerolog.Nop()
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNew_Validation(t *testing.T) {
	engine := newTestEngine(t)

	tests := []struct {
		name     string
		config   Config
		errorMsg string
	}{
		{
			name:   "valid config",
			config: DefaultConfig(engine, "https://api.example.com/v1", "TestApp/1.0.0"),
		},
		{
			name:     "nil engine",
			config:   DefaultConfig(nil, "https://api.example.com", "TestApp/1.0.0"),
			errorMsg: "policy engine is required",
		},
		{
			name:     "empty user agent",
			config:   DefaultConfig(engine, "https://api.example.com", ""),
			errorMsg: "user-agent is required",
		},
		{
			name:     "empty base url",
			config:   DefaultConfig(engine, "", "TestApp/1.0.0"),
			errorMsg: "base url is required",
		},
		{
			name:     "unsupported scheme",
			config:   DefaultConfig(engine, "ftp://example.com", "TestApp/1.0.0"),
			errorMsg: `base url must be http or https (got "ftp://example.com")`,
		},
		{
			name: "negative max attempts",
			config: func() Config {
				cfg := DefaultConfig(engine, "https://api.example.com", "TestApp/1.0.0")
				cfg.MaxAttempts = -1
				return cfg
			}(),
			errorMsg: "max_attempts must be >= 0 (got -1)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.config)

			if tt.errorMsg != "" {
				if err == nil {
					t.Fatalf("Expected error but got nil")
				}
				if err.Error() != tt.errorMsg {
					t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if client == nil {
				t.Error("Client is nil")
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	engine := newTestEngine(t)
	cfg := DefaultConfig(engine, "https://api.example.com", "TestApp/1.0.0")

	if cfg.Engine != engine {
		t.Error("Engine not set correctly")
	}
	if cfg.Policy.Mode != policy.CacheFirst {
		t.Errorf("Policy.Mode = %v, want CacheFirst", cfg.Policy.Mode)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.MaxAttempts)
	}
	if cfg.MaxBodyBytes != DefaultMaxBodyBytes {
		t.Errorf("MaxBodyBytes = %d, want %d", cfg.MaxBodyBytes, DefaultMaxBodyBytes)
	}
}

func TestTransport_HeadersSet(t *testing.T) {
	var userAgent, accept, language atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent.Store(r.Header.Get("User-Agent"))
		accept.Store(r.Header.Get("Accept"))
		language.Store(r.Header.Get("Accept-Language"))
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, func(cfg *Config) {
		cfg.Headers = http.Header{"Accept-Language": []string{"de"}}
		cfg.KeyHeaders = []string{"Accept-Language"}
	})

	resp, err := c.Transport()(context.Background(), c.Descriptor("/categories", nil))
	if err != nil {
		t.Fatalf("Transport() failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if got := userAgent.Load(); got != "TestApp/1.0.0 (test@example.com)" {
		t.Errorf("User-Agent = %v", got)
	}
	if got := accept.Load(); got != "application/json" {
		t.Errorf("Accept = %v, want application/json", got)
	}
	if got := language.Load(); got != "de" {
		t.Errorf("Accept-Language = %v, want de", got)
	}
}

func TestTransport_PathParamsAndQuery(t *testing.T) {
	var gotPath, gotQuery atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		gotQuery.Store(r.URL.RawQuery)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL+"/v1/")

	d := c.Descriptor("/categories/{id}/items", url.Values{"page": {"2"}, "lang": {"en"}})
	d.PathParams = map[string]string{"id": "a b"}

	if _, err := c.Transport()(context.Background(), d); err != nil {
		t.Fatalf("Transport() failed: %v", err)
	}
	if got := gotPath.Load(); got != "/v1/categories/a b/items" {
		t.Errorf("path = %v", got)
	}
	if got := gotQuery.Load(); got != "lang=en&page=2" {
		t.Errorf("query = %v", got)
	}
}

func TestTransport_UnknownPathParam(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")

	d := c.Descriptor("/categories", nil)
	d.PathParams = map[string]string{"id": "1"}

	_, err := c.Transport()(context.Background(), d)
	if !errors.Is(err, policy.ErrNetworkFailure) {
		t.Errorf("Expected NetworkFailure, got %v", err)
	}
}

func TestTransport_ConditionalRequest(t *testing.T) {
	var ifNoneMatch atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ifNoneMatch.Store(r.Header.Get("If-None-Match"))
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(`{"v":1}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	d := c.Descriptor("/items", nil)
	d.Validators = cache.Validators{ETag: `"v1"`}

	resp, err := c.Transport()(context.Background(), d)
	if err != nil {
		t.Fatalf("Transport() failed: %v", err)
	}
	if resp.StatusCode != http.StatusNotModified {
		t.Errorf("StatusCode = %d, want 304", resp.StatusCode)
	}
	if got := ifNoneMatch.Load(); got != `"v1"` {
		t.Errorf("If-None-Match = %v", got)
	}
}

func TestTransport_RetryOnServerError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	resp, err := c.Transport()(context.Background(), c.Descriptor("/items", nil))
	if err != nil {
		t.Fatalf("Transport() failed: %v", err)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("Body = %s", resp.Body)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestTransport_RetryExhausted(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	_, err := c.Transport()(context.Background(), c.Descriptor("/items", nil))
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}
	if code := policy.StatusCode(err); code != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want 502", code)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestTransport_NoRetryOnClientError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	_, err := c.Transport()(context.Background(), c.Descriptor("/items", nil))
	if code := policy.StatusCode(err); code != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401 (err %v)", code, err)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestTransport_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := server.URL
	server.Close()

	c := newTestClient(t, baseURL)

	_, err := c.Transport()(context.Background(), c.Descriptor("/items", nil))
	if !errors.Is(err, policy.ErrNetworkFailure) {
		t.Fatalf("Expected NetworkFailure, got %v", err)
	}
	if code := policy.StatusCode(err); code != 0 {
		t.Errorf("StatusCode = %d, want 0 for unreachable upstream", code)
	}
}

func TestTransport_BodyTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`0123456789`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, func(cfg *Config) {
		cfg.MaxBodyBytes = 4
		cfg.MaxAttempts = 1
	})

	_, err := c.Transport()(context.Background(), c.Descriptor("/items", nil))
	if !errors.Is(err, policy.ErrNetworkFailure) {
		t.Errorf("Expected NetworkFailure, got %v", err)
	}
}

func TestTransport_UpstreamBackoffBlocks(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	limiter := ratelimit.NewTracker(ratelimit.DefaultConfig(), zerolog.Nop())
	c := newTestClient(t, server.URL, func(cfg *Config) {
		cfg.Limiter = limiter
	})

	_, err := c.Transport()(context.Background(), c.Descriptor("/items", nil))
	if code := policy.StatusCode(err); code != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d, want 429", code)
	}
	if !errors.Is(err, ErrBackoffActive) {
		t.Errorf("Expected ErrBackoffActive after Retry-After, got %v", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1 (retry must honour Retry-After)", got)
	}

	// Further requests fail fast without reaching the upstream.
	_, err = c.Transport()(context.Background(), c.Descriptor("/other", nil))
	if !errors.Is(err, ErrBackoffActive) {
		t.Errorf("Expected ErrBackoffActive, got %v", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestFetch_ServesCacheWhenUpstreamDown(t *testing.T) {
	var up atomic.Bool
	up.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Cache-Control", "max-age=0")
		w.Write([]byte(`[{"id":1,"name":"Books"}]`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	ctx := context.Background()

	first, err := c.Fetch(ctx, "/categories", nil, nil)
	if err != nil {
		t.Fatalf("first Fetch() failed: %v", err)
	}
	if first.Source != policy.SourceNetwork {
		t.Errorf("first Source = %v, want network", first.Source)
	}

	up.Store(false)

	second, err := c.Fetch(ctx, "/categories", nil, nil)
	if err != nil {
		t.Fatalf("second Fetch() failed: %v", err)
	}
	if second.Source != policy.SourceCache {
		t.Errorf("second Source = %v, want cache", second.Source)
	}
	if !second.Stale {
		t.Error("second result should be stale")
	}
	if string(second.Body) != string(first.Body) {
		t.Errorf("Body = %s, want %s", second.Body, first.Body)
	}
}

type category struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestResource_Get(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/categories":
			w.Header().Set("Cache-Control", "max-age=300")
			w.Write([]byte(`[{"id":1,"name":"Books"},{"id":2,"name":"Music"}]`))
		default:
			w.Write([]byte(`not json`))
		}
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	ctx := context.Background()

	categories := NewResource[[]category](c, "/categories", nil, nil)
	got, res, err := categories.Get(ctx)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if len(got) != 2 || got[1].Name != "Music" {
		t.Errorf("Get() = %+v", got)
	}
	if res.Source != policy.SourceNetwork {
		t.Errorf("Source = %v, want network", res.Source)
	}

	cacheOnly := policy.Policy{Mode: policy.CacheOnly}
	_, res, err = categories.GetWith(ctx, &cacheOnly)
	if err != nil {
		t.Fatalf("GetWith(CacheOnly) failed: %v", err)
	}
	if res.Source != policy.SourceCache {
		t.Errorf("Source = %v, want cache", res.Source)
	}

	broken := NewResource[[]category](c, "/broken", nil, nil)
	if _, res, err := broken.Get(ctx); err == nil || res == nil {
		t.Errorf("Expected decode error with result, got res=%v err=%v", res, err)
	}
}

func TestExpandPath(t *testing.T) {
	tests := []struct {
		path    string
		params  map[string]string
		want    string
		wantErr bool
	}{
		{"/a/{id}", map[string]string{"id": "7"}, "/a/7", false},
		{"/a/{id}/{id}", map[string]string{"id": "x/y"}, "/a/x%2Fy/x%2Fy", false},
		{"/a", nil, "/a", false},
		{"/a", map[string]string{"id": "7"}, "", true},
	}

	for _, tt := range tests {
		got, err := expandPath(tt.path, tt.params)
		if (err != nil) != tt.wantErr {
			t.Errorf("expandPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("expandPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
