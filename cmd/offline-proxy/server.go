package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/Sternrassler/offline-cache/pkg/client"
	"github.com/Sternrassler/offline-cache/pkg/metrics"
	"github.com/Sternrassler/offline-cache/pkg/policy"
	"github.com/Sternrassler/offline-cache/pkg/ratelimit"
	"github.com/rs/zerolog"
)

// Response headers describing where a body came from.
const (
	headerMode    = "X-Cache-Mode"
	headerScope   = "X-Cache-Scope"
	headerSource  = "X-Cache-Source"
	headerAge     = "X-Cache-Age"
	headerStale   = "X-Cache-Stale"
	headerKey     = "X-Cache-Key"
	headerWarning = "X-Cache-Warning"
)

type server struct {
	cfg     Config
	store   cache.Store
	client  *client.Client
	sweeper *cache.Sweeper
	logger  zerolog.Logger

	stopSweeper func()
}

// newServer wires the engine, upstream client and sweeper around store.
func newServer(cfg Config, store cache.Store, logger zerolog.Logger) (*server, error) {
	engineLogger := logger.With().Str("component", "cache-engine").Logger()
	engine, err := policy.New(policy.Config{
		Store:        store,
		DefaultTTL:   cfg.DefaultTTL,
		FetchTimeout: cfg.FetchTimeout,
		Logger:       &engineLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	clientCfg := client.DefaultConfig(engine, cfg.UpstreamURL, cfg.UserAgent)
	clientCfg.Policy = cfg.Policy()
	clientCfg.KeyHeaders = cfg.KeyHeaders
	clientCfg.MaxAttempts = cfg.MaxAttempts
	clientCfg.Limiter = ratelimit.NewTracker(ratelimit.DefaultConfig(), logger.With().Str("component", "upstream-backoff").Logger())
	upstream, err := client.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create upstream client: %w", err)
	}

	return &server{
		cfg:     cfg,
		store:   store,
		client:  upstream,
		sweeper: cache.NewSweeper(store, cfg.SweepInterval, logger.With().Str("component", "sweeper").Logger()),
		logger:  logger,
	}, nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /cache/{path...}", s.handleCache)
	mux.HandleFunc("DELETE /cache", s.handleClear)
	mux.HandleFunc("POST /cache/sweep", s.handleSweep)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Readiness check failed")
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// handleCache serves GET /cache/<path> through the policy engine.
func (s *server) handleCache(w http.ResponseWriter, r *http.Request) {
	pol := s.cfg.Policy()
	if modeHeader := r.Header.Get(headerMode); modeHeader != "" {
		mode, err := policy.ParseMode(modeHeader)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		pol.Mode = mode
	}

	descriptor := s.client.Descriptor("/"+r.PathValue("path"), r.URL.Query())
	descriptor.Scope = r.Header.Get(headerScope)
	for _, name := range s.cfg.KeyHeaders {
		if values := r.Header.Values(name); len(values) > 0 {
			if descriptor.Headers == nil {
				descriptor.Headers = http.Header{}
			}
			descriptor.Headers[http.CanonicalHeaderKey(name)] = values
		}
	}

	res, err := s.client.Execute(r.Context(), descriptor, &pol)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	h := w.Header()
	if ct := res.Metadata[cache.MetaContentType]; ct != "" {
		h.Set("Content-Type", ct)
	}
	if etag := res.Metadata[cache.MetaETag]; etag != "" {
		h.Set("ETag", etag)
	}
	h.Set(headerKey, res.Key)
	h.Set(headerSource, res.Source.String())
	h.Set(headerStale, strconv.FormatBool(res.Stale))
	if age, ok := res.CacheAge(); ok {
		h.Set(headerAge, strconv.FormatInt(int64(age/time.Second), 10))
	}
	if res.Warning != nil {
		h.Set(headerWarning, res.Warning.Error())
	}

	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if _, err := w.Write(res.Body); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write response")
	}
}

// writeError maps engine errors to HTTP statuses.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, cache.ErrKeyDerivation):
		status = http.StatusBadRequest
	case errors.Is(err, policy.ErrNoCachedData):
		status = http.StatusGatewayTimeout
	case errors.Is(err, policy.ErrNetworkFailure):
		status = http.StatusBadGateway
		if code := policy.StatusCode(err); code >= 400 {
			status = code
		}
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// Client went away.
		return
	}

	s.logger.Debug().Err(err).Int("status", status).Str("path", r.URL.Path).Msg("Request failed")
	http.Error(w, err.Error(), status)
}

func (s *server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Clear(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("Cache clear failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Info().Msg("Cache cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSweep(w http.ResponseWriter, r *http.Request) {
	removed, err := s.sweeper.SweepOnce(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"removed": removed})
}

// startSweeper runs the background sweeper until ctx ends or close is
// called.
func (s *server) startSweeper(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.sweeper.Run(ctx)
	}()
	s.stopSweeper = func() {
		cancel()
		<-done
	}
}

// close stops the sweeper before releasing the client and the store.
func (s *server) close() error {
	if s.stopSweeper != nil {
		s.stopSweeper()
		s.stopSweeper = nil
	}
	s.client.Close()
	return s.store.Close()
}
