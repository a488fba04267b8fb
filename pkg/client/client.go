// Package client is the HTTP transport for the policy engine. It turns a
// cache.RequestDescriptor into an upstream request, retries transient
// failures and honours upstream back-off so that offline or throttled
// upstreams fall through to the cache quickly.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/Sternrassler/offline-cache/pkg/policy"
	"github.com/Sternrassler/offline-cache/pkg/ratelimit"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultMaxBodyBytes caps how much of a response body is read.
const DefaultMaxBodyBytes = 32 << 20

// Client issues upstream requests on behalf of the policy engine.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	engine     *policy.Engine
	limiter    *ratelimit.Tracker
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the upstream root, e.g. "https://api.example.com/v1" (required)
	BaseURL string

	// UserAgent header sent with every request (required)
	UserAgent string

	// Engine applies cache policies for Fetch (required)
	Engine *policy.Engine

	// Policy is used by Fetch when the caller passes none
	Policy policy.Policy

	// Limiter gates requests while the upstream asked us to back off (optional)
	Limiter *ratelimit.Tracker

	// Headers are sent with every request
	Headers http.Header

	// KeyHeaders names request headers that vary the response (e.g.
	// Accept-Language). They become part of every cache key.
	KeyHeaders []string

	// Timeout for a single HTTP attempt
	Timeout time.Duration

	// Retry
	MaxAttempts    int
	InitialBackoff time.Duration

	// MaxBodyBytes caps the response body size (default DefaultMaxBodyBytes)
	MaxBodyBytes int64
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(engine *policy.Engine, baseURL, userAgent string) Config {
	return Config{
		BaseURL:        baseURL,
		UserAgent:      userAgent,
		Engine:         engine,
		Policy:         policy.DefaultPolicy(),
		Timeout:        30 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBodyBytes:   DefaultMaxBodyBytes,
	}
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("policy engine is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https (got %q)", cfg.BaseURL)
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("default policy: %w", err)
	}
	if cfg.MaxAttempts < 0 {
		return nil, fmt.Errorf("max_attempts must be >= 0 (got %d)", cfg.MaxAttempts)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    base,
		engine:     cfg.Engine,
		limiter:    cfg.Limiter,
		config:     cfg,
		logger:     log.With().Str("component", "upstream-client").Logger(),
	}, nil
}

// Descriptor builds the request descriptor for path and query, carrying the
// client's key headers.
func (c *Client) Descriptor(path string, query url.Values) cache.RequestDescriptor {
	return cache.RequestDescriptor{
		Method:     http.MethodGet,
		Path:       path,
		Query:      query,
		Headers:    c.config.Headers.Clone(),
		KeyHeaders: c.config.KeyHeaders,
	}
}

// Fetch retrieves path through the policy engine. A nil pol uses the
// client's default policy.
func (c *Client) Fetch(ctx context.Context, path string, query url.Values, pol *policy.Policy) (*policy.FetchResult, error) {
	return c.Execute(ctx, c.Descriptor(path, query), pol)
}

// Execute runs descriptor through the policy engine using this client as
// transport. A nil pol uses the client's default policy.
func (c *Client) Execute(ctx context.Context, descriptor cache.RequestDescriptor, pol *policy.Policy) (*policy.FetchResult, error) {
	p := c.config.Policy
	if pol != nil {
		p = *pol
	}
	return c.engine.Execute(ctx, descriptor, p, c.Transport())
}

// Engine returns the policy engine the client fetches through.
func (c *Client) Engine() *policy.Engine {
	return c.engine
}

// Transport returns the client as a policy.TransportFunc.
func (c *Client) Transport() policy.TransportFunc {
	return c.roundTrip
}

// roundTrip performs one logical request with retries. 2xx and 304 are
// responses; everything else becomes a *policy.NetworkFailure.
func (c *Client) roundTrip(ctx context.Context, descriptor cache.RequestDescriptor) (*policy.Response, error) {
	target, err := c.resolve(descriptor)
	if err != nil {
		return nil, &policy.NetworkFailure{Err: err}
	}
	endpoint := target.Path

	startTime := time.Now()
	defer func() {
		httpRequestDuration.Observe(time.Since(startTime).Seconds())
	}()

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", descriptor.MethodOrDefault()).
		Bool("conditional", !descriptor.Validators.IsZero()).
		Msg("Executing upstream request")

	var (
		result     *policy.Response
		lastStatus int
	)

	retryErr := retryWithBackoff(ctx, retryOverrides{
		MaxAttempts:    c.config.MaxAttempts,
		InitialBackoff: c.config.InitialBackoff,
	}, c.logger, func() (ErrorClass, error) {
		// Checked per attempt: a 429 with Retry-After must stop the retries too.
		if c.limiter != nil {
			if allowed, wait := c.limiter.ShouldAllowRequest(); !allowed {
				c.logger.Warn().
					Str("endpoint", endpoint).
					Dur("wait_duration", wait).
					Msg("Request blocked by upstream back-off")
				httpRequestsTotal.WithLabelValues("blocked").Inc()
				return ErrorClassClient, &UpstreamError{
					StatusCode: http.StatusTooManyRequests,
					ErrorClass: ErrorClassRateLimit,
					Message:    "request blocked",
					Err:        fmt.Errorf("%w for %s", ErrBackoffActive, wait.Round(time.Second)),
				}
			}
		}

		req, err := c.newRequest(ctx, descriptor, target)
		if err != nil {
			return ErrorClassClient, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
			httpErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			httpRequestsTotal.WithLabelValues("network_error").Inc()
			lastStatus = 0
			return ErrorClassNetwork, err
		}
		defer resp.Body.Close()

		lastStatus = resp.StatusCode
		httpRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

		if c.limiter != nil {
			if err := c.limiter.UpdateFromResponse(resp.StatusCode, resp.Header); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
			}
		}

		if errorClass := classifyStatus(resp.StatusCode); errorClass != "" {
			httpErrorsTotal.WithLabelValues(string(errorClass)).Inc()
			c.logger.Warn().
				Str("endpoint", endpoint).
				Int("status", resp.StatusCode).
				Str("error_class", string(errorClass)).
				Msg("Upstream request error")
			// Drain so the connection can be reused.
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			return errorClass, &UpstreamError{
				StatusCode: resp.StatusCode,
				ErrorClass: errorClass,
				Message:    resp.Status,
			}
		}

		if resp.StatusCode != http.StatusNotModified && (resp.StatusCode < 200 || resp.StatusCode > 299) {
			return ErrorClassClient, &UpstreamError{
				StatusCode: resp.StatusCode,
				ErrorClass: ErrorClassClient,
				Message:    "unexpected status " + resp.Status,
			}
		}

		body, err := readBody(resp.Body, c.config.MaxBodyBytes)
		if err != nil {
			lastStatus = 0
			httpErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			return ErrorClassNetwork, fmt.Errorf("read body: %w", err)
		}

		result = &policy.Response{
			Body:       body,
			StatusCode: resp.StatusCode,
			Headers:    resp.Header.Clone(),
		}
		return "", nil
	})

	if retryErr != nil {
		if errors.Is(retryErr, ErrContextCancelled) {
			return nil, &policy.NetworkFailure{Err: retryErr}
		}
		var upstream *UpstreamError
		if errors.As(retryErr, &upstream) {
			return nil, &policy.NetworkFailure{StatusCode: upstream.StatusCode, Err: retryErr}
		}
		return nil, &policy.NetworkFailure{StatusCode: lastStatus, Err: retryErr}
	}

	if result.StatusCode == http.StatusNotModified {
		c.logger.Debug().Str("endpoint", endpoint).Msg("304 Not Modified")
	}
	return result, nil
}

// resolve joins the descriptor path and query onto the base URL.
func (c *Client) resolve(descriptor cache.RequestDescriptor) (*url.URL, error) {
	escaped, err := expandPath(descriptor.Path, descriptor.PathParams)
	if err != nil {
		return nil, err
	}

	target := *c.baseURL
	target.RawPath = strings.TrimSuffix(c.baseURL.EscapedPath(), "/") + "/" + strings.TrimPrefix(escaped, "/")
	target.Path, err = url.PathUnescape(target.RawPath)
	if err != nil {
		return nil, fmt.Errorf("path %q: %w", descriptor.Path, err)
	}
	target.RawQuery = descriptor.Query.Encode()
	target.Fragment = ""
	return &target, nil
}

func (c *Client) newRequest(ctx context.Context, descriptor cache.RequestDescriptor, target *url.URL) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, descriptor.MethodOrDefault(), target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for name, values := range descriptor.Headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	cache.AddConditionalHeaders(req, descriptor.Validators)
	return req, nil
}

// expandPath substitutes "{name}" placeholders with path params and returns
// the escaped path. Params without a placeholder are an error so that they
// cannot vary the cache key without varying the request.
func expandPath(p string, params map[string]string) (string, error) {
	used := make(map[string]bool, len(params))
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		for name, value := range params {
			placeholder := "{" + name + "}"
			if strings.Contains(seg, placeholder) {
				seg = strings.ReplaceAll(seg, placeholder, value)
				used[name] = true
			}
		}
		segments[i] = url.PathEscape(seg)
	}
	for name := range params {
		if !used[name] {
			return "", fmt.Errorf("path %q has no placeholder for param %q", p, name)
		}
	}
	return strings.Join(segments, "/"), nil
}

func readBody(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}
	return body, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
