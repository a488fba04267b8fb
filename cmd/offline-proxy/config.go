package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/Sternrassler/offline-cache/pkg/policy"
	"github.com/caarlos0/env/v11"
)

// Store backends selectable with OFFLINE_CACHE_STORE.
const (
	backendMemory = "memory"
	backendFile   = "file"
	backendSQLite = "sqlite"
	backendRedis  = "redis"
)

// Config is the proxy configuration, read from OFFLINE_CACHE_* variables.
type Config struct {
	ListenAddr  string `env:"OFFLINE_CACHE_LISTEN_ADDR" envDefault:":8080"`
	UpstreamURL string `env:"OFFLINE_CACHE_UPSTREAM_URL,required"`
	UserAgent   string `env:"OFFLINE_CACHE_USER_AGENT" envDefault:"offline-cache/0.1.0"`

	Mode       policy.Mode   `env:"OFFLINE_CACHE_MODE" envDefault:"cache-first"`
	MaxStale   time.Duration `env:"OFFLINE_CACHE_MAX_STALE" envDefault:"0s"`
	BypassCode []int         `env:"OFFLINE_CACHE_BYPASS_STATUS" envDefault:"401,403" envSeparator:","`
	KeyHeaders []string      `env:"OFFLINE_CACHE_KEY_HEADERS" envSeparator:","`

	DefaultTTL   time.Duration `env:"OFFLINE_CACHE_DEFAULT_TTL" envDefault:"0s"`
	FetchTimeout time.Duration `env:"OFFLINE_CACHE_FETCH_TIMEOUT" envDefault:"30s"`
	MaxAttempts  int           `env:"OFFLINE_CACHE_MAX_ATTEMPTS" envDefault:"3"`

	Store         string        `env:"OFFLINE_CACHE_STORE" envDefault:"memory"`
	StorePath     string        `env:"OFFLINE_CACHE_STORE_PATH" envDefault:"./data/offline-cache"`
	RedisAddr     string        `env:"OFFLINE_CACHE_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPrefix   string        `env:"OFFLINE_CACHE_REDIS_PREFIX" envDefault:"offline-cache"`
	GraceWindow   time.Duration `env:"OFFLINE_CACHE_GRACE" envDefault:"168h"`
	SweepInterval time.Duration `env:"OFFLINE_CACHE_SWEEP_INTERVAL" envDefault:"10m"`

	LogLevel  string `env:"OFFLINE_CACHE_LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"OFFLINE_CACHE_LOG_PRETTY"`
	LogFile   string `env:"OFFLINE_CACHE_LOG_FILE"`
}

// loadConfig parses the environment. A nil environ reads the process
// environment.
func loadConfig(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	u, err := url.Parse(c.UpstreamURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("OFFLINE_CACHE_UPSTREAM_URL must be an absolute http(s) url (got %q)", c.UpstreamURL)
	}
	switch c.Store {
	case backendMemory, backendFile, backendSQLite, backendRedis:
	default:
		return fmt.Errorf("unknown OFFLINE_CACHE_STORE %q (want memory, file, sqlite or redis)", c.Store)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("OFFLINE_CACHE_SWEEP_INTERVAL must be > 0 (got %s)", c.SweepInterval)
	}
	return c.Policy().Validate()
}

// Policy is the default policy for requests without an X-Cache-Mode header.
func (c Config) Policy() policy.Policy {
	return policy.Policy{
		Mode:              c.Mode,
		MaxStale:          c.MaxStale,
		BypassStatusCodes: c.BypassCode,
	}
}
