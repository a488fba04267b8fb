package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/redis/go-redis/v9"
)

// pinger is implemented by stores backed by an external service.
type pinger interface {
	Ping(ctx context.Context) error
}

// openStore opens the configured backend. Redis is pinged so that a
// misconfigured address fails at startup.
func openStore(ctx context.Context, cfg Config) (cache.Store, error) {
	opts := cache.StoreOptions{GraceWindow: cfg.GraceWindow}

	switch cfg.Store {
	case backendMemory:
		return cache.NewMemoryStore(opts)
	case backendFile:
		return cache.NewFileStore(cfg.StorePath, opts)
	case backendSQLite:
		return cache.OpenSQLiteStore(cfg.StorePath, opts)
	case backendRedis:
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			redisClient.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return cache.NewRedisStore(redisClient, cfg.RedisPrefix, opts)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
}
