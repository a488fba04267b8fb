package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every Redis key written by RedisStore.
const DefaultRedisPrefix = "offline-cache"

// RedisStore persists entries in Redis. Each entry is a JSON value under
// "<prefix>:entry:<key>" and the sorted set "<prefix>:index" scores every
// key by its StaleAt (unix microseconds) so sweeps are range queries. The
// stored StaleAt keeps full nanosecond precision.
type RedisStore struct {
	redis  *redis.Client
	prefix string
	opts   StoreOptions
}

// NewRedisStore creates a Redis-backed store. An empty prefix uses
// DefaultRedisPrefix.
func NewRedisStore(redisClient *redis.Client, prefix string, opts StoreOptions) (*RedisStore, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		redis:  redisClient,
		prefix: prefix,
		opts:   opts,
	}, nil
}

func (s *RedisStore) entryKey(key string) string {
	return s.prefix + ":entry:" + key
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":index"
}

func (s *RedisStore) Get(ctx context.Context, key string) (*CacheEntry, bool, error) {
	data, err := s.redis.Get(ctx, s.entryKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.Inc()
			return nil, false, nil
		}
		return nil, false, storageErr("get", key, fmt.Errorf("redis get: %w", err))
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, storageErr("get", key, fmt.Errorf("%w: %v", ErrInvalidEntry, err))
	}

	CacheHits.WithLabelValues("redis").Inc()
	return &entry, true, nil
}

// Put writes the value and its index score in one MULTI/EXEC transaction.
func (s *RedisStore) Put(ctx context.Context, key string, entry *CacheEntry) error {
	if err := checkPut(key, entry); err != nil {
		return err
	}

	stored := entry.Clone()
	stored.Key = key
	data, err := json.Marshal(stored)
	if err != nil {
		return storageErr("put", key, fmt.Errorf("marshal cache entry: %w", err))
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.entryKey(key), data, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{
			Score:  float64(stored.StaleAt.UnixMicro()),
			Member: key,
		})
		return nil
	})
	if err != nil {
		return storageErr("put", key, fmt.Errorf("redis set: %w", err))
	}

	WrittenBytes.WithLabelValues("redis").Add(float64(len(data)))
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.entryKey(key))
		pipe.ZRem(ctx, s.indexKey(), key)
		return nil
	})
	if err != nil {
		return storageErr("delete", key, fmt.Errorf("redis del: %w", err))
	}
	return nil
}

// SweepExpired removes entries past StaleAt plus the grace window. Index
// scores are microseconds, so the range query includes the cutoff
// microsecond and each candidate's stored StaleAt makes the final call.
// Candidates are re-checked inside a WATCH transaction so a concurrent Put
// of a fresh entry is never removed.
func (s *RedisStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.opts.GraceWindow).UnixMicro()
	candidates, err := s.redis.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, storageErr("sweep", "", fmt.Errorf("redis zrangebyscore: %w", err))
	}

	removed := 0
	for _, key := range candidates {
		ok, err := s.sweepOne(ctx, key, now)
		if err != nil {
			return removed, storageErr("sweep", key, err)
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

func (s *RedisStore) sweepOne(ctx context.Context, key string, now time.Time) (bool, error) {
	removed := false
	err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, s.entryKey(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			// Index member without a value; drop the dangling member only.
			return tx.ZRem(ctx, s.indexKey(), key).Err()
		}
		if err != nil {
			return err
		}
		var entry CacheEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			// Left in place so Get keeps reporting the corruption.
			return nil
		}
		if !entry.ExpiredAt(now, s.opts.GraceWindow) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.entryKey(key))
			pipe.ZRem(ctx, s.indexKey(), key)
			return nil
		})
		if err == nil {
			removed = true
		}
		return err
	}, s.indexKey(), s.entryKey(key))
	if errors.Is(err, redis.TxFailedErr) {
		// Entry changed while we looked at it; leave it for the next sweep.
		return false, nil
	}
	return removed, err
}

func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.redis.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, storageErr("keys", "", fmt.Errorf("redis zrange: %w", err))
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	var cursor uint64
	pattern := s.prefix + ":entry:*"
	for {
		batch, next, err := s.redis.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return storageErr("clear", "", fmt.Errorf("redis scan: %w", err))
		}
		if len(batch) > 0 {
			if err := s.redis.Del(ctx, batch...).Err(); err != nil {
				return storageErr("clear", "", fmt.Errorf("redis del: %w", err))
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if err := s.redis.Del(ctx, s.indexKey()).Err(); err != nil {
		return storageErr("clear", "", fmt.Errorf("redis del: %w", err))
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.redis.Close()
}

// Ping checks Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}
