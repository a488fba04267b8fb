package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStorageFailure matches every StorageError.
	ErrStorageFailure = errors.New("storage failure")

	// ErrInvalidEntry indicates a stored entry could not be decoded.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// StorageError reports a failure of the underlying persistence medium.
type StorageError struct {
	Op  string // "get", "put", "delete", "sweep", "keys", "clear"
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("cache store %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("cache store %s: %v", e.Op, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrStorageFailure.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorageFailure
}

func storageErr(op, key string, err error) error {
	CacheErrors.WithLabelValues(op).Inc()
	return &StorageError{Op: op, Key: key, Err: err}
}

// Store is a persistent mapping from cache key to cache entry.
//
// Implementations must make Put atomic from the caller's perspective (no
// reader observes a partially written entry) and must never let a failed
// write to one key affect another key.
type Store interface {
	// Get returns the entry for key. A missing key yields (nil, false, nil).
	Get(ctx context.Context, key string) (*CacheEntry, bool, error)

	// Put stores entry under key, replacing any existing entry.
	Put(ctx context.Context, key string, entry *CacheEntry) error

	// Delete removes the entry for key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error

	// SweepExpired removes every entry whose StaleAt plus the grace window
	// is before now and returns how many were removed.
	SweepExpired(ctx context.Context, now time.Time) (int, error)

	// Keys enumerates the stored keys.
	Keys(ctx context.Context) ([]string, error)

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// Close releases the underlying medium.
	Close() error
}

// StoreOptions configures behaviour shared by all store implementations.
type StoreOptions struct {
	// GraceWindow keeps entries past StaleAt so they can still be served
	// stale. Zero removes entries as soon as they are stale.
	GraceWindow time.Duration
}

func (o StoreOptions) validate() error {
	if o.GraceWindow < 0 {
		return fmt.Errorf("grace window must be >= 0 (got %s)", o.GraceWindow)
	}
	return nil
}

func checkPut(key string, entry *CacheEntry) error {
	if key == "" {
		return fmt.Errorf("cache key is required")
	}
	return entry.Validate()
}
