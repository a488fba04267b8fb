package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps entries in process memory. It does not survive restarts
// and is meant for tests and short-lived tools.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*CacheEntry
	opts    StoreOptions
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts StoreOptions) (*MemoryStore, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &MemoryStore{
		entries: make(map[string]*CacheEntry),
		opts:    opts,
	}, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*CacheEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, storageErr("get", key, err)
	}
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		CacheMisses.Inc()
		return nil, false, nil
	}
	CacheHits.WithLabelValues("memory").Inc()
	return entry.Clone(), true, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, entry *CacheEntry) error {
	if err := checkPut(key, entry); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return storageErr("put", key, err)
	}
	stored := entry.Clone()
	stored.Key = key

	s.mu.Lock()
	s.entries[key] = stored
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return storageErr("delete", key, err)
	}
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, storageErr("sweep", "", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if entry.ExpiredAt(now, s.opts.GraceWindow) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("keys", "", err)
	}
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return storageErr("clear", "", err)
	}
	s.mu.Lock()
	s.entries = make(map[string]*CacheEntry)
	s.mu.Unlock()
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
