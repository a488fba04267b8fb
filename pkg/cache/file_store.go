package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const fileStoreExt = ".json"

// FileStore persists each entry as a JSON document under a base directory:
//
//	<basePath>/<hash[0:2]>/<hash>.json
//
// where hash is the SHA-256 of the cache key. Writes go to a temporary file
// in the same directory and are renamed into place, so readers see either
// the old or the new document.
type FileStore struct {
	basePath string
	opts     StoreOptions

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// NewFileStore creates a file-backed store rooted at basePath.
func NewFileStore(basePath string, opts StoreOptions) (*FileStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &FileStore{
		basePath: abs,
		opts:     opts,
		locks:    make(map[string]*entryLock),
	}, nil
}

func (s *FileStore) Get(ctx context.Context, key string) (*CacheEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, storageErr("get", key, err)
	}

	entry, err := readEntryFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			CacheMisses.Inc()
			return nil, false, nil
		}
		return nil, false, storageErr("get", key, err)
	}
	if entry.Key != key {
		// Hash collision or a foreign file; never serve another key's body.
		CacheMisses.Inc()
		return nil, false, nil
	}

	CacheHits.WithLabelValues("file").Inc()
	return entry, true, nil
}

func (s *FileStore) Put(ctx context.Context, key string, entry *CacheEntry) error {
	if err := checkPut(key, entry); err != nil {
		return err
	}
	unlock := s.lockEntry(key)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return storageErr("put", key, err)
	}

	stored := entry.Clone()
	stored.Key = key
	data, err := json.Marshal(stored)
	if err != nil {
		return storageErr("put", key, fmt.Errorf("marshal cache entry: %w", err))
	}

	filePath := s.path(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return storageErr("put", key, err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return storageErr("put", key, err)
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	if err == nil {
		err = tempFile.Sync()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return storageErr("put", key, err)
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return storageErr("put", key, err)
	}

	WrittenBytes.WithLabelValues("file").Add(float64(len(data)))
	return nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	unlock := s.lockEntry(key)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return storageErr("delete", key, err)
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storageErr("delete", key, err)
	}
	return nil
}

func (s *FileStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	err := s.walk(ctx, func(filePath string, entry *CacheEntry) error {
		if !entry.ExpiredAt(now, s.opts.GraceWindow) {
			return nil
		}
		unlock := s.lockEntry(entry.Key)
		defer unlock()

		// Re-read under the lock so a concurrent Put of a fresh entry survives.
		current, err := readEntryFile(filePath)
		if err != nil || !current.ExpiredAt(now, s.opts.GraceWindow) {
			return nil
		}
		if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, storageErr("sweep", "", err)
	}
	return removed, nil
}

func (s *FileStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.walk(ctx, func(_ string, entry *CacheEntry) error {
		keys = append(keys, entry.Key)
		return nil
	})
	if err != nil {
		return nil, storageErr("keys", "", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return storageErr("clear", "", err)
	}
	dirs, err := os.ReadDir(s.basePath)
	if err != nil {
		return storageErr("clear", "", err)
	}
	for _, d := range dirs {
		if err := os.RemoveAll(filepath.Join(s.basePath, d.Name())); err != nil {
			return storageErr("clear", "", err)
		}
	}
	return nil
}

// Close is a no-op; every write is already on disk.
func (s *FileStore) Close() error {
	return nil
}

// walk visits every readable entry document. Unreadable documents are
// skipped so one corrupt file cannot block sweeps of the others.
func (s *FileStore) walk(ctx context.Context, fn func(filePath string, entry *CacheEntry) error) error {
	return filepath.WalkDir(s.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), fileStoreExt) || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		entry, err := readEntryFile(p)
		if err != nil {
			return nil
		}
		return fn(p, entry)
	})
}

func (s *FileStore) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(s.basePath, name[:2], name+fileStoreExt)
}

func (s *FileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func readEntryFile(filePath string) (*CacheEntry, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &entry, nil
}
