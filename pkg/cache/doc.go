// Package cache provides the persistent side of the offline cache: request
// descriptors and deterministic key derivation, cache entries with staleness
// metadata, and the Store contract with its backends.
//
// Backends:
//
//   - MemoryStore - process memory, for tests and short-lived tools
//   - FileStore   - one JSON document per key, temp file + rename writes
//   - SQLiteStore - single database file (modernc.org/sqlite), upserts
//   - RedisStore  - JSON values plus a sorted-set index scored by StaleAt
//
// All backends survive process restarts except MemoryStore. Medium failures
// are reported as *StorageError and match ErrStorageFailure.
//
// # Basic Usage
//
//	store, err := cache.OpenSQLiteStore("cache.db", cache.StoreOptions{})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	key, err := cache.DeriveKey(cache.RequestDescriptor{
//		Path:  "/categories",
//		Query: url.Values{"lang": []string{"en"}},
//	})
//	if err != nil {
//		return err
//	}
//
//	entry, ok, err := store.Get(ctx, key)
//
// # Freshness
//
// HeaderFreshness derives StaleAt from Cache-Control and Expires. FixedTTL
// ignores headers. An entry with no TTL is stale the moment it is created.
//
// # Expiry Sweeps
//
// Entries are never removed by reads. SweepExpired removes entries whose
// StaleAt plus the store's grace window has passed; Sweeper runs it on a
// ticker.
//
// # Metrics
//
//   - offline_cache_store_hits_total{backend}
//   - offline_cache_store_misses_total
//   - offline_cache_written_bytes_total{backend}
//   - offline_cache_errors_total{operation}
//   - offline_cache_swept_total
package cache
