package cache

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationTable = "schema_migrations"

// SQLiteStore persists entries in a single SQLite database file.
type SQLiteStore struct {
	sqlDB *sql.DB
	opts  StoreOptions
}

// OpenSQLiteStore opens and migrates a SQLite cache database at path.
func OpenSQLiteStore(path string, opts StoreOptions) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	dsn := "file:" + cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &SQLiteStore{sqlDB: sqlDB, opts: opts}
	if err := store.runMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*CacheEntry, bool, error) {
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT cache_key, body, status_code, metadata, created_at, stale_at
		 FROM cache_entries
		 WHERE cache_key = ?`,
		key,
	)

	var entry CacheEntry
	var metadata string
	var createdAt int64
	var staleAt int64
	if err := row.Scan(&entry.Key, &entry.Body, &entry.StatusCode, &metadata, &createdAt, &staleAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			CacheMisses.Inc()
			return nil, false, nil
		}
		return nil, false, storageErr("get", key, err)
	}

	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &entry.Metadata); err != nil {
			return nil, false, storageErr("get", key, fmt.Errorf("%w: %v", ErrInvalidEntry, err))
		}
	}
	entry.CreatedAt = unixNanoToTime(createdAt)
	entry.StaleAt = unixNanoToTime(staleAt)

	CacheHits.WithLabelValues("sqlite").Inc()
	return &entry, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, entry *CacheEntry) error {
	if err := checkPut(key, entry); err != nil {
		return err
	}

	metadata := []byte("{}")
	if len(entry.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(entry.Metadata); err != nil {
			return storageErr("put", key, fmt.Errorf("marshal metadata: %w", err))
		}
	}
	body := entry.Body
	if body == nil {
		body = []byte{}
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO cache_entries (cache_key, body, status_code, metadata, created_at, stale_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET
		    body = excluded.body,
		    status_code = excluded.status_code,
		    metadata = excluded.metadata,
		    created_at = excluded.created_at,
		    stale_at = excluded.stale_at`,
		key,
		body,
		entry.StatusCode,
		string(metadata),
		timeToUnixNano(entry.CreatedAt),
		timeToUnixNano(entry.StaleAt),
	)
	if err != nil {
		return storageErr("put", key, err)
	}

	WrittenBytes.WithLabelValues("sqlite").Add(float64(len(body)))
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ?`, key); err != nil {
		return storageErr("delete", key, err)
	}
	return nil
}

func (s *SQLiteStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	// stale_at + grace < now  <=>  stale_at < now - grace
	cutoff := timeToUnixNano(now.Add(-s.opts.GraceWindow))
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM cache_entries WHERE stale_at < ?`, cutoff)
	if err != nil {
		return 0, storageErr("sweep", "", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("sweep", "", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT cache_key FROM cache_entries ORDER BY cache_key`)
	if err != nil {
		return nil, storageErr("keys", "", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, storageErr("keys", "", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("keys", "", err)
	}
	return keys, nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return storageErr("clear", "", err)
	}
	return nil
}

// Close releases the underlying SQLite connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// runMigrations applies embedded SQL migrations in filename order, each at
// most once.
func (s *SQLiteStore) runMigrations() error {
	if _, err := s.sqlDB.Exec(`CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	files, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		var found int
		err := s.sqlDB.QueryRow(`SELECT 1 FROM `+migrationTable+` WHERE name = ?`, file).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", file, err)
		}

		content, err := migrationFS.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}

		tx, err := s.sqlDB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration transaction %s: %w", file, err)
		}
		if _, err := tx.Exec(upMigration(string(content))); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO `+migrationTable+` (name, applied_at) VALUES (?, ?)`,
			file,
			time.Now().UTC().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

// upMigration returns the SQL in the -- +migrate Up section.
func upMigration(content string) string {
	upIdx := strings.Index(content, "-- +migrate Up")
	if upIdx == -1 {
		return content
	}
	content = content[upIdx+len("-- +migrate Up"):]
	if downIdx := strings.Index(content, "-- +migrate Down"); downIdx != -1 {
		content = content[:downIdx]
	}
	return content
}

func timeToUnixNano(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UnixNano()
}

func unixNanoToTime(value int64) time.Time {
	if value <= 0 {
		return time.Time{}
	}
	return time.Unix(0, value).UTC()
}
