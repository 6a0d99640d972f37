// Package docstore implements the bulk document store the snapshot subsystem
// is built on: schemaless JSON documents addressed by (collection, id), with
// idempotent upserts, ordered range queries and composite filtered queries
// that fail with a distinguishable missing-index error when the backing index
// was never provisioned. Multi-document writes are never assumed atomic;
// batches commit sequentially in bounded sub-batches.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"marketscope/internal/logging"
)

// BatchOpLimit is the safety margin below the true platform batch ceiling.
const BatchOpLimit = 450

// Store is a SQLite-backed document store.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	retry  RetryPolicy
}

// Document is one stored document with its decoded payload.
type Document struct {
	ID        string
	Data      map[string]any
	CreatedAt string
	UpdatedAt string
}

// Option configures a Store.
type Option func(*Store)

// WithRetryPolicy injects the retry policy used for all store I/O.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Store) { s.retry = p }
}

// Open initializes the SQLite database at the given path. Use ":memory:" for
// an ephemeral store in tests.
func Open(path string, opts ...Option) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "docstore.Open")
	defer timer.Stop()

	logging.Store("Opening document store at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	store := &Store{db: db, dbPath: path, retry: DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}

	logging.Store("Document store ready")
	return store, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		doc_id TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(collection, doc_id)
	);
	CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);

	CREATE TABLE IF NOT EXISTS composite_indexes (
		collection TEXT NOT NULL,
		fields TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(collection, fields)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing document store")
	return s.db.Close()
}

// DB returns the underlying SQL database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Retry returns the injected retry policy so higher-level clients share it.
func (s *Store) Retry() RetryPolicy {
	return s.retry
}

// Set upserts a document. The payload is sanitized (nil-bearing fields
// dropped recursively) before persisting, and updated_at is always refreshed.
// Writes are idempotent: concurrent duplicate writes with the same id
// converge rather than conflict.
func (s *Store) Set(ctx context.Context, collection, id string, doc any) error {
	sanitized, err := SanitizeValue(doc)
	if err != nil {
		return err
	}
	data, err := json.Marshal(sanitized)
	if err != nil {
		return fmt.Errorf("document marshal failed: %w", err)
	}

	return s.retry.Do(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		_, err := s.db.ExecContext(ctx, `
			INSERT INTO documents (collection, doc_id, data, created_at, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(collection, doc_id) DO UPDATE SET
				data = excluded.data,
				updated_at = CURRENT_TIMESTAMP`,
			collection, id, string(data))
		if err != nil {
			logging.Get(logging.CategoryStore).Error("Set failed: %s/%s: %v", collection, id, err)
			return fmt.Errorf("set %s/%s: %w", collection, id, err)
		}
		logging.StoreDebug("Set %s/%s (%d bytes)", collection, id, len(data))
		return nil
	})
}

// Merge applies a partial update to an existing document, creating it if
// absent. Only top-level keys present in patch are replaced.
func (s *Store) Merge(ctx context.Context, collection, id string, patch map[string]any) error {
	current, err := s.GetRaw(ctx, collection, id)
	if err != nil && Classify(err) != KindNotFound {
		return err
	}
	if current == nil {
		current = map[string]any{}
	}
	for k, v := range patch {
		current[k] = v
	}
	return s.Set(ctx, collection, id, current)
}

// Get reads a document into out (a pointer to a struct or map). Returns
// ErrNotFound when the document does not exist.
func (s *Store) Get(ctx context.Context, collection, id string, out any) error {
	return s.retry.Do(ctx, func() error {
		s.mu.RLock()
		defer s.mu.RUnlock()

		var data string
		err := s.db.QueryRowContext(ctx,
			`SELECT data FROM documents WHERE collection = ? AND doc_id = ?`,
			collection, id).Scan(&data)
		if err == sql.ErrNoRows {
			return fmt.Errorf("get %s/%s: %w", collection, id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get %s/%s: %w", collection, id, err)
		}
		if err := json.Unmarshal([]byte(data), out); err != nil {
			return fmt.Errorf("get %s/%s decode: %w", collection, id, err)
		}
		return nil
	})
}

// GetRaw reads a document as a generic map. Returns ErrNotFound when absent.
func (s *Store) GetRaw(ctx context.Context, collection, id string) (map[string]any, error) {
	var out map[string]any
	if err := s.Get(ctx, collection, id, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Exists reports whether a document is present without decoding it.
func (s *Store) Exists(ctx context.Context, collection, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM documents WHERE collection = ? AND doc_id = ?`,
		collection, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %s/%s: %w", collection, id, err)
	}
	return true, nil
}

// Delete removes a document. Deleting an absent document is not an error.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.retry.Do(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM documents WHERE collection = ? AND doc_id = ?`,
			collection, id); err != nil {
			return fmt.Errorf("delete %s/%s: %w", collection, id, err)
		}
		logging.StoreDebug("Deleted %s/%s", collection, id)
		return nil
	})
}

// RegisterIndex provisions a composite index for a collection. Queries whose
// shape needs an index fail with *MissingIndexError until the matching index
// is registered.
func (s *Store) RegisterIndex(ctx context.Context, collection string, fields ...string) error {
	key := indexKey(fields)
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO composite_indexes (collection, fields) VALUES (?, ?)`,
		collection, key)
	if err != nil {
		return fmt.Errorf("register index %s(%s): %w", collection, key, err)
	}
	logging.Store("Registered composite index %s(%s)", collection, key)
	return nil
}

// DropIndex removes a registered composite index. Used by integration tests
// to exercise the missing-index failure path.
func (s *Store) DropIndex(ctx context.Context, collection string, fields ...string) error {
	key := indexKey(fields)
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM composite_indexes WHERE collection = ? AND fields = ?`,
		collection, key)
	if err != nil {
		return fmt.Errorf("drop index %s(%s): %w", collection, key, err)
	}
	return nil
}

func (s *Store) hasIndex(ctx context.Context, collection string, fields []string) (bool, error) {
	key := indexKey(fields)
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM composite_indexes WHERE collection = ? AND fields = ?`,
		collection, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("index lookup %s(%s): %w", collection, key, err)
	}
	return true, nil
}

func indexKey(fields []string) string {
	cp := make([]string, len(fields))
	copy(cp, fields)
	// Stored in declaration order: index (a, b, order) differs from (b, a, order).
	return strings.Join(cp, ",")
}

// Stats returns per-collection document counts.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT collection, COUNT(*) FROM documents GROUP BY collection`)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int64)
	for rows.Next() {
		var coll string
		var count int64
		if err := rows.Scan(&coll, &count); err != nil {
			return nil, fmt.Errorf("stats scan: %w", err)
		}
		stats[coll] = count
	}
	return stats, rows.Err()
}

// NowISO returns the current UTC time in the ISO-8601 form persisted in
// document timestamp fields.
func NowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// Decode converts a generic document payload into a typed struct.
func Decode(data map[string]any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("decode marshal: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode unmarshal: %w", err)
	}
	return nil
}
