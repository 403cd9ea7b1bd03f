// Package store provides the durable local store backing the offline
// sync engine.
//
// The store is an embedded SQLite database (WAL mode for concurrent
// reads) holding three logical tables:
//   - cache_entries: TTL-bounded read-through cache of server entities
//   - queue_items:   the ordered, durable log of pending mutations
//   - blobs:         binary photo payloads captured while offline
//
// A single client process owns the database; no cross-process
// coordination is attempted.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with sync-engine specific
// functionality. A nil *Store is valid for the cache surface, which
// degrades to always-miss (see cache.go).
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent
// reads. If the database doesn't exist it is created; call InitSchema
// before first use. The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(".fieldsync/sync.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{conn: conn, path: path}

	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := st.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return st, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection, checkpointing the WAL so all
// changes are persisted.
func (s *Store) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		scope TEXT NOT NULL,
		key TEXT NOT NULL,
		payload TEXT NOT NULL,
		cached_at TEXT NOT NULL,
		PRIMARY KEY (scope, key)
	);

	CREATE TABLE IF NOT EXISTS queue_items (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		group_id TEXT NOT NULL DEFAULT '',
		rank INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS blobs (
		id TEXT PRIMARY KEY,
		bytes BLOB NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_queue_status ON queue_items(status);
	CREATE INDEX IF NOT EXISTS idx_queue_group ON queue_items(group_id);

	-- Composite index matching the replay order
	CREATE INDEX IF NOT EXISTS idx_queue_replay
	    ON queue_items(status, group_id, rank, created_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// available reports whether the underlying database can serve requests.
func (s *Store) available() bool {
	return s != nil && s.conn != nil
}
