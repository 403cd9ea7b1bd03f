package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CacheTTL bounds how long a cached server entity is considered
// read-valid. Entries older than this are reported as misses even
// though the row still physically exists.
const CacheTTL = 24 * time.Hour

// Cache scopes. Each scope is a logical table keyed by entity id or a
// fixed list key.
const (
	ScopeAudits    = "audits"
	ScopeTemplates = "templates"
	ScopeUnits     = "units"
)

// AuditListKey is the fixed key the cached audit list is stored under.
const AuditListKey = "list"

// ErrCacheMiss is returned when an entry is absent, expired, or the
// store is unavailable. Staleness is never silent; callers must treat
// the cache as best-effort.
var ErrCacheMiss = errors.New("cache miss")

// CachePut overwrites the entry unconditionally and stamps cached_at
// with the current time. Every write is a whole-value replacement; no
// merge operation exists.
//
// When the store is unavailable the write degrades to a no-op.
func (s *Store) CachePut(ctx context.Context, scope, key string, payload any) error {
	if !s.available() {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal cache payload: %w", err)
	}

	query := `
	INSERT INTO cache_entries (scope, key, payload, cached_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(scope, key) DO UPDATE SET
		payload = excluded.payload,
		cached_at = excluded.cached_at
	`

	_, err = s.conn.ExecContext(ctx, query, scope, key, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to put cache entry %s/%s: %w", scope, key, err)
	}

	return nil
}

// CacheGet unmarshals the entry into out if it exists and is fresh.
// Returns ErrCacheMiss for absent, expired, or unavailable entries.
func (s *Store) CacheGet(ctx context.Context, scope, key string, out any) error {
	if !s.available() {
		return ErrCacheMiss
	}

	var payload, cachedAtStr string
	query := `SELECT payload, cached_at FROM cache_entries WHERE scope = ? AND key = ?`
	err := s.conn.QueryRowContext(ctx, query, scope, key).Scan(&payload, &cachedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("failed to get cache entry %s/%s: %w", scope, key, err)
	}

	cachedAt, err := time.Parse(time.RFC3339Nano, cachedAtStr)
	if err != nil {
		return fmt.Errorf("failed to parse cached_at for %s/%s: %w", scope, key, err)
	}

	if time.Since(cachedAt) > CacheTTL {
		return ErrCacheMiss
	}

	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("failed to unmarshal cache entry %s/%s: %w", scope, key, err)
	}

	return nil
}

// CacheDelete removes an entry. Returns nil if the entry doesn't exist
// (idempotent) or the store is unavailable.
func (s *Store) CacheDelete(ctx context.Context, scope, key string) error {
	if !s.available() {
		return nil
	}

	_, err := s.conn.ExecContext(ctx, `DELETE FROM cache_entries WHERE scope = ? AND key = ?`, scope, key)
	if err != nil {
		return fmt.Errorf("failed to delete cache entry %s/%s: %w", scope, key, err)
	}
	return nil
}

// CacheCount returns the number of entries in a scope, fresh or not.
func (s *Store) CacheCount(ctx context.Context, scope string) (int, error) {
	if !s.available() {
		return 0, nil
	}

	var count int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries WHERE scope = ?`, scope).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count cache entries for %s: %w", scope, err)
	}
	return count, nil
}
