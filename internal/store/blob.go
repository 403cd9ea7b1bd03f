package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrBlobNotFound is returned when a referenced blob is absent.
var ErrBlobNotFound = errors.New("blob not found")

// BlobSave stores binary bytes under a locally generated id. Blobs have
// no TTL; they are reclaimed only by explicit deletion after the
// corresponding mutation replays successfully, so a failed-but-retryable
// photo upload never silently loses its payload.
func (s *Store) BlobSave(ctx context.Context, id string, data []byte) error {
	query := `
	INSERT INTO blobs (id, bytes, created_at)
	VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		bytes = excluded.bytes
	`

	_, err := s.conn.ExecContext(ctx, query, id, data, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save blob %s: %w", id, err)
	}
	return nil
}

// BlobLoad returns the stored bytes or ErrBlobNotFound.
func (s *Store) BlobLoad(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.conn.QueryRowContext(ctx, `SELECT bytes FROM blobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load blob %s: %w", id, err)
	}
	return data, nil
}

// BlobDelete removes a blob. Returns nil if it doesn't exist
// (idempotent).
func (s *Store) BlobDelete(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM blobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", id, err)
	}
	return nil
}

// BlobCount returns the number of stored blobs.
func (s *Store) BlobCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM blobs`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count blobs: %w", err)
	}
	return count, nil
}
