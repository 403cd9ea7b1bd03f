package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conforma/fieldsync/internal/schema"
)

// ErrQueueItemNotFound is returned when a status transition references
// an unknown queue item.
var ErrQueueItemNotFound = errors.New("queue item not found")

// Enqueue appends a mutation to the durable queue with status pending.
// The replay rank is assigned from the fixed per-kind table; it is not
// configurable. Returns the new item's id.
func (s *Store) Enqueue(ctx context.Context, kind schema.Kind, payload any, groupID string) (string, error) {
	rank, err := kind.Rank()
	if err != nil {
		return "", err
	}

	data, err := schema.EncodePayload(payload)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	query := `
	INSERT INTO queue_items (id, kind, payload, group_id, rank, status, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.conn.ExecContext(ctx, query,
		id,
		string(kind),
		string(data),
		groupID,
		rank,
		string(schema.StatusPending),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s mutation: %w", kind, err)
	}

	return id, nil
}

// ListPendingOrdered returns all pending items in replay order: grouped
// by group_id so one audit's operations are co-located, then by rank,
// then by creation time, then by insertion order for equal timestamps.
//
// This total order is the drain order; readers take a fresh snapshot
// before each drain pass.
func (s *Store) ListPendingOrdered(ctx context.Context) ([]*schema.QueueItem, error) {
	query := `
	SELECT id, kind, payload, group_id, rank, status, error, created_at
	FROM queue_items
	WHERE status = ?
	ORDER BY group_id ASC, rank ASC, created_at ASC, rowid ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, string(schema.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending queue items: %w", err)
	}
	defer rows.Close()

	return scanQueueItems(rows)
}

// ListByStatus returns all items with the given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status schema.Status) ([]*schema.QueueItem, error) {
	query := `
	SELECT id, kind, payload, group_id, rank, status, error, created_at
	FROM queue_items
	WHERE status = ?
	ORDER BY created_at ASC, rowid ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s queue items: %w", status, err)
	}
	defer rows.Close()

	return scanQueueItems(rows)
}

// GetQueueItem retrieves a single item by id.
func (s *Store) GetQueueItem(ctx context.Context, id string) (*schema.QueueItem, error) {
	query := `
	SELECT id, kind, payload, group_id, rank, status, error, created_at
	FROM queue_items
	WHERE id = ?
	`

	row := s.conn.QueryRowContext(ctx, query, id)
	item, err := scanQueueItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQueueItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item %s: %w", id, err)
	}
	return item, nil
}

// MarkInFlight transitions an item to in_flight. Idempotent.
func (s *Store) MarkInFlight(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, schema.StatusInFlight, "")
}

// MarkDone transitions an item to done and clears any recorded error.
// Idempotent.
func (s *Store) MarkDone(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, schema.StatusDone, "")
}

// MarkFailed transitions an item to failed, preserving the error
// message verbatim for diagnostics. Idempotent.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string) error {
	return s.setStatus(ctx, id, schema.StatusFailed, errMsg)
}

func (s *Store) setStatus(ctx context.Context, id string, status schema.Status, errMsg string) error {
	query := `UPDATE queue_items SET status = ?, error = ? WHERE id = ?`
	res, err := s.conn.ExecContext(ctx, query, string(status), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to mark queue item %s as %s: %w", id, status, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrQueueItemNotFound, id)
	}
	return nil
}

// ResetInFlight flips every in_flight item back to pending. Invoked once
// at the start of each sync run so items interrupted by a crash or
// reload mid-sync are replayed (at-least-once, never at-most-once).
// Failed items are deliberately left alone.
func (s *Store) ResetInFlight(ctx context.Context) (int, error) {
	query := `UPDATE queue_items SET status = ? WHERE status = ?`
	res, err := s.conn.ExecContext(ctx, query, string(schema.StatusPending), string(schema.StatusInFlight))
	if err != nil {
		return 0, fmt.Errorf("failed to reset in-flight queue items: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reset queue items: %w", err)
	}
	return int(n), nil
}

// RetryFailed flips every failed item back to pending so the next drain
// picks them up again. This is an explicit, user-triggered action; a
// sync run never does it on its own.
func (s *Store) RetryFailed(ctx context.Context) (int, error) {
	query := `UPDATE queue_items SET status = ?, error = '' WHERE status = ?`
	res, err := s.conn.ExecContext(ctx, query, string(schema.StatusPending), string(schema.StatusFailed))
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed queue items: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count retried queue items: %w", err)
	}
	return int(n), nil
}

// PendingCount returns the number of pending items.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	return s.countByStatus(ctx, schema.StatusPending)
}

// FailedCount returns the number of failed items.
func (s *Store) FailedCount(ctx context.Context) (int, error) {
	return s.countByStatus(ctx, schema.StatusFailed)
}

func (s *Store) countByStatus(ctx context.Context, status schema.Status) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items WHERE status = ?`, string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s queue items: %w", status, err)
	}
	return count, nil
}

// PruneDone removes done items older than the given age, keeping the
// queue table from growing without bound.
func (s *Store) PruneDone(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	query := `DELETE FROM queue_items WHERE status = ? AND created_at < ?`
	res, err := s.conn.ExecContext(ctx, query, string(schema.StatusDone), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune done queue items: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned queue items: %w", err)
	}
	return int(n), nil
}

func scanQueueItems(rows *sql.Rows) ([]*schema.QueueItem, error) {
	var items []*schema.QueueItem

	for rows.Next() {
		item, err := scanQueueItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}

	return items, nil
}

func scanQueueItem(scan func(dest ...any) error) (*schema.QueueItem, error) {
	var item schema.QueueItem
	var kind, status, payload, createdAt string
	var errMsg sql.NullString

	err := scan(
		&item.ID,
		&kind,
		&payload,
		&item.GroupID,
		&item.Rank,
		&status,
		&errMsg,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	item.Kind = schema.Kind(kind)
	item.Status = schema.Status(status)
	item.Payload = []byte(payload)
	if errMsg.Valid {
		item.Error = errMsg.String
	}

	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		item.CreatedAt = t
	}

	return &item, nil
}
