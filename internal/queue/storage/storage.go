package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/groovecrate/batchd/internal/queue"
)

const itemColumns = `
	item_id, queue_name, status, dedup_key, slug, attempts, payload,
	error_message, steps_completed, lease_owner, lease_expires_at,
	scheduled_for, created_at, processed_at
`

// Storage handles all database operations on the queue tables
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// Enqueue inserts a new pending item after checking that no live item or
// content row exists for the dedup key. On collision the item is persisted
// as skipped (so the attempt is auditable) and ErrDuplicateItem is
// returned. If the dedup check itself fails, nothing is inserted.
func (s *Storage) Enqueue(ctx context.Context, item *queue.Item) error {
	dup, err := s.HasLiveDuplicate(ctx, item.QueueName, item.DedupKey, item.ItemID)
	if err != nil {
		// Conservative: never risk duplicate work when the check is broken.
		return fmt.Errorf("dedup check failed, refusing to enqueue: %w", err)
	}

	status := queue.StatusPending
	errorMessage := ""
	var processedAt *time.Time
	if dup {
		status = queue.StatusSkipped
		errorMessage = "duplicate: live item exists for dedup key " + item.DedupKey
		now := time.Now()
		processedAt = &now
	}

	query := `
		INSERT INTO queue_items (
			item_id, queue_name, status, dedup_key, slug, attempts, payload,
			error_message, steps_completed, scheduled_for, created_at, processed_at
		) VALUES ($1, $2, $3, $4, $5, 0, $6, $7, '{}', $8, NOW(), $9)
	`

	_, err = s.db.ExecContext(ctx, query,
		item.ItemID,
		item.QueueName,
		status,
		item.DedupKey,
		item.Slug,
		item.Payload,
		errorMessage,
		item.ScheduledFor,
		processedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue item: %w", err)
	}

	item.Status = status
	item.ErrorMessage = errorMessage

	if dup {
		s.logger.Info("Duplicate enqueue recorded as skipped",
			slog.String("item_id", item.ItemID),
			slog.String("queue", item.QueueName),
			slog.String("dedup_key", item.DedupKey),
		)
		return queue.ErrDuplicateItem
	}

	s.logger.Info("Item enqueued",
		slog.String("item_id", item.ItemID),
		slog.String("queue", item.QueueName),
		slog.String("dedup_key", item.DedupKey),
	)
	return nil
}

// FetchPending returns up to limit pending items for the queue, oldest
// first, skipping items scheduled for the future.
func (s *Storage) FetchPending(ctx context.Context, queueName string, limit int) ([]queue.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM queue_items
		WHERE queue_name = $1
		  AND status = $2
		  AND (scheduled_for IS NULL OR scheduled_for <= NOW())
		ORDER BY created_at ASC
		LIMIT $3
	`

	var items []queue.Item
	if err := s.db.SelectContext(ctx, &items, query, queueName, queue.StatusPending, limit); err != nil {
		return nil, fmt.Errorf("failed to fetch pending items: %w", err)
	}
	return items, nil
}

// Claim moves a pending item to processing under a lease. The update is a
// single atomic conditional statement, so two dispatchers racing on the
// same item see exactly one winner. Attempts increments on every claim,
// success or not.
func (s *Storage) Claim(ctx context.Context, itemID, owner string, leaseTTL time.Duration) (*queue.Item, error) {
	query := `
		UPDATE queue_items
		SET status = $1,
		    attempts = attempts + 1,
		    lease_owner = $2,
		    lease_expires_at = NOW() + $3 * interval '1 second'
		WHERE item_id = $4
		  AND status = $5
		RETURNING ` + itemColumns

	var item queue.Item
	err := s.db.GetContext(ctx, &item, query,
		queue.StatusProcessing, owner, leaseTTL.Seconds(), itemID, queue.StatusPending)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Failed to claim item - already claimed or not pending",
				slog.String("item_id", itemID),
				slog.String("owner", owner),
			)
			return nil, queue.ErrItemAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim item: %w", err)
	}

	s.logger.Info("Item claimed",
		slog.String("item_id", itemID),
		slog.String("owner", owner),
		slog.Int("attempts", item.Attempts),
	)
	return &item, nil
}

// MarkCompleted finalizes a processing item, clearing any stale error text
// from earlier attempts and releasing the lease.
func (s *Storage) MarkCompleted(ctx context.Context, itemID string) error {
	query := `
		UPDATE queue_items
		SET status = $1,
		    error_message = '',
		    lease_owner = '',
		    lease_expires_at = NULL,
		    processed_at = NOW()
		WHERE item_id = $2 AND status = $3
	`
	return s.finalize(ctx, query, itemID, queue.StatusCompleted)
}

// MarkFailed moves a processing item to terminal failed with the captured
// error text. The previous error_message is overwritten, not appended.
func (s *Storage) MarkFailed(ctx context.Context, itemID, errMsg string) error {
	query := `
		UPDATE queue_items
		SET status = $1,
		    error_message = $4,
		    lease_owner = '',
		    lease_expires_at = NULL,
		    processed_at = NOW()
		WHERE item_id = $2 AND status = $3
	`
	return s.finalize(ctx, query, itemID, queue.StatusFailed, errMsg)
}

// MarkSkipped records a dedup collision detected at dispatch time.
func (s *Storage) MarkSkipped(ctx context.Context, itemID, reason string) error {
	query := `
		UPDATE queue_items
		SET status = $1,
		    error_message = $4,
		    processed_at = NOW()
		WHERE item_id = $2 AND status = $3
	`
	return s.finalize(ctx, query, itemID, queue.StatusSkipped, reason)
}

// Requeue releases a transiently-failed item back to pending for another
// attempt. Attempts and the step ledger are kept; delay pushes
// scheduled_for so the item is not refetched immediately.
func (s *Storage) Requeue(ctx context.Context, itemID, errMsg string, delay time.Duration) error {
	query := `
		UPDATE queue_items
		SET status = $1,
		    error_message = $2,
		    lease_owner = '',
		    lease_expires_at = NULL,
		    scheduled_for = NOW() + $3 * interval '1 second'
		WHERE item_id = $4 AND status = $5
	`

	result, err := s.db.ExecContext(ctx, query,
		queue.StatusPending, errMsg, delay.Seconds(), itemID, queue.StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to requeue item: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return queue.ErrItemNotFound
	}

	s.logger.Info("Item requeued for retry",
		slog.String("item_id", itemID),
		slog.Duration("delay", delay),
	)
	return nil
}

// RecordStep appends a completed pipeline step to the item's ledger so a
// retried item can resume instead of repeating work.
func (s *Storage) RecordStep(ctx context.Context, itemID, step string) error {
	query := `
		UPDATE queue_items
		SET steps_completed = array_append(steps_completed, $2)
		WHERE item_id = $1
		  AND NOT ($2 = ANY(steps_completed))
	`
	if _, err := s.db.ExecContext(ctx, query, itemID, step); err != nil {
		return fmt.Errorf("failed to record step: %w", err)
	}
	return nil
}

// RecordContent writes the downstream content row for a completed item.
// Idempotent per (queue_name, dedup_key).
func (s *Storage) RecordContent(ctx context.Context, queueName, dedupKey, slug string) error {
	query := `
		INSERT INTO content_entries (queue_name, dedup_key, slug, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (queue_name, dedup_key) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, queueName, dedupKey, slug); err != nil {
		return fmt.Errorf("failed to record content entry: %w", err)
	}
	return nil
}

// HasLiveDuplicate checks both live queue rows and the downstream content
// table for the dedup key, excluding the item itself.
func (s *Storage) HasLiveDuplicate(ctx context.Context, queueName, dedupKey, excludeItemID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM queue_items
			WHERE queue_name = $1
			  AND dedup_key = $2
			  AND item_id <> $3
			  AND status IN ($4, $5, $6)
		) OR EXISTS (
			SELECT 1 FROM content_entries
			WHERE queue_name = $1 AND dedup_key = $2
		)
	`

	var exists bool
	err := s.db.GetContext(ctx, &exists, query,
		queueName, dedupKey, excludeItemID,
		queue.StatusPending, queue.StatusProcessing, queue.StatusCompleted)
	if err != nil {
		return false, fmt.Errorf("failed to check for duplicates: %w", err)
	}
	return exists, nil
}

// ReclaimExpired returns processing items whose lease has lapsed to
// pending. Attempts are untouched: the claim that expired already paid its
// increment.
func (s *Storage) ReclaimExpired(ctx context.Context, queueName string) (int64, error) {
	query := `
		UPDATE queue_items
		SET status = $1,
		    lease_owner = '',
		    lease_expires_at = NULL
		WHERE queue_name = $2
		  AND status = $3
		  AND lease_expires_at IS NOT NULL
		  AND lease_expires_at < NOW()
	`

	result, err := s.db.ExecContext(ctx, query, queue.StatusPending, queueName, queue.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim expired leases: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		s.logger.Warn("Reclaimed expired leases",
			slog.String("queue", queueName),
			slog.Int64("count", rows),
		)
	}
	return rows, nil
}

// ResetFailed requeues terminally-failed items with a fresh attempt budget.
// This is the admin "retry failed" action; it never touches completed or
// skipped rows.
func (s *Storage) ResetFailed(ctx context.Context, queueName string) (int64, error) {
	query := `
		UPDATE queue_items
		SET status = $1,
		    attempts = 0,
		    error_message = '',
		    scheduled_for = NULL,
		    processed_at = NULL
		WHERE queue_name = $2 AND status = $3
	`

	result, err := s.db.ExecContext(ctx, query, queue.StatusPending, queueName, queue.StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed items: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	s.logger.Info("Failed items reset to pending",
		slog.String("queue", queueName),
		slog.Int64("count", rows),
	)
	return rows, nil
}

func (s *Storage) finalize(ctx context.Context, query, itemID string, status queue.Status, extra ...interface{}) error {
	args := append([]interface{}{status, itemID, queue.StatusProcessing}, extra...)
	if status == queue.StatusSkipped {
		// Skips happen before the claim, while the item is still pending.
		args[2] = queue.StatusPending
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update item status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return queue.ErrItemNotFound
	}

	s.logger.Info("Item status updated",
		slog.String("item_id", itemID),
		slog.String("status", string(status)),
	)
	return nil
}
