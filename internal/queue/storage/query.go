package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/groovecrate/batchd/internal/queue"
)

// ItemFilter narrows a List query. Zero values mean "no filter".
type ItemFilter struct {
	QueueName string
	Status    queue.Status
	PageSize  int
	Cursor    *ItemCursor
}

// ItemCursor is the keyset position for List pagination.
type ItemCursor struct {
	CreatedAt time.Time
	ItemID    string
}

// Get retrieves a single item by queue and id.
func (s *Storage) Get(ctx context.Context, queueName, itemID string) (*queue.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM queue_items
		WHERE queue_name = $1 AND item_id = $2
	`

	var item queue.Item
	if err := s.db.GetContext(ctx, &item, query, queueName, itemID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return &item, nil
}

// List returns items newest first with keyset pagination on
// (created_at, item_id).
func (s *Storage) List(ctx context.Context, filter ItemFilter) ([]queue.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM queue_items
		WHERE queue_name = $1
	`
	args := []interface{}{filter.QueueName}
	argIdx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, item_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ItemID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, item_id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var items []queue.Item
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	return items, nil
}

// Stats returns the per-status item counts the admin dashboards poll.
func (s *Storage) Stats(ctx context.Context, queueName string) (map[queue.Status]int, error) {
	query := `
		SELECT status, COUNT(*) AS count
		FROM queue_items
		WHERE queue_name = $1
		GROUP BY status
	`

	rows, err := s.db.QueryContext(ctx, query, queueName)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[queue.Status]int)
	for rows.Next() {
		var status queue.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stats rows: %w", err)
	}
	return stats, nil
}

// IsAdmin checks the bearer token against the users table. Destructive
// admin endpoints require both a known token and the is_admin role.
func (s *Storage) IsAdmin(ctx context.Context, token string) (bool, error) {
	query := `SELECT is_admin FROM users WHERE api_token = $1`

	var isAdmin bool
	if err := s.db.GetContext(ctx, &isAdmin, query, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up admin role: %w", err)
	}
	return isAdmin, nil
}
