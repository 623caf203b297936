package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/persist"
)

var itemColumns = []string{"id", "position", "resource", "priority", "status", "data", "saved_at"}

// Save replaces the stored snapshot in a single transaction.
func (s *Store) Save(ctx context.Context, items []*item.Item) error {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(items))
	for i, it := range items {
		data, err := persist.JSON.MarshalItem(it)
		if err != nil {
			return fmt.Errorf("opqueue/postgres: encode item %s: %w", it.ID, err)
		}
		rows = append(rows, []any{
			it.ID.String(), i, string(it.Resource), string(it.Priority), string(it.Status), data, now,
		})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("opqueue/postgres: begin save: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, `DELETE FROM opqueue_items`); err != nil {
		return fmt.Errorf("opqueue/postgres: clear snapshot: %w", err)
	}
	if len(rows) > 0 {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"opqueue_items"}, itemColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("opqueue/postgres: copy snapshot: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("opqueue/postgres: commit save: %w", err)
	}
	return nil
}

// Load returns the stored snapshot in saved order.
func (s *Store) Load(ctx context.Context) ([]*item.Item, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, data FROM opqueue_items ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("opqueue/postgres: load snapshot: %w", err)
	}
	defer rows.Close()

	items := []*item.Item{}
	for rows.Next() {
		var (
			idStr string
			data  []byte
		)
		if err := rows.Scan(&idStr, &data); err != nil {
			return nil, fmt.Errorf("opqueue/postgres: scan item row: %w", err)
		}
		it, err := persist.JSON.UnmarshalItem(data)
		if err != nil {
			return nil, fmt.Errorf("opqueue/postgres: decode item %s: %w", idStr, err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("opqueue/postgres: iterate item rows: %w", err)
	}
	return items, nil
}
