package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	opqueue "github.com/a-cube-io/opqueue"
	"github.com/a-cube-io/opqueue/dlq"
	"github.com/a-cube-io/opqueue/id"
	"github.com/a-cube-io/opqueue/item"
)

const dlqColumns = `
	id, item_id, resource, operation, priority, payload, error, code,
	retry_count, max_retries, metadata, failed_at, replayed_at, created_at`

// PushDLQ adds a dead item entry to the dead letter queue.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO opqueue_dlq (`+dlqColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		entry.ID.String(), entry.ItemID.String(), string(entry.Resource),
		string(entry.Operation), string(entry.Priority), entry.Payload,
		entry.Error, entry.Code, entry.RetryCount, entry.MaxRetries,
		entry.Metadata, entry.FailedAt, entry.ReplayedAt, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("opqueue/postgres: push dlq: %w", err)
	}
	return nil
}

// ListDLQ returns DLQ entries matching the given options.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	query := `SELECT ` + dlqColumns + ` FROM opqueue_dlq WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if opts.Resource != "" {
		query += fmt.Sprintf(" AND resource = $%d", argIdx)
		args = append(args, string(opts.Resource))
		argIdx++
	}

	query += " ORDER BY failed_at ASC, id ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("opqueue/postgres: list dlq: %w", err)
	}
	defer rows.Close()

	var entries []*dlq.Entry
	for rows.Next() {
		e, scanErr := scanDLQ(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("opqueue/postgres: scan dlq row: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("opqueue/postgres: iterate dlq rows: %w", err)
	}
	return entries, nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+dlqColumns+` FROM opqueue_dlq WHERE id = $1`,
		entryID.String(),
	)

	e, err := scanDLQ(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, opqueue.ErrDLQNotFound
		}
		return nil, fmt.Errorf("opqueue/postgres: get dlq: %w", err)
	}
	return e, nil
}

// ReplayDLQ marks a DLQ entry as replayed.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE opqueue_dlq SET replayed_at = NOW() WHERE id = $1`,
		entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("opqueue/postgres: replay dlq: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return opqueue.ErrDLQNotFound
	}
	return nil
}

// PurgeDLQ removes DLQ entries with FailedAt before the given time.
// Returns the number of entries removed.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM opqueue_dlq WHERE failed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("opqueue/postgres: purge dlq: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountDLQ returns the total number of entries in the dead letter queue.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM opqueue_dlq`).Scan(&count); err != nil {
		return 0, fmt.Errorf("opqueue/postgres: count dlq: %w", err)
	}
	return count, nil
}

// scanDLQ scans a single DLQ entry row.
func scanDLQ(row pgx.Row) (*dlq.Entry, error) {
	var (
		e         dlq.Entry
		idStr     string
		itemIDStr string
		resource  string
		operation string
		priority  string
	)
	err := row.Scan(
		&idStr, &itemIDStr, &resource, &operation, &priority, &e.Payload,
		&e.Error, &e.Code, &e.RetryCount, &e.MaxRetries, &e.Metadata,
		&e.FailedAt, &e.ReplayedAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseDLQID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("opqueue/postgres: parse dlq id %q: %w", idStr, parseErr)
	}
	e.ID = parsedID

	parsedItemID, itemParseErr := id.ParseItemID(itemIDStr)
	if itemParseErr != nil {
		return nil, fmt.Errorf("opqueue/postgres: parse item id %q: %w", itemIDStr, itemParseErr)
	}
	e.ItemID = parsedItemID

	e.Resource = item.Resource(resource)
	e.Operation = item.Operation(operation)
	e.Priority = item.Priority(priority)
	return &e, nil
}
