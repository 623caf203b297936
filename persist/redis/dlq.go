package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	opqueue "github.com/a-cube-io/opqueue"
	"github.com/a-cube-io/opqueue/dlq"
	"github.com/a-cube-io/opqueue/id"
	"github.com/a-cube-io/opqueue/item"
)

// PushDLQ adds a dead item entry to the dead letter queue.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	eID := entry.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, dlqKey(eID), dlqToMap(entry))
	pipe.ZAdd(ctx, dlqIDsKey, redis.Z{Score: float64(entry.FailedAt.UnixNano()), Member: eID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("opqueue/redis: push dlq: %w", err)
	}
	return nil
}

// ListDLQ returns DLQ entries matching the given options, oldest first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	ids, err := s.client.ZRange(ctx, dlqIDsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("opqueue/redis: list dlq: %w", err)
	}

	entries := make([]*dlq.Entry, 0, len(ids))
	for _, eID := range ids {
		vals, getErr := s.client.HGetAll(ctx, dlqKey(eID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		e, convErr := mapToDLQ(vals)
		if convErr != nil {
			continue
		}
		if opts.Resource != "" && e.Resource != opts.Resource {
			continue
		}
		entries = append(entries, e)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(entries) {
			return nil, nil
		}
		entries = entries[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(entries) {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	vals, err := s.client.HGetAll(ctx, dlqKey(entryID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("opqueue/redis: get dlq: %w", err)
	}
	if len(vals) == 0 {
		return nil, opqueue.ErrDLQNotFound
	}
	return mapToDLQ(vals)
}

// ReplayDLQ marks a DLQ entry as replayed.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID) error {
	key := dlqKey(entryID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("opqueue/redis: replay dlq exists: %w", err)
	}
	if exists == 0 {
		return opqueue.ErrDLQNotFound
	}

	if err := s.client.HSet(ctx, key, "replayed_at", time.Now().UTC().Format(time.RFC3339Nano)).Err(); err != nil {
		return fmt.Errorf("opqueue/redis: replay dlq: %w", err)
	}
	return nil
}

// PurgeDLQ removes DLQ entries with FailedAt before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, dlqIDsKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixNano(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("opqueue/redis: purge dlq range: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	members := make([]interface{}, len(ids))
	for i, eID := range ids {
		keys[i] = dlqKey(eID)
		members[i] = eID
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, dlqIDsKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("opqueue/redis: purge dlq del: %w", err)
	}
	return int64(len(ids)), nil
}

// CountDLQ returns the total number of entries in the dead letter queue.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	count, err := s.client.ZCard(ctx, dlqIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("opqueue/redis: count dlq: %w", err)
	}
	return count, nil
}

// ── helpers ──

func dlqToMap(e *dlq.Entry) map[string]interface{} {
	m := map[string]interface{}{
		"id":          e.ID.String(),
		"item_id":     e.ItemID.String(),
		"resource":    string(e.Resource),
		"operation":   string(e.Operation),
		"priority":    string(e.Priority),
		"payload":     string(e.Payload),
		"error":       e.Error,
		"code":        e.Code,
		"retry_count": strconv.Itoa(e.RetryCount),
		"max_retries": strconv.Itoa(e.MaxRetries),
		"failed_at":   e.FailedAt.Format(time.RFC3339Nano),
		"created_at":  e.CreatedAt.Format(time.RFC3339Nano),
	}
	if len(e.Metadata) > 0 {
		b, _ := json.Marshal(e.Metadata) //nolint:errcheck // map[string]string always marshals
		m["metadata"] = string(b)
	}
	if e.ReplayedAt != nil {
		m["replayed_at"] = e.ReplayedAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToDLQ(m map[string]string) (*dlq.Entry, error) {
	eID, err := id.ParseDLQID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("opqueue/redis: parse dlq id: %w", err)
	}
	itemID, _ := id.ParseItemID(m["item_id"])                     //nolint:errcheck // best-effort parse from trusted Redis data
	retryCount, _ := strconv.Atoi(m["retry_count"])               //nolint:errcheck // best-effort parse from trusted Redis data
	maxRetries, _ := strconv.Atoi(m["max_retries"])               //nolint:errcheck // best-effort parse from trusted Redis data
	failedAt, _ := time.Parse(time.RFC3339Nano, m["failed_at"])   //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	e := &dlq.Entry{
		ID:         eID,
		ItemID:     itemID,
		Resource:   item.Resource(m["resource"]),
		Operation:  item.Operation(m["operation"]),
		Priority:   item.Priority(m["priority"]),
		Payload:    []byte(m["payload"]),
		Error:      m["error"],
		Code:       m["code"],
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		FailedAt:   failedAt,
		CreatedAt:  createdAt,
	}
	if v := m["metadata"]; v != "" {
		_ = json.Unmarshal([]byte(v), &e.Metadata) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["replayed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		e.ReplayedAt = &t
	}
	return e, nil
}
