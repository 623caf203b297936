// Package redis implements persist.Backend using Redis. Snapshot items are
// encoded with a persist.Codec (msgpack by default) into a Hash, with a
// Sorted Set preserving snapshot order. DLQ entries are Redis Hashes
// indexed by a Sorted Set scored on failure time.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/persist"
)

var _ persist.Backend = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithCodec sets the item codec. Defaults to persist.Msgpack.
func WithCodec(c persist.Codec) Option {
	return func(s *Store) { s.codec = c }
}

// Store implements persist.Backend backed by Redis.
type Store struct {
	client redis.Cmdable
	codec  persist.Codec
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, codec: persist.Msgpack, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op. The caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

// Save atomically replaces the stored snapshot.
func (s *Store) Save(ctx context.Context, items []*item.Item) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, itemsKey, itemDataKey)

	if len(items) > 0 {
		data := make(map[string]interface{}, len(items))
		members := make([]redis.Z, 0, len(items))
		for i, it := range items {
			b, err := s.codec.MarshalItem(it)
			if err != nil {
				return fmt.Errorf("opqueue/redis: encode item %s: %w", it.ID, err)
			}
			key := it.ID.String()
			data[key] = b
			members = append(members, redis.Z{Score: float64(i), Member: key})
		}
		pipe.HSet(ctx, itemDataKey, data)
		pipe.ZAdd(ctx, itemsKey, members...)
	}

	pipe.HSet(ctx, snapshotMetaKey,
		"version", strconv.Itoa(persist.SnapshotVersion),
		"codec", s.codec.Name(),
		"saved_at", time.Now().UTC().Format(time.RFC3339Nano),
		"count", strconv.Itoa(len(items)),
	)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("opqueue/redis: save snapshot: %w", err)
	}
	return nil
}

// Load returns the stored snapshot in saved order.
func (s *Store) Load(ctx context.Context) ([]*item.Item, error) {
	ids, err := s.client.ZRange(ctx, itemsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("opqueue/redis: load snapshot ids: %w", err)
	}
	if len(ids) == 0 {
		return []*item.Item{}, nil
	}

	vals, err := s.client.HMGet(ctx, itemDataKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("opqueue/redis: load snapshot items: %w", err)
	}

	items := make([]*item.Item, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			s.logger.Warn("opqueue/redis: snapshot item missing", slog.String("item_id", ids[i]))
			continue
		}
		it, decErr := s.codec.UnmarshalItem([]byte(raw))
		if decErr != nil {
			return nil, fmt.Errorf("opqueue/redis: decode item %s: %w", ids[i], decErr)
		}
		items = append(items, it)
	}
	return items, nil
}
