// Package badger implements persist.Backend on an embedded Badger
// key-value store, suited to device-local persistence where no server is
// reachable. Snapshot items live under "item/" keyed by position. DLQ
// entries live under "dlq/" keyed by entry ID.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	opqueue "github.com/a-cube-io/opqueue"
	"github.com/a-cube-io/opqueue/dlq"
	"github.com/a-cube-io/opqueue/id"
	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/persist"
)

var _ persist.Backend = (*Store)(nil)

var (
	itemPrefix = []byte("item/")
	dlqPrefix  = []byte("dlq/")
)

// Store is a Badger-backed persist.Backend.
type Store struct {
	db     *badger.DB
	codec  persist.Codec
	logger *slog.Logger
	owned  bool
}

// Option configures the Store.
type Option func(*Store)

// WithCodec sets the item codec. Defaults to persist.Msgpack.
func WithCodec(c persist.Codec) Option {
	return func(s *Store) { s.codec = c }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens (or creates) a Badger database at dir. An empty dir opens an
// in-memory database. The returned Store owns the database and closes it
// on Close.
func Open(dir string, opts ...Option) (*Store, error) {
	bopts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("opqueue/badger: open %q: %w", dir, err)
	}
	s := New(db, opts...)
	s.owned = true
	return s, nil
}

// New wraps an existing Badger database. The caller owns its lifecycle.
func New(db *badger.DB, opts ...Option) *Store {
	s := &Store{db: db, codec: persist.Msgpack, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DB returns the underlying Badger database.
func (s *Store) DB() *badger.DB { return s.db }

// Ping reports whether the database is open.
func (s *Store) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return errors.New("opqueue/badger: database closed")
	}
	return nil
}

// Close closes the database when the Store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// ──────────────────────────────────────────────────
// Snapshot
// ──────────────────────────────────────────────────

func itemKey(pos int) []byte {
	return fmt.Appendf(slices.Clone(itemPrefix), "%010d", pos)
}

// Save replaces the stored snapshot. Stale item keys are deleted and the
// new snapshot is written through one WriteBatch.
func (s *Store) Save(_ context.Context, items []*item.Item) error {
	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: itemPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("opqueue/badger: scan snapshot: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	keep := len(items)
	for _, key := range stale {
		if pos, ok := keyPosition(key); ok && pos < keep {
			continue // overwritten below
		}
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("opqueue/badger: stage delete: %w", err)
		}
	}
	for i, it := range items {
		data, err := s.codec.MarshalItem(it)
		if err != nil {
			return fmt.Errorf("opqueue/badger: encode item %s: %w", it.ID, err)
		}
		if err := wb.Set(itemKey(i), data); err != nil {
			return fmt.Errorf("opqueue/badger: stage item %s: %w", it.ID, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("opqueue/badger: flush snapshot: %w", err)
	}
	return nil
}

func keyPosition(key []byte) (int, bool) {
	pos, err := strconv.Atoi(string(key[len(itemPrefix):]))
	return pos, err == nil
}

// Load returns the stored snapshot in saved order.
func (s *Store) Load(_ context.Context) ([]*item.Item, error) {
	items := []*item.Item{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: itemPrefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var decoded *item.Item
			err := it.Item().Value(func(val []byte) error {
				var decErr error
				decoded, decErr = s.codec.UnmarshalItem(val)
				return decErr
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			items = append(items, decoded)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("opqueue/badger: load snapshot: %w", err)
	}
	return items, nil
}

// ──────────────────────────────────────────────────
// DLQ Store
// ──────────────────────────────────────────────────

func dlqKey(entryID id.DLQID) []byte {
	return append(slices.Clone(dlqPrefix), entryID.String()...)
}

// PushDLQ adds a dead item entry to the dead letter queue.
func (s *Store) PushDLQ(_ context.Context, entry *dlq.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("opqueue/badger: encode dlq entry: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(dlqKey(entry.ID), data)
	})
	if err != nil {
		return fmt.Errorf("opqueue/badger: push dlq: %w", err)
	}
	return nil
}

func (s *Store) scanDLQ(fn func(*dlq.Entry) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: dlqPrefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var e dlq.Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				s.logger.Warn("opqueue/badger: skip unreadable dlq entry",
					slog.String("key", string(it.Item().Key())),
					slog.String("error", err.Error()),
				)
				continue
			}
			if err := fn(&e); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListDLQ returns DLQ entries matching the given options, oldest first.
func (s *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	var entries []*dlq.Entry
	err := s.scanDLQ(func(e *dlq.Entry) error {
		if opts.Resource == "" || e.Resource == opts.Resource {
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("opqueue/badger: list dlq: %w", err)
	}

	slices.SortFunc(entries, func(a, b *dlq.Entry) int {
		if c := a.FailedAt.Compare(b.FailedAt); c != 0 {
			return c
		}
		return compareStrings(a.ID.String(), b.ID.String())
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(entries) {
			return nil, nil
		}
		entries = entries[opts.Offset:]
	}
	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// GetDLQ retrieves a DLQ entry by ID.
func (s *Store) GetDLQ(_ context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	var e dlq.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		bi, err := txn.Get(dlqKey(entryID))
		if err != nil {
			return err
		}
		return bi.Value(func(val []byte) error { return json.Unmarshal(val, &e) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, opqueue.ErrDLQNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("opqueue/badger: get dlq: %w", err)
	}
	return &e, nil
}

// ReplayDLQ marks a DLQ entry as replayed.
func (s *Store) ReplayDLQ(_ context.Context, entryID id.DLQID) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		bi, err := txn.Get(dlqKey(entryID))
		if err != nil {
			return err
		}
		var e dlq.Entry
		if err := bi.Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
			return err
		}
		now := time.Now().UTC()
		e.ReplayedAt = &now
		data, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		return txn.Set(dlqKey(entryID), data)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return opqueue.ErrDLQNotFound
	}
	if err != nil {
		return fmt.Errorf("opqueue/badger: replay dlq: %w", err)
	}
	return nil
}

// PurgeDLQ removes DLQ entries with FailedAt before the given time.
func (s *Store) PurgeDLQ(_ context.Context, before time.Time) (int64, error) {
	var stale []id.DLQID
	err := s.scanDLQ(func(e *dlq.Entry) error {
		if e.FailedAt.Before(before) {
			stale = append(stale, e.ID)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("opqueue/badger: purge dlq scan: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, eID := range stale {
		if err := wb.Delete(dlqKey(eID)); err != nil {
			return 0, fmt.Errorf("opqueue/badger: purge dlq stage: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("opqueue/badger: purge dlq flush: %w", err)
	}
	return int64(len(stale)), nil
}

// CountDLQ returns the total number of entries in the dead letter queue.
func (s *Store) CountDLQ(_ context.Context) (int64, error) {
	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: dlqPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("opqueue/badger: count dlq: %w", err)
	}
	return count, nil
}
