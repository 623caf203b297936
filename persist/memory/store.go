// Package memory implements persist.Backend in process memory. Snapshots
// are held encoded so a loaded item never aliases a saved one. Intended
// for tests, development and ephemeral runs.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	opqueue "github.com/a-cube-io/opqueue"
	"github.com/a-cube-io/opqueue/dlq"
	"github.com/a-cube-io/opqueue/id"
	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/persist"
)

var _ persist.Backend = (*Store)(nil)

// Store is a fully in-memory persist.Backend. Safe for concurrent access.
type Store struct {
	mu sync.RWMutex

	codec    persist.Codec
	snapshot []byte
	saves    int
	dlqs     map[string]*dlq.Entry
	now      func() time.Time
}

// Option configures the Store.
type Option func(*Store)

// WithCodec sets the snapshot codec. Defaults to persist.JSON.
func WithCodec(c persist.Codec) Option {
	return func(s *Store) { s.codec = c }
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		codec: persist.JSON,
		dlqs:  make(map[string]*dlq.Entry),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Snapshot
// ──────────────────────────────────────────────────

// Save replaces the stored snapshot.
func (m *Store) Save(_ context.Context, items []*item.Item) error {
	data, err := m.codec.MarshalSnapshot(persist.NewSnapshot(items, m.now()))
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.snapshot = data
	m.saves++
	m.mu.Unlock()
	return nil
}

// Load decodes the last saved snapshot.
func (m *Store) Load(_ context.Context) ([]*item.Item, error) {
	m.mu.RLock()
	data := m.snapshot
	m.mu.RUnlock()

	if len(data) == 0 {
		return []*item.Item{}, nil
	}
	snap, err := m.codec.UnmarshalSnapshot(data)
	if err != nil {
		return nil, err
	}
	return persist.ItemsOf(snap)
}

// Saves returns how many snapshots have been saved.
func (m *Store) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// ──────────────────────────────────────────────────
// DLQ Store
// ──────────────────────────────────────────────────

// PushDLQ adds a dead item entry to the dead letter queue.
func (m *Store) PushDLQ(_ context.Context, entry *dlq.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dlqs[entry.ID.String()] = entry.Clone()
	return nil
}

// ListDLQ returns DLQ entries matching the given options.
func (m *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*dlq.Entry, 0, len(m.dlqs))
	for _, e := range m.dlqs {
		if opts.Resource != "" && e.Resource != opts.Resource {
			continue
		}
		result = append(result, e.Clone())
	}

	slices.SortFunc(result, func(a, b *dlq.Entry) int {
		if c := a.FailedAt.Compare(b.FailedAt); c != 0 {
			return c
		}
		return compareIDs(a.ID, b.ID)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

func compareIDs(a, b id.DLQID) int {
	switch as, bs := a.String(), b.String(); {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

// GetDLQ retrieves a DLQ entry by ID.
func (m *Store) GetDLQ(_ context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return nil, opqueue.ErrDLQNotFound
	}
	return e.Clone(), nil
}

// ReplayDLQ marks a DLQ entry as replayed.
func (m *Store) ReplayDLQ(_ context.Context, entryID id.DLQID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return opqueue.ErrDLQNotFound
	}
	now := m.now()
	e.ReplayedAt = &now
	return nil
}

// PurgeDLQ removes DLQ entries with FailedAt before the given time.
func (m *Store) PurgeDLQ(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for key, e := range m.dlqs {
		if e.FailedAt.Before(before) {
			delete(m.dlqs, key)
			count++
		}
	}
	return count, nil
}

// CountDLQ returns the total number of entries in the dead letter queue.
func (m *Store) CountDLQ(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.dlqs)), nil
}
