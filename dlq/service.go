package dlq

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	opqueue "github.com/a-cube-io/opqueue"
	"github.com/a-cube-io/opqueue/id"
	"github.com/a-cube-io/opqueue/item"
)

// EnqueueFunc puts a replayed item back into the live queue.
type EnqueueFunc func(ctx context.Context, it *item.Item) error

// Service provides high-level DLQ operations over a Store.
type Service struct {
	store   Store
	enqueue EnqueueFunc
	now     func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a DLQ service. enqueue may be nil, in which case
// Replay only marks entries.
func NewService(store Store, enqueue EnqueueFunc, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		enqueue: enqueue,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Push builds a DLQ Entry from a dead item and persists it.
func (s *Service) Push(ctx context.Context, it *item.Item, itemErr error) (*Entry, error) {
	now := s.now()
	entry := &Entry{
		ID:         id.NewDLQID(),
		ItemID:     it.ID,
		Resource:   it.Resource,
		Operation:  it.Operation,
		Priority:   it.Priority,
		Payload:    append([]byte(nil), it.Payload...),
		RetryCount: it.RetryCount,
		MaxRetries: it.MaxRetries,
		Metadata:   maps.Clone(it.Metadata),
		FailedAt:   now,
		CreatedAt:  now,
	}
	if itemErr != nil {
		entry.Error = itemErr.Error()
	}
	if rec, ok := it.LastError(); ok {
		entry.Code = rec.Code
		if entry.Error == "" {
			entry.Error = rec.Error
		}
	}
	if err := s.store.PushDLQ(ctx, entry); err != nil {
		return nil, fmt.Errorf("dlq: push %s: %w", it.ID, err)
	}
	return entry, nil
}

// List returns DLQ entries matching opts.
func (s *Service) List(ctx context.Context, opts ListOpts) ([]*Entry, error) {
	return s.store.ListDLQ(ctx, opts)
}

// Get returns one entry.
func (s *Service) Get(ctx context.Context, entryID id.DLQID) (*Entry, error) {
	return s.store.GetDLQ(ctx, entryID)
}

// Count returns the number of entries.
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.store.CountDLQ(ctx)
}

// Purge removes entries that failed more than olderThan ago. A zero
// olderThan removes every entry.
func (s *Service) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	before := s.now().Add(-olderThan)
	if olderThan <= 0 {
		before = s.now().Add(time.Nanosecond)
	}
	return s.store.PurgeDLQ(ctx, before)
}

// DLQStore returns the underlying DLQ store.
func (s *Service) DLQStore() Store {
	return s.store
}

// IsNotFound reports whether err means the entry does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, opqueue.ErrDLQNotFound)
}
