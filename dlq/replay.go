package dlq

import (
	"context"
	"fmt"
	"maps"

	"github.com/a-cube-io/opqueue/id"
	"github.com/a-cube-io/opqueue/item"
)

// Replay re-enqueues a DLQ entry as a new pending item and marks the
// entry as replayed. The new item gets a fresh ID and zero retry count.
func (s *Service) Replay(ctx context.Context, entryID id.DLQID) (*item.Item, error) {
	entry, err := s.store.GetDLQ(ctx, entryID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	it := &item.Item{
		ID:         id.NewItemID(),
		Priority:   entry.Priority,
		Operation:  entry.Operation,
		Resource:   entry.Resource,
		Payload:    append([]byte(nil), entry.Payload...),
		Status:     item.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: entry.MaxRetries,
		Metadata:   maps.Clone(entry.Metadata),
	}
	if it.Metadata == nil {
		it.Metadata = make(map[string]string, 1)
	}
	it.Metadata["replayed_from"] = entry.ID.String()

	if s.enqueue != nil {
		if err := s.enqueue(ctx, it); err != nil {
			return nil, fmt.Errorf("dlq: replay %s: %w", entryID, err)
		}
	}

	if err := s.store.ReplayDLQ(ctx, entryID); err != nil {
		// The item is already enqueued.
		return it, err
	}
	return it, nil
}
