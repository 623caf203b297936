package persist

import (
	"context"
	"time"

	"github.com/a-cube-io/opqueue/dlq"
	"github.com/a-cube-io/opqueue/item"
)

// Adapter saves and restores queue snapshots.
type Adapter interface {
	// Save replaces the stored snapshot with items.
	Save(ctx context.Context, items []*item.Item) error

	// Load returns the last saved snapshot. An empty store yields an
	// empty slice and no error.
	Load(ctx context.Context) ([]*item.Item, error)
}

// Backend is a durable store for both the queue snapshot and the dead
// letter queue.
type Backend interface {
	Adapter
	dlq.Store

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases resources owned by the backend.
	Close() error
}

// Snapshot is the envelope codecs encode.
type Snapshot struct {
	Version int       `json:"version" msgpack:"version"`
	SavedAt time.Time `json:"saved_at" msgpack:"saved_at"`
	Items   []Record  `json:"items" msgpack:"items"`
}

// SnapshotVersion is the current snapshot layout version.
const SnapshotVersion = 1

// NewSnapshot builds a snapshot of items taken at now.
func NewSnapshot(items []*item.Item, now time.Time) Snapshot {
	recs := make([]Record, len(items))
	for i, it := range items {
		recs[i] = ToRecord(it)
	}
	return Snapshot{Version: SnapshotVersion, SavedAt: now.UTC(), Items: recs}
}

// ItemsOf converts a decoded snapshot back into items.
func ItemsOf(s Snapshot) ([]*item.Item, error) {
	out := make([]*item.Item, 0, len(s.Items))
	for i := range s.Items {
		it, err := s.Items[i].Item()
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}
