// Package batch groups ready items and executes each group through a
// batch processor, falling back to per-item execution when the batch
// call itself fails.
package batch

import (
	"strings"
	"time"

	"github.com/a-cube-io/opqueue/id"
	"github.com/a-cube-io/opqueue/item"
)

// Status is the lifecycle state of a batch.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
)

// Batch is an ordered group of items dispatched together.
type Batch struct {
	ID             id.BatchID    `json:"id"`
	Items          []*item.Item  `json:"items"`
	Status         Status        `json:"status"`
	Resource       item.Resource `json:"resource,omitempty"`
	Priority       item.Priority `json:"priority,omitempty"`
	Strategy       string        `json:"strategy"`
	MaxConcurrency int           `json:"max_concurrency"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ItemIDs returns the IDs of the batch's items in order.
func (b *Batch) ItemIDs() []string {
	out := make([]string, len(b.Items))
	for i, it := range b.Items {
		out[i] = it.ID.String()
	}
	return out
}

// Grouping selects how items are split into batches. The keys compose:
// with ByResource and ByPriority both set, a batch holds one resource at
// one priority.
type Grouping struct {
	// ByResource keeps each resource in its own batches.
	ByResource bool
	// ByPriority keeps each priority in its own batches. When false,
	// priorities are mixed.
	ByPriority bool
	// Window splits a group when an item became ready more than Window
	// after the group's first item. Zero disables it.
	Window time.Duration
	// MaxItems bounds the size of a batch. Zero or negative means 1.
	MaxItems int
}

// DefaultGrouping groups by resource with priorities mixed, ten items per
// batch and a five second readiness window.
func DefaultGrouping() Grouping {
	return Grouping{ByResource: true, Window: 5 * time.Second, MaxItems: 10}
}

// String names the grouping, e.g. "resource+window".
func (g Grouping) String() string {
	var parts []string
	if g.ByResource {
		parts = append(parts, "resource")
	}
	if g.ByPriority {
		parts = append(parts, "priority")
	}
	if g.Window > 0 {
		parts = append(parts, "window")
	}
	if len(parts) == 0 {
		return "mixed"
	}
	return strings.Join(parts, "+")
}

type groupKey struct {
	resource item.Resource
	priority item.Priority
}

// Group splits items into batches. Input order is preserved within each
// batch, and batches are ordered by the position of their first item, so
// priority-ordered input yields priority-ordered batches.
func (g Grouping) Group(items []*item.Item, now time.Time) []*Batch {
	maxItems := max(g.MaxItems, 1)
	strategy := g.String()

	var out []*Batch
	open := make(map[groupKey]*Batch)
	for _, it := range items {
		var k groupKey
		if g.ByResource {
			k.resource = it.Resource
		}
		if g.ByPriority {
			k.priority = it.Priority
		}

		b := open[k]
		if b != nil && (len(b.Items) >= maxItems || g.outsideWindow(b, it)) {
			b = nil
		}
		if b == nil {
			b = &Batch{
				ID:        id.NewBatchID(),
				Status:    StatusPending,
				Resource:  k.resource,
				Priority:  k.priority,
				Strategy:  strategy,
				CreatedAt: now,
			}
			open[k] = b
			out = append(out, b)
		}
		b.Items = append(b.Items, it)
	}
	return out
}

func (g Grouping) outsideWindow(b *Batch, it *item.Item) bool {
	if g.Window <= 0 || len(b.Items) == 0 {
		return false
	}
	first := b.Items[0].ReadyAt()
	d := it.ReadyAt().Sub(first)
	if d < 0 {
		d = -d
	}
	return d > g.Window
}
