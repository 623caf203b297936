package ext

import (
	"context"
	"time"

	"github.com/a-cube-io/opqueue/batch"
	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/retry"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Item lifecycle hooks
// ──────────────────────────────────────────────────

// ItemAdded is called after an item is accepted into the queue.
type ItemAdded interface {
	OnItemAdded(ctx context.Context, it *item.Item) error
}

// ItemProcessing is called when an item is handed to its processor.
type ItemProcessing interface {
	OnItemProcessing(ctx context.Context, it *item.Item) error
}

// ItemCompleted is called after an item's processor succeeds.
type ItemCompleted interface {
	OnItemCompleted(ctx context.Context, it *item.Item, elapsed time.Duration) error
}

// ItemFailed is called for every failed attempt.
type ItemFailed interface {
	OnItemFailed(ctx context.Context, it *item.Item, err error) error
}

// ItemRetrying is called when a failed item is scheduled for retry.
type ItemRetrying interface {
	OnItemRetrying(ctx context.Context, it *item.Item, attempt int, nextRunAt time.Time) error
}

// ItemDead is called when an item is moved to the dead-letter queue.
type ItemDead interface {
	OnItemDead(ctx context.Context, it *item.Item, err error) error
}

// RetriesExhausted is called when an item fails with no retries left.
type RetriesExhausted interface {
	OnRetriesExhausted(ctx context.Context, it *item.Item, err error) error
}

// ──────────────────────────────────────────────────
// Queue and circuit hooks
// ──────────────────────────────────────────────────

// CircuitChanged is called on every breaker state transition.
type CircuitChanged interface {
	OnCircuitChanged(ctx context.Context, t retry.Transition) error
}

// Backpressure is called when an enqueue is rejected at capacity.
type Backpressure interface {
	OnBackpressure(ctx context.Context, size, maxSize int) error
}

// QueuePaused is called when automatic processing is paused.
type QueuePaused interface {
	OnQueuePaused(ctx context.Context) error
}

// QueueResumed is called when automatic processing resumes.
type QueueResumed interface {
	OnQueueResumed(ctx context.Context) error
}

// QueueDrained is called after a processing pass leaves nothing pending,
// processing or waiting on a retry.
type QueueDrained interface {
	OnQueueDrained(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Batch hooks
// ──────────────────────────────────────────────────

// BatchCreated is called when a group of items is formed for dispatch.
type BatchCreated interface {
	OnBatchCreated(ctx context.Context, b *batch.Batch) error
}

// BatchCompleted is called when a batch finishes with at least one
// successful item.
type BatchCompleted interface {
	OnBatchCompleted(ctx context.Context, b *batch.Batch, elapsed time.Duration) error
}

// BatchFailed is called when every item in a batch failed.
type BatchFailed interface {
	OnBatchFailed(ctx context.Context, b *batch.Batch, err error) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called while the engine is being destroyed.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
