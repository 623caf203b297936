package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	opqueue "github.com/a-cube-io/opqueue"
	"github.com/a-cube-io/opqueue/dedup"
	"github.com/a-cube-io/opqueue/id"
	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/retry"
	"github.com/a-cube-io/opqueue/store"
)

// Enqueue validates and inserts a new operation, returning its ID.
//
// It returns ErrInvalidResource for unknown resources, ErrDuplicateOperation
// when an identical operation is still pending inside the dedup window, and
// ErrQueueFull at capacity.
func (eng *Engine) Enqueue(ctx context.Context, op item.Operation, r item.Resource, payload []byte, opts ...item.Option) (id.ItemID, error) {
	if eng.destroyed.Load() {
		return id.ItemID{}, opqueue.ErrDestroyed
	}
	if !r.Valid() {
		return id.ItemID{}, fmt.Errorf("%w: %q", opqueue.ErrInvalidResource, r)
	}
	if !op.Valid() {
		return id.ItemID{}, fmt.Errorf("%w: unknown operation %q", opqueue.ErrInvalidConfig, op)
	}

	it, err := eng.newItem(op, r, payload, item.Apply(opts...))
	if err != nil {
		return id.ItemID{}, err
	}

	var fp uint64
	itemID := it.ID.String()
	if eng.dedup != nil {
		fp = dedup.Fingerprint(r, op, payload)
		if prev, ok := eng.dedup.Reserve(fp, itemID, eng.stillPending); !ok {
			return id.ItemID{}, fmt.Errorf("%w: matches %s", opqueue.ErrDuplicateOperation, prev)
		}
	}

	if !eng.store.Enqueue(it) {
		if eng.dedup != nil {
			eng.dedup.Release(fp, itemID)
		}
		if _, exists := eng.store.Get(itemID); exists {
			return id.ItemID{}, fmt.Errorf("opqueue/engine: enqueue %s: id already present", it.ID)
		}
		return id.ItemID{}, fmt.Errorf("%w: %d items", opqueue.ErrQueueFull, eng.cfg.MaxSize)
	}
	if eng.dedup != nil {
		eng.dedup.Confirm(fp, itemID)
	}

	eng.logger.Debug("item enqueued",
		slog.String("item_id", it.ID.String()),
		slog.String("resource", string(r)),
		slog.String("operation", string(op)),
		slog.String("priority", string(it.Priority)),
	)

	eng.persistBestEffort(ctx)
	eng.analytics.RecordQueueSnapshot(eng.store.Stats())
	eng.extensions.EmitItemAdded(ctx, it)
	return it.ID, nil
}

// EnqueueJSON marshals payload as JSON and enqueues it.
func EnqueueJSON[T any](ctx context.Context, eng *Engine, op item.Operation, r item.Resource, payload T, opts ...item.Option) (id.ItemID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return id.ItemID{}, fmt.Errorf("opqueue/engine: marshal payload for %s %s: %w", op, r, err)
	}
	return eng.Enqueue(ctx, op, r, data, opts...)
}

func (eng *Engine) newItem(op item.Operation, r item.Resource, payload []byte, o item.Options) (*item.Item, error) {
	now := time.Now().UTC()
	it := &item.Item{
		ID:                 id.NewItemID(),
		Priority:           eng.cfg.DefaultPriority,
		Operation:          op,
		Resource:           r,
		Payload:            append([]byte(nil), payload...),
		Status:             item.StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
		MaxRetries:         eng.cfg.MaxRetries,
		RetryStrategy:      eng.cfg.DefaultRetryStrategy,
		ConflictResolution: eng.cfg.DefaultConflictResolution,
		OptimisticID:       o.OptimisticID,
		Dependencies:       o.Dependencies,
		Metadata:           o.Metadata,
	}
	if o.Priority != "" {
		if !o.Priority.Valid() {
			return nil, fmt.Errorf("%w: unknown priority %q", opqueue.ErrInvalidConfig, o.Priority)
		}
		it.Priority = o.Priority
	}
	if o.MaxRetries != nil {
		if *o.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: negative max retries", opqueue.ErrInvalidConfig)
		}
		it.MaxRetries = *o.MaxRetries
	}
	if o.RetryStrategy != "" {
		if !o.RetryStrategy.Valid() {
			return nil, fmt.Errorf("%w: unknown retry strategy %q", opqueue.ErrInvalidConfig, o.RetryStrategy)
		}
		it.RetryStrategy = o.RetryStrategy
	}
	if o.ConflictResolution != "" {
		if !o.ConflictResolution.Valid() {
			return nil, fmt.Errorf("%w: unknown conflict resolution %q", opqueue.ErrInvalidConfig, o.ConflictResolution)
		}
		it.ConflictResolution = o.ConflictResolution
	}
	if !o.ScheduledAt.IsZero() {
		at := o.ScheduledAt.UTC()
		it.ScheduledAt = &at
	}
	return it, nil
}

// stillPending is the dedup liveness check: a match only counts while
// the earlier item waits for dispatch.
func (eng *Engine) stillPending(itemID string) bool {
	it, ok := eng.store.Get(itemID)
	return ok && it.Status == item.StatusPending
}

// requeue inserts an item replayed from the dead-letter queue.
func (eng *Engine) requeue(ctx context.Context, it *item.Item) error {
	if eng.destroyed.Load() {
		return opqueue.ErrDestroyed
	}
	if !eng.store.Enqueue(it) {
		return fmt.Errorf("%w: replay of %s", opqueue.ErrQueueFull, it.Metadata["replayed_from"])
	}
	eng.persistBestEffort(ctx)
	eng.extensions.EmitItemAdded(ctx, it)
	return nil
}

// GetItem returns a copy of the item.
func (eng *Engine) GetItem(itemID string) (*item.Item, bool) {
	return eng.store.Get(itemID)
}

// Items returns every item in priority order.
func (eng *Engine) Items() []*item.Item { return eng.store.ToArray() }

// ItemsByStatus returns the items in a status, in priority order.
func (eng *Engine) ItemsByStatus(s item.Status) []*item.Item { return eng.store.ByStatus(s) }

// ItemsByResource returns the items for a resource, in priority order.
func (eng *Engine) ItemsByResource(r item.Resource) []*item.Item { return eng.store.ByResource(r) }

// ReadyItems returns up to limit items eligible for dispatch now.
func (eng *Engine) ReadyItems(limit int) []*item.Item { return eng.store.ReadyItems(limit) }

// UpdateItemStatus moves an item to status along the state machine.
func (eng *Engine) UpdateItemStatus(ctx context.Context, itemID string, s item.Status) (*item.Item, error) {
	if eng.destroyed.Load() {
		return nil, opqueue.ErrDestroyed
	}
	it, err := eng.store.Update(itemID, store.StatusPatch(s))
	if err != nil {
		return nil, err
	}
	eng.persistBestEffort(ctx)
	return it, nil
}

// Dequeue removes and returns the highest-priority item.
func (eng *Engine) Dequeue(ctx context.Context) (*item.Item, bool) {
	it, ok := eng.store.Dequeue()
	if !ok {
		return nil, false
	}
	eng.forget(it.ID.String())
	eng.persistBestEffort(ctx)
	return it, true
}

// Remove deletes an item and cancels its pending retry. It returns
// false for unknown IDs.
func (eng *Engine) Remove(ctx context.Context, itemID string) bool {
	if !eng.store.Remove(itemID) {
		return false
	}
	eng.forget(itemID)
	eng.persistBestEffort(ctx)
	return true
}

// Clear removes every item and cancels every pending retry.
func (eng *Engine) Clear(ctx context.Context) {
	for _, s := range eng.retries.Pending() {
		eng.retries.Cancel(s.ItemID)
	}
	for _, it := range eng.store.ToArray() {
		eng.forget(it.ID.String())
	}
	eng.store.Clear()
	eng.persistBestEffort(ctx)
	eng.logger.Info("queue cleared")
}

func (eng *Engine) forget(itemID string) {
	eng.retries.Cancel(itemID)
	if eng.dedup != nil {
		eng.dedup.Forget(itemID)
	}
}

// PendingRetries returns the armed retry timers.
func (eng *Engine) PendingRetries() []retry.Scheduled { return eng.retries.Pending() }

// onRetryReady is the retry manager's callback.
func (eng *Engine) onRetryReady(it *item.Item) {
	if eng.destroyed.Load() {
		return
	}
	if _, err := eng.executor.RetryReady(it); err != nil {
		return
	}
	eng.persistBestEffort(context.Background())
}

func (eng *Engine) onCircuitChange(t retry.Transition) {
	level := slog.LevelInfo
	if t.To == retry.CircuitOpen {
		level = slog.LevelWarn
	}
	eng.logger.Log(context.Background(), level, "circuit state changed",
		slog.String("resource", string(t.Resource)),
		slog.String("from", string(t.From)),
		slog.String("to", string(t.To)),
		slog.String("reason", t.Reason),
	)
	eng.extensions.EmitCircuitChanged(context.Background(), t)
}

// storeObserver forwards store signals to the extension registry.
type storeObserver struct {
	eng *Engine
}

var _ store.Observer = storeObserver{}

func (o storeObserver) OnStatusChange(it *item.Item, from, to item.Status) {
	o.eng.logger.Debug("item status changed",
		slog.String("item_id", it.ID.String()),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
}

func (o storeObserver) OnBackpressure(size, maxSize int) {
	o.eng.logger.Warn("queue at capacity",
		slog.Int("size", size),
		slog.Int("max_size", maxSize),
	)
	o.eng.extensions.EmitBackpressure(context.Background(), size, maxSize)
}
