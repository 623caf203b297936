package ext

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/a-cube-io/opqueue/batch"
	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/retry"
)

// entry pairs a hook implementation with the extension name captured at
// registration time.
type entry[H any] struct {
	name string
	hook H
}

// hooks is a type-cached list of extensions implementing H.
type hooks[H any] []entry[H]

func (hs *hooks[H]) add(e Extension) {
	if h, ok := e.(H); ok {
		*hs = append(*hs, entry[H]{name: e.Name(), hook: h})
	}
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	mu         sync.RWMutex
	extensions []Extension
	logger     *slog.Logger

	itemAdded        hooks[ItemAdded]
	itemProcessing   hooks[ItemProcessing]
	itemCompleted    hooks[ItemCompleted]
	itemFailed       hooks[ItemFailed]
	itemRetrying     hooks[ItemRetrying]
	itemDead         hooks[ItemDead]
	retriesExhausted hooks[RetriesExhausted]
	circuitChanged   hooks[CircuitChanged]
	backpressure     hooks[Backpressure]
	queuePaused      hooks[QueuePaused]
	queueResumed     hooks[QueueResumed]
	queueDrained     hooks[QueueDrained]
	batchCreated     hooks[BatchCreated]
	batchCompleted   hooks[BatchCompleted]
	batchFailed      hooks[BatchFailed]
	shutdown         hooks[Shutdown]
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.extensions = append(r.extensions, e)
	r.itemAdded.add(e)
	r.itemProcessing.add(e)
	r.itemCompleted.add(e)
	r.itemFailed.add(e)
	r.itemRetrying.add(e)
	r.itemDead.add(e)
	r.retriesExhausted.add(e)
	r.circuitChanged.add(e)
	r.backpressure.add(e)
	r.queuePaused.add(e)
	r.queueResumed.add(e)
	r.queueDrained.add(e)
	r.batchCreated.add(e)
	r.batchCompleted.add(e)
	r.batchFailed.add(e)
	r.shutdown.add(e)
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Extension, len(r.extensions))
	copy(out, r.extensions)
	return out
}

// emit calls fn for every entry, logging hook errors. The hook list is
// copied under the read lock so hooks may register further extensions.
func emit[H any](r *Registry, list *hooks[H], hook string, fn func(H) error) {
	r.mu.RLock()
	entries := make([]entry[H], len(*list))
	copy(entries, *list)
	r.mu.RUnlock()

	for _, e := range entries {
		if err := fn(e.hook); err != nil {
			r.logHookError(hook, e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Item event emitters
// ──────────────────────────────────────────────────

// EmitItemAdded notifies all extensions that implement ItemAdded.
func (r *Registry) EmitItemAdded(ctx context.Context, it *item.Item) {
	emit(r, &r.itemAdded, "OnItemAdded", func(h ItemAdded) error { return h.OnItemAdded(ctx, it) })
}

// EmitItemProcessing notifies all extensions that implement ItemProcessing.
func (r *Registry) EmitItemProcessing(ctx context.Context, it *item.Item) {
	emit(r, &r.itemProcessing, "OnItemProcessing", func(h ItemProcessing) error { return h.OnItemProcessing(ctx, it) })
}

// EmitItemCompleted notifies all extensions that implement ItemCompleted.
func (r *Registry) EmitItemCompleted(ctx context.Context, it *item.Item, elapsed time.Duration) {
	emit(r, &r.itemCompleted, "OnItemCompleted", func(h ItemCompleted) error { return h.OnItemCompleted(ctx, it, elapsed) })
}

// EmitItemFailed notifies all extensions that implement ItemFailed.
func (r *Registry) EmitItemFailed(ctx context.Context, it *item.Item, itemErr error) {
	emit(r, &r.itemFailed, "OnItemFailed", func(h ItemFailed) error { return h.OnItemFailed(ctx, it, itemErr) })
}

// EmitItemRetrying notifies all extensions that implement ItemRetrying.
func (r *Registry) EmitItemRetrying(ctx context.Context, it *item.Item, attempt int, nextRunAt time.Time) {
	emit(r, &r.itemRetrying, "OnItemRetrying", func(h ItemRetrying) error { return h.OnItemRetrying(ctx, it, attempt, nextRunAt) })
}

// EmitItemDead notifies all extensions that implement ItemDead.
func (r *Registry) EmitItemDead(ctx context.Context, it *item.Item, itemErr error) {
	emit(r, &r.itemDead, "OnItemDead", func(h ItemDead) error { return h.OnItemDead(ctx, it, itemErr) })
}

// EmitRetriesExhausted notifies all extensions that implement RetriesExhausted.
func (r *Registry) EmitRetriesExhausted(ctx context.Context, it *item.Item, itemErr error) {
	emit(r, &r.retriesExhausted, "OnRetriesExhausted", func(h RetriesExhausted) error { return h.OnRetriesExhausted(ctx, it, itemErr) })
}

// ──────────────────────────────────────────────────
// Queue and circuit event emitters
// ──────────────────────────────────────────────────

// EmitCircuitChanged notifies all extensions that implement CircuitChanged.
func (r *Registry) EmitCircuitChanged(ctx context.Context, t retry.Transition) {
	emit(r, &r.circuitChanged, "OnCircuitChanged", func(h CircuitChanged) error { return h.OnCircuitChanged(ctx, t) })
}

// EmitBackpressure notifies all extensions that implement Backpressure.
func (r *Registry) EmitBackpressure(ctx context.Context, size, maxSize int) {
	emit(r, &r.backpressure, "OnBackpressure", func(h Backpressure) error { return h.OnBackpressure(ctx, size, maxSize) })
}

// EmitQueuePaused notifies all extensions that implement QueuePaused.
func (r *Registry) EmitQueuePaused(ctx context.Context) {
	emit(r, &r.queuePaused, "OnQueuePaused", func(h QueuePaused) error { return h.OnQueuePaused(ctx) })
}

// EmitQueueResumed notifies all extensions that implement QueueResumed.
func (r *Registry) EmitQueueResumed(ctx context.Context) {
	emit(r, &r.queueResumed, "OnQueueResumed", func(h QueueResumed) error { return h.OnQueueResumed(ctx) })
}

// EmitQueueDrained notifies all extensions that implement QueueDrained.
func (r *Registry) EmitQueueDrained(ctx context.Context) {
	emit(r, &r.queueDrained, "OnQueueDrained", func(h QueueDrained) error { return h.OnQueueDrained(ctx) })
}

// ──────────────────────────────────────────────────
// Batch event emitters
// ──────────────────────────────────────────────────

// EmitBatchCreated notifies all extensions that implement BatchCreated.
func (r *Registry) EmitBatchCreated(ctx context.Context, b *batch.Batch) {
	emit(r, &r.batchCreated, "OnBatchCreated", func(h BatchCreated) error { return h.OnBatchCreated(ctx, b) })
}

// EmitBatchCompleted notifies all extensions that implement BatchCompleted.
func (r *Registry) EmitBatchCompleted(ctx context.Context, b *batch.Batch, elapsed time.Duration) {
	emit(r, &r.batchCompleted, "OnBatchCompleted", func(h BatchCompleted) error { return h.OnBatchCompleted(ctx, b, elapsed) })
}

// EmitBatchFailed notifies all extensions that implement BatchFailed.
func (r *Registry) EmitBatchFailed(ctx context.Context, b *batch.Batch, batchErr error) {
	emit(r, &r.batchFailed, "OnBatchFailed", func(h BatchFailed) error { return h.OnBatchFailed(ctx, b, batchErr) })
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(r, &r.shutdown, "OnShutdown", func(h Shutdown) error { return h.OnShutdown(ctx) })
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Hook errors are never propagated to the caller.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
