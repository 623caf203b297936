// Package worker executes queue items. The Executor claims ready items,
// invokes their processors through middleware and settles the outcome
// (completion, retry, failure or dead-lettering). The Scheduler drives
// periodic processing passes and the Housekeeper runs cron-scheduled
// maintenance.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	opqueue "github.com/a-cube-io/opqueue"
	"github.com/a-cube-io/opqueue/analytics"
	"github.com/a-cube-io/opqueue/dlq"
	"github.com/a-cube-io/opqueue/ext"
	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/limiter"
	"github.com/a-cube-io/opqueue/middleware"
	"github.com/a-cube-io/opqueue/processor"
	"github.com/a-cube-io/opqueue/retry"
	"github.com/a-cube-io/opqueue/store"
)

// Result is the settled outcome of one processing attempt.
type Result struct {
	ItemID    string         `json:"item_id"`
	Resource  item.Resource  `json:"resource"`
	Operation item.Operation `json:"operation"`
	// Status is the item's status after the outcome was applied.
	Status   item.Status      `json:"status"`
	Value    any              `json:"value,omitempty"`
	Err      error            `json:"-"`
	Duration time.Duration    `json:"duration"`
	Retry    *retry.Scheduled `json:"retry,omitempty"`
	BatchID  string           `json:"batch_id,omitempty"`
}

// Success reports whether the processor succeeded.
func (r Result) Success() bool { return r.Err == nil }

// Executor runs items through middleware and the registered processor,
// then applies retry logic, DLQ push, state updates and lifecycle events.
type Executor struct {
	processors *processor.Registry
	store      *store.Store
	extensions *ext.Registry
	classifier *retry.Classifier
	retries    *retry.Manager
	breakers   *retry.Breakers
	limits     *limiter.Manager
	dlqService *dlq.Service
	analytics  *analytics.Engine
	mws        []middleware.Middleware
	deadLetter bool
	logger     *slog.Logger
	now        func() time.Time

	// retryMu orders "schedule retry, mark retry" against the timer
	// callback that moves the item back to pending.
	retryMu sync.Mutex

	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithClassifier sets the error classifier.
func WithClassifier(c *retry.Classifier) ExecutorOption {
	return func(e *Executor) { e.classifier = c }
}

// WithRetries sets the retry manager. Without one, failures are final.
func WithRetries(m *retry.Manager) ExecutorOption {
	return func(e *Executor) { e.retries = m }
}

// WithBreakers gates dispatch on per-resource circuit breakers.
func WithBreakers(b *retry.Breakers) ExecutorOption {
	return func(e *Executor) { e.breakers = b }
}

// WithLimiter applies per-resource rate and concurrency limits.
func WithLimiter(l *limiter.Manager) ExecutorOption {
	return func(e *Executor) { e.limits = l }
}

// WithDLQ records dead items in the dead letter queue.
func WithDLQ(s *dlq.Service) ExecutorOption {
	return func(e *Executor) { e.dlqService = s }
}

// WithAnalytics records processing timings.
func WithAnalytics(a *analytics.Engine) ExecutorOption {
	return func(e *Executor) { e.analytics = a }
}

// WithMiddleware wraps every processor call.
func WithMiddleware(mws ...middleware.Middleware) ExecutorOption {
	return func(e *Executor) { e.mws = append(e.mws, mws...) }
}

// WithDeadLetter moves items whose failure is final to dead.
func WithDeadLetter(enabled bool) ExecutorOption {
	return func(e *Executor) { e.deadLetter = enabled }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an Executor.
func NewExecutor(
	processors *processor.Registry,
	st *store.Store,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		processors: processors,
		store:      st,
		extensions: extensions,
		classifier: retry.NewClassifier(),
		deadLetter: true,
		logger:     logger,
		now:        time.Now,
		active:     make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Claim admits a ready item for dispatch: it checks the resource's
// circuit and limits, then moves the item to processing. It returns
// false when the item must stay pending for now.
func (e *Executor) Claim(ctx context.Context, it *item.Item) (*item.Item, bool) {
	key := it.ID.String()

	if e.breakers != nil && !e.breakers.Allow(it.Resource) {
		e.logger.Debug("dispatch refused: circuit open",
			slog.String("item_id", key),
			slog.String("resource", string(it.Resource)),
		)
		return nil, false
	}
	if e.limits != nil && !e.limits.Acquire(it.Resource, it.Operation) {
		if e.breakers != nil {
			e.breakers.Release(it.Resource)
		}
		e.logger.Debug("dispatch deferred: resource limit",
			slog.String("item_id", key),
			slog.String("resource", string(it.Resource)),
		)
		return nil, false
	}

	claimed, err := e.store.Update(key, store.StatusPatch(item.StatusProcessing))
	if err != nil {
		e.release(it)
		if e.breakers != nil {
			e.breakers.Release(it.Resource)
		}
		e.logger.Debug("claim failed",
			slog.String("item_id", key),
			slog.String("error", err.Error()),
		)
		return nil, false
	}

	if e.analytics != nil {
		e.analytics.RecordProcessingStart(key)
	}
	e.extensions.EmitItemProcessing(ctx, claimed)
	return claimed, true
}

// Invoke runs the item's processor through the middleware chain without
// settling the outcome. It satisfies processor.Func so it can serve as
// the per-item fallback of a batch.
func (e *Executor) Invoke(ctx context.Context, it *item.Item) (any, error) {
	fn, ok := e.processors.Lookup(it.Resource, it.Operation)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", opqueue.ErrNoProcessor, it.Resource, it.Operation)
	}

	key := it.ID.String()
	ctx, cancel := context.WithCancel(ctx)
	e.track(key, cancel)
	defer func() {
		e.untrack(key)
		cancel()
	}()

	return middleware.Wrap(fn, e.mws...)(ctx, it)
}

// Execute invokes a claimed item and settles the outcome.
func (e *Executor) Execute(ctx context.Context, it *item.Item) Result {
	start := e.now()
	value, err := e.Invoke(ctx, it)
	return e.Settle(ctx, it, value, err, e.now().Sub(start))
}

// Settle applies a processing outcome to a claimed item. Every claimed
// item must be settled exactly once.
func (e *Executor) Settle(ctx context.Context, it *item.Item, value any, err error, elapsed time.Duration) Result {
	defer e.release(it)

	res := Result{
		ItemID:    it.ID.String(),
		Resource:  it.Resource,
		Operation: it.Operation,
		Status:    it.Status,
		Value:     value,
		Err:       err,
		Duration:  elapsed,
		BatchID:   it.BatchID,
	}
	if err != nil {
		return e.handleFailure(ctx, it, err, res)
	}
	return e.handleSuccess(ctx, it, res)
}

// handleSuccess marks the item completed and emits the lifecycle event.
func (e *Executor) handleSuccess(ctx context.Context, it *item.Item, res Result) Result {
	if e.breakers != nil {
		e.breakers.RecordSuccess(it.Resource)
	}
	if e.analytics != nil {
		e.analytics.RecordProcessingComplete(res.ItemID, true)
	}

	done, err := e.store.Update(res.ItemID, store.StatusPatch(item.StatusCompleted))
	if err != nil {
		e.logger.Error("failed to mark item completed",
			slog.String("item_id", res.ItemID),
			slog.String("error", err.Error()),
		)
		return res
	}
	res.Status = done.Status

	e.extensions.EmitItemCompleted(ctx, done, res.Duration)
	return res
}

// handleFailure records the error, then either schedules a retry or
// makes the failure final.
func (e *Executor) handleFailure(ctx context.Context, it *item.Item, procErr error, res Result) Result {
	noProcessor := errors.Is(procErr, opqueue.ErrNoProcessor)
	code := e.classifier.Code(procErr)
	retryable := !noProcessor && e.classifier.Retryable(procErr)

	if e.breakers != nil {
		if noProcessor {
			e.breakers.Release(it.Resource)
		} else {
			e.breakers.RecordFailure(it.Resource, string(code))
		}
	}
	if e.analytics != nil {
		e.analytics.RecordProcessingComplete(res.ItemID, false)
	}

	rec := item.ErrorRecord{
		Timestamp: e.now().UTC(),
		Error:     procErr.Error(),
		Code:      string(code),
		Retryable: retryable,
	}
	failed, err := e.store.Update(res.ItemID, store.Patch{
		Status:      ptr(item.StatusFailed),
		AppendError: &rec,
	})
	if err != nil {
		e.logger.Error("failed to mark item failed",
			slog.String("item_id", res.ItemID),
			slog.String("error", err.Error()),
		)
		return res
	}
	res.Status = failed.Status
	e.extensions.EmitItemFailed(ctx, failed, procErr)

	if noProcessor {
		e.logger.Warn("no processor registered",
			slog.String("item_id", res.ItemID),
			slog.String("resource", string(it.Resource)),
			slog.String("operation", string(it.Operation)),
		)
		return res
	}

	if retryable {
		if next, ok := e.scheduleRetry(ctx, failed); ok {
			res.Status = item.StatusRetry
			res.Retry = &next
			return res
		}
		if failed.RetryCount >= failed.MaxRetries {
			e.extensions.EmitRetriesExhausted(ctx, failed, procErr)
		}
	}

	if !e.deadLetter {
		e.logger.Info("item failed",
			slog.String("item_id", res.ItemID),
			slog.String("code", string(code)),
			slog.Int("retry_count", failed.RetryCount),
		)
		return res
	}
	if dead, ok := e.kill(ctx, failed, procErr); ok {
		res.Status = dead.Status
	}
	return res
}

// scheduleRetry arms a retry and moves the item to retry.
func (e *Executor) scheduleRetry(ctx context.Context, failed *item.Item) (retry.Scheduled, bool) {
	if e.retries == nil {
		return retry.Scheduled{}, false
	}

	e.retryMu.Lock()
	defer e.retryMu.Unlock()

	next, ok := e.retries.ScheduleRetry(failed)
	if !ok {
		return retry.Scheduled{}, false
	}
	due := next.DueAt
	retrying, err := e.store.Update(next.ItemID, store.Patch{
		Status:      ptr(item.StatusRetry),
		ScheduledAt: &due,
	})
	if err != nil {
		e.retries.Cancel(next.ItemID)
		e.logger.Error("failed to mark item for retry",
			slog.String("item_id", next.ItemID),
			slog.String("error", err.Error()),
		)
		return retry.Scheduled{}, false
	}

	e.extensions.EmitItemRetrying(ctx, retrying, next.Attempt, next.DueAt)
	e.logger.Info("item scheduled for retry",
		slog.String("item_id", next.ItemID),
		slog.String("resource", string(retrying.Resource)),
		slog.Int("attempt", next.Attempt),
		slog.Int("max_retries", retrying.MaxRetries),
		slog.Duration("delay", next.Delay),
	)
	return next, true
}

// RetryReady moves an item whose retry delay elapsed back to pending and
// counts the attempt. It is the retry manager's ready callback.
func (e *Executor) RetryReady(it *item.Item) (*item.Item, error) {
	e.retryMu.Lock()
	defer e.retryMu.Unlock()

	attempts := it.RetryCount + 1
	pending, err := e.store.Update(it.ID.String(), store.Patch{
		Status:        ptr(item.StatusPending),
		RetryCount:    &attempts,
		ClearSchedule: true,
	})
	if err != nil {
		if !errors.Is(err, opqueue.ErrItemNotFound) {
			e.logger.Warn("retry could not requeue item",
				slog.String("item_id", it.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}
	return pending, nil
}

// kill moves a failed item to dead and records it in the DLQ.
func (e *Executor) kill(ctx context.Context, failed *item.Item, procErr error) (*item.Item, bool) {
	key := failed.ID.String()
	dead, err := e.store.Update(key, store.StatusPatch(item.StatusDead))
	if err != nil {
		e.logger.Error("failed to mark item dead",
			slog.String("item_id", key),
			slog.String("error", err.Error()),
		)
		return nil, false
	}

	if e.dlqService != nil {
		if _, pushErr := e.dlqService.Push(ctx, dead, procErr); pushErr != nil {
			e.logger.Error("failed to push item to DLQ",
				slog.String("item_id", key),
				slog.String("error", pushErr.Error()),
			)
		}
	}

	e.extensions.EmitItemDead(ctx, dead, procErr)
	e.logger.Warn("item moved to dead letter",
		slog.String("item_id", key),
		slog.String("resource", string(dead.Resource)),
		slog.Int("retry_count", dead.RetryCount),
	)
	return dead, true
}

func (e *Executor) release(it *item.Item) {
	if e.limits != nil {
		e.limits.Release(it.Resource, it.Operation)
	}
}

// ActiveCount returns the number of processor calls in flight.
func (e *Executor) ActiveCount() int {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	return len(e.active)
}

// CancelActive cancels the context of every processor call in flight.
func (e *Executor) CancelActive() {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	for key, cancel := range e.active {
		e.logger.Warn("cancelling active item", slog.String("item_id", key))
		cancel()
	}
}

func (e *Executor) track(key string, cancel context.CancelFunc) {
	e.activeMu.Lock()
	e.active[key] = cancel
	e.activeMu.Unlock()
}

func (e *Executor) untrack(key string) {
	e.activeMu.Lock()
	delete(e.active, key)
	e.activeMu.Unlock()
}

func ptr[T any](v T) *T { return &v }
