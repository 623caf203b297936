package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	opqueue "github.com/a-cube-io/opqueue"
	"github.com/a-cube-io/opqueue/batch"
	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/processor"
	"github.com/a-cube-io/opqueue/store"
	"github.com/a-cube-io/opqueue/worker"
)

// ErrBatchFailed is reported to batch:failed listeners when no item of a
// batch succeeded.
var ErrBatchFailed = errors.New("opqueue/engine: every item in the batch failed")

// Result is the settled outcome of one processing attempt.
type Result = worker.Result

// ProcessNext runs one processing pass over at most maxItems ready items
// (MaxConcurrentProcessing when maxItems <= 0) and returns their
// outcomes in dispatch order. Only one pass runs at a time: a call made
// while another pass is running returns no results.
func (eng *Engine) ProcessNext(ctx context.Context, maxItems int) ([]Result, error) {
	entered, err := eng.enterPass()
	if !entered {
		return nil, err
	}
	defer eng.guard.Leave()

	if maxItems <= 0 {
		maxItems = eng.cfg.MaxConcurrentProcessing
	}
	results := eng.pass(ctx, maxItems)
	eng.afterPass(ctx, len(results))
	return results, nil
}

// ProcessAll runs passes until no ready item can be dispatched. Items
// waiting on a retry timer or an open circuit are left for later.
func (eng *Engine) ProcessAll(ctx context.Context) ([]Result, error) {
	entered, err := eng.enterPass()
	if !entered {
		return nil, err
	}
	defer eng.guard.Leave()

	var all []Result
	for ctx.Err() == nil && !eng.destroyed.Load() {
		results := eng.pass(ctx, eng.cfg.MaxConcurrentProcessing)
		if len(results) == 0 {
			break
		}
		all = append(all, results...)
	}
	eng.afterPass(ctx, len(all))
	return all, ctx.Err()
}

// enterPass takes the pass guard. It reports false with a nil error when
// another pass holds it. Destroy marks the engine before waiting on the
// guard, so destroyed is checked again once the guard is held.
func (eng *Engine) enterPass() (bool, error) {
	if eng.destroyed.Load() {
		return false, opqueue.ErrDestroyed
	}
	if !eng.guard.TryEnter() {
		return false, nil
	}
	if eng.destroyed.Load() {
		eng.guard.Leave()
		return false, opqueue.ErrDestroyed
	}
	return true, nil
}

// tick is the scheduler's pass.
func (eng *Engine) tick(ctx context.Context) {
	if _, err := eng.ProcessNext(ctx, eng.cfg.MaxConcurrentProcessing); err != nil && !errors.Is(err, opqueue.ErrDestroyed) {
		eng.logger.Warn("scheduled processing pass failed", slog.String("error", err.Error()))
	}
}

// pass claims up to limit ready items and executes them.
func (eng *Engine) pass(ctx context.Context, limit int) []Result {
	eng.sweepCompleted(ctx)

	claimed := eng.claim(ctx, limit)
	if len(claimed) == 0 {
		return nil
	}
	if eng.cfg.BatchingEnabled {
		return eng.dispatchBatches(ctx, claimed)
	}
	return eng.dispatch(ctx, claimed)
}

// claim walks the ready items in priority order and admits items until
// limit is reached. Items refused by their circuit or limiter stay
// pending and do not use a slot.
func (eng *Engine) claim(ctx context.Context, limit int) []*item.Item {
	var claimed []*item.Item
	for _, it := range eng.store.ReadyItems(0) {
		if len(claimed) >= limit {
			break
		}
		if c, ok := eng.executor.Claim(ctx, it); ok {
			claimed = append(claimed, c)
		}
	}
	return claimed
}

// dispatch executes claimed items at most MaxConcurrentProcessing at a time.
func (eng *Engine) dispatch(ctx context.Context, claimed []*item.Item) []Result {
	results := make([]Result, len(claimed))

	g := new(errgroup.Group)
	g.SetLimit(eng.cfg.MaxConcurrentProcessing)
	for i, it := range claimed {
		g.Go(func() error {
			results[i] = eng.executor.Execute(ctx, it)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // outcomes are carried in results
	return results
}

// dispatchBatches groups claimed items and runs each batch through its
// batch processor, falling back to per-item processors.
func (eng *Engine) dispatchBatches(ctx context.Context, claimed []*item.Item) []Result {
	batches := eng.batcher.Group(claimed)

	var (
		mu      sync.Mutex
		byBatch = make([][]Result, len(batches))
	)
	g := new(errgroup.Group)
	g.SetLimit(eng.cfg.MaxConcurrentProcessing)
	for i, b := range batches {
		g.Go(func() error {
			rs := eng.runBatch(ctx, b)
			mu.Lock()
			byBatch[i] = rs
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // outcomes are carried in results

	out := make([]Result, 0, len(claimed))
	for _, rs := range byBatch {
		out = append(out, rs...)
	}
	return out
}

func (eng *Engine) runBatch(ctx context.Context, b *batch.Batch) []Result {
	batchID := b.ID.String()
	for _, it := range b.Items {
		it.BatchID = batchID
		if _, err := eng.store.Update(it.ID.String(), store.Patch{BatchID: &batchID}); err != nil {
			eng.logger.Debug("failed to tag item with batch",
				slog.String("item_id", it.ID.String()),
				slog.String("batch_id", batchID),
				slog.String("error", err.Error()),
			)
		}
	}
	eng.extensions.EmitBatchCreated(ctx, b)

	batchFn := eng.batchFuncFor(b)
	start := time.Now()
	outcomes := eng.batcher.Execute(ctx, b, batchFn, eng.executor.Invoke)
	elapsed := time.Since(start)

	results := make([]Result, len(outcomes))
	for i, o := range outcomes {
		results[i] = eng.executor.Settle(ctx, o.Item, o.Value, o.Err, o.Duration)
	}

	if b.Status == batch.StatusFailed {
		eng.extensions.EmitBatchFailed(ctx, b, ErrBatchFailed)
	} else {
		eng.extensions.EmitBatchCompleted(ctx, b, elapsed)
	}
	eng.logger.Debug("batch processed",
		slog.String("batch_id", batchID),
		slog.String("status", string(b.Status)),
		slog.Int("items", len(b.Items)),
		slog.Duration("elapsed", elapsed),
	)
	return results
}

func (eng *Engine) batchFuncFor(b *batch.Batch) processor.BatchFunc {
	if b.Resource == "" {
		return nil
	}
	fn, ok := eng.processors.LookupBatch(b.Resource)
	if !ok {
		return nil
	}
	return fn
}

// afterPass records an analytics sample and reports a drained queue.
func (eng *Engine) afterPass(ctx context.Context, processed int) {
	eng.sweepCompleted(ctx)
	st := eng.store.Stats()
	eng.analytics.RecordQueueSnapshot(st)
	if processed == 0 {
		return
	}
	if st.Pending()+st.Processing()+st.Retrying() == 0 {
		eng.extensions.EmitQueueDrained(ctx)
	}
	eng.persistBestEffort(ctx)
}

// sweepCompleted removes completed items older than CompletedRetention.
func (eng *Engine) sweepCompleted(ctx context.Context) {
	cutoff := time.Now().Add(-eng.cfg.CompletedRetention)
	removed := 0
	for _, it := range eng.store.ByStatus(item.StatusCompleted) {
		if it.UpdatedAt.After(cutoff) {
			continue
		}
		if eng.store.Remove(it.ID.String()) {
			eng.forget(it.ID.String())
			removed++
		}
	}
	if removed > 0 {
		eng.logger.Debug("completed items removed", slog.Int("count", removed))
		eng.persistBestEffort(ctx)
	}
}
