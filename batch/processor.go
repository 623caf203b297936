package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/processor"
)

// ErrMissingOutcome is reported for an item the batch processor returned
// no outcome for.
var ErrMissingOutcome = errors.New("batch: no outcome reported for item")

// Result is the outcome of one item in a batch.
type Result struct {
	Item  *item.Item
	Value any
	Err   error

	// Fallback is true when the item was executed individually after the
	// batch call failed.
	Fallback bool
	Duration time.Duration
}

// Processor groups items and executes batches.
type Processor struct {
	grouping       Grouping
	maxConcurrency int
	logger         *slog.Logger
	now            func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithGrouping sets the grouping.
func WithGrouping(g Grouping) Option {
	return func(p *Processor) { p.grouping = g }
}

// WithMaxConcurrency bounds per-item fallback concurrency.
func WithMaxConcurrency(n int) Option {
	return func(p *Processor) { p.maxConcurrency = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// NewProcessor creates a batch processor.
func NewProcessor(opts ...Option) *Processor {
	p := &Processor{
		grouping:       DefaultGrouping(),
		maxConcurrency: 3,
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Group splits items into batches using the configured grouping.
func (p *Processor) Group(items []*item.Item) []*Batch {
	batches := p.grouping.Group(items, p.now())
	for _, b := range batches {
		b.MaxConcurrency = p.maxConcurrency
	}
	return batches
}

// Execute runs b. When batchFn is non-nil it is called once for the whole
// batch and each item takes its reported outcome. When batchFn is nil or
// returns an error, every item is executed with itemFn instead, at most
// MaxConcurrency at a time. Results are returned in batch order and
// b.Status is set from them.
func (p *Processor) Execute(ctx context.Context, b *Batch, batchFn processor.BatchFunc, itemFn processor.Func) []Result {
	b.Status = StatusProcessing

	var results []Result
	if batchFn != nil {
		start := p.now()
		outcomes, err := p.callBatch(ctx, b, batchFn)
		if err == nil {
			results = p.fromOutcomes(b, outcomes, p.now().Sub(start))
		} else {
			p.logger.Warn("batch call failed, falling back to individual items",
				slog.String("batch_id", b.ID.String()),
				slog.String("resource", string(b.Resource)),
				slog.Int("items", len(b.Items)),
				slog.String("error", err.Error()),
			)
		}
	}
	if results == nil {
		results = p.individually(ctx, b, itemFn, batchFn != nil)
	}

	b.Status = statusOf(results)
	return results
}

// callBatch runs batchFn, converting a panic into an error so the batch
// falls back to per-item execution.
func (p *Processor) callBatch(ctx context.Context, b *Batch, batchFn processor.BatchFunc) (outcomes []processor.Outcome, retErr error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("batch processor panicked",
				slog.String("batch_id", b.ID.String()),
				slog.String("resource", string(b.Resource)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			outcomes = nil
			retErr = fmt.Errorf("panic processing batch %s: %v", b.ID, r)
		}
	}()
	return batchFn(ctx, b.Items)
}

func (p *Processor) fromOutcomes(b *Batch, outcomes []processor.Outcome, elapsed time.Duration) []Result {
	byID := make(map[string]processor.Outcome, len(outcomes))
	for _, o := range outcomes {
		byID[o.ItemID] = o
	}
	per := elapsed
	if n := len(b.Items); n > 0 {
		per = elapsed / time.Duration(n)
	}
	results := make([]Result, len(b.Items))
	for i, it := range b.Items {
		o, ok := byID[it.ID.String()]
		if !ok {
			results[i] = Result{Item: it, Err: fmt.Errorf("%w: %s", ErrMissingOutcome, it.ID), Duration: per}
			continue
		}
		results[i] = Result{Item: it, Value: o.Result, Err: o.Err, Duration: per}
	}
	return results
}

func (p *Processor) individually(ctx context.Context, b *Batch, itemFn processor.Func, fallback bool) []Result {
	results := make([]Result, len(b.Items))
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(max(p.maxConcurrency, 1))
	for i, it := range b.Items {
		g.Go(func() error {
			start := p.now()
			var (
				v   any
				err error
			)
			if itemFn == nil {
				err = fmt.Errorf("batch: no item processor for %s", it.Resource)
			} else {
				v, err = itemFn(ctx, it)
			}
			mu.Lock()
			results[i] = Result{Item: it, Value: v, Err: err, Fallback: fallback, Duration: p.now().Sub(start)}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // per-item errors are carried in results
	return results
}

func statusOf(results []Result) Status {
	ok := 0
	for _, r := range results {
		if r.Err == nil {
			ok++
		}
	}
	switch {
	case ok == len(results):
		return StatusCompleted
	case ok == 0:
		return StatusFailed
	}
	return StatusPartial
}
