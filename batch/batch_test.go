package batch_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/a-cube-io/opqueue/batch"
	"github.com/a-cube-io/opqueue/id"
	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/processor"
)

func mk(r item.Resource, p item.Priority, created time.Time) *item.Item {
	return &item.Item{
		ID:        id.NewItemID(),
		Resource:  r,
		Priority:  p,
		Operation: item.OperationCreate,
		Status:    item.StatusProcessing,
		CreatedAt: created,
	}
}

func TestGroupByResource(t *testing.T) {
	now := time.Now()
	items := []*item.Item{
		mk(item.ResourceReceipts, item.PriorityHigh, now),
		mk(item.ResourceMerchants, item.PriorityHigh, now),
		mk(item.ResourceReceipts, item.PriorityLow, now),
	}
	g := batch.Grouping{ByResource: true, MaxItems: 10}
	batches := g.Group(items, now)

	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(batches))
	}
	if batches[0].Resource != item.ResourceReceipts || len(batches[0].Items) != 2 {
		t.Errorf("first batch = %s with %d items", batches[0].Resource, len(batches[0].Items))
	}
	if batches[0].Items[0].ID != items[0].ID || batches[0].Items[1].ID != items[2].ID {
		t.Error("input order not preserved within batch")
	}
	if batches[0].Strategy != "resource" {
		t.Errorf("Strategy = %q", batches[0].Strategy)
	}
}

func TestGroupByResourceAndPriority(t *testing.T) {
	now := time.Now()
	items := []*item.Item{
		mk(item.ResourceReceipts, item.PriorityHigh, now),
		mk(item.ResourceReceipts, item.PriorityLow, now),
		mk(item.ResourceReceipts, item.PriorityHigh, now),
	}
	g := batch.Grouping{ByResource: true, ByPriority: true, MaxItems: 10}
	batches := g.Group(items, now)
	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(batches))
	}
	if batches[0].Priority != item.PriorityHigh || len(batches[0].Items) != 2 {
		t.Errorf("first batch = %s/%d", batches[0].Priority, len(batches[0].Items))
	}
	if batches[0].Strategy != "resource+priority" {
		t.Errorf("Strategy = %q", batches[0].Strategy)
	}
}

func TestGroupMaxItems(t *testing.T) {
	now := time.Now()
	var items []*item.Item
	for range 5 {
		items = append(items, mk(item.ResourceReceipts, item.PriorityNormal, now))
	}
	batches := batch.Grouping{MaxItems: 2}.Group(items, now)
	if len(batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(batches))
	}
	if len(batches[2].Items) != 1 {
		t.Errorf("last batch has %d items", len(batches[2].Items))
	}
	if batches[0].Strategy != "mixed" {
		t.Errorf("Strategy = %q", batches[0].Strategy)
	}
}

func TestGroupWindow(t *testing.T) {
	now := time.Now()
	items := []*item.Item{
		mk(item.ResourceReceipts, item.PriorityNormal, now),
		mk(item.ResourceReceipts, item.PriorityNormal, now.Add(time.Second)),
		mk(item.ResourceReceipts, item.PriorityNormal, now.Add(10*time.Second)),
	}
	batches := batch.Grouping{Window: 5 * time.Second, MaxItems: 10}.Group(items, now)
	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(batches))
	}
	if len(batches[0].Items) != 2 {
		t.Errorf("first batch has %d items", len(batches[0].Items))
	}
}

func TestExecuteBatchOutcomes(t *testing.T) {
	now := time.Now()
	items := []*item.Item{
		mk(item.ResourceReceipts, item.PriorityNormal, now),
		mk(item.ResourceReceipts, item.PriorityNormal, now),
		mk(item.ResourceReceipts, item.PriorityNormal, now),
	}
	p := batch.NewProcessor()
	b := p.Group(items)[0]

	batchFn := func(_ context.Context, its []*item.Item) ([]processor.Outcome, error) {
		return []processor.Outcome{
			{ItemID: its[0].ID.String(), Result: "ok"},
			{ItemID: its[1].ID.String(), Err: errors.New("rejected")},
		}, nil
	}
	results := p.Execute(context.Background(), b, batchFn, nil)

	if len(results) != 3 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].Err != nil || results[0].Value != "ok" {
		t.Errorf("result 0 = %+v", results[0])
	}
	if results[1].Err == nil {
		t.Error("result 1 should carry the item error")
	}
	if !errors.Is(results[2].Err, batch.ErrMissingOutcome) {
		t.Errorf("result 2 err = %v, want ErrMissingOutcome", results[2].Err)
	}
	if b.Status != batch.StatusPartial {
		t.Errorf("Status = %s, want partial", b.Status)
	}
}

func TestExecuteFallback(t *testing.T) {
	now := time.Now()
	items := []*item.Item{
		mk(item.ResourceReceipts, item.PriorityNormal, now),
		mk(item.ResourceReceipts, item.PriorityNormal, now),
	}
	p := batch.NewProcessor(batch.WithMaxConcurrency(1))
	b := p.Group(items)[0]

	var calls atomic.Int32
	batchFn := func(context.Context, []*item.Item) ([]processor.Outcome, error) {
		return nil, errors.New("transport down")
	}
	itemFn := func(context.Context, *item.Item) (any, error) {
		calls.Add(1)
		return "single", nil
	}
	results := p.Execute(context.Background(), b, batchFn, itemFn)

	if calls.Load() != 2 {
		t.Errorf("item calls = %d, want 2", calls.Load())
	}
	for i, r := range results {
		if r.Err != nil || !r.Fallback {
			t.Errorf("result %d = %+v", i, r)
		}
	}
	if b.Status != batch.StatusCompleted {
		t.Errorf("Status = %s, want completed", b.Status)
	}
}

func TestExecuteBatchPanicFallsBack(t *testing.T) {
	now := time.Now()
	items := []*item.Item{
		mk(item.ResourceReceipts, item.PriorityNormal, now),
		mk(item.ResourceReceipts, item.PriorityNormal, now),
	}
	p := batch.NewProcessor(batch.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	b := p.Group(items)[0]

	batchFn := func(context.Context, []*item.Item) ([]processor.Outcome, error) {
		panic("malformed bulk response")
	}
	itemFn := func(context.Context, *item.Item) (any, error) { return "single", nil }
	results := p.Execute(context.Background(), b, batchFn, itemFn)

	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for i, r := range results {
		if r.Err != nil || !r.Fallback || r.Value != "single" {
			t.Errorf("result %d = %+v", i, r)
		}
	}
	if b.Status != batch.StatusCompleted {
		t.Errorf("Status = %s, want completed", b.Status)
	}
}

func TestExecuteWithoutBatchFunc(t *testing.T) {
	now := time.Now()
	p := batch.NewProcessor()
	b := p.Group([]*item.Item{mk(item.ResourceReceipts, item.PriorityNormal, now)})[0]
	results := p.Execute(context.Background(), b, nil, func(context.Context, *item.Item) (any, error) {
		return nil, errors.New("nope")
	})
	if results[0].Fallback {
		t.Error("direct per-item execution is not a fallback")
	}
	if b.Status != batch.StatusFailed {
		t.Errorf("Status = %s, want failed", b.Status)
	}
}

func TestFallbackRespectsConcurrency(t *testing.T) {
	now := time.Now()
	var items []*item.Item
	for range 6 {
		items = append(items, mk(item.ResourceReceipts, item.PriorityNormal, now))
	}
	p := batch.NewProcessor(batch.WithMaxConcurrency(2), batch.WithGrouping(batch.Grouping{MaxItems: 10}))
	b := p.Group(items)[0]

	var inFlight, peak atomic.Int32
	p.Execute(context.Background(), b, nil, func(context.Context, *item.Item) (any, error) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	})
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}
