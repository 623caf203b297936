package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	opqueue "github.com/a-cube-io/opqueue"
	"github.com/a-cube-io/opqueue/dlq"
	"github.com/a-cube-io/opqueue/engine"
	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/persist/memory"
	"github.com/a-cube-io/opqueue/processor"
	"github.com/a-cube-io/opqueue/retry"
	"github.com/a-cube-io/opqueue/stream"
)

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

type receipt struct {
	Amount int    `json:"amount"`
	Note   string `json:"note,omitempty"`
}

func newEngine(t *testing.T, cfgOpts []opqueue.Option, opts ...engine.Option) *engine.Engine {
	t.Helper()
	base := []opqueue.Option{
		opqueue.WithAutoProcessing(false, 0),
		opqueue.WithRetryBackoff(time.Millisecond, 5*time.Millisecond, 2, 0),
	}
	cfg, err := opqueue.NewConfig(append(base, cfgOpts...)...)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	eng, err := engine.New(cfg, opts...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { _ = eng.Destroy(context.Background()) })
	return eng
}

func ok(context.Context, *item.Item) (any, error) { return "ok", nil }

func networkDown(context.Context, *item.Item) (any, error) {
	return nil, opqueue.NewOperationError(opqueue.CodeNetwork, "network unreachable")
}

func mustEnqueue(t *testing.T, eng *engine.Engine, r item.Resource, payload string, opts ...item.Option) string {
	t.Helper()
	itemID, err := eng.Enqueue(context.Background(), item.OperationCreate, r, []byte(payload), opts...)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return itemID.String()
}

func waitStatus(t *testing.T, eng *engine.Engine, itemID string, want item.Status) *item.Item {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if _, err := eng.ProcessNext(context.Background(), 0); err != nil {
			t.Fatalf("ProcessNext: %v", err)
		}
		it, found := eng.GetItem(itemID)
		if found && it.Status == want {
			return it
		}
		select {
		case <-deadline:
			t.Fatalf("item %s never reached %s (last: %+v)", itemID, want, it)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func nextEvent(t *testing.T, sub *stream.Subscriber, want stream.EventType) *stream.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt, open := <-sub.C():
			if !open {
				t.Fatalf("subscriber closed before %s", want)
			}
			if evt.Type == want {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

// ──────────────────────────────────────────────────
// Enqueue
// ──────────────────────────────────────────────────

func TestEnqueueAndProcess(t *testing.T) {
	eng := newEngine(t, nil)

	var got receipt
	if err := engine.Register(eng, item.ResourceReceipts, item.OperationCreate,
		func(_ context.Context, _ *item.Item, r receipt) (any, error) {
			got = r
			return r.Amount, nil
		}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	itemID, err := engine.EnqueueJSON(context.Background(), eng, item.OperationCreate, item.ResourceReceipts,
		receipt{Amount: 1250, Note: "coffee"}, item.WithPriority(item.PriorityHigh))
	if err != nil {
		t.Fatalf("EnqueueJSON: %v", err)
	}

	it, found := eng.GetItem(itemID.String())
	if !found {
		t.Fatal("GetItem: not found after enqueue")
	}
	if it.Status != item.StatusPending || it.Priority != item.PriorityHigh || it.MaxRetries != 3 {
		t.Fatalf("item = %+v", it)
	}

	results, err := eng.ProcessNext(context.Background(), 1)
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if len(results) != 1 || !results[0].Success() || results[0].Value != 1250 {
		t.Fatalf("results = %+v", results)
	}
	if got.Amount != 1250 || got.Note != "coffee" {
		t.Errorf("payload = %+v", got)
	}

	it, _ = eng.GetItem(itemID.String())
	if it.Status != item.StatusCompleted {
		t.Errorf("status = %s, want completed", it.Status)
	}
	if st := eng.Stats(); st.TotalSucceeded != 1 || st.SuccessRate != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestEnqueueValidation(t *testing.T) {
	eng := newEngine(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		op   item.Operation
		r    item.Resource
		opts []item.Option
		want error
	}{
		{"unknown resource", item.OperationCreate, "invoices", nil, opqueue.ErrInvalidResource},
		{"unknown operation", "upsert", item.ResourceReceipts, nil, opqueue.ErrInvalidConfig},
		{"unknown priority", item.OperationCreate, item.ResourceReceipts, []item.Option{item.WithPriority("urgent")}, opqueue.ErrInvalidConfig},
		{"negative retries", item.OperationCreate, item.ResourceReceipts, []item.Option{item.WithMaxRetries(-1)}, opqueue.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := eng.Enqueue(ctx, tt.op, tt.r, nil, tt.opts...); !errors.Is(err, tt.want) {
				t.Fatalf("Enqueue error = %v, want %v", err, tt.want)
			}
		})
	}
	if eng.Size() != 0 {
		t.Errorf("Size = %d after rejected enqueues", eng.Size())
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	eng := newEngine(t, []opqueue.Option{opqueue.WithMaxSize(1)})
	sub := eng.Subscribe("watcher", stream.TopicQueue)

	mustEnqueue(t, eng, item.ResourceReceipts, `{"n":1}`)
	_, err := eng.Enqueue(context.Background(), item.OperationCreate, item.ResourceReceipts, []byte(`{"n":2}`))
	if !errors.Is(err, opqueue.ErrQueueFull) {
		t.Fatalf("Enqueue at capacity = %v, want ErrQueueFull", err)
	}
	nextEvent(t, sub, stream.EventQueueBackpressure)
}

func TestDeduplication(t *testing.T) {
	eng := newEngine(t, []opqueue.Option{opqueue.WithDeduplication(time.Minute)})
	ctx := context.Background()

	first := mustEnqueue(t, eng, item.ResourceReceipts, `{"a":1,"b":2}`)

	_, err := eng.Enqueue(ctx, item.OperationCreate, item.ResourceReceipts, []byte(`{"b":2, "a":1}`))
	if !errors.Is(err, opqueue.ErrDuplicateOperation) {
		t.Fatalf("structurally identical payload: err = %v, want ErrDuplicateOperation", err)
	}
	if _, err := eng.Enqueue(ctx, item.OperationUpdate, item.ResourceReceipts, []byte(`{"a":1,"b":2}`)); err != nil {
		t.Fatalf("different operation rejected: %v", err)
	}
	if _, err := eng.Enqueue(ctx, item.OperationCreate, item.ResourceReceipts, []byte(`{"a":1,"b":3}`)); err != nil {
		t.Fatalf("different payload rejected: %v", err)
	}

	// Once the first item leaves pending, the same operation is accepted.
	if !eng.Remove(ctx, first) {
		t.Fatal("Remove returned false")
	}
	if _, err := eng.Enqueue(ctx, item.OperationCreate, item.ResourceReceipts, []byte(`{"a":1,"b":2}`)); err != nil {
		t.Fatalf("re-enqueue after removal: %v", err)
	}
}

func TestDeduplicationDisabled(t *testing.T) {
	eng := newEngine(t, []opqueue.Option{opqueue.WithDeduplication(0)})
	mustEnqueue(t, eng, item.ResourceReceipts, `{"a":1}`)
	mustEnqueue(t, eng, item.ResourceReceipts, `{"a":1}`)
	if eng.Size() != 2 {
		t.Fatalf("Size = %d, want 2", eng.Size())
	}
}

func TestDeduplicationLargeIntegers(t *testing.T) {
	eng := newEngine(t, []opqueue.Option{opqueue.WithDeduplication(time.Minute)})
	mustEnqueue(t, eng, item.ResourceReceipts, `{"amount":9007199254740993}`)
	mustEnqueue(t, eng, item.ResourceReceipts, `{"amount":9007199254740992}`)
	if eng.Size() != 2 {
		t.Fatalf("Size = %d, want 2", eng.Size())
	}
}

func TestDeduplicationConcurrentEnqueue(t *testing.T) {
	eng := newEngine(t, []opqueue.Option{opqueue.WithDeduplication(time.Minute)})
	ctx := context.Background()

	const workers = 32
	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		rejected atomic.Int32
		start    = make(chan struct{})
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := eng.Enqueue(ctx, item.OperationCreate, item.ResourceReceipts, []byte(`{"amount":100}`))
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, opqueue.ErrDuplicateOperation):
				rejected.Add(1)
			default:
				t.Errorf("Enqueue: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if accepted.Load() != 1 || rejected.Load() != workers-1 {
		t.Fatalf("accepted = %d, rejected = %d; want 1 and %d", accepted.Load(), rejected.Load(), workers-1)
	}
	if eng.Size() != 1 {
		t.Fatalf("Size = %d, want 1", eng.Size())
	}
}

func TestDeduplicationReleasedOnQueueFull(t *testing.T) {
	eng := newEngine(t, []opqueue.Option{
		opqueue.WithDeduplication(time.Minute),
		opqueue.WithMaxSize(1),
	})
	ctx := context.Background()
	first := mustEnqueue(t, eng, item.ResourceReceipts, `{"n":1}`)

	if _, err := eng.Enqueue(ctx, item.OperationCreate, item.ResourceReceipts, []byte(`{"n":2}`)); !errors.Is(err, opqueue.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if !eng.Remove(ctx, first) {
		t.Fatal("Remove returned false")
	}
	// The rejected payload left no reservation behind.
	if _, err := eng.Enqueue(ctx, item.OperationCreate, item.ResourceReceipts, []byte(`{"n":2}`)); err != nil {
		t.Fatalf("enqueue after queue drained: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Processing
// ──────────────────────────────────────────────────

func TestProcessWithoutProcessor(t *testing.T) {
	eng := newEngine(t, nil)
	itemID := mustEnqueue(t, eng, item.ResourceMerchants, `{}`)

	results, err := eng.ProcessNext(context.Background(), 5)
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Success() || !errors.Is(results[0].Err, opqueue.ErrNoProcessor) {
		t.Fatalf("result err = %v, want ErrNoProcessor", results[0].Err)
	}

	it, _ := eng.GetItem(itemID)
	if it.Status != item.StatusFailed {
		t.Fatalf("status = %s, want failed", it.Status)
	}
	if len(eng.PendingRetries()) != 0 {
		t.Error("a retry was scheduled for a missing processor")
	}
}

func TestReadyItemsPriority(t *testing.T) {
	eng := newEngine(t, nil)

	c1 := mustEnqueue(t, eng, item.ResourceReceipts, `{"n":1}`, item.WithPriority(item.PriorityCritical))
	mustEnqueue(t, eng, item.ResourceReceipts, `{"n":2}`, item.WithPriority(item.PriorityLow))
	c2 := mustEnqueue(t, eng, item.ResourceReceipts, `{"n":3}`, item.WithPriority(item.PriorityCritical))

	ready := eng.ReadyItems(2)
	if len(ready) != 2 {
		t.Fatalf("ReadyItems(2) = %d items", len(ready))
	}
	if ready[0].ID.String() != c1 || ready[1].ID.String() != c2 {
		t.Errorf("ReadyItems(2) = [%s %s], want [%s %s]", ready[0].ID, ready[1].ID, c1, c2)
	}
}

func TestProcessNextRespectsPriority(t *testing.T) {
	eng := newEngine(t, []opqueue.Option{opqueue.WithMaxConcurrentProcessing(1)})
	var (
		mu    sync.Mutex
		order []string
	)
	_ = eng.RegisterProcessor(item.ResourceReceipts, "", func(_ context.Context, it *item.Item) (any, error) {
		mu.Lock()
		order = append(order, string(it.Priority))
		mu.Unlock()
		return nil, nil
	})

	mustEnqueue(t, eng, item.ResourceReceipts, `{"n":1}`, item.WithPriority(item.PriorityLow))
	mustEnqueue(t, eng, item.ResourceReceipts, `{"n":2}`, item.WithPriority(item.PriorityCritical))
	mustEnqueue(t, eng, item.ResourceReceipts, `{"n":3}`, item.WithPriority(item.PriorityNormal))

	if _, err := eng.ProcessAll(context.Background()); err != nil {
		t.Fatalf("ProcessAll: %v", err)
	}
	want := []string{"critical", "normal", "low"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRetriesThenDead(t *testing.T) {
	eng := newEngine(t, nil)
	var calls atomic.Int64
	_ = eng.RegisterProcessor(item.ResourceReceipts, item.OperationCreate, func(ctx context.Context, it *item.Item) (any, error) {
		calls.Add(1)
		return networkDown(ctx, it)
	})
	sub := eng.Subscribe("watcher", stream.TopicItems)

	itemID := mustEnqueue(t, eng, item.ResourceReceipts, `{}`, item.WithMaxRetries(2))
	dead := waitStatus(t, eng, itemID, item.StatusDead)

	if dead.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", dead.RetryCount)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("processor calls = %d, want 3", n)
	}
	if len(dead.ErrorHistory) != 3 || dead.ErrorHistory[0].Code != string(opqueue.CodeNetwork) {
		t.Errorf("error history = %+v", dead.ErrorHistory)
	}
	nextEvent(t, sub, stream.EventItemMaxRetriesExceeded)

	entries, err := eng.DLQ().List(context.Background(), dlq.ListOpts{})
	if err != nil {
		t.Fatalf("DLQ List: %v", err)
	}
	if len(entries) != 1 || entries[0].ItemID.String() != itemID {
		t.Fatalf("DLQ entries = %+v", entries)
	}
	if entries[0].Code != string(opqueue.CodeNetwork) {
		t.Errorf("DLQ code = %q", entries[0].Code)
	}
}

func TestRetriesThenFailedWithoutDeadLetter(t *testing.T) {
	eng := newEngine(t, []opqueue.Option{opqueue.WithDeadLetter(false)})
	_ = eng.RegisterProcessor(item.ResourceReceipts, "", networkDown)

	itemID := mustEnqueue(t, eng, item.ResourceReceipts, `{}`, item.WithMaxRetries(2))
	deadline := time.After(5 * time.Second)
	for {
		_, _ = eng.ProcessNext(context.Background(), 0)
		it, _ := eng.GetItem(itemID)
		if it.Status == item.StatusFailed && it.RetryCount == 2 && len(eng.PendingRetries()) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("item never settled as failed: %+v", it)
		case <-time.After(2 * time.Millisecond):
		}
	}
	if n, _ := eng.DLQ().Count(context.Background()); n != 0 {
		t.Errorf("DLQ count = %d, want 0", n)
	}
}

func TestCircuitBreakerGatesResource(t *testing.T) {
	eng := newEngine(t, []opqueue.Option{opqueue.WithCircuitBreaker(1, time.Hour)})
	_ = eng.RegisterProcessor(item.ResourceReceipts, "", func(context.Context, *item.Item) (any, error) {
		return nil, opqueue.NewOperationError(opqueue.CodeServer, "502")
	})
	_ = eng.RegisterProcessor(item.ResourceMerchants, "", ok)
	sub := eng.Subscribe("watcher", stream.TopicCircuits)

	mustEnqueue(t, eng, item.ResourceReceipts, `{"n":1}`, item.WithMaxRetries(0))
	if _, err := eng.ProcessNext(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	nextEvent(t, sub, stream.EventCircuitOpened)
	if s := eng.CircuitState(item.ResourceReceipts); s != retry.CircuitOpen {
		t.Fatalf("circuit = %s, want open", s)
	}

	blocked := mustEnqueue(t, eng, item.ResourceReceipts, `{"n":2}`)
	other := mustEnqueue(t, eng, item.ResourceMerchants, `{"n":3}`)

	results, _ := eng.ProcessNext(context.Background(), 5)
	if len(results) != 1 || results[0].ItemID != other {
		t.Fatalf("results = %+v, want only the merchants item", results)
	}
	if it, _ := eng.GetItem(blocked); it.Status != item.StatusPending {
		t.Fatalf("blocked item status = %s, want pending", it.Status)
	}

	eng.ResetCircuit(item.ResourceReceipts)
	nextEvent(t, sub, stream.EventCircuitReset)
	results, _ = eng.ProcessNext(context.Background(), 5)
	if len(results) != 1 || results[0].ItemID != blocked {
		t.Fatalf("after reset results = %+v", results)
	}
}

func TestDependenciesDelayDispatch(t *testing.T) {
	eng := newEngine(t, nil)
	_ = eng.RegisterProcessor(item.ResourceMerchants, "", ok)

	parent := mustEnqueue(t, eng, item.ResourceMerchants, `{"step":1}`, item.WithPriority(item.PriorityLow))
	child := mustEnqueue(t, eng, item.ResourceMerchants, `{"step":2}`,
		item.WithPriority(item.PriorityCritical), item.WithDependencies(parent))

	ready := eng.ReadyItems(0)
	if len(ready) != 1 || ready[0].ID.String() != parent {
		t.Fatalf("ReadyItems = %d items, want only the parent", len(ready))
	}

	if _, err := eng.ProcessNext(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	ready = eng.ReadyItems(0)
	if len(ready) != 1 || ready[0].ID.String() != child {
		t.Fatalf("child not ready after parent completed")
	}
}

func TestScheduledItemWaits(t *testing.T) {
	eng := newEngine(t, nil)
	_ = eng.RegisterProcessor(item.ResourceReceipts, "", ok)

	mustEnqueue(t, eng, item.ResourceReceipts, `{}`, item.WithScheduledAt(time.Now().Add(time.Hour)))
	results, _ := eng.ProcessNext(context.Background(), 5)
	if len(results) != 0 {
		t.Fatalf("scheduled item dispatched early: %+v", results)
	}
}

func TestSinglePassAtATime(t *testing.T) {
	eng := newEngine(t, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	_ = eng.RegisterProcessor(item.ResourceReceipts, "", func(context.Context, *item.Item) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	mustEnqueue(t, eng, item.ResourceReceipts, `{"n":1}`)

	done := make(chan []engine.Result, 1)
	go func() {
		rs, _ := eng.ProcessNext(context.Background(), 1)
		done <- rs
	}()
	<-started

	if !eng.Processing() {
		t.Error("Processing() = false during a pass")
	}
	rs, err := eng.ProcessNext(context.Background(), 1)
	if err != nil || rs != nil {
		t.Fatalf("overlapping ProcessNext = %v, %v; want nil, nil", rs, err)
	}

	close(release)
	if rs := <-done; len(rs) != 1 {
		t.Fatalf("first pass results = %d, want 1", len(rs))
	}
}

func TestCompletedItemsRemovedAfterRetention(t *testing.T) {
	eng := newEngine(t, []opqueue.Option{opqueue.WithCompletedRetention(0)})
	_ = eng.RegisterProcessor(item.ResourceReceipts, "", ok)
	sub := eng.Subscribe("watcher", stream.TopicQueue)

	itemID := mustEnqueue(t, eng, item.ResourceReceipts, `{}`)
	if _, err := eng.ProcessNext(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if _, found := eng.GetItem(itemID); found {
		t.Error("completed item still present with zero retention")
	}
	nextEvent(t, sub, stream.EventQueueDrained)
}

func TestUpdateItemStatus(t *testing.T) {
	eng := newEngine(t, nil)
	itemID := mustEnqueue(t, eng, item.ResourceCashiers, `{}`)
	ctx := context.Background()

	if _, err := eng.UpdateItemStatus(ctx, itemID, item.StatusCompleted); !errors.Is(err, opqueue.ErrInvalidTransition) {
		t.Fatalf("pending -> completed: err = %v, want ErrInvalidTransition", err)
	}
	it, err := eng.UpdateItemStatus(ctx, itemID, item.StatusProcessing)
	if err != nil || it.Status != item.StatusProcessing {
		t.Fatalf("pending -> processing: %v, %v", it, err)
	}
	if _, err := eng.UpdateItemStatus(ctx, "item_missing", item.StatusProcessing); !errors.Is(err, opqueue.ErrItemNotFound) {
		t.Fatalf("unknown item: err = %v", err)
	}
}

func TestDequeueAndClear(t *testing.T) {
	eng := newEngine(t, nil)
	ctx := context.Background()

	low := mustEnqueue(t, eng, item.ResourceReceipts, `{"n":1}`, item.WithPriority(item.PriorityLow))
	high := mustEnqueue(t, eng, item.ResourceReceipts, `{"n":2}`, item.WithPriority(item.PriorityHigh))

	it, found := eng.Dequeue(ctx)
	if !found || it.ID.String() != high {
		t.Fatalf("Dequeue = %v, want %s", it, high)
	}
	if _, found := eng.GetItem(high); found {
		t.Error("dequeued item still present")
	}

	eng.Clear(ctx)
	if eng.Size() != 0 {
		t.Fatalf("Size after Clear = %d", eng.Size())
	}
	if _, found := eng.GetItem(low); found {
		t.Error("item present after Clear")
	}
}

// ──────────────────────────────────────────────────
// Batching
// ──────────────────────────────────────────────────

func TestBatchProcessing(t *testing.T) {
	eng := newEngine(t, []opqueue.Option{
		opqueue.WithBatching(10, time.Minute),
		opqueue.WithMaxConcurrentProcessing(10),
	})
	var batchCalls atomic.Int64
	_ = eng.RegisterBatchProcessor(item.ResourceReceipts, func(_ context.Context, items []*item.Item) ([]processor.Outcome, error) {
		batchCalls.Add(1)
		out := make([]processor.Outcome, len(items))
		for i, it := range items {
			out[i] = processor.Outcome{ItemID: it.ID.String(), Result: i}
		}
		return out, nil
	})
	sub := eng.Subscribe("watcher", stream.TopicBatches)

	for i := range 3 {
		mustEnqueue(t, eng, item.ResourceReceipts, `{"n":`+string(rune('0'+i))+`}`)
	}
	results, err := eng.ProcessNext(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if batchCalls.Load() != 1 {
		t.Errorf("batch processor calls = %d, want 1", batchCalls.Load())
	}
	batchID := results[0].BatchID
	for _, r := range results {
		if !r.Success() || r.BatchID == "" || r.BatchID != batchID {
			t.Errorf("result = %+v", r)
		}
	}
	nextEvent(t, sub, stream.EventBatchCreated)
	nextEvent(t, sub, stream.EventBatchCompleted)
}

func TestBatchFallsBackToItemProcessor(t *testing.T) {
	eng := newEngine(t, []opqueue.Option{opqueue.WithBatching(10, time.Minute)})
	_ = eng.RegisterBatchProcessor(item.ResourcePEMs, func(context.Context, []*item.Item) ([]processor.Outcome, error) {
		return nil, errors.New("bulk endpoint unavailable")
	})
	var single atomic.Int64
	_ = eng.RegisterProcessor(item.ResourcePEMs, "", func(context.Context, *item.Item) (any, error) {
		single.Add(1)
		return nil, nil
	})

	mustEnqueue(t, eng, item.ResourcePEMs, `{"n":1}`)
	mustEnqueue(t, eng, item.ResourcePEMs, `{"n":2}`)
	results, _ := eng.ProcessNext(context.Background(), 10)
	if len(results) != 2 || single.Load() != 2 {
		t.Fatalf("results=%d single calls=%d, want 2 and 2", len(results), single.Load())
	}
}

func TestBatchPanicFallsBackToItemProcessor(t *testing.T) {
	eng := newEngine(t, []opqueue.Option{opqueue.WithBatching(10, time.Minute)})
	_ = eng.RegisterBatchProcessor(item.ResourcePEMs, func(context.Context, []*item.Item) ([]processor.Outcome, error) {
		panic("malformed bulk response")
	})
	var single atomic.Int64
	_ = eng.RegisterProcessor(item.ResourcePEMs, "", func(context.Context, *item.Item) (any, error) {
		single.Add(1)
		return nil, nil
	})

	a := mustEnqueue(t, eng, item.ResourcePEMs, `{"n":1}`)
	b := mustEnqueue(t, eng, item.ResourcePEMs, `{"n":2}`)
	results, err := eng.ProcessNext(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if len(results) != 2 || single.Load() != 2 {
		t.Fatalf("results=%d single calls=%d, want 2 and 2", len(results), single.Load())
	}
	for _, itemID := range []string{a, b} {
		if it, _ := eng.GetItem(itemID); it == nil || it.Status != item.StatusCompleted {
			t.Errorf("item %s = %+v, want completed", itemID, it)
		}
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

func TestPauseResume(t *testing.T) {
	eng := newEngine(t, nil)
	sub := eng.Subscribe("watcher", stream.TopicQueue)
	ctx := context.Background()

	eng.Pause(ctx)
	if !eng.Paused() {
		t.Fatal("Paused() = false after Pause")
	}
	nextEvent(t, sub, stream.EventQueuePaused)

	eng.Resume(ctx)
	if eng.Paused() {
		t.Fatal("Paused() = true after Resume")
	}
	nextEvent(t, sub, stream.EventQueueResumed)
}

func TestAutoProcessing(t *testing.T) {
	eng := newEngine(t, []opqueue.Option{opqueue.WithAutoProcessing(true, 5*time.Millisecond)})
	done := make(chan struct{}, 1)
	_ = eng.RegisterProcessor(item.ResourceReceipts, "", func(context.Context, *item.Item) (any, error) {
		done <- struct{}{}
		return nil, nil
	})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mustEnqueue(t, eng, item.ResourceReceipts, `{}`)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler never processed the item")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	backend := memory.New()
	opts := []opqueue.Option{opqueue.WithSnapshotSchedule("")}

	first := newEngine(t, opts, engine.WithPersistence(backend))
	a := mustEnqueue(t, first, item.ResourceReceipts, `{"n":1}`, item.WithPriority(item.PriorityHigh))
	b := mustEnqueue(t, first, item.ResourceMerchants, `{"n":2}`)
	if err := first.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	second := newEngine(t, opts, engine.WithPersistence(backend))
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	items := second.Items()
	if len(items) != 2 || items[0].ID.String() != a || items[1].ID.String() != b {
		t.Fatalf("restored items = %v", items)
	}
	if items[0].Priority != item.PriorityHigh || string(items[1].Payload) != `{"n":2}` {
		t.Errorf("restored fields differ: %+v", items)
	}
	if st := second.PersistenceStatus(); !st.Enabled {
		t.Errorf("PersistenceStatus = %+v", st)
	}
}

type brokenAdapter struct{}

func (brokenAdapter) Save(context.Context, []*item.Item) error { return errors.New("disk full") }
func (brokenAdapter) Load(context.Context) ([]*item.Item, error) {
	return nil, errors.New("corrupt snapshot")
}

func TestPersistenceFailuresAreNotFatal(t *testing.T) {
	eng := newEngine(t, []opqueue.Option{opqueue.WithSnapshotSchedule("")}, engine.WithPersistence(brokenAdapter{}))
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start with a failing Load: %v", err)
	}
	if eng.Size() != 0 {
		t.Fatalf("Size = %d, want empty queue", eng.Size())
	}
	mustEnqueue(t, eng, item.ResourceReceipts, `{}`)
	st := eng.PersistenceStatus()
	if st.Failures == 0 || st.LastError == "" {
		t.Errorf("PersistenceStatus = %+v, want a recorded failure", st)
	}
}

func TestDLQReplay(t *testing.T) {
	eng := newEngine(t, nil)
	fail := atomic.Bool{}
	fail.Store(true)
	_ = eng.RegisterProcessor(item.ResourceReceipts, "", func(context.Context, *item.Item) (any, error) {
		if fail.Load() {
			return nil, opqueue.NewOperationError(opqueue.CodeValidation, "rejected")
		}
		return nil, nil
	})

	itemID := mustEnqueue(t, eng, item.ResourceReceipts, `{"n":1}`)
	waitStatus(t, eng, itemID, item.StatusDead)

	ctx := context.Background()
	entries, err := eng.DLQ().List(ctx, dlq.ListOpts{})
	if err != nil || len(entries) != 1 {
		t.Fatalf("DLQ List = %v, %v", entries, err)
	}

	fail.Store(false)
	replayed, err := eng.DLQ().Replay(ctx, entries[0].ID)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if replayed.ID.String() == itemID || replayed.Metadata["replayed_from"] == "" {
		t.Fatalf("replayed item = %+v", replayed)
	}
	waitStatus(t, eng, replayed.ID.String(), item.StatusCompleted)
}

func TestDestroy(t *testing.T) {
	eng := newEngine(t, nil)
	sub := eng.Subscribe("watcher")
	ctx := context.Background()

	if err := eng.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := eng.Destroy(ctx); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
	if !eng.Destroyed() {
		t.Fatal("Destroyed() = false")
	}
	if _, err := eng.Enqueue(ctx, item.OperationCreate, item.ResourceReceipts, nil); !errors.Is(err, opqueue.ErrDestroyed) {
		t.Errorf("Enqueue after Destroy = %v", err)
	}
	if _, err := eng.ProcessNext(ctx, 1); !errors.Is(err, opqueue.ErrDestroyed) {
		t.Errorf("ProcessNext after Destroy = %v", err)
	}
	if err := eng.Start(ctx); !errors.Is(err, opqueue.ErrDestroyed) {
		t.Errorf("Start after Destroy = %v", err)
	}

	select {
	case _, open := <-sub.C():
		if open {
			t.Error("subscriber received an event instead of closing")
		}
	case <-time.After(time.Second):
		t.Error("subscriber not closed on Destroy")
	}
}

func TestNoPassAfterDestroy(t *testing.T) {
	ctx := context.Background()
	for round := range 50 {
		eng := newEngine(t, nil)
		var torndown atomic.Bool
		_ = eng.RegisterProcessor(item.ResourceReceipts, "", func(context.Context, *item.Item) (any, error) {
			if torndown.Load() {
				t.Errorf("round %d: processor ran after Destroy returned", round)
			}
			return nil, nil
		})
		for i := range 5 {
			mustEnqueue(t, eng, item.ResourceReceipts, fmt.Sprintf(`{"n":%d}`, i))
		}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, err := eng.ProcessNext(ctx, 1)
				if errors.Is(err, opqueue.ErrDestroyed) {
					return
				}
				if err != nil {
					t.Errorf("ProcessNext: %v", err)
					return
				}
			}
		}()

		if err := eng.Destroy(ctx); err != nil {
			t.Fatalf("Destroy: %v", err)
		}
		torndown.Store(true)
		wg.Wait()
	}
}

func TestInsightsAndTrend(t *testing.T) {
	eng := newEngine(t, nil)
	_ = eng.RegisterProcessor(item.ResourceReceipts, "", ok)

	for i := range 5 {
		mustEnqueue(t, eng, item.ResourceReceipts, `{"n":`+string(rune('0'+i))+`}`)
	}
	if _, err := eng.ProcessAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(eng.Metrics(time.Hour)) == 0 {
		t.Fatal("no analytics samples recorded")
	}
	score := eng.HealthScore(time.Hour)
	if score < 0 || score > 100 {
		t.Errorf("HealthScore = %v, want within [0,100]", score)
	}
	ins := eng.Insights(time.Hour)
	if ins.HealthScore < 0 || ins.HealthScore > 100 {
		t.Errorf("Insights.HealthScore = %v", ins.HealthScore)
	}
	_ = eng.TrendAnalysis(time.Hour)
}
