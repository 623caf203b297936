package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	opqueue "github.com/a-cube-io/opqueue"
	"github.com/a-cube-io/opqueue/backoff"
	"github.com/a-cube-io/opqueue/dlq"
	"github.com/a-cube-io/opqueue/ext"
	"github.com/a-cube-io/opqueue/id"
	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/limiter"
	"github.com/a-cube-io/opqueue/persist/memory"
	"github.com/a-cube-io/opqueue/processor"
	"github.com/a-cube-io/opqueue/retry"
	"github.com/a-cube-io/opqueue/store"
	"github.com/a-cube-io/opqueue/worker"
)

type recorder struct {
	mu        sync.Mutex
	completed []string
	failed    []string
	retrying  []int
	dead      []string
	exhausted int
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) OnItemCompleted(_ context.Context, it *item.Item, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, it.ID.String())
	return nil
}

func (r *recorder) OnItemFailed(_ context.Context, it *item.Item, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, it.ID.String())
	return nil
}

func (r *recorder) OnItemRetrying(_ context.Context, _ *item.Item, attempt int, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retrying = append(r.retrying, attempt)
	return nil
}

func (r *recorder) OnItemDead(_ context.Context, it *item.Item, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dead = append(r.dead, it.ID.String())
	return nil
}

func (r *recorder) OnRetriesExhausted(context.Context, *item.Item, error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exhausted++
	return nil
}

type harness struct {
	store    *store.Store
	procs    *processor.Registry
	exec     *worker.Executor
	dlq      *dlq.Service
	events   *recorder
	requeued chan string
}

func newHarness(t *testing.T, opts ...worker.ExecutorOption) *harness {
	t.Helper()
	logger := slog.Default()
	h := &harness{
		store:    store.New(),
		procs:    processor.NewRegistry(),
		events:   &recorder{},
		requeued: make(chan string, 16),
	}
	extensions := ext.NewRegistry(logger)
	extensions.Register(h.events)

	h.dlq = dlq.NewService(memory.New(), nil)
	params := backoff.Params{Base: time.Millisecond, Max: 2 * time.Millisecond, Factor: 1}
	retries := retry.NewManager(params, func(it *item.Item) {
		if _, err := h.exec.RetryReady(it); err == nil {
			h.requeued <- it.ID.String()
		}
	})
	t.Cleanup(retries.Stop)

	opts = append([]worker.ExecutorOption{
		worker.WithRetries(retries),
		worker.WithDLQ(h.dlq),
	}, opts...)
	h.exec = worker.NewExecutor(h.procs, h.store, extensions, logger, opts...)
	return h
}

func (h *harness) add(t *testing.T, r item.Resource, maxRetries int) *item.Item {
	t.Helper()
	now := time.Now()
	it := &item.Item{
		ID:         id.NewItemID(),
		Priority:   item.PriorityNormal,
		Operation:  item.OperationCreate,
		Resource:   r,
		Status:     item.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: maxRetries,
	}
	if !h.store.Enqueue(it) {
		t.Fatalf("Enqueue(%s) = false", it.ID)
	}
	return it
}

func (h *harness) run(t *testing.T, it *item.Item) worker.Result {
	t.Helper()
	claimed, ok := h.exec.Claim(context.Background(), it)
	if !ok {
		t.Fatalf("Claim(%s) = false", it.ID)
	}
	if claimed.Status != item.StatusProcessing {
		t.Fatalf("claimed status = %s, want processing", claimed.Status)
	}
	return h.exec.Execute(context.Background(), claimed)
}

func (h *harness) waitRequeue(t *testing.T) {
	t.Helper()
	select {
	case <-h.requeued:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retry")
	}
}

func TestExecuteSuccess(t *testing.T) {
	h := newHarness(t)
	h.procs.Register(item.ResourceReceipts, item.OperationCreate, func(_ context.Context, it *item.Item) (any, error) {
		return "ok:" + it.ID.String(), nil
	})
	it := h.add(t, item.ResourceReceipts, 3)

	res := h.run(t, it)
	if !res.Success() || res.Status != item.StatusCompleted {
		t.Fatalf("result = %+v, want completed", res)
	}
	if res.Value != "ok:"+it.ID.String() {
		t.Errorf("Value = %v", res.Value)
	}
	got, _ := h.store.Get(it.ID.String())
	if got.Status != item.StatusCompleted {
		t.Errorf("stored status = %s, want completed", got.Status)
	}
	if len(h.events.completed) != 1 {
		t.Errorf("completed events = %d, want 1", len(h.events.completed))
	}
}

func TestExecuteNoProcessor(t *testing.T) {
	h := newHarness(t)
	it := h.add(t, item.ResourceMerchants, 3)

	res := h.run(t, it)
	if !errors.Is(res.Err, opqueue.ErrNoProcessor) {
		t.Fatalf("Err = %v, want ErrNoProcessor", res.Err)
	}
	if res.Status != item.StatusFailed {
		t.Fatalf("Status = %s, want failed", res.Status)
	}
	got, _ := h.store.Get(it.ID.String())
	rec, ok := got.LastError()
	if !ok || rec.Code != string(opqueue.CodeNoProcessor) || rec.Retryable {
		t.Errorf("last error = %+v, want non-retryable NO_PROCESSOR", rec)
	}
	if n := len(h.events.dead); n != 0 {
		t.Errorf("dead events = %d, want 0", n)
	}
}

func TestExecuteRetriesThenDead(t *testing.T) {
	h := newHarness(t)
	h.procs.Register(item.ResourceReceipts, "", func(context.Context, *item.Item) (any, error) {
		return nil, opqueue.NewOperationError(opqueue.CodeNetwork, "offline")
	})
	it := h.add(t, item.ResourceReceipts, 2)

	for attempt := 1; attempt <= 2; attempt++ {
		res := h.run(t, it)
		if res.Status != item.StatusRetry || res.Retry == nil {
			t.Fatalf("attempt %d: result = %+v, want retry", attempt, res)
		}
		if res.Retry.Attempt != attempt {
			t.Errorf("attempt %d: scheduled attempt = %d", attempt, res.Retry.Attempt)
		}
		h.waitRequeue(t)
		cur, _ := h.store.Get(it.ID.String())
		if cur.Status != item.StatusPending || cur.RetryCount != attempt {
			t.Fatalf("after retry %d: status=%s retries=%d", attempt, cur.Status, cur.RetryCount)
		}
		it = cur
	}

	res := h.run(t, it)
	if res.Status != item.StatusDead {
		t.Fatalf("final status = %s, want dead", res.Status)
	}
	got, _ := h.store.Get(it.ID.String())
	if got.RetryCount != 2 || len(got.ErrorHistory) != 3 {
		t.Errorf("retries=%d errors=%d, want 2 and 3", got.RetryCount, len(got.ErrorHistory))
	}
	if h.events.exhausted != 1 || len(h.events.dead) != 1 {
		t.Errorf("exhausted=%d dead=%d, want 1 and 1", h.events.exhausted, len(h.events.dead))
	}
	n, err := h.dlq.Count(context.Background())
	if err != nil || n != 1 {
		t.Errorf("DLQ count = %d, %v; want 1", n, err)
	}
}

func TestExecuteFailedWithoutDeadLetter(t *testing.T) {
	h := newHarness(t, worker.WithDeadLetter(false))
	h.procs.Register(item.ResourceReceipts, "", func(context.Context, *item.Item) (any, error) {
		return nil, opqueue.NewOperationError(opqueue.CodeValidation, "bad receipt")
	})
	it := h.add(t, item.ResourceReceipts, 3)

	res := h.run(t, it)
	if res.Status != item.StatusFailed {
		t.Fatalf("Status = %s, want failed", res.Status)
	}
	if len(h.events.retrying) != 0 || len(h.events.dead) != 0 {
		t.Errorf("retrying=%v dead=%v, want none", h.events.retrying, h.events.dead)
	}
}

func TestExecuteNonRetryableGoesDead(t *testing.T) {
	h := newHarness(t)
	h.procs.Register(item.ResourceReceipts, "", func(context.Context, *item.Item) (any, error) {
		return nil, opqueue.NewOperationError(opqueue.CodeValidation, "bad receipt")
	})
	it := h.add(t, item.ResourceReceipts, 3)

	res := h.run(t, it)
	if res.Status != item.StatusDead {
		t.Fatalf("Status = %s, want dead", res.Status)
	}
	if h.events.exhausted != 0 {
		t.Errorf("exhausted = %d, want 0 for a non-retryable error", h.events.exhausted)
	}
}

func TestClaimRefusedByOpenCircuit(t *testing.T) {
	breakers := retry.NewBreakers(retry.BreakerConfig{Threshold: 1, Timeout: time.Hour}, nil)
	h := newHarness(t, worker.WithBreakers(breakers))
	h.procs.Register(item.ResourceCashiers, "", func(context.Context, *item.Item) (any, error) {
		return nil, opqueue.NewOperationError(opqueue.CodeServer, "500")
	})

	first := h.add(t, item.ResourceCashiers, 0)
	h.run(t, first)
	if breakers.State(item.ResourceCashiers) != retry.CircuitOpen {
		t.Fatalf("circuit = %s, want open", breakers.State(item.ResourceCashiers))
	}

	second := h.add(t, item.ResourceCashiers, 3)
	if _, ok := h.exec.Claim(context.Background(), second); ok {
		t.Fatal("Claim succeeded with the circuit open")
	}
	got, _ := h.store.Get(second.ID.String())
	if got.Status != item.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}

	other := h.add(t, item.ResourceReceipts, 3)
	if _, ok := h.exec.Claim(context.Background(), other); !ok {
		t.Error("Claim refused for an unrelated resource")
	}
}

func TestClaimRespectsLimiter(t *testing.T) {
	limits := limiter.NewManager(limiter.Config{Resource: item.ResourcePEMs, MaxConcurrency: 1})
	h := newHarness(t, worker.WithLimiter(limits))
	h.procs.Register(item.ResourcePEMs, "", func(context.Context, *item.Item) (any, error) { return nil, nil })

	a := h.add(t, item.ResourcePEMs, 0)
	b := h.add(t, item.ResourcePEMs, 0)

	claimed, ok := h.exec.Claim(context.Background(), a)
	if !ok {
		t.Fatal("first Claim refused")
	}
	if _, ok := h.exec.Claim(context.Background(), b); ok {
		t.Fatal("second Claim admitted beyond MaxConcurrency")
	}
	h.exec.Execute(context.Background(), claimed)
	if n := limits.ActiveCount(item.ResourcePEMs); n != 0 {
		t.Fatalf("ActiveCount = %d after settle, want 0", n)
	}
	if _, ok := h.exec.Claim(context.Background(), b); !ok {
		t.Error("Claim refused after the slot was released")
	}
}

func TestCancelActive(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.procs.Register(item.ResourceReceipts, "", func(ctx context.Context, _ *item.Item) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	it := h.add(t, item.ResourceReceipts, 0)
	claimed, _ := h.exec.Claim(context.Background(), it)

	done := make(chan worker.Result, 1)
	go func() { done <- h.exec.Execute(context.Background(), claimed) }()

	<-started
	if n := h.exec.ActiveCount(); n != 1 {
		t.Errorf("ActiveCount = %d, want 1", n)
	}
	h.exec.CancelActive()

	select {
	case res := <-done:
		if !errors.Is(res.Err, context.Canceled) {
			t.Errorf("Err = %v, want context.Canceled", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("processor was not cancelled")
	}
}
