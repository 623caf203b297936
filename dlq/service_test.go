package dlq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/a-cube-io/opqueue/dlq"
	"github.com/a-cube-io/opqueue/id"
	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/persist/memory"
)

func newDeadItem(payload []byte) *item.Item {
	now := time.Now().UTC()
	return &item.Item{
		ID:         id.NewItemID(),
		Priority:   item.PriorityHigh,
		Operation:  item.OperationCreate,
		Resource:   item.ResourceReceipts,
		Payload:    payload,
		Status:     item.StatusDead,
		CreatedAt:  now,
		UpdatedAt:  now,
		RetryCount: 3,
		MaxRetries: 3,
		Metadata:   map[string]string{"register": "r-1"},
		ErrorHistory: []item.ErrorRecord{
			{Timestamp: now, Error: "gateway timeout", Code: "TIMEOUT_ERROR", Retryable: true},
		},
	}
}

func TestService_Push_BuildsEntryFromItem(t *testing.T) {
	s := memory.New()
	svc := dlq.NewService(s, nil)
	ctx := context.Background()

	it := newDeadItem([]byte(`{"amount":10}`))
	entry, err := svc.Push(ctx, it, errors.New("upstream unavailable"))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	entries, err := s.ListDLQ(ctx, dlq.ListOpts{Limit: 10})
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 DLQ entry, got %d", len(entries))
	}

	got := entries[0]
	if got.ID != entry.ID {
		t.Errorf("ID = %v, want %v", got.ID, entry.ID)
	}
	if got.ItemID != it.ID {
		t.Errorf("ItemID = %v, want %v", got.ItemID, it.ID)
	}
	if got.Resource != item.ResourceReceipts {
		t.Errorf("Resource = %q, want %q", got.Resource, item.ResourceReceipts)
	}
	if string(got.Payload) != `{"amount":10}` {
		t.Errorf("Payload = %q, want %q", got.Payload, `{"amount":10}`)
	}
	if got.Error != "upstream unavailable" {
		t.Errorf("Error = %q, want %q", got.Error, "upstream unavailable")
	}
	if got.Code != "TIMEOUT_ERROR" {
		t.Errorf("Code = %q, want %q", got.Code, "TIMEOUT_ERROR")
	}
	if got.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want %d", got.RetryCount, 3)
	}
	if got.Metadata["register"] != "r-1" {
		t.Errorf("Metadata[register] = %q, want r-1", got.Metadata["register"])
	}
	if got.FailedAt.IsZero() {
		t.Error("FailedAt should be set")
	}
}

func TestService_Push_FallsBackToLastError(t *testing.T) {
	s := memory.New()
	svc := dlq.NewService(s, nil)

	entry, err := svc.Push(context.Background(), newDeadItem(nil), nil)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if entry.Error != "gateway timeout" {
		t.Errorf("Error = %q, want %q", entry.Error, "gateway timeout")
	}
}

func TestService_Replay(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	var requeued []*item.Item
	svc := dlq.NewService(s, func(_ context.Context, it *item.Item) error {
		requeued = append(requeued, it)
		return nil
	})

	dead := newDeadItem([]byte(`{"amount":10}`))
	entry, err := svc.Push(ctx, dead, errors.New("boom"))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	it, err := svc.Replay(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if len(requeued) != 1 || requeued[0] != it {
		t.Fatalf("enqueue called %d times, want 1", len(requeued))
	}
	if it.ID == dead.ID {
		t.Error("replayed item should have a new ID")
	}
	if it.Status != item.StatusPending {
		t.Errorf("Status = %q, want %q", it.Status, item.StatusPending)
	}
	if it.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", it.RetryCount)
	}
	if it.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", it.MaxRetries)
	}
	if it.Metadata["replayed_from"] != entry.ID.String() {
		t.Errorf("replayed_from = %q, want %q", it.Metadata["replayed_from"], entry.ID.String())
	}
	if it.Metadata["register"] != "r-1" {
		t.Errorf("Metadata[register] = %q, want r-1", it.Metadata["register"])
	}

	got, err := svc.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ReplayedAt == nil {
		t.Error("ReplayedAt should be set after replay")
	}
}

func TestService_Replay_EnqueueError(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	boom := errors.New("queue full")

	svc := dlq.NewService(s, func(context.Context, *item.Item) error { return boom })
	entry, _ := svc.Push(ctx, newDeadItem(nil), errors.New("x"))

	if _, err := svc.Replay(ctx, entry.ID); !errors.Is(err, boom) {
		t.Fatalf("Replay error = %v, want %v", err, boom)
	}

	got, _ := svc.Get(ctx, entry.ID)
	if got.ReplayedAt != nil {
		t.Error("entry should not be marked replayed when enqueue fails")
	}
}

func TestService_Replay_NotFound(t *testing.T) {
	svc := dlq.NewService(memory.New(), nil)

	_, err := svc.Replay(context.Background(), id.NewDLQID())
	if !dlq.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestService_PurgeAndCount(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	now := time.Now().UTC()
	clock := now.Add(-72 * time.Hour)
	svc := dlq.NewService(s, nil, dlq.WithClock(func() time.Time { return clock }))

	if _, err := svc.Push(ctx, newDeadItem(nil), errors.New("old")); err != nil {
		t.Fatal(err)
	}
	clock = now
	if _, err := svc.Push(ctx, newDeadItem(nil), errors.New("recent")); err != nil {
		t.Fatal(err)
	}

	n, err := svc.Purge(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}

	count, err := svc.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	n, _ = svc.Purge(ctx, 0)
	if n != 1 {
		t.Errorf("purge all = %d, want 1", n)
	}
}
