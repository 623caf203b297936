// Package persisttest holds a conformance suite every persist.Backend
// must pass. Backends call Run from their own tests.
package persisttest

import (
	"context"
	"errors"
	"testing"
	"time"

	opqueue "github.com/a-cube-io/opqueue"
	"github.com/a-cube-io/opqueue/dlq"
	"github.com/a-cube-io/opqueue/id"
	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/persist"
)

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) persist.Backend

// Run exercises snapshot and DLQ behavior against backends built by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Helper()

	t.Run("Ping", func(t *testing.T) {
		if err := newBackend(t).Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	})
	t.Run("LoadEmpty", func(t *testing.T) { testLoadEmpty(t, newBackend(t)) })
	t.Run("SaveLoad", func(t *testing.T) { testSaveLoad(t, newBackend(t)) })
	t.Run("SaveReplaces", func(t *testing.T) { testSaveReplaces(t, newBackend(t)) })
	t.Run("DLQ", func(t *testing.T) { testDLQ(t, newBackend(t)) })
	t.Run("DLQPurge", func(t *testing.T) { testDLQPurge(t, newBackend(t)) })
}

// NewItem returns a populated pending item.
func NewItem(r item.Resource, p item.Priority) *item.Item {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &item.Item{
		ID:                 id.NewItemID(),
		Priority:           p,
		Operation:          item.OperationCreate,
		Resource:           r,
		Payload:            []byte(`{"amount":42}`),
		Status:             item.StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
		MaxRetries:         3,
		RetryStrategy:      item.RetryExponential,
		ConflictResolution: item.ConflictServerWins,
		Metadata:           map[string]string{"k": "v"},
	}
}

// NewEntry returns a DLQ entry that failed at failedAt.
func NewEntry(r item.Resource, failedAt time.Time) *dlq.Entry {
	return &dlq.Entry{
		ID:         id.NewDLQID(),
		ItemID:     id.NewItemID(),
		Resource:   r,
		Operation:  item.OperationUpdate,
		Priority:   item.PriorityHigh,
		Payload:    []byte(`{"x":1}`),
		Error:      "server error",
		Code:       "SERVER_ERROR",
		RetryCount: 3,
		MaxRetries: 3,
		Metadata:   map[string]string{"origin": "test"},
		FailedAt:   failedAt.UTC().Truncate(time.Microsecond),
		CreatedAt:  failedAt.UTC().Truncate(time.Microsecond),
	}
}

func testLoadEmpty(t *testing.T, b persist.Backend) {
	items, err := b.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("len = %d, want 0", len(items))
	}
}

func testSaveLoad(t *testing.T, b persist.Backend) {
	ctx := context.Background()
	want := []*item.Item{
		NewItem(item.ResourceReceipts, item.PriorityCritical),
		NewItem(item.ResourceMerchants, item.PriorityNormal),
		NewItem(item.ResourcePEMs, item.PriorityLow),
	}
	want[1].Status = item.StatusRetry
	want[1].RetryCount = 1
	want[1].ErrorHistory = []item.ErrorRecord{{
		Timestamp: want[1].CreatedAt, Error: "timeout", Code: "TIMEOUT_ERROR", Retryable: true,
	}}

	if err := b.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID {
			t.Errorf("[%d] ID = %v, want %v", i, got[i].ID, want[i].ID)
		}
		if got[i].Status != want[i].Status {
			t.Errorf("[%d] Status = %q, want %q", i, got[i].Status, want[i].Status)
		}
		if got[i].Priority != want[i].Priority {
			t.Errorf("[%d] Priority = %q, want %q", i, got[i].Priority, want[i].Priority)
		}
		if !got[i].CreatedAt.Equal(want[i].CreatedAt) {
			t.Errorf("[%d] CreatedAt = %v, want %v", i, got[i].CreatedAt, want[i].CreatedAt)
		}
		if string(got[i].Payload) != string(want[i].Payload) {
			t.Errorf("[%d] Payload = %s, want %s", i, got[i].Payload, want[i].Payload)
		}
		if got[i].Metadata["k"] != "v" {
			t.Errorf("[%d] Metadata = %v", i, got[i].Metadata)
		}
	}
	if len(got[1].ErrorHistory) != 1 || got[1].ErrorHistory[0].Code != "TIMEOUT_ERROR" {
		t.Errorf("ErrorHistory = %+v", got[1].ErrorHistory)
	}
}

func testSaveReplaces(t *testing.T, b persist.Backend) {
	ctx := context.Background()
	first := NewItem(item.ResourceReceipts, item.PriorityHigh)
	second := NewItem(item.ResourceCashiers, item.PriorityHigh)

	if err := b.Save(ctx, []*item.Item{first}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := b.Save(ctx, []*item.Item{second}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 1 || got[0].ID != second.ID {
		t.Fatalf("Load = %v, want only %v", got, second.ID)
	}
}

func testDLQ(t *testing.T, b persist.Backend) {
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	e1 := NewEntry(item.ResourceReceipts, base)
	e2 := NewEntry(item.ResourceMerchants, base.Add(time.Second))
	e3 := NewEntry(item.ResourceReceipts, base.Add(2*time.Second))
	for _, e := range []*dlq.Entry{e2, e3, e1} {
		if err := b.PushDLQ(ctx, e); err != nil {
			t.Fatalf("PushDLQ: %v", err)
		}
	}

	got, err := b.GetDLQ(ctx, e1.ID)
	if err != nil {
		t.Fatalf("GetDLQ: %v", err)
	}
	if got.ItemID != e1.ItemID || got.Code != "SERVER_ERROR" || got.Resource != item.ResourceReceipts {
		t.Errorf("GetDLQ = %+v, want %+v", got, e1)
	}
	if got.Metadata["origin"] != "test" {
		t.Errorf("Metadata = %v", got.Metadata)
	}

	if _, err := b.GetDLQ(ctx, id.NewDLQID()); !errors.Is(err, opqueue.ErrDLQNotFound) {
		t.Errorf("GetDLQ missing = %v, want ErrDLQNotFound", err)
	}

	all, err := b.ListDLQ(ctx, dlq.ListOpts{})
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(all) != 3 || all[0].ID != e1.ID || all[1].ID != e2.ID || all[2].ID != e3.ID {
		t.Errorf("ListDLQ order wrong: %v", ids(all))
	}

	receipts, _ := b.ListDLQ(ctx, dlq.ListOpts{Resource: item.ResourceReceipts})
	if len(receipts) != 2 {
		t.Errorf("ListDLQ(receipts) = %d, want 2", len(receipts))
	}

	page, _ := b.ListDLQ(ctx, dlq.ListOpts{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].ID != e2.ID {
		t.Errorf("ListDLQ page = %v, want [%v]", ids(page), e2.ID)
	}

	if err := b.ReplayDLQ(ctx, e2.ID); err != nil {
		t.Fatalf("ReplayDLQ: %v", err)
	}
	replayed, _ := b.GetDLQ(ctx, e2.ID)
	if replayed.ReplayedAt == nil {
		t.Error("ReplayedAt should be set")
	}
	if err := b.ReplayDLQ(ctx, id.NewDLQID()); !errors.Is(err, opqueue.ErrDLQNotFound) {
		t.Errorf("ReplayDLQ missing = %v, want ErrDLQNotFound", err)
	}

	count, err := b.CountDLQ(ctx)
	if err != nil {
		t.Fatalf("CountDLQ: %v", err)
	}
	if count != 3 {
		t.Errorf("CountDLQ = %d, want 3", count)
	}
}

func testDLQPurge(t *testing.T, b persist.Backend) {
	ctx := context.Background()
	now := time.Now()

	old := NewEntry(item.ResourceReceipts, now.Add(-48*time.Hour))
	recent := NewEntry(item.ResourceReceipts, now)
	_ = b.PushDLQ(ctx, old)
	_ = b.PushDLQ(ctx, recent)

	n, err := b.PurgeDLQ(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeDLQ: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	if _, err := b.GetDLQ(ctx, old.ID); !errors.Is(err, opqueue.ErrDLQNotFound) {
		t.Errorf("old entry still present: %v", err)
	}
	if _, err := b.GetDLQ(ctx, recent.ID); err != nil {
		t.Errorf("recent entry missing: %v", err)
	}
}

func ids(entries []*dlq.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID.String()
	}
	return out
}
