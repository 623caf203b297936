package processor_test

import (
	"context"
	"errors"
	"testing"

	opqueue "github.com/a-cube-io/opqueue"
	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/processor"
)

type receipt struct {
	Amount string `json:"amount"`
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := processor.NewRegistry()
	r.Register(item.ResourceReceipts, item.OperationCreate, func(context.Context, *item.Item) (any, error) {
		return "created", nil
	})

	fn, ok := r.Lookup(item.ResourceReceipts, item.OperationCreate)
	if !ok {
		t.Fatal("expected processor to be registered")
	}
	got, err := fn(context.Background(), &item.Item{})
	if err != nil || got != "created" {
		t.Errorf("fn() = %v, %v", got, err)
	}

	if _, ok := r.Lookup(item.ResourceReceipts, item.OperationDelete); ok {
		t.Error("unexpected processor for receipts:delete")
	}
}

func TestRegistry_ResourceWideFallback(t *testing.T) {
	r := processor.NewRegistry()
	r.Register(item.ResourceCashiers, "", func(context.Context, *item.Item) (any, error) { return "any", nil })
	r.Register(item.ResourceCashiers, item.OperationDelete, func(context.Context, *item.Item) (any, error) { return "delete", nil })

	fn, ok := r.Lookup(item.ResourceCashiers, item.OperationUpdate)
	if !ok {
		t.Fatal("fallback not found")
	}
	if got, _ := fn(context.Background(), &item.Item{}); got != "any" {
		t.Errorf("fallback returned %v", got)
	}
	fn, _ = r.Lookup(item.ResourceCashiers, item.OperationDelete)
	if got, _ := fn(context.Background(), &item.Item{}); got != "delete" {
		t.Errorf("specific processor should win, got %v", got)
	}
}

func TestRegistry_Batch(t *testing.T) {
	r := processor.NewRegistry()
	if _, ok := r.LookupBatch(item.ResourceReceipts); ok {
		t.Fatal("unexpected batch processor")
	}
	r.RegisterBatch(item.ResourceReceipts, func(context.Context, []*item.Item) ([]processor.Outcome, error) { return nil, nil })
	if _, ok := r.LookupBatch(item.ResourceReceipts); !ok {
		t.Error("batch processor not found")
	}
}

func TestRegistry_Keys(t *testing.T) {
	r := processor.NewRegistry()
	noop := func(context.Context, *item.Item) (any, error) { return nil, nil }
	r.Register(item.ResourceReceipts, item.OperationUpdate, noop)
	r.Register(item.ResourceMerchants, "", noop)
	r.Register(item.ResourceReceipts, item.OperationCreate, noop)

	keys := r.Keys()
	want := []string{"merchants:*", "receipts:create", "receipts:update"}
	if len(keys) != len(want) {
		t.Fatalf("Keys = %v", keys)
	}
	for i := range want {
		if keys[i].String() != want[i] {
			t.Errorf("keys[%d] = %s, want %s", i, keys[i], want[i])
		}
	}
}

func TestTyped_DecodesPayload(t *testing.T) {
	fn := processor.Typed(func(_ context.Context, _ *item.Item, p receipt) (any, error) {
		return p.Amount, nil
	})
	got, err := fn(context.Background(), &item.Item{Payload: []byte(`{"amount":"10.00"}`)})
	if err != nil || got != "10.00" {
		t.Errorf("fn() = %v, %v", got, err)
	}
}

func TestTyped_InvalidJSON(t *testing.T) {
	fn := processor.Typed(func(_ context.Context, _ *item.Item, _ receipt) (any, error) {
		t.Fatal("handler should not be called with invalid JSON")
		return nil, nil
	})
	_, err := fn(context.Background(), &item.Item{Payload: []byte("{nope")})
	var opErr *opqueue.OperationError
	if !errors.As(err, &opErr) || opErr.Code != opqueue.CodeValidation {
		t.Errorf("err = %v, want validation OperationError", err)
	}
}
