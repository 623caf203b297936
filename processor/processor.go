// Package processor maps (resource, operation) pairs to the functions
// that execute queue items against the backend.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	opqueue "github.com/a-cube-io/opqueue"
	"github.com/a-cube-io/opqueue/item"
)

// Func executes one item. The returned value is reported back to the
// caller as the item's result.
type Func func(ctx context.Context, it *item.Item) (any, error)

// Outcome is the per-item result of a batch call.
type Outcome struct {
	ItemID string
	Result any
	Err    error
}

// BatchFunc executes a group of items for one resource in a single call.
// It should return one Outcome per item. An error return means the whole
// call failed and the items are retried individually.
type BatchFunc func(ctx context.Context, items []*item.Item) ([]Outcome, error)

// Key identifies a registered processor. An empty Operation matches any
// operation on the resource.
type Key struct {
	Resource  item.Resource
	Operation item.Operation
}

func (k Key) String() string {
	if k.Operation == "" {
		return string(k.Resource) + ":*"
	}
	return string(k.Resource) + ":" + string(k.Operation)
}

// Typed wraps a handler that takes a decoded payload. The payload is
// JSON-unmarshaled into T before the handler runs. A payload that does
// not decode is reported as a validation error, which is not retried.
func Typed[T any](fn func(ctx context.Context, it *item.Item, payload T) (any, error)) Func {
	return func(ctx context.Context, it *item.Item) (any, error) {
		var t T
		if len(it.Payload) > 0 {
			if err := json.Unmarshal(it.Payload, &t); err != nil {
				return nil, opqueue.WrapOperationError(opqueue.CodeValidation,
					fmt.Errorf("unmarshal payload for %s %s: %w", it.Operation, it.Resource, err))
			}
		}
		return fn(ctx, it, t)
	}
}

// Registry holds processors. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	funcs map[Key]Func
	batch map[item.Resource]BatchFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		funcs: make(map[Key]Func),
		batch: make(map[item.Resource]BatchFunc),
	}
}

// Register sets the processor for (r, op), replacing any previous one.
// Pass an empty op to handle every operation on r.
func (reg *Registry) Register(r item.Resource, op item.Operation, fn Func) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.funcs[Key{Resource: r, Operation: op}] = fn
}

// RegisterBatch sets the batch processor for r.
func (reg *Registry) RegisterBatch(r item.Resource, fn BatchFunc) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.batch[r] = fn
}

// Lookup returns the processor for (r, op), falling back to the
// resource-wide processor.
func (reg *Registry) Lookup(r item.Resource, op item.Operation) (Func, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	if fn, ok := reg.funcs[Key{Resource: r, Operation: op}]; ok {
		return fn, true
	}
	fn, ok := reg.funcs[Key{Resource: r}]
	return fn, ok
}

// LookupBatch returns the batch processor for r.
func (reg *Registry) LookupBatch(r item.Resource) (BatchFunc, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	fn, ok := reg.batch[r]
	return fn, ok
}

// Keys returns every registered key, sorted.
func (reg *Registry) Keys() []Key {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	keys := make([]Key, 0, len(reg.funcs))
	for k := range reg.funcs {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b Key) int {
		switch as, bs := a.String(), b.String(); {
		case as < bs:
			return -1
		case as > bs:
			return 1
		}
		return 0
	})
	return keys
}
