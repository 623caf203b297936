package middleware

import (
	"context"

	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/processor"
)

// Handler is the terminal function that runs the processor for one item.
type Handler func(ctx context.Context) (any, error)

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the item being processed, and the
// next handler to call.
type Middleware func(ctx context.Context, it *item.Item, next Handler) (any, error)

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, tracing) executes as:
//
//	logging → recover → tracing → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, it *item.Item, next Handler) (any, error) {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) (any, error) {
				return mw(ctx, it, prev)
			}
		}
		return h(ctx)
	}
}

// Wrap returns fn decorated with the given middleware.
func Wrap(fn processor.Func, mws ...Middleware) processor.Func {
	if len(mws) == 0 {
		return fn
	}
	chain := Chain(mws...)
	return func(ctx context.Context, it *item.Item) (any, error) {
		return chain(ctx, it, func(ctx context.Context) (any, error) {
			return fn(ctx, it)
		})
	}
}
