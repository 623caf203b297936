package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/a-cube-io/opqueue/item"
)

// Recover returns middleware that recovers from panics in the handler chain.
// Panics are converted to errors and logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, it *item.Item, next Handler) (res any, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("processor panicked",
					slog.String("item_id", it.ID.String()),
					slog.String("resource", string(it.Resource)),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				res = nil
				retErr = fmt.Errorf("panic processing %s/%s: %v", it.Resource, it.Operation, r)
			}
		}()
		return next(ctx)
	}
}
