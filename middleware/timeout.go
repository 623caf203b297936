package middleware

import (
	"context"
	"time"

	"github.com/a-cube-io/opqueue/item"
)

// Timeout returns middleware that bounds each processor call with d.
// A non-positive d disables the deadline. The processor is expected to
// honour ctx and return context.DeadlineExceeded, which the retry
// classifier treats as a TIMEOUT.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *item.Item, next Handler) (any, error) {
		if d <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}
