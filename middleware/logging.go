package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/a-cube-io/opqueue/item"
)

// Logging returns middleware that logs processor start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, it *item.Item, next Handler) (any, error) {
		logger.Debug("processing item",
			slog.String("item_id", it.ID.String()),
			slog.String("resource", string(it.Resource)),
			slog.String("operation", string(it.Operation)),
			slog.Int("retry_count", it.RetryCount),
		)

		start := time.Now()
		res, err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("item processing failed",
				slog.String("item_id", it.ID.String()),
				slog.String("resource", string(it.Resource)),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("item processed",
				slog.String("item_id", it.ID.String()),
				slog.String("resource", string(it.Resource)),
				slog.Duration("elapsed", elapsed),
			)
		}

		return res, err
	}
}
