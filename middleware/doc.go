// Package middleware provides composable middleware around processor calls.
//
// A [Middleware] wraps the invocation of a processor.Func for one item.
// Middleware are composed into a chain using [Chain] and applied before
// each processor call. They are applied right-to-left: the first
// middleware in the slice is the outermost wrapper.
//
//	// logging → recover → processor
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] logs resource, operation, duration and outcome
//   - [Recover] converts processor panics into errors
//   - [Timeout] bounds a processor call with a context deadline
//   - [Tracing] wraps the call in an OpenTelemetry span
//   - [Metrics] records per-resource duration and outcome counters
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, it *item.Item, next middleware.Handler) (any, error) {
//	        // pre-processing
//	        res, err := next(ctx)
//	        // post-processing
//	        return res, err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware
