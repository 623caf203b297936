package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/a-cube-io/opqueue/item"
)

// tracerName is the instrumentation scope name for queue tracing.
const tracerName = "github.com/a-cube-io/opqueue"

// Tracing returns middleware that wraps each processor call in an
// OpenTelemetry span. Without a global TracerProvider the noop tracer
// is used.
//
// Span attributes: opqueue.item.id, opqueue.resource, opqueue.operation,
// opqueue.priority, opqueue.retry_count.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, it *item.Item, next Handler) (any, error) {
		ctx, span := tracer.Start(ctx, "opqueue.item.process",
			trace.WithAttributes(
				attribute.String("opqueue.item.id", it.ID.String()),
				attribute.String("opqueue.resource", string(it.Resource)),
				attribute.String("opqueue.operation", string(it.Operation)),
				attribute.String("opqueue.priority", string(it.Priority)),
				attribute.Int("opqueue.retry_count", it.RetryCount),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		res, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return res, err
	}
}
