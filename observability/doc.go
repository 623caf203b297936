// Package observability provides an OpenTelemetry metrics extension for
// the queue engine. MetricsExtension implements lifecycle hooks to record
// system-wide counters for item, circuit, queue and batch events.
//
// For per-call tracing and metrics around processors, see the middleware
// package: middleware.Tracing() and middleware.Metrics().
package observability
