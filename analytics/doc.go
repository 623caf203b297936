// Package analytics turns processing timings and periodic queue snapshots
// into insights: bottlenecks, recurring throughput patterns, anomalies, a
// short-horizon forecast and an overall health score.
//
// The engine is a read-only consumer of queue state. Nothing it computes
// feeds back into scheduling, and every derived view degrades to a
// neutral result (stable trend, score 100, empty lists) when there are
// too few samples.
package analytics
