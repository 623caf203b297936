package analytics

import (
	"maps"
	"time"

	"github.com/a-cube-io/opqueue/item"
)

// Metric is one point-in-time performance sample.
type Metric struct {
	Timestamp time.Time `json:"timestamp"`
	// ProcessingTime is the mean processing time of items that finished
	// since the previous sample.
	ProcessingTime time.Duration `json:"processing_time"`
	QueueSize      int           `json:"queue_size"`
	// Throughput is finished items per minute since the previous sample.
	Throughput float64 `json:"throughput"`
	// ErrorRate is the failed share of items finished since the previous
	// sample, in [0,1].
	ErrorRate float64 `json:"error_rate"`

	PriorityDistribution  map[item.Priority]int  `json:"priority_distribution,omitempty"`
	ResourceDistribution  map[item.Resource]int  `json:"resource_distribution,omitempty"`
	OperationDistribution map[item.Operation]int `json:"operation_distribution,omitempty"`
}

func (m Metric) clone() Metric {
	m.PriorityDistribution = maps.Clone(m.PriorityDistribution)
	m.ResourceDistribution = maps.Clone(m.ResourceDistribution)
	m.OperationDistribution = maps.Clone(m.OperationDistribution)
	return m
}

// Granularity is the width of an aggregation bucket.
type Granularity time.Duration

// Supported granularities.
const (
	Minute     = Granularity(time.Minute)
	FiveMinute = Granularity(5 * time.Minute)
	Hour       = Granularity(time.Hour)
)

var granularities = []struct {
	g      Granularity
	retain time.Duration
}{
	{Minute, time.Hour},
	{FiveMinute, 24 * time.Hour},
	{Hour, 7 * 24 * time.Hour},
}

// String returns the granularity as a duration string.
func (g Granularity) String() string { return time.Duration(g).String() }

// Bucket aggregates every sample whose timestamp falls in
// [Start, Start+Granularity) using running averages.
type Bucket struct {
	Start             time.Time     `json:"start"`
	Samples           int           `json:"samples"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
	AvgQueueSize      float64       `json:"avg_queue_size"`
	AvgThroughput     float64       `json:"avg_throughput"`
	AvgErrorRate      float64       `json:"avg_error_rate"`
	PeakQueueSize     int           `json:"peak_queue_size"`
}

func (b *Bucket) merge(m Metric) {
	n := float64(b.Samples)
	next := n + 1
	b.AvgProcessingTime = time.Duration((float64(b.AvgProcessingTime)*n + float64(m.ProcessingTime)) / next)
	b.AvgQueueSize = (b.AvgQueueSize*n + float64(m.QueueSize)) / next
	b.AvgThroughput = (b.AvgThroughput*n + m.Throughput) / next
	b.AvgErrorRate = (b.AvgErrorRate*n + m.ErrorRate) / next
	b.PeakQueueSize = max(b.PeakQueueSize, m.QueueSize)
	b.Samples++
}
