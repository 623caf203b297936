package analytics

import (
	"slices"
	"sync"
	"time"

	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/store"
)

// Engine collects samples and answers insight queries. It is safe for
// concurrent use.
type Engine struct {
	mu sync.Mutex

	historySize int
	now         func() time.Time

	history []Metric
	buckets map[Granularity][]*Bucket

	starts map[string]time.Time

	// Accumulated since the previous snapshot.
	durations    []time.Duration
	succeeded    int
	failed       int
	lastSnapshot time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithHistorySize bounds the rolling history. Oldest samples are evicted.
func WithHistorySize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historySize = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an analytics engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		historySize: 1000,
		now:         time.Now,
		buckets:     make(map[Granularity][]*Bucket, len(granularities)),
		starts:      make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.lastSnapshot = e.now()
	return e
}

// RecordProcessingStart marks the start of an item's processing.
func (e *Engine) RecordProcessingStart(itemID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts[itemID] = e.now()
}

// RecordProcessingComplete records the outcome of an item's processing.
// Items without a recorded start count toward the outcome totals only.
func (e *Engine) RecordProcessingComplete(itemID string, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if start, ok := e.starts[itemID]; ok {
		e.durations = append(e.durations, e.now().Sub(start))
		delete(e.starts, itemID)
	}
	if success {
		e.succeeded++
	} else {
		e.failed++
	}
}

// InFlight returns the number of items with a start and no completion.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.starts)
}

// RecordQueueSnapshot turns the current store statistics and the timings
// accumulated since the previous snapshot into a Metric.
func (e *Engine) RecordQueueSnapshot(st store.Stats) Metric {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	m := Metric{
		Timestamp:             now,
		QueueSize:             max(st.TotalItems-st.Completed()-st.Dead(), 0),
		PriorityDistribution:  make(map[item.Priority]int, len(st.ByPriority)),
		ResourceDistribution:  make(map[item.Resource]int, len(st.ByResource)),
		OperationDistribution: make(map[item.Operation]int, len(st.ByOperation)),
	}
	for k, v := range st.ByPriority {
		if v > 0 {
			m.PriorityDistribution[k] = v
		}
	}
	for k, v := range st.ByResource {
		if v > 0 {
			m.ResourceDistribution[k] = v
		}
	}
	for k, v := range st.ByOperation {
		if v > 0 {
			m.OperationDistribution[k] = v
		}
	}

	if len(e.durations) > 0 {
		var total time.Duration
		for _, d := range e.durations {
			total += d
		}
		m.ProcessingTime = total / time.Duration(len(e.durations))
	}
	finished := e.succeeded + e.failed
	if finished > 0 {
		m.ErrorRate = float64(e.failed) / float64(finished)
		if elapsed := now.Sub(e.lastSnapshot); elapsed > 0 {
			m.Throughput = float64(finished) / elapsed.Minutes()
		}
	}

	e.durations = e.durations[:0]
	e.succeeded, e.failed = 0, 0
	e.lastSnapshot = now

	e.addLocked(m)
	return m.clone()
}

// Record adds a pre-built sample. It is used to replay history.
func (e *Engine) Record(m Metric) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addLocked(m.clone())
}

func (e *Engine) addLocked(m Metric) {
	e.history = append(e.history, m)
	if over := len(e.history) - e.historySize; over > 0 {
		e.history = slices.Delete(e.history, 0, over)
	}

	for _, gr := range granularities {
		start := m.Timestamp.Truncate(time.Duration(gr.g))
		bs := e.buckets[gr.g]
		i, found := slices.BinarySearchFunc(bs, start, func(b *Bucket, t time.Time) int {
			return b.Start.Compare(t)
		})
		if !found {
			bs = slices.Insert(bs, i, &Bucket{Start: start})
		}
		bs[i].merge(m)

		cutoff := m.Timestamp.Add(-gr.retain)
		drop := 0
		for drop < len(bs) && bs[drop].Start.Before(cutoff) {
			drop++
		}
		e.buckets[gr.g] = bs[drop:]
	}
}

// Metrics returns the samples recorded within window of now, oldest
// first. A non-positive window returns the whole history.
func (e *Engine) Metrics(window time.Duration) []Metric {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.windowLocked(window)
}

func (e *Engine) windowLocked(window time.Duration) []Metric {
	from := time.Time{}
	if window > 0 {
		from = e.now().Add(-window)
	}
	out := make([]Metric, 0, len(e.history))
	for _, m := range e.history {
		if !m.Timestamp.Before(from) {
			out = append(out, m.clone())
		}
	}
	return out
}

// Buckets returns copies of the buckets at granularity g, oldest first.
func (e *Engine) Buckets(g Granularity) []Bucket {
	e.mu.Lock()
	defer e.mu.Unlock()
	bs := e.buckets[g]
	out := make([]Bucket, len(bs))
	for i, b := range bs {
		out[i] = *b
	}
	return out
}

// Reset drops every sample and timing.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = nil
	e.buckets = make(map[Granularity][]*Bucket, len(granularities))
	e.starts = make(map[string]time.Time)
	e.durations = nil
	e.succeeded, e.failed = 0, 0
	e.lastSnapshot = e.now()
}
