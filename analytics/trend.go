package analytics

import (
	"fmt"
	"time"
)

// Direction summarizes how the error rate moved across a window.
type Direction string

const (
	DirectionImproving Direction = "improving"
	DirectionStable    Direction = "stable"
	DirectionDegrading Direction = "degrading"
)

// Trend is the result of Engine.TrendAnalysis.
type Trend struct {
	Window             time.Duration `json:"window"`
	Samples            int           `json:"samples"`
	AvgQueueSize       float64       `json:"avg_queue_size"`
	PeakQueueSize      int           `json:"peak_queue_size"`
	AvgProcessingTime  time.Duration `json:"avg_processing_time"`
	PeakProcessingTime time.Duration `json:"peak_processing_time"`
	AvgThroughput      float64       `json:"avg_throughput"`
	PeakThroughput     float64       `json:"peak_throughput"`
	AvgErrorRate       float64       `json:"avg_error_rate"`
	// ErrorRateDelta is the second half's mean error rate minus the
	// first half's.
	ErrorRateDelta  float64   `json:"error_rate_delta"`
	Direction       Direction `json:"direction"`
	Recommendations []string  `json:"recommendations"`
}

// TrendAnalysis aggregates the samples recorded within window of now.
func (e *Engine) TrendAnalysis(window time.Duration) Trend {
	e.mu.Lock()
	ms := e.windowLocked(window)
	e.mu.Unlock()

	s := summarize(ms)
	t := Trend{
		Window:             window,
		Samples:            s.n,
		AvgQueueSize:       s.avgQueue,
		PeakQueueSize:      s.peakQueue,
		AvgProcessingTime:  time.Duration(s.avgProcMillis * float64(time.Millisecond)),
		PeakProcessingTime: s.peakProc,
		AvgThroughput:      s.avgThroughput,
		PeakThroughput:     s.peakThrough,
		AvgErrorRate:       s.avgErrorRate,
		Direction:          DirectionStable,
		Recommendations:    []string{},
	}

	if len(ms) >= 2 {
		mid := len(ms) / 2
		first := summarize(ms[:mid]).avgErrorRate
		second := summarize(ms[mid:]).avgErrorRate
		t.ErrorRateDelta = second - first
		switch {
		case t.ErrorRateDelta > trendEpsilon:
			t.Direction = DirectionDegrading
		case t.ErrorRateDelta < -trendEpsilon:
			t.Direction = DirectionImproving
		}
	}

	t.Recommendations = recommendations(s, t.Direction)
	return t
}

func recommendations(s summary, d Direction) []string {
	out := []string{}
	if s.n == 0 {
		return out
	}
	if _, ok := grade(s.avgQueue, queueSizeTiers); ok {
		out = append(out, fmt.Sprintf("Average queue size is %.0f; raise MaxConcurrentProcessing or enable batching to drain the backlog.", s.avgQueue))
	}
	if _, ok := grade(s.avgProcMillis, procTimeTiers); ok {
		out = append(out, fmt.Sprintf("Average processing time is %.0fms; check the slowest resources and their processors.", s.avgProcMillis))
	}
	if _, ok := grade(s.avgErrorRate, errorRateTiers); ok {
		out = append(out, fmt.Sprintf("Error rate is %.1f%%; inspect the dead-letter queue and circuit states.", s.avgErrorRate*100))
	}
	if d == DirectionDegrading {
		out = append(out, "Error rate is rising across the window; investigate recent failures before they exhaust retries.")
	}
	return out
}
