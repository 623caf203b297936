package analytics

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// Severity grades a bottleneck or anomaly.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Bottleneck is a threshold breach on a windowed average.
type Bottleneck struct {
	Type        string   `json:"type"`
	Severity    Severity `json:"severity"`
	Value       float64  `json:"value"`
	Threshold   float64  `json:"threshold"`
	Description string   `json:"description"`
}

// Pattern is an hour of day whose throughput is consistently above the
// window average.
type Pattern struct {
	Type          string  `json:"type"`
	Hour          int     `json:"hour"`
	AvgThroughput float64 `json:"avg_throughput"`
	Ratio         float64 `json:"ratio"`
	Samples       int     `json:"samples"`
	Description   string  `json:"description"`
}

// Anomaly is a sample that deviates from the recent mean by more than
// the z-score threshold.
type Anomaly struct {
	Timestamp time.Time `json:"timestamp"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Mean      float64   `json:"mean"`
	StdDev    float64   `json:"std_dev"`
	ZScore    float64   `json:"z_score"`
	Severity  Severity  `json:"severity"`
}

// Forecast projects the queue size forward with a least-squares line.
type Forecast struct {
	Horizon            time.Duration `json:"horizon"`
	PredictedQueueSize float64       `json:"predicted_queue_size"`
	// SlopePerMinute is the fitted change in queue size per minute.
	SlopePerMinute float64 `json:"slope_per_minute"`
	// Confidence is the fit's r², in [0,1].
	Confidence float64 `json:"confidence"`
	Trend      string  `json:"trend"`
}

// Insights is the result of Engine.Insights.
type Insights struct {
	Window      time.Duration `json:"window"`
	Samples     int           `json:"samples"`
	Bottlenecks []Bottleneck  `json:"bottlenecks"`
	Patterns    []Pattern     `json:"patterns"`
	Anomalies   []Anomaly     `json:"anomalies"`
	Forecast    Forecast      `json:"forecast"`
	HealthScore float64       `json:"health_score"`
}

// Thresholds and tuning for insight detection.
const (
	anomalyZScore     = 2.5
	anomalySamples    = 20
	// With population deviation the largest reachable |z| over n samples
	// is (n-1)/sqrt(n), which first clears anomalyZScore at n = 9.
	anomalyMinSamples = 9
	patternRatio      = 1.5
	patternMinSamples = 2
	forecastMin       = 3
	forecastHorizon   = time.Hour
	trendEpsilon      = 0.05
)

type tier struct {
	threshold float64
	severity  Severity
}

var (
	queueSizeTiers = []tier{{1000, SeverityCritical}, {500, SeverityHigh}, {100, SeverityMedium}}
	procTimeTiers  = []tier{{10000, SeverityCritical}, {5000, SeverityHigh}, {1000, SeverityMedium}}
	errorRateTiers = []tier{{0.5, SeverityCritical}, {0.25, SeverityHigh}, {0.1, SeverityMedium}}
)

func grade(v float64, tiers []tier) (tier, bool) {
	for _, t := range tiers {
		if v > t.threshold {
			return t, true
		}
	}
	return tier{}, false
}

// Insights analyses the samples recorded within window of now.
func (e *Engine) Insights(window time.Duration) Insights {
	e.mu.Lock()
	ms := e.windowLocked(window)
	e.mu.Unlock()

	s := summarize(ms)
	return Insights{
		Window:      window,
		Samples:     len(ms),
		Bottlenecks: bottlenecks(s),
		Patterns:    patterns(ms),
		Anomalies:   anomalies(ms),
		Forecast:    forecast(ms),
		HealthScore: s.health(),
	}
}

// HealthScore returns the 0-100 health score for window.
func (e *Engine) HealthScore(window time.Duration) float64 {
	e.mu.Lock()
	ms := e.windowLocked(window)
	e.mu.Unlock()
	return summarize(ms).health()
}

type summary struct {
	n             int
	avgQueue      float64
	avgProcMillis float64
	avgThroughput float64
	avgErrorRate  float64
	peakQueue     int
	peakProc      time.Duration
	peakThrough   float64
}

func summarize(ms []Metric) summary {
	s := summary{n: len(ms)}
	if s.n == 0 {
		return s
	}
	for _, m := range ms {
		s.avgQueue += float64(m.QueueSize)
		s.avgProcMillis += float64(m.ProcessingTime) / float64(time.Millisecond)
		s.avgThroughput += m.Throughput
		s.avgErrorRate += m.ErrorRate
		s.peakQueue = max(s.peakQueue, m.QueueSize)
		s.peakProc = max(s.peakProc, m.ProcessingTime)
		s.peakThrough = math.Max(s.peakThrough, m.Throughput)
	}
	n := float64(s.n)
	s.avgQueue /= n
	s.avgProcMillis /= n
	s.avgThroughput /= n
	s.avgErrorRate /= n
	return s
}

// health starts at 100 and subtracts capped penalties for error rate,
// queue size and processing time.
func (s summary) health() float64 {
	if s.n == 0 {
		return 100
	}
	score := 100.0
	score -= math.Min(s.avgErrorRate*100, 40)
	score -= math.Min(s.avgQueue/10, 30)
	score -= math.Min(s.avgProcMillis/100, 30)
	return math.Round(clamp(score, 0, 100)*100) / 100
}

func bottlenecks(s summary) []Bottleneck {
	out := []Bottleneck{}
	if s.n == 0 {
		return out
	}
	if t, ok := grade(s.avgQueue, queueSizeTiers); ok {
		out = append(out, Bottleneck{
			Type: "queue-size", Severity: t.severity, Value: s.avgQueue, Threshold: t.threshold,
			Description: fmt.Sprintf("average queue size %.0f exceeds %.0f", s.avgQueue, t.threshold),
		})
	}
	if t, ok := grade(s.avgProcMillis, procTimeTiers); ok {
		out = append(out, Bottleneck{
			Type: "processing-time", Severity: t.severity, Value: s.avgProcMillis, Threshold: t.threshold,
			Description: fmt.Sprintf("average processing time %.0fms exceeds %.0fms", s.avgProcMillis, t.threshold),
		})
	}
	if t, ok := grade(s.avgErrorRate, errorRateTiers); ok {
		out = append(out, Bottleneck{
			Type: "error-rate", Severity: t.severity, Value: s.avgErrorRate, Threshold: t.threshold,
			Description: fmt.Sprintf("error rate %.1f%% exceeds %.0f%%", s.avgErrorRate*100, t.threshold*100),
		})
	}
	return out
}

func patterns(ms []Metric) []Pattern {
	out := []Pattern{}
	if len(ms) == 0 {
		return out
	}
	var total float64
	sums := make(map[int]float64)
	counts := make(map[int]int)
	for _, m := range ms {
		h := m.Timestamp.Hour()
		sums[h] += m.Throughput
		counts[h]++
		total += m.Throughput
	}
	overall := total / float64(len(ms))
	if overall <= 0 || len(counts) < 2 {
		return out
	}
	for h, c := range counts {
		if c < patternMinSamples {
			continue
		}
		avg := sums[h] / float64(c)
		if ratio := avg / overall; ratio >= patternRatio {
			out = append(out, Pattern{
				Type:          "high-throughput-hour",
				Hour:          h,
				AvgThroughput: avg,
				Ratio:         ratio,
				Samples:       c,
				Description:   fmt.Sprintf("throughput around %02d:00 is %.1fx the average", h, ratio),
			})
		}
	}
	slices.SortFunc(out, func(a, b Pattern) int { return a.Hour - b.Hour })
	return out
}

func anomalies(ms []Metric) []Anomaly {
	out := []Anomaly{}
	if len(ms) < anomalyMinSamples {
		return out
	}
	recent := ms[max(len(ms)-anomalySamples, 0):]

	series := []struct {
		name  string
		value func(Metric) float64
	}{
		{"queue_size", func(m Metric) float64 { return float64(m.QueueSize) }},
		{"processing_time_ms", func(m Metric) float64 { return float64(m.ProcessingTime) / float64(time.Millisecond) }},
		{"error_rate", func(m Metric) float64 { return m.ErrorRate }},
		{"throughput", func(m Metric) float64 { return m.Throughput }},
	}
	for _, s := range series {
		values := make([]float64, len(recent))
		for i, m := range recent {
			values[i] = s.value(m)
		}
		mean, std := meanStd(values)
		if std == 0 {
			continue
		}
		for i, v := range values {
			z := (v - mean) / std
			if math.Abs(z) <= anomalyZScore {
				continue
			}
			sev := SeverityHigh
			if math.Abs(z) > 2*anomalyZScore {
				sev = SeverityCritical
			}
			out = append(out, Anomaly{
				Timestamp: recent[i].Timestamp,
				Metric:    s.name,
				Value:     v,
				Mean:      mean,
				StdDev:    std,
				ZScore:    z,
				Severity:  sev,
			})
		}
	}
	return out
}

func forecast(ms []Metric) Forecast {
	f := Forecast{Horizon: forecastHorizon, Trend: "stable"}
	if len(ms) == 0 {
		return f
	}
	f.PredictedQueueSize = float64(ms[len(ms)-1].QueueSize)
	if len(ms) < forecastMin {
		return f
	}

	origin := ms[0].Timestamp
	xs := make([]float64, len(ms))
	ys := make([]float64, len(ms))
	for i, m := range ms {
		xs[i] = m.Timestamp.Sub(origin).Minutes()
		ys[i] = float64(m.QueueSize)
	}
	slope, intercept, r2, ok := linearFit(xs, ys)
	if !ok {
		return f
	}

	at := ms[len(ms)-1].Timestamp.Add(forecastHorizon).Sub(origin).Minutes()
	f.PredictedQueueSize = math.Max(slope*at+intercept, 0)
	f.SlopePerMinute = slope
	f.Confidence = clamp(r2, 0, 1)
	switch {
	case slope > trendEpsilon:
		f.Trend = "increasing"
	case slope < -trendEpsilon:
		f.Trend = "decreasing"
	}
	return f
}

// linearFit returns the least-squares line through (xs, ys) and its r².
// ok is false when the x values do not vary.
func linearFit(xs, ys []float64) (slope, intercept, r2 float64, ok bool) {
	n := float64(len(xs))
	var sx, sy, sxx, sxy float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
		sxx += xs[i] * xs[i]
		sxy += xs[i] * ys[i]
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0, 0, 0, false
	}
	slope = (n*sxy - sx*sy) / den
	intercept = (sy - slope*sx) / n

	meanY := sy / n
	var ssTot, ssRes float64
	for i := range xs {
		pred := slope*xs[i] + intercept
		ssRes += (ys[i] - pred) * (ys[i] - pred)
		ssTot += (ys[i] - meanY) * (ys[i] - meanY)
	}
	if ssTot == 0 {
		return slope, intercept, 1, true
	}
	return slope, intercept, 1 - ssRes/ssTot, true
}

func meanStd(vs []float64) (mean, std float64) {
	if len(vs) == 0 {
		return 0, 0
	}
	for _, v := range vs {
		mean += v
	}
	mean /= float64(len(vs))
	for _, v := range vs {
		std += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(std / float64(len(vs)))
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
