package store

import (
	"maps"
	"time"

	"github.com/a-cube-io/opqueue/item"
)

// Stats is a point-in-time view of the store.
type Stats struct {
	TotalItems  int                    `json:"total_items"`
	ByStatus    map[item.Status]int    `json:"by_status"`
	ByPriority  map[item.Priority]int  `json:"by_priority"`
	ByResource  map[item.Resource]int  `json:"by_resource"`
	ByOperation map[item.Operation]int `json:"by_operation"`

	// Lifetime counters. Processed counts every completed or failed
	// attempt, so a retried item contributes more than once.
	TotalProcessed  int64     `json:"total_processed"`
	TotalSucceeded  int64     `json:"total_succeeded"`
	TotalFailed     int64     `json:"total_failed"`
	SuccessRate     float64   `json:"success_rate"`
	LastProcessedAt time.Time `json:"last_processed_at,omitzero"`
}

// Pending returns the number of pending items.
func (s Stats) Pending() int { return s.ByStatus[item.StatusPending] }

// Processing returns the number of items being processed.
func (s Stats) Processing() int { return s.ByStatus[item.StatusProcessing] }

// Completed returns the number of completed items still retained.
func (s Stats) Completed() int { return s.ByStatus[item.StatusCompleted] }

// Failed returns the number of failed items.
func (s Stats) Failed() int { return s.ByStatus[item.StatusFailed] }

// Retrying returns the number of items waiting on a retry timer.
func (s Stats) Retrying() int { return s.ByStatus[item.StatusRetry] }

// Dead returns the number of dead items still in the store.
func (s Stats) Dead() int { return s.ByStatus[item.StatusDead] }

// Stats returns a snapshot of the store statistics. Every count is
// derived from the live indexes, so none can go negative.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		TotalItems:      len(s.items),
		ByStatus:        make(map[item.Status]int, len(item.Statuses)),
		ByPriority:      make(map[item.Priority]int, len(item.Priorities)),
		ByResource:      make(map[item.Resource]int, len(s.byResource)),
		ByOperation:     maps.Clone(s.byOperation),
		TotalProcessed:  s.totalProcessed,
		TotalSucceeded:  s.totalSucceeded,
		TotalFailed:     s.totalFailed,
		LastProcessedAt: s.lastProcessedAt,
	}
	for _, status := range item.Statuses {
		st.ByStatus[status] = len(s.byStatus[status])
	}
	for _, p := range item.Priorities {
		st.ByPriority[p] = len(s.byPriority[p])
	}
	for r, bucket := range s.byResource {
		st.ByResource[r] = len(bucket)
	}
	if st.ByOperation == nil {
		st.ByOperation = make(map[item.Operation]int)
	}
	st.SuccessRate = 1
	if s.totalProcessed > 0 {
		st.SuccessRate = float64(s.totalSucceeded) / float64(s.totalProcessed)
	}
	return st
}
