package persist

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/a-cube-io/opqueue/id"
	"github.com/a-cube-io/opqueue/item"
)

// Record is the storage form of an item. IDs are kept as strings so
// every codec round-trips them without custom hooks.
type Record struct {
	ID                 string            `json:"id" msgpack:"id"`
	Priority           string            `json:"priority" msgpack:"priority"`
	Operation          string            `json:"operation" msgpack:"operation"`
	Resource           string            `json:"resource" msgpack:"resource"`
	Payload            []byte            `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Status             string            `json:"status" msgpack:"status"`
	CreatedAt          time.Time         `json:"created_at" msgpack:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at" msgpack:"updated_at"`
	ScheduledAt        *time.Time        `json:"scheduled_at,omitempty" msgpack:"scheduled_at,omitempty"`
	RetryCount         int               `json:"retry_count" msgpack:"retry_count"`
	MaxRetries         int               `json:"max_retries" msgpack:"max_retries"`
	RetryStrategy      string            `json:"retry_strategy" msgpack:"retry_strategy"`
	ConflictResolution string            `json:"conflict_resolution" msgpack:"conflict_resolution"`
	OptimisticID       string            `json:"optimistic_id,omitempty" msgpack:"optimistic_id,omitempty"`
	BatchID            string            `json:"batch_id,omitempty" msgpack:"batch_id,omitempty"`
	Dependencies       []string          `json:"dependencies,omitempty" msgpack:"dependencies,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	Errors             []ErrorRecord     `json:"error_history,omitempty" msgpack:"error_history,omitempty"`
}

// ErrorRecord is the storage form of item.ErrorRecord.
type ErrorRecord struct {
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
	Error     string    `json:"error" msgpack:"error"`
	Code      string    `json:"code,omitempty" msgpack:"code,omitempty"`
	Retryable bool      `json:"retryable" msgpack:"retryable"`
	Context   string    `json:"context,omitempty" msgpack:"context,omitempty"`
}

// ToRecord converts an item to its storage form.
func ToRecord(it *item.Item) Record {
	r := Record{
		ID:                 it.ID.String(),
		Priority:           string(it.Priority),
		Operation:          string(it.Operation),
		Resource:           string(it.Resource),
		Payload:            slices.Clone(it.Payload),
		Status:             string(it.Status),
		CreatedAt:          it.CreatedAt,
		UpdatedAt:          it.UpdatedAt,
		RetryCount:         it.RetryCount,
		MaxRetries:         it.MaxRetries,
		RetryStrategy:      string(it.RetryStrategy),
		ConflictResolution: string(it.ConflictResolution),
		OptimisticID:       it.OptimisticID,
		BatchID:            it.BatchID,
		Dependencies:       slices.Clone(it.Dependencies),
		Metadata:           maps.Clone(it.Metadata),
	}
	if it.ScheduledAt != nil {
		t := *it.ScheduledAt
		r.ScheduledAt = &t
	}
	for _, e := range it.ErrorHistory {
		r.Errors = append(r.Errors, ErrorRecord(e))
	}
	return r
}

// Item converts the record back to an item.
func (r *Record) Item() (*item.Item, error) {
	itemID, err := id.ParseItemID(r.ID)
	if err != nil {
		return nil, fmt.Errorf("persist: parse item id %q: %w", r.ID, err)
	}
	it := &item.Item{
		ID:                 itemID,
		Priority:           item.Priority(r.Priority),
		Operation:          item.Operation(r.Operation),
		Resource:           item.Resource(r.Resource),
		Payload:            slices.Clone(r.Payload),
		Status:             item.Status(r.Status),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		RetryCount:         r.RetryCount,
		MaxRetries:         r.MaxRetries,
		RetryStrategy:      item.RetryStrategy(r.RetryStrategy),
		ConflictResolution: item.ConflictResolution(r.ConflictResolution),
		OptimisticID:       r.OptimisticID,
		BatchID:            r.BatchID,
		Dependencies:       slices.Clone(r.Dependencies),
		Metadata:           maps.Clone(r.Metadata),
	}
	if r.ScheduledAt != nil {
		t := *r.ScheduledAt
		it.ScheduledAt = &t
	}
	for _, e := range r.Errors {
		it.ErrorHistory = append(it.ErrorHistory, item.ErrorRecord(e))
	}
	return it, nil
}
