// Package item defines the queue item model: the unit of pending work,
// its enumerations, and its status state machine.
package item

import (
	"maps"
	"slices"
	"time"

	"github.com/a-cube-io/opqueue/id"
)

// Priority orders dispatch. Critical items are dispatched first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Priorities lists every priority, highest first.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Weight returns the numeric ordering weight (critical=4 .. low=1).
// Unknown priorities weigh zero.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool { return p.Weight() > 0 }

// Operation is the kind of state change an item performs.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationBatch  Operation = "batch"
	OperationCustom Operation = "custom"
)

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationBatch, OperationCustom:
		return true
	}
	return false
}

// Resource is the logical remote resource an item targets.
type Resource string

const (
	ResourceReceipts      Resource = "receipts"
	ResourceMerchants     Resource = "merchants"
	ResourceCashRegisters Resource = "cash-registers"
	ResourcePointOfSales  Resource = "point-of-sales"
	ResourcePEMs          Resource = "pems"
	ResourceCashiers      Resource = "cashiers"
)

// Resources lists every known resource.
var Resources = []Resource{
	ResourceReceipts,
	ResourceMerchants,
	ResourceCashRegisters,
	ResourcePointOfSales,
	ResourcePEMs,
	ResourceCashiers,
}

// Valid reports whether r is a known resource.
func (r Resource) Valid() bool { return slices.Contains(Resources, r) }

// Status is the lifecycle state of an item.
type Status string

const (
	// StatusPending means the item waits for dispatch.
	StatusPending Status = "pending"
	// StatusProcessing means a processor is executing the item.
	StatusProcessing Status = "processing"
	// StatusCompleted means the processor succeeded. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed means the last attempt failed.
	StatusFailed Status = "failed"
	// StatusRetry means a retry is scheduled.
	StatusRetry Status = "retry"
	// StatusDead means the item is permanently unprocessable. Terminal.
	StatusDead Status = "dead"
)

// Statuses lists every status.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRetry, StatusDead}

// Terminal reports whether no further mutation is allowed.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusDead }

// RetryStrategy selects how retry delays grow.
type RetryStrategy string

const (
	RetryExponential RetryStrategy = "exponential"
	RetryLinear      RetryStrategy = "linear"
	RetryCustom      RetryStrategy = "custom"
)

// Valid reports whether s is a known strategy.
func (s RetryStrategy) Valid() bool {
	return s == RetryExponential || s == RetryLinear || s == RetryCustom
}

// ConflictResolution is the declared intent for reconciling with the
// server. The engine passes it through to processors; it does not enforce it.
type ConflictResolution string

const (
	ConflictClientWins ConflictResolution = "client-wins"
	ConflictServerWins ConflictResolution = "server-wins"
	ConflictMerge      ConflictResolution = "merge"
	ConflictManual     ConflictResolution = "manual"
)

// Valid reports whether c is a known strategy.
func (c ConflictResolution) Valid() bool {
	switch c {
	case ConflictClientWins, ConflictServerWins, ConflictMerge, ConflictManual:
		return true
	}
	return false
}

// ErrorRecord is one entry in an item's error history.
type ErrorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Code      string    `json:"code,omitempty"`
	Retryable bool      `json:"retryable"`
	Context   string    `json:"context,omitempty"`
}

// Item is a unit of pending work.
type Item struct {
	ID                 id.ItemID          `json:"id"`
	Priority           Priority           `json:"priority"`
	Operation          Operation          `json:"operation"`
	Resource           Resource           `json:"resource"`
	Payload            []byte             `json:"payload,omitempty"`
	Status             Status             `json:"status"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	ScheduledAt        *time.Time         `json:"scheduled_at,omitempty"`
	RetryCount         int                `json:"retry_count"`
	MaxRetries         int                `json:"max_retries"`
	RetryStrategy      RetryStrategy      `json:"retry_strategy"`
	ConflictResolution ConflictResolution `json:"conflict_resolution"`
	OptimisticID       string             `json:"optimistic_id,omitempty"`
	BatchID            string             `json:"batch_id,omitempty"`
	Dependencies       []string           `json:"dependencies,omitempty"`
	Metadata           map[string]string  `json:"metadata,omitempty"`
	ErrorHistory       []ErrorRecord      `json:"error_history,omitempty"`
}

// Ready reports whether the item is pending and its schedule has passed.
func (it *Item) Ready(now time.Time) bool {
	if it.Status != StatusPending {
		return false
	}
	return it.ScheduledAt == nil || !it.ScheduledAt.After(now)
}

// ReadyAt returns the earliest time the item may be dispatched.
func (it *Item) ReadyAt() time.Time {
	if it.ScheduledAt != nil {
		return *it.ScheduledAt
	}
	return it.CreatedAt
}

// LastError returns the most recent error record, if any.
func (it *Item) LastError() (ErrorRecord, bool) {
	if len(it.ErrorHistory) == 0 {
		return ErrorRecord{}, false
	}
	return it.ErrorHistory[len(it.ErrorHistory)-1], true
}

// Clone returns a deep copy.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	cp := *it
	cp.Payload = slices.Clone(it.Payload)
	if it.ScheduledAt != nil {
		t := *it.ScheduledAt
		cp.ScheduledAt = &t
	}
	cp.Dependencies = slices.Clone(it.Dependencies)
	cp.Metadata = maps.Clone(it.Metadata)
	cp.ErrorHistory = slices.Clone(it.ErrorHistory)
	return &cp
}
