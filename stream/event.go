// Package stream provides a real-time event broker for queue lifecycle
// events. It bridges the ext.Extension system to connected clients via
// topic-based pub/sub.
package stream

import (
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// EventType identifies the kind of lifecycle event. The set is closed:
// every value is listed in EventTypes.
type EventType string

const (
	// Item events.
	EventItemAdded              EventType = "item:added"
	EventItemProcessing         EventType = "item:processing"
	EventItemCompleted          EventType = "item:completed"
	EventItemFailed             EventType = "item:failed"
	EventItemRetry              EventType = "item:retry"
	EventItemDead               EventType = "item:dead"
	EventItemMaxRetriesExceeded EventType = "item:max-retries-exceeded"

	// Circuit events.
	EventCircuitOpened   EventType = "circuit:opened"
	EventCircuitClosed   EventType = "circuit:closed"
	EventCircuitHalfOpen EventType = "circuit:half-open"
	EventCircuitReset    EventType = "circuit:reset"

	// Queue events.
	EventQueueBackpressure EventType = "queue:backpressure"
	EventQueuePaused       EventType = "queue:paused"
	EventQueueResumed      EventType = "queue:resumed"
	EventQueueDrained      EventType = "queue:drained"

	// Batch events.
	EventBatchCreated   EventType = "batch:created"
	EventBatchCompleted EventType = "batch:completed"
	EventBatchFailed    EventType = "batch:failed"
)

// EventTypes lists every event type.
var EventTypes = []EventType{
	EventItemAdded, EventItemProcessing, EventItemCompleted, EventItemFailed,
	EventItemRetry, EventItemDead, EventItemMaxRetriesExceeded,
	EventCircuitOpened, EventCircuitClosed, EventCircuitHalfOpen, EventCircuitReset,
	EventQueueBackpressure, EventQueuePaused, EventQueueResumed, EventQueueDrained,
	EventBatchCreated, EventBatchCompleted, EventBatchFailed,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool { return slices.Contains(EventTypes, t) }

// Category returns the part before the colon, e.g. "item".
func (t EventType) Category() string {
	c, _, _ := strings.Cut(string(t), ":")
	return c
}

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the entity channel this event was published on, if any.
	Topic string `json:"topic,omitempty"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v any) error { return json.Unmarshal(e.Data, v) }

// ItemEventData is the payload for item events.
type ItemEventData struct {
	ItemID     string `json:"item_id"`
	Resource   string `json:"resource"`
	Operation  string `json:"operation"`
	Priority   string `json:"priority"`
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count"`
	ElapsedMs  int64  `json:"elapsed_ms,omitempty"`
	Error      string `json:"error,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
	NextRunAt  string `json:"next_run_at,omitempty"`
}

// CircuitEventData is the payload for circuit events.
type CircuitEventData struct {
	Resource string `json:"resource"`
	From     string `json:"from"`
	To       string `json:"to"`
	Reason   string `json:"reason,omitempty"`
}

// QueueEventData is the payload for queue events.
type QueueEventData struct {
	Size    int `json:"size,omitempty"`
	MaxSize int `json:"max_size,omitempty"`
}

// BatchEventData is the payload for batch events.
type BatchEventData struct {
	BatchID   string   `json:"batch_id"`
	Resource  string   `json:"resource,omitempty"`
	Strategy  string   `json:"strategy"`
	Status    string   `json:"status"`
	ItemIDs   []string `json:"item_ids"`
	ElapsedMs int64    `json:"elapsed_ms,omitempty"`
	Error     string   `json:"error,omitempty"`
}
