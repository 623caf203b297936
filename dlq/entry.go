package dlq

import (
	"maps"
	"time"

	"github.com/a-cube-io/opqueue/id"
	"github.com/a-cube-io/opqueue/item"
)

// Entry represents an item that has exhausted its retry budget and been
// moved to the dead letter queue for inspection or replay.
type Entry struct {
	ID         id.DLQID          `json:"id"`
	ItemID     id.ItemID         `json:"item_id"`
	Resource   item.Resource     `json:"resource"`
	Operation  item.Operation    `json:"operation"`
	Priority   item.Priority     `json:"priority"`
	Payload    []byte            `json:"payload"`
	Error      string            `json:"error"`
	Code       string            `json:"code,omitempty"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	FailedAt   time.Time         `json:"failed_at"`
	ReplayedAt *time.Time        `json:"replayed_at,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	c.Metadata = maps.Clone(e.Metadata)
	if e.ReplayedAt != nil {
		t := *e.ReplayedAt
		c.ReplayedAt = &t
	}
	return &c
}
