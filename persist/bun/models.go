package bunstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/a-cube-io/opqueue/dlq"
	"github.com/a-cube-io/opqueue/id"
	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/persist"
)

// ── Item model ────────────────────────────────────────────────────

type itemModel struct {
	bun.BaseModel `bun:"table:opqueue_items"`

	ID       string          `bun:"id,pk"`
	Position int             `bun:"position,notnull"`
	Resource string          `bun:"resource,notnull"`
	Priority string          `bun:"priority,notnull"`
	Status   string          `bun:"status,notnull"`
	Data     json.RawMessage `bun:"data,notnull,type:jsonb"`
	SavedAt  time.Time       `bun:"saved_at,notnull,default:current_timestamp"`
}

func toItemModel(it *item.Item, pos int, now time.Time) (itemModel, error) {
	data, err := persist.JSON.MarshalItem(it)
	if err != nil {
		return itemModel{}, fmt.Errorf("opqueue/bun: encode item %s: %w", it.ID, err)
	}
	return itemModel{
		ID:       it.ID.String(),
		Position: pos,
		Resource: string(it.Resource),
		Priority: string(it.Priority),
		Status:   string(it.Status),
		Data:     data,
		SavedAt:  now,
	}, nil
}

func fromItemModel(m *itemModel) (*item.Item, error) {
	it, err := persist.JSON.UnmarshalItem(m.Data)
	if err != nil {
		return nil, fmt.Errorf("opqueue/bun: decode item %s: %w", m.ID, err)
	}
	return it, nil
}

// ── DLQ model ─────────────────────────────────────────────────────

type dlqEntryModel struct {
	bun.BaseModel `bun:"table:opqueue_dlq"`

	ID         string            `bun:"id,pk"`
	ItemID     string            `bun:"item_id,notnull"`
	Resource   string            `bun:"resource,notnull"`
	Operation  string            `bun:"operation,notnull"`
	Priority   string            `bun:"priority,notnull"`
	Payload    []byte            `bun:"payload,type:bytea"`
	Error      string            `bun:"error,notnull"`
	Code       string            `bun:"code,notnull"`
	RetryCount int               `bun:"retry_count,notnull"`
	MaxRetries int               `bun:"max_retries,notnull"`
	Metadata   map[string]string `bun:"metadata,type:jsonb"`
	FailedAt   time.Time         `bun:"failed_at,notnull"`
	ReplayedAt *time.Time        `bun:"replayed_at"`
	CreatedAt  time.Time         `bun:"created_at,notnull,default:current_timestamp"`
}

func toDLQModel(e *dlq.Entry) *dlqEntryModel {
	return &dlqEntryModel{
		ID:         e.ID.String(),
		ItemID:     e.ItemID.String(),
		Resource:   string(e.Resource),
		Operation:  string(e.Operation),
		Priority:   string(e.Priority),
		Payload:    e.Payload,
		Error:      e.Error,
		Code:       e.Code,
		RetryCount: e.RetryCount,
		MaxRetries: e.MaxRetries,
		Metadata:   e.Metadata,
		FailedAt:   e.FailedAt,
		ReplayedAt: e.ReplayedAt,
		CreatedAt:  e.CreatedAt,
	}
}

func fromDLQModel(m *dlqEntryModel) (*dlq.Entry, error) {
	parsedID, err := id.ParseDLQID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("opqueue/bun: parse dlq id %q: %w", m.ID, err)
	}
	parsedItemID, err := id.ParseItemID(m.ItemID)
	if err != nil {
		return nil, fmt.Errorf("opqueue/bun: parse item id %q: %w", m.ItemID, err)
	}

	return &dlq.Entry{
		ID:         parsedID,
		ItemID:     parsedItemID,
		Resource:   item.Resource(m.Resource),
		Operation:  item.Operation(m.Operation),
		Priority:   item.Priority(m.Priority),
		Payload:    m.Payload,
		Error:      m.Error,
		Code:       m.Code,
		RetryCount: m.RetryCount,
		MaxRetries: m.MaxRetries,
		Metadata:   m.Metadata,
		FailedAt:   m.FailedAt,
		ReplayedAt: m.ReplayedAt,
		CreatedAt:  m.CreatedAt,
	}, nil
}
