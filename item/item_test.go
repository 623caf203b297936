package item_test

import (
	"testing"
	"time"

	"github.com/a-cube-io/opqueue/id"
	"github.com/a-cube-io/opqueue/item"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]item.Status]bool{
		{item.StatusPending, item.StatusProcessing}:   true,
		{item.StatusProcessing, item.StatusCompleted}: true,
		{item.StatusProcessing, item.StatusFailed}:    true,
		{item.StatusFailed, item.StatusRetry}:         true,
		{item.StatusFailed, item.StatusDead}:          true,
		{item.StatusRetry, item.StatusPending}:        true,
	}

	for _, from := range item.Statuses {
		for _, to := range item.Statuses {
			want := allowed[[2]item.Status{from, to}]
			if from == to {
				want = !from.Terminal()
			}
			if got := item.CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []item.Status{item.StatusCompleted, item.StatusDead} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
		if len(item.Next(s)) != 0 {
			t.Errorf("%s should have no outgoing edges", s)
		}
	}
}

func TestPriorityWeight(t *testing.T) {
	for i := 1; i < len(item.Priorities); i++ {
		if item.Priorities[i-1].Weight() <= item.Priorities[i].Weight() {
			t.Errorf("%s should weigh more than %s", item.Priorities[i-1], item.Priorities[i])
		}
	}
	if item.Priority("urgent").Valid() {
		t.Error("unknown priority should be invalid")
	}
}

func TestResourceValid(t *testing.T) {
	if !item.ResourceCashRegisters.Valid() {
		t.Error("cash-registers should be valid")
	}
	if item.Resource("invoices").Valid() {
		t.Error("invoices should be invalid")
	}
}

func TestReady(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Minute)

	tests := []struct {
		name string
		it   item.Item
		want bool
	}{
		{"pending unscheduled", item.Item{Status: item.StatusPending}, true},
		{"pending scheduled in future", item.Item{Status: item.StatusPending, ScheduledAt: &future}, false},
		{"pending scheduled now", item.Item{Status: item.StatusPending, ScheduledAt: &now}, true},
		{"processing", item.Item{Status: item.StatusProcessing}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.it.Ready(now); got != tt.want {
				t.Errorf("Ready = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	at := time.Now()
	orig := &item.Item{
		ID:           id.NewItemID(),
		Payload:      []byte(`{"a":1}`),
		ScheduledAt:  &at,
		Dependencies: []string{"x"},
		Metadata:     map[string]string{"k": "v"},
		ErrorHistory: []item.ErrorRecord{{Error: "boom"}},
	}
	cp := orig.Clone()

	cp.Payload[0] = 'X'
	cp.Dependencies[0] = "y"
	cp.Metadata["k"] = "changed"
	cp.ErrorHistory[0].Error = "changed"
	*cp.ScheduledAt = at.Add(time.Hour)

	if string(orig.Payload) != `{"a":1}` {
		t.Error("payload shared with clone")
	}
	if orig.Dependencies[0] != "x" {
		t.Error("dependencies shared with clone")
	}
	if orig.Metadata["k"] != "v" {
		t.Error("metadata shared with clone")
	}
	if orig.ErrorHistory[0].Error != "boom" {
		t.Error("error history shared with clone")
	}
	if !orig.ScheduledAt.Equal(at) {
		t.Error("scheduled time shared with clone")
	}
}

func TestApplyOptions(t *testing.T) {
	o := item.Apply(
		item.WithPriority(item.PriorityHigh),
		item.WithMaxRetries(7),
		item.WithDependencies("a", "b"),
		item.WithMetadata("source", "pos"),
	)
	if o.Priority != item.PriorityHigh {
		t.Errorf("Priority = %s", o.Priority)
	}
	if o.MaxRetries == nil || *o.MaxRetries != 7 {
		t.Errorf("MaxRetries = %v", o.MaxRetries)
	}
	if len(o.Dependencies) != 2 {
		t.Errorf("Dependencies = %v", o.Dependencies)
	}
	if o.Metadata["source"] != "pos" {
		t.Errorf("Metadata = %v", o.Metadata)
	}
}
