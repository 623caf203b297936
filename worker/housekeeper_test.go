package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/a-cube-io/opqueue/worker"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"@every 30s", false},
		{"@hourly", false},
		{"*/5 * * * *", false},
		{"not a schedule", true},
		{"* * *", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := worker.ParseSchedule(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSchedule(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
		})
	}
}

func TestHousekeeperRunsTasks(t *testing.T) {
	h := worker.NewHousekeeper(slog.Default())
	var n atomic.Int64
	if err := h.Add("tick", "@every 1s", func(context.Context) error {
		n.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	h.Start()
	defer h.Stop(context.Background()) //nolint:errcheck // best-effort cleanup

	deadline := time.After(3 * time.Second)
	for n.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("task never ran")
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}
}

func TestHousekeeperAddRunRemove(t *testing.T) {
	h := worker.NewHousekeeper(slog.Default())
	defer h.Stop(context.Background()) //nolint:errcheck // best-effort cleanup

	if err := h.Add("bad", "every now and then", func(context.Context) error { return nil }); err == nil {
		t.Fatal("Add accepted an invalid schedule")
	}

	boom := errors.New("boom")
	if err := h.Add("purge", "@hourly", func(context.Context) error { return boom }); err != nil {
		t.Fatal(err)
	}
	if err := h.Add("snapshot", "@every 30s", func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}

	tasks := h.Tasks()
	if len(tasks) != 2 || tasks[0].Name != "purge" || tasks[1].Name != "snapshot" {
		t.Fatalf("Tasks() = %+v", tasks)
	}

	if err := h.Run(context.Background(), "purge"); !errors.Is(err, boom) {
		t.Fatalf("Run(purge) = %v, want boom", err)
	}
	if err := h.Run(context.Background(), "missing"); err == nil {
		t.Fatal("Run(missing) = nil")
	}

	if !h.Remove("purge") || h.Remove("purge") {
		t.Fatal("Remove did not report removal exactly once")
	}
	if len(h.Tasks()) != 1 {
		t.Fatalf("Tasks() after Remove = %d, want 1", len(h.Tasks()))
	}
}
