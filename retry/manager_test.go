package retry_test

import (
	"testing"
	"time"

	"github.com/a-cube-io/opqueue/backoff"
	"github.com/a-cube-io/opqueue/id"
	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/retry"
)

func fastParams() backoff.Params {
	return backoff.Params{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2}
}

func retryItem(retries, maxRetries int) *item.Item {
	return &item.Item{
		ID:            id.NewItemID(),
		Resource:      item.ResourceReceipts,
		Operation:     item.OperationCreate,
		Status:        item.StatusFailed,
		RetryCount:    retries,
		MaxRetries:    maxRetries,
		RetryStrategy: item.RetryExponential,
	}
}

func TestManagerFiresReady(t *testing.T) {
	ready := make(chan *item.Item, 1)
	m := retry.NewManager(fastParams(), func(it *item.Item) { ready <- it })
	defer m.Stop()

	it := retryItem(0, 3)
	info, ok := m.ScheduleRetry(it)
	if !ok {
		t.Fatal("ScheduleRetry = false")
	}
	if info.Attempt != 1 || info.Delay != 10*time.Millisecond {
		t.Errorf("info = %+v", info)
	}

	select {
	case got := <-ready:
		if got.ID != it.ID {
			t.Errorf("ready item = %s, want %s", got.ID, it.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("retry never fired")
	}
	if len(m.Pending()) != 0 {
		t.Error("fired retry should not be pending")
	}
}

func TestManagerDelayGrows(t *testing.T) {
	m := retry.NewManager(fastParams(), nil)
	if d0, d2 := m.Delay(retryItem(0, 5)), m.Delay(retryItem(2, 5)); d2 != 4*d0 {
		t.Errorf("Delay(2) = %v, want 4 * %v", d2, d0)
	}
	if d := m.Delay(retryItem(10, 20)); d != 50*time.Millisecond {
		t.Errorf("Delay(10) = %v, want capped 50ms", d)
	}
}

func TestManagerJitteredDelaysNonDecreasing(t *testing.T) {
	p := backoff.DefaultParams()
	p.Jitter = 0.5
	m := retry.NewManager(p, nil)

	for range 50 {
		it := retryItem(0, 10)
		prev := time.Duration(0)
		for n := 0; n < it.MaxRetries; n++ {
			it.RetryCount = n
			d := m.Delay(it)
			if d < prev {
				t.Fatalf("item %s: delay at retry %d = %v < %v", it.ID, n, d, prev)
			}
			if d > p.Max {
				t.Fatalf("item %s: delay at retry %d = %v exceeds %v", it.ID, n, d, p.Max)
			}
			prev = d
		}
	}
}

func TestManagerBudgetExhausted(t *testing.T) {
	m := retry.NewManager(fastParams(), nil)
	if _, ok := m.ScheduleRetry(retryItem(3, 3)); ok {
		t.Error("retry beyond MaxRetries must be refused")
	}
}

func TestManagerCircuitOpen(t *testing.T) {
	b := retry.NewBreakers(retry.BreakerConfig{Threshold: 1, Timeout: time.Hour}, nil)
	b.RecordFailure(item.ResourceReceipts, "down")
	m := retry.NewManager(fastParams(), nil, retry.WithBreakers(b))
	if _, ok := m.ScheduleRetry(retryItem(0, 3)); ok {
		t.Error("retry with open circuit must be refused")
	}
}

func TestManagerCancel(t *testing.T) {
	fired := make(chan struct{}, 1)
	p := backoff.Params{Base: 50 * time.Millisecond, Max: time.Second, Factor: 2}
	m := retry.NewManager(p, func(*item.Item) { fired <- struct{}{} })

	it := retryItem(0, 3)
	m.ScheduleRetry(it)
	if !m.Cancel(it.ID.String()) {
		t.Fatal("Cancel = false")
	}
	if m.Cancel(it.ID.String()) {
		t.Error("second Cancel should be false")
	}
	select {
	case <-fired:
		t.Error("cancelled retry fired")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestManagerStop(t *testing.T) {
	m := retry.NewManager(fastParams(), func(*item.Item) { t.Error("stopped manager fired") })
	m.ScheduleRetry(retryItem(0, 3))
	m.Stop()
	if _, ok := m.ScheduleRetry(retryItem(0, 3)); ok {
		t.Error("stopped manager accepted a retry")
	}
	time.Sleep(50 * time.Millisecond)
}

func TestManagerCustomStrategy(t *testing.T) {
	custom := backoff.NewConstant(7 * time.Millisecond)
	m := retry.NewManager(fastParams(), nil, retry.WithCustomStrategy(custom))
	it := retryItem(1, 3)
	it.RetryStrategy = item.RetryCustom
	if d := m.Delay(it); d != 7*time.Millisecond {
		t.Errorf("Delay = %v, want 7ms", d)
	}
}
