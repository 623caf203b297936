package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/a-cube-io/opqueue/batch"
	"github.com/a-cube-io/opqueue/ext"
	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/retry"
)

// Compile-time interface checks.
var (
	_ ext.Extension        = (*Broker)(nil)
	_ ext.ItemAdded        = (*Broker)(nil)
	_ ext.ItemProcessing   = (*Broker)(nil)
	_ ext.ItemCompleted    = (*Broker)(nil)
	_ ext.ItemFailed       = (*Broker)(nil)
	_ ext.ItemRetrying     = (*Broker)(nil)
	_ ext.ItemDead         = (*Broker)(nil)
	_ ext.RetriesExhausted = (*Broker)(nil)
	_ ext.CircuitChanged   = (*Broker)(nil)
	_ ext.Backpressure     = (*Broker)(nil)
	_ ext.QueuePaused      = (*Broker)(nil)
	_ ext.QueueResumed     = (*Broker)(nil)
	_ ext.QueueDrained     = (*Broker)(nil)
	_ ext.BatchCreated     = (*Broker)(nil)
	_ ext.BatchCompleted   = (*Broker)(nil)
	_ ext.BatchFailed      = (*Broker)(nil)
	_ ext.Shutdown         = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker is the real-time stream broker. It implements the ext hooks to
// receive lifecycle events and fans them out to subscribers via
// topic-based pub/sub. Publishing never blocks: an event that a
// subscriber cannot accept is dropped for that subscriber.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	subscribers sync.Map // subscriberID → *Subscriber

	totalPublished atomic.Int64
	totalDropped   atomic.Int64

	bufferSize     int
	defaultCredits int64
	now            func() time.Time
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// NewBroker creates a new stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry.
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a new subscriber on the given topics. With no topics
// the subscriber receives the firehose.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	if len(topics) == 0 {
		topics = []string{TopicFirehose}
	}
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
	if old, loaded := b.subscribers.Swap(subscriberID, sub); loaded {
		b.topics.UnsubscribeAll(subscriberID)
		old.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return
	}
	sub := val.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    b.totalDropped.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

// publish broadcasts evt to all matching topics.
func (b *Broker) publish(evt *Event, extra ...string) {
	delivered, dropped := b.topics.Broadcast(resolveTopics(evt, extra...), evt)
	b.totalPublished.Add(int64(delivered))
	b.totalDropped.Add(int64(dropped))
}

// mustMarshal marshals data to JSON, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}

func itemData(it *item.Item) ItemEventData {
	return ItemEventData{
		ItemID:     it.ID.String(),
		Resource:   string(it.Resource),
		Operation:  string(it.Operation),
		Priority:   string(it.Priority),
		Status:     string(it.Status),
		RetryCount: it.RetryCount,
	}
}

func (b *Broker) publishItem(t EventType, it *item.Item, data ItemEventData) {
	b.publish(&Event{
		Type:      t,
		Timestamp: b.now(),
		Topic:     ItemTopic(it.ID.String()),
		Data:      mustMarshal(data),
	}, ResourceTopic(string(it.Resource)))
}

// ── Item lifecycle hooks ─────────────────────────────

func (b *Broker) OnItemAdded(_ context.Context, it *item.Item) error {
	b.publishItem(EventItemAdded, it, itemData(it))
	return nil
}

func (b *Broker) OnItemProcessing(_ context.Context, it *item.Item) error {
	b.publishItem(EventItemProcessing, it, itemData(it))
	return nil
}

func (b *Broker) OnItemCompleted(_ context.Context, it *item.Item, elapsed time.Duration) error {
	d := itemData(it)
	d.ElapsedMs = elapsed.Milliseconds()
	b.publishItem(EventItemCompleted, it, d)
	return nil
}

func (b *Broker) OnItemFailed(_ context.Context, it *item.Item, itemErr error) error {
	d := itemData(it)
	d.Error = errString(itemErr)
	b.publishItem(EventItemFailed, it, d)
	return nil
}

func (b *Broker) OnItemRetrying(_ context.Context, it *item.Item, attempt int, nextRunAt time.Time) error {
	d := itemData(it)
	d.Attempt = attempt
	d.NextRunAt = nextRunAt.UTC().Format(time.RFC3339Nano)
	b.publishItem(EventItemRetry, it, d)
	return nil
}

func (b *Broker) OnItemDead(_ context.Context, it *item.Item, itemErr error) error {
	d := itemData(it)
	d.Error = errString(itemErr)
	b.publishItem(EventItemDead, it, d)
	return nil
}

func (b *Broker) OnRetriesExhausted(_ context.Context, it *item.Item, itemErr error) error {
	d := itemData(it)
	d.Error = errString(itemErr)
	b.publishItem(EventItemMaxRetriesExceeded, it, d)
	return nil
}

// ── Queue and circuit hooks ──────────────────────────

func (b *Broker) OnCircuitChanged(_ context.Context, t retry.Transition) error {
	evt := EventCircuitClosed
	switch {
	case t.Reason == "reset":
		evt = EventCircuitReset
	case t.To == retry.CircuitOpen:
		evt = EventCircuitOpened
	case t.To == retry.CircuitHalfOpen:
		evt = EventCircuitHalfOpen
	}
	b.publish(&Event{
		Type:      evt,
		Timestamp: b.now(),
		Data: mustMarshal(CircuitEventData{
			Resource: string(t.Resource),
			From:     string(t.From),
			To:       string(t.To),
			Reason:   t.Reason,
		}),
	}, ResourceTopic(string(t.Resource)))
	return nil
}

func (b *Broker) OnBackpressure(_ context.Context, size, maxSize int) error {
	b.publishQueue(EventQueueBackpressure, QueueEventData{Size: size, MaxSize: maxSize})
	return nil
}

func (b *Broker) OnQueuePaused(context.Context) error {
	b.publishQueue(EventQueuePaused, QueueEventData{})
	return nil
}

func (b *Broker) OnQueueResumed(context.Context) error {
	b.publishQueue(EventQueueResumed, QueueEventData{})
	return nil
}

func (b *Broker) OnQueueDrained(context.Context) error {
	b.publishQueue(EventQueueDrained, QueueEventData{})
	return nil
}

func (b *Broker) publishQueue(t EventType, d QueueEventData) {
	b.publish(&Event{Type: t, Timestamp: b.now(), Data: mustMarshal(d)})
}

// ── Batch hooks ──────────────────────────────────────

func batchData(bt *batch.Batch) BatchEventData {
	return BatchEventData{
		BatchID:  bt.ID.String(),
		Resource: string(bt.Resource),
		Strategy: bt.Strategy,
		Status:   string(bt.Status),
		ItemIDs:  bt.ItemIDs(),
	}
}

func (b *Broker) publishBatch(t EventType, bt *batch.Batch, d BatchEventData) {
	b.publish(&Event{
		Type:      t,
		Timestamp: b.now(),
		Topic:     BatchTopic(bt.ID.String()),
		Data:      mustMarshal(d),
	})
}

func (b *Broker) OnBatchCreated(_ context.Context, bt *batch.Batch) error {
	b.publishBatch(EventBatchCreated, bt, batchData(bt))
	return nil
}

func (b *Broker) OnBatchCompleted(_ context.Context, bt *batch.Batch, elapsed time.Duration) error {
	d := batchData(bt)
	d.ElapsedMs = elapsed.Milliseconds()
	b.publishBatch(EventBatchCompleted, bt, d)
	return nil
}

func (b *Broker) OnBatchFailed(_ context.Context, bt *batch.Batch, batchErr error) error {
	d := batchData(bt)
	d.Error = errString(batchErr)
	b.publishBatch(EventBatchFailed, bt, d)
	return nil
}

// ── Shutdown ────────────────────────────────────────

func (b *Broker) OnShutdown(context.Context) error {
	b.subscribers.Range(func(key, value any) bool {
		b.topics.UnsubscribeAll(key.(string)) //nolint:errcheck // keys are subscriber IDs
		value.(*Subscriber).Close()            //nolint:errcheck // sync.Map always stores *Subscriber
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("stream broker shut down")
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
