package stream

import (
	"fmt"
	"strings"
	"sync"
)

// Topic names follow a pattern:
//
//	item:<itemID>        events for one item
//	batch:<batchID>      events for one batch
//	resource:<resource>  item and circuit events for one resource
//	items, circuits, queue, batches
//	                     every event of that category
//	firehose             everything
const (
	TopicItems    = "items"
	TopicCircuits = "circuits"
	TopicQueue    = "queue"
	TopicBatches  = "batches"
	TopicFirehose = "firehose"
)

var categoryTopics = map[string]string{
	"item":    TopicItems,
	"circuit": TopicCircuits,
	"queue":   TopicQueue,
	"batch":   TopicBatches,
}

// ItemTopic returns the topic name for one item.
func ItemTopic(itemID string) string { return "item:" + itemID }

// BatchTopic returns the topic name for one batch.
func BatchTopic(batchID string) string { return "batch:" + batchID }

// ResourceTopic returns the topic name for a resource.
func ResourceTopic(resource string) string { return "resource:" + resource }

// TopicRegistry manages subscriber sets per topic.
// It is safe for concurrent use.
type TopicRegistry struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Subscriber // topic → subscriberID → subscriber
}

// NewTopicRegistry creates an empty topic registry.
func NewTopicRegistry() *TopicRegistry {
	return &TopicRegistry{
		topics: make(map[string]map[string]*Subscriber),
	}
}

// Subscribe adds a subscriber to a topic, creating the topic on first use.
func (tr *TopicRegistry) Subscribe(topic string, sub *Subscriber) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	subs, ok := tr.topics[topic]
	if !ok {
		subs = make(map[string]*Subscriber)
		tr.topics[topic] = subs
	}
	subs[sub.ID()] = sub
	sub.addTopic(topic)
}

// Unsubscribe removes a subscriber from a topic. Empty topics are dropped.
func (tr *TopicRegistry) Unsubscribe(topic, subscriberID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	subs, ok := tr.topics[topic]
	if !ok {
		return
	}
	if sub, exists := subs[subscriberID]; exists {
		sub.removeTopic(topic)
		delete(subs, subscriberID)
	}
	if len(subs) == 0 {
		delete(tr.topics, topic)
	}
}

// UnsubscribeAll removes a subscriber from all topics.
func (tr *TopicRegistry) UnsubscribeAll(subscriberID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	for topic, subs := range tr.topics {
		if sub, ok := subs[subscriberID]; ok {
			sub.removeTopic(topic)
			delete(subs, subscriberID)
		}
		if len(subs) == 0 {
			delete(tr.topics, topic)
		}
	}
}

// Broadcast sends an event to all subscribers on the listed topics,
// delivering at most once per subscriber. It returns the number of
// subscribers that received the event and the number that dropped it.
func (tr *TopicRegistry) Broadcast(topics []string, evt *Event) (delivered, dropped int) {
	tr.mu.RLock()
	seen := make(map[string]*Subscriber)
	for _, topic := range topics {
		for id, sub := range tr.topics[topic] {
			seen[id] = sub
		}
	}
	tr.mu.RUnlock()

	for _, sub := range seen {
		if sub.send(evt) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

// TopicCount returns the number of active topics.
func (tr *TopicRegistry) TopicCount() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics)
}

// SubscriberCount returns the number of subscribers on a topic.
func (tr *TopicRegistry) SubscriberCount(topic string) int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics[topic])
}

// resolveTopics returns every topic an event is published to: the
// firehose, its category topic, its entity topic and any extras.
func resolveTopics(evt *Event, extra ...string) []string {
	topics := []string{TopicFirehose}
	if t, ok := categoryTopics[evt.Type.Category()]; ok {
		topics = append(topics, t)
	}
	if evt.Topic != "" {
		topics = append(topics, evt.Topic)
	}
	return append(topics, extra...)
}

// ParseTopicEntity extracts the entity type and ID from a topic string.
// For example, "item:item_abc123" returns ("item", "item_abc123").
// Global topics like "items" or "firehose" return ("", "").
func ParseTopicEntity(topic string) (entityType, entityID string) {
	entityType, entityID, ok := strings.Cut(topic, ":")
	if !ok {
		return "", ""
	}
	return entityType, entityID
}

// ValidateTopic checks whether a topic string is valid.
func ValidateTopic(topic string) error {
	switch topic {
	case TopicItems, TopicCircuits, TopicQueue, TopicBatches, TopicFirehose:
		return nil
	}

	entityType, entityID := ParseTopicEntity(topic)
	if entityType == "" || entityID == "" {
		return fmt.Errorf("stream: invalid topic %q", topic)
	}

	switch entityType {
	case "item", "batch", "resource":
		return nil
	default:
		return fmt.Errorf("stream: unknown topic entity type %q", entityType)
	}
}
