// Package bus is the in-process status broadcaster. Subsystems publish
// onto string topics; subscribers each get a buffered channel. Delivery is
// at-most-once and non-blocking: a subscriber that falls behind loses the
// message and re-syncs from the REST snapshot endpoints. Within one topic,
// messages reach a subscriber in publication order.
package bus

import (
	"sync"
)

// Topic names carried on the bus.
const (
	TopicLiquidation = "liquidation"
	TopicThreshold   = "threshold"
	TopicVWAP        = "vwap"
	TopicPosition    = "position"
	TopicOrder       = "order"
	TopicError       = "error"
)

// Message is one published event.
type Message struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

const subscriberBuffer = 64

// Bus fans out messages by topic.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[int]chan Message // topic -> subscriber id -> channel
	next int
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[int]chan Message)}
}

// Subscribe registers interest in the given topics and returns the
// delivery channel plus a cancel func. Cancel closes the channel.
func (b *Bus) Subscribe(topics ...string) (<-chan Message, func()) {
	ch := make(chan Message, subscriberBuffer)

	b.mu.Lock()
	id := b.next
	b.next++
	for _, t := range topics {
		if b.subs[t] == nil {
			b.subs[t] = make(map[int]chan Message)
		}
		b.subs[t][id] = ch
	}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		for _, t := range topics {
			if b.subs[t] != nil {
				delete(b.subs[t], id)
			}
		}
		b.mu.Unlock()
		close(ch)
	}
	return ch, cancel
}

// Publish delivers payload to every subscriber of topic. Subscribers with
// a full buffer are skipped.
func (b *Bus) Publish(topic string, payload any) {
	msg := Message{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
		}
	}
}

// SubscriberCount reports how many subscribers a topic has.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
