// Package events provides the in-process publish/subscribe bus that connects
// the pool, the statistics aggregator, and any observers (metrics, history
// recording, dashboards). Delivery is synchronous and in subscription order;
// there is no replay of past events to late subscribers.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Topic identifies an event stream on the bus.
type Topic string

const (
	// TopicStatusChanged carries pool.StatusChanged payloads, one per
	// connection state transition.
	TopicStatusChanged Topic = "status-changed"
	// TopicMessage carries pool.MessageEvent payloads, one per inbound
	// feed message accepted while open.
	TopicMessage Topic = "message"
	// TopicStatistics carries pool.PoolStatistics snapshots from the
	// aggregator.
	TopicStatistics Topic = "statistics"
	// TopicDiagnostic carries pool.Diagnostic payloads for anomalies that
	// do not change observable state (forced closes, dropped messages,
	// exhausted retry budgets).
	TopicDiagnostic Topic = "diagnostic"
	// TopicProbe carries probe.Result payloads from the REST prober.
	TopicProbe Topic = "probe"
)

// Event is what subscribers receive.
type Event struct {
	Topic     Topic
	Payload   any
	Timestamp time.Time
}

// Handler processes a single event. Handlers run synchronously on the
// publisher's goroutine and should hand off any slow work.
type Handler func(Event)

type subscriber struct {
	id uint64
	fn Handler
}

// Bus is a topic-keyed synchronous pub/sub bus. The zero value is not usable;
// construct with NewBus.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Topic][]subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]subscriber)}
}

// Subscribe registers fn for events on topic and returns an unsubscribe
// function. Unsubscribing twice is safe and the second call is a no-op.
func (b *Bus) Subscribe(topic Topic, fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}
}

func (b *Bus) remove(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[topic]
	for i, s := range list {
		if s.id == id {
			b.subs[topic] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers payload to every current subscriber of topic, in the order
// they subscribed. A panicking subscriber is isolated and logged; remaining
// subscribers still receive the event.
func (b *Bus) Publish(topic Topic, payload any) {
	ev := Event{Topic: topic, Payload: payload, Timestamp: time.Now()}

	b.mu.RLock()
	list := make([]subscriber, len(b.subs[topic]))
	copy(list, b.subs[topic])
	b.mu.RUnlock()

	for _, s := range list {
		deliver(s, ev)
	}
}

func deliver(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("topic", string(ev.Topic)).
				Interface("panic", r).
				Msg("event subscriber panicked")
		}
	}()
	s.fn(ev)
}

// SubscriberCount returns the number of active subscribers on topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
