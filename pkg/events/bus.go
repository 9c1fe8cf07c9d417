// Package events implements the topic-addressed Event Bus (spec §4.6):
// publish is fire-and-forget, subscribe yields a lazy per-topic sequence
// of payloads delivered in publish order to each subscriber. Grounded on
// the teacher's pkg/events.Broker (single dispatch goroutine reading off
// a buffered internal channel, best-effort non-blocking fan-out to
// per-subscriber buffered channels), adapted from "every subscriber sees
// every event" to per-topic subscription, since Leaxer's topic set
// (types.Topic) gates delivery rather than merely labeling it.
package events

import (
	"sync"
	"time"

	"github.com/leaxer-ai/leaxer/pkg/log"
	"github.com/leaxer-ai/leaxer/pkg/types"
)

const (
	internalBuffer   = 256
	subscriberBuffer = 64
)

// Subscription is a restartable, lazy channel of payloads for one topic.
type Subscription struct {
	ch    chan interface{}
	topic types.Topic
}

// C returns the channel to range over.
func (s *Subscription) C() <-chan interface{} { return s.ch }

// Topic returns the subscription's topic.
func (s *Subscription) Topic() types.Topic { return s.topic }

// Broker is the Event Bus: topic-addressed, in-process, no durability
// beyond what LogBroadcaster provides for logs.stream.
type Broker struct {
	mu   sync.RWMutex
	subs map[types.Topic]map[*Subscription]bool

	eventCh chan types.TopicEvent
	stopCh  chan struct{}
	once    sync.Once
}

// NewBroker creates a new Event Bus.
func NewBroker() *Broker {
	return &Broker{
		subs:    make(map[types.Topic]map[*Subscription]bool),
		eventCh: make(chan types.TopicEvent, internalBuffer),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the broker's dispatch loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker and closes every outstanding subscription.
func (b *Broker) Stop() {
	b.once.Do(func() {
		close(b.stopCh)
		b.mu.Lock()
		for topic, m := range b.subs {
			for sub := range m {
				close(sub.ch)
			}
			delete(b.subs, topic)
		}
		b.mu.Unlock()
	})
}

// Publish is fire-and-forget; payload is delivered in order to every
// subscriber of topic.
func (b *Broker) Publish(topic types.Topic, payload interface{}) {
	select {
	case b.eventCh <- types.TopicEvent{Topic: topic, Payload: payload, Timestamp: time.Now()}:
	case <-b.stopCh:
	}
}

// Subscribe returns a Subscription whose channel receives every payload
// published to topic from this point on, in publish order.
func (b *Broker) Subscribe(topic types.Topic) *Subscription {
	sub := &Subscription{ch: make(chan interface{}, subscriberBuffer), topic: topic}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*Subscription]bool)
	}
	b.subs[topic][sub] = true
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[sub.topic]; ok {
		if _, present := m[sub]; present {
			delete(m, sub)
			close(sub.ch)
		}
	}
}

// SubscriberCount returns the number of active subscribers for topic.
func (b *Broker) SubscriberCount(topic types.Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *Broker) run() {
	logger := log.WithComponent("events")
	for {
		select {
		case evt := <-b.eventCh:
			b.broadcast(evt)
		case <-b.stopCh:
			logger.Info().Msg("event bus stopped")
			return
		}
	}
}

func (b *Broker) broadcast(evt types.TopicEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[evt.Topic] {
		select {
		case sub.ch <- evt.Payload:
		default:
			// Subscriber buffer full; drop. There is no durability
			// guarantee beyond LogBroadcaster's ring buffer (spec §4.6).
		}
	}
}
