// Package eventbus provides the named-topic publish/subscribe bus that the
// render pipeline uses for cross-subsystem signalling.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/guestify/mediakit/internal/logging"
)

// Topics published by the runtime.
const (
	TopicRenderCompleted      = "render:completed"
	TopicRenderFailed         = "render:failed"
	TopicRenderBatchCompleted = "render:batch-completed"
	TopicRenderValidated      = "render:validated"
	TopicRecoverySuccess      = "render:recovery-success"
	TopicRecoveryFailed       = "render:recovery-failed"
	TopicComponentAdded       = "state:component-added"
	TopicComponentRemoved     = "state:component-removed"
	TopicComponentUpdated     = "state:component-updated"
	TopicUserNotification     = "ui:notification"
)

// Event is one published message.
type Event struct {
	Topic     string
	Payload   map[string]any
	Timestamp time.Time
}

// Handler receives events synchronously on the publisher's goroutine.
type Handler func(Event)

type subscription struct {
	id      int
	topic   string
	handler Handler

	// mu serializes channel sends against close so an unsubscribe racing a
	// publish cannot panic the publisher.
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// send delivers an event without blocking. Returns false when the buffer is
// full; a closed subscription swallows the event.
func (s *subscription) send(event Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}

	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

func (s *subscription) closeChannel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus dispatches events to topic subscribers. Handlers run synchronously;
// channel subscribers get non-blocking sends so a slow consumer never stalls
// the publisher.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string][]*subscription
	logger logging.Logger
}

// New creates an event bus.
func New(logger logging.Logger) *Bus {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Bus{
		subs:   make(map[string][]*subscription),
		logger: logger.WithComponent("eventbus"),
	}
}

// Subscribe registers a handler for a topic and returns an unsubscribe
// function.
func (b *Bus) Subscribe(topic string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, topic: topic, handler: handler}
	b.subs[topic] = append(b.subs[topic], sub)

	return func() { b.unsubscribe(sub) }
}

// Watch returns a buffered channel receiving events for a topic, plus an
// unsubscribe function. Events are dropped when the buffer is full.
func (b *Bus) Watch(topic string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, topic: topic, ch: make(chan Event, buffer)}
	b.subs[topic] = append(b.subs[topic], sub)

	return sub.ch, func() { b.unsubscribe(sub) }
}

func (b *Bus) unsubscribe(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.topic]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			if s.ch != nil {
				s.closeChannel()
			}

			break
		}
	}
}

// Publish delivers an event to all subscribers of its topic. A panicking
// handler is isolated so one bad subscriber cannot break the others.
func (b *Bus) Publish(topic string, payload map[string]any) {
	event := Event{Topic: topic, Payload: payload, Timestamp: time.Now()}

	b.mu.RLock()
	list := make([]*subscription, len(b.subs[topic]))
	copy(list, b.subs[topic])
	b.mu.RUnlock()

	for _, sub := range list {
		if sub.handler != nil {
			b.dispatch(sub, event)

			continue
		}

		if !sub.send(event) {
			b.logger.Debug(context.Background(), "Event dropped, subscriber buffer full",
				"topic", topic,
			)
		}
	}
}

func (b *Bus) dispatch(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error(context.Background(), nil, "Event handler panicked",
				"topic", event.Topic,
				"panic", r,
			)
		}
	}()

	sub.handler(event)
}

// SubscriberCount returns the number of subscribers on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs[topic])
}

// Close drops all subscriptions and closes watcher channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, list := range b.subs {
		for _, sub := range list {
			if sub.ch != nil {
				sub.closeChannel()
			}
		}
	}

	b.subs = make(map[string][]*subscription)
}
