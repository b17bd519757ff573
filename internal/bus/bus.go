// Package bus provides the in-process event fabric shared by the broker,
// the exchanger and the plugin registry. It supports two delivery styles:
// buffered channel subscriptions for observers (event stream, tests) and
// synchronous handler dispatch for events whose processing must complete
// before the emitter proceeds (resynchronize, inbound server messages).
package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Handler processes a dispatched event. Handlers may block; Dispatch waits
// for every handler to return before it does.
type Handler func(ctx context.Context, ev Event) error

// Subscription represents an active channel subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is an in-process pub/sub bus with topic prefix matching.
type Bus struct {
	mu       sync.RWMutex
	subs     map[int]*Subscription
	handlers map[string][]Handler
	nextID   int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs:     make(map[int]*Subscription),
		handlers: make(map[string][]Handler),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss
// events (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// On registers a handler for exact-topic dispatch.
func (b *Bus) On(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish sends an event to all matching channel subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is
// dropped for that subscriber. Registered handlers are not invoked.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// Dispatch invokes every handler registered for the topic and waits for all
// of them to complete before returning. Handler errors are joined; a failing
// handler never prevents the others from running. The event is also published
// to channel subscribers so observers see dispatched events too.
func (b *Bus) Dispatch(ctx context.Context, topic string, payload any) error {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[topic]))
	copy(handlers, b.handlers[topic])
	b.mu.RUnlock()

	b.Publish(topic, payload)

	if len(handlers) == 0 {
		return nil
	}

	ev := Event{Topic: topic, Payload: payload}
	errs := make([]error, len(handlers))
	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		go func(i int, h Handler) {
			defer wg.Done()
			errs[i] = h(ctx, ev)
		}(i, h)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// SubscriberCount returns the number of active channel subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// HandlerCount returns the number of handlers registered for a topic.
func (b *Bus) HandlerCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}
