package memory

import (
	"context"
	"sync"

	"github.com/aescanero/megaservice/pkg/domain"
	"github.com/aescanero/megaservice/pkg/ports"
)

const subscriberBuffer = 256

// subscription delivers events to one handler in publish order
type subscription struct {
	id      uint64
	handler ports.EventHandler
	ch      chan domain.Event
	done    chan struct{}
}

// EventBus implements ports.EventBus with in-process fan-out. A slow
// subscriber drops events once its buffer is full; publishers never block.
type EventBus struct {
	subscribers map[string][]*subscription
	nextID      uint64
	closed      bool
	mu          sync.RWMutex
}

// NewEventBus creates a new in-memory event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]*subscription),
	}
}

// Publish delivers an event to all subscribers of a topic
func (e *EventBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, sub := range e.subscribers[topic] {
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe delivers events on topic to handler until ctx is cancelled
func (e *EventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	e.mu.Lock()
	e.nextID++
	sub := &subscription{
		id:      e.nextID,
		handler: handler,
		ch:      make(chan domain.Event, subscriberBuffer),
		done:    make(chan struct{}),
	}
	e.subscribers[topic] = append(e.subscribers[topic], sub)
	e.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				e.remove(topic, sub.id)
				return
			case <-sub.done:
				return
			case event := <-sub.ch:
				_ = sub.handler(ctx, event)
			}
		}
	}()

	return nil
}

// Unsubscribe removes all subscriptions from a topic
func (e *EventBus) Unsubscribe(ctx context.Context, topic string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, sub := range e.subscribers[topic] {
		close(sub.done)
	}
	delete(e.subscribers, topic)
	return nil
}

// Close stops every subscription
func (e *EventBus) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	for topic, subs := range e.subscribers {
		for _, sub := range subs {
			close(sub.done)
		}
		delete(e.subscribers, topic)
	}
	return nil
}

// remove drops one subscription after its context ended
func (e *EventBus) remove(topic string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.subscribers[topic]
	for i, sub := range subs {
		if sub.id == id {
			e.subscribers[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}
