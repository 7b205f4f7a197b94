package events

import (
	"log"
	"sync"
	"time"
)

// Handler is a callback invoked when a matching event is published.
type Handler func(Event)

// Subscription identifies one registered handler so it can be
// cancelled later.
type Subscription struct {
	id uint64
}

// subscriber couples a handler with its type and severity filters.
type subscriber struct {
	types       map[EventType]struct{} // nil means "all events"
	minSeverity Severity
	handler     Handler
}

// Bus is a thread-safe, in-process publish/subscribe event bus. Every
// mesh component publishes through a single shared bus; the audit
// trail, notification dispatcher and node binary subscribe to it.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]subscriber
}

// NewBus creates a ready-to-use event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]subscriber)}
}

// Subscribe registers a handler for the given event types.
// If no types are provided the handler receives every event.
func (b *Bus) Subscribe(handler Handler, types ...EventType) Subscription {
	return b.subscribe(handler, SeverityInfo, types)
}

// SubscribeSeverity is Subscribe with a severity floor: events below
// min are not delivered to the handler.
func (b *Bus) SubscribeSeverity(min Severity, handler Handler, types ...EventType) Subscription {
	return b.subscribe(handler, min, types)
}

// Unsubscribe removes a previously registered handler. Unknown or
// already-cancelled subscriptions are a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
}

// Publish sends an event to all matching subscribers.
// The timestamp is set automatically if zero.
// Handlers are called synchronously in the caller's goroutine;
// subscribers needing concurrency manage their own.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if e.Severity < sub.minSeverity {
			continue
		}
		if sub.types != nil {
			if _, ok := sub.types[e.Type]; !ok {
				continue
			}
		}
		b.deliver(sub, e)
	}
}

func (b *Bus) subscribe(handler Handler, min Severity, types []EventType) Subscription {
	sub := subscriber{handler: handler, minSeverity: min}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.mu.Unlock()

	return Subscription{id: id}
}

// deliver invokes one handler, containing its panics so a bad
// subscriber cannot take down the publisher.
func (b *Bus) deliver(sub subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("events: subscriber panic on %s (agent %s): %v", e.Type, e.AgentID, r)
		}
	}()
	sub.handler(e)
}
