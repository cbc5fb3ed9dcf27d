// Package bus fans events out to in-process subscribers, primarily the SSE
// bridge. Delivery is best effort: a slow subscriber loses events rather
// than stalling the publisher, the database remains the source of truth.
package bus

import (
	"log/slog"
	"sync"

	"github.com/gbrigandi/soctalk/pkg/eventstore"
)

// subscriberBuffer bounds each subscriber's queue. When the queue is full
// the event is dropped for that subscriber only.
const subscriberBuffer = 100

// Bus is a broadcast channel over stored events.
type Bus struct {
	log *slog.Logger

	mu   sync.RWMutex
	subs map[int]chan eventstore.Event
	next int
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		log:  slog.With("component", "bus"),
		subs: make(map[int]chan eventstore.Event),
	}
}

// Subscribe registers a subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe.
func (b *Bus) Subscribe() (<-chan eventstore.Event, func()) {
	ch := make(chan eventstore.Event, subscriberBuffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// Publish delivers the event to every subscriber without blocking. Full
// queues drop the event with a warning.
func (b *Bus) Publish(evt eventstore.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.log.Warn("subscriber queue full, dropping event",
				"subscriber", id, "event_type", evt.EventType, "event_id", evt.ID)
		}
	}
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
