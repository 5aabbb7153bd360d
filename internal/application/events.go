package application

import (
	"log/slog"
	"sync"

	"github.com/ericfisherdev/credsync/internal/domain/model"
	"github.com/ericfisherdev/credsync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Notifier = (*EventBus)(nil)

// EventBus fans events out to subscribers. A subscriber whose buffer is full
// misses the event rather than stalling the publisher.
type EventBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan model.Event
	closed bool
}

// NewEventBus creates an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan model.Event)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// function unsubscribes and closes the channel. After Close the channel is
// returned already closed.
func (b *EventBus) Subscribe(buffer int) (<-chan model.Event, func()) {
	ch := make(chan model.Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Close closes every subscriber channel so streaming consumers return.
// Later publishes are dropped.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers event to every subscriber without blocking.
func (b *EventBus) Publish(event model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			slog.Debug("event dropped for slow subscriber", "subscriber", id, "kind", event.Kind)
		}
	}
}
