package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultSubscriberBuffer = 64

// Forwarder ships locally produced events to other instances.
type Forwarder interface {
	Forward(ctx context.Context, ev Event) error
}

// Bus is an in-process fan-out of events to subscribers. Slow subscribers
// lose events instead of blocking publishers.
type Bus struct {
	mu        sync.RWMutex
	subs      map[int64]chan Event
	nextID    int64
	buffer    int
	forwarder Forwarder
	now       func() time.Time
}

// NewBus creates a bus whose subscriber channels hold buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Bus{
		subs:   make(map[int64]chan Event),
		buffer: buffer,
		now:    time.Now,
	}
}

// SetForwarder installs a relay for cross-instance delivery. Call before
// the bus is shared between goroutines.
func (b *Bus) SetForwarder(f Forwarder) {
	b.forwarder = f
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish stamps the event, delivers it locally and forwards it to the relay.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = b.now().UTC()
	}

	b.Deliver(ev)

	if b.forwarder != nil {
		if err := b.forwarder.Forward(ctx, ev); err != nil {
			slog.Warn("Event relay forward failed", "event_type", ev.Type, "event_id", ev.ID, "error", err)
		}
	}
}

// Deliver hands the event to local subscribers only.
func (b *Bus) Deliver(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("Event subscriber lagging, dropping event",
				"subscriber", id, "event_type", ev.Type, "session_id", ev.SessionID)
		}
	}
}

// Subscribers returns the number of registered subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
