package orchestrator

import (
	"sync"

	"github.com/BaSui01/stepflow/scheduler"
)

// EventBus fans scheduler events out to subscribers. Publish never blocks:
// a subscriber that falls behind its buffer loses events, which is fine for
// an advisory stream (the store remains the source of truth).
type EventBus struct {
	mu     sync.RWMutex
	subs   map[int]chan scheduler.Event
	nextID int
	buffer int
	closed bool
}

// NewEventBus creates a bus whose subscriber channels hold up to buffer
// events.
func NewEventBus(buffer int) *EventBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &EventBus{
		subs:   make(map[int]chan scheduler.Event),
		buffer: buffer,
	}
}

// Publish implements scheduler.Notifier.
func (b *EventBus) Publish(e scheduler.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber buffer full; drop rather than stall the engine.
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called to release the subscription; it closes the channel.
func (b *EventBus) Subscribe() (<-chan scheduler.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan scheduler.Event, b.buffer)
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

// Close drops all subscribers and closes their channels.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// multiNotifier forwards events to several notifiers.
type multiNotifier []scheduler.Notifier

func (m multiNotifier) Publish(e scheduler.Event) {
	for _, n := range m {
		n.Publish(e)
	}
}
