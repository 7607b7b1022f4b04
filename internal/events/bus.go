package events

import (
	"sync"
)

// Publisher is the narrow interface components publish through.
type Publisher interface {
	Publish(ev Event)
}

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu   sync.RWMutex
	subs map[Kind][]chan Event
	all  []chan Event
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Kind][]chan Event)}
}

// Subscribe registers a listener for one kind and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(k Kind, buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, buffer)
	b.subs[k] = append(b.subs[k], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs[k] = removeChan(b.subs[k], ch)
	}
	return ch, unsub
}

// SubscribeAll receives every kind; used by the websocket push.
func (b *Bus) SubscribeAll(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, buffer)
	b.all = append(b.all, ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = removeChan(b.all, ch)
	}
	return ch, unsub
}

// Publish fan-outs the event to subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	if ev == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[ev.Kind()] {
		trySend(ch, ev)
	}
	for _, ch := range b.all {
		trySend(ch, ev)
	}
}

func trySend(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
		// drop if subscriber is slow; keep broker non-blocking
	}
}

func removeChan(subs []chan Event, ch chan Event) []chan Event {
	for i, c := range subs {
		if c == ch {
			close(c)
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// Discard drops every event. Useful as a default Publisher.
type Discard struct{}

func (Discard) Publish(Event) {}
