package events

import (
	"sync"
)

// Kind names an event type on the Bus.
type Kind string

// Event is anything published on the Bus.
type Event interface {
	Kind() Kind
}

// Handler receives published events.
type Handler func(Event)

type subscription struct {
	id int
	h  Handler
}

// Bus is a synchronous, in-process publish/subscribe hub. Handlers run on the
// publisher's goroutine in subscription order and must not block.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	byKind map[Kind][]subscription
	all    []subscription
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{byKind: make(map[Kind][]subscription)}
}

// Subscribe registers h for one kind. The returned func removes it.
func (b *Bus) Subscribe(kind Kind, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.byKind[kind] = append(b.byKind[kind], subscription{id: id, h: h})
	return func() { b.remove(kind, id) }
}

// SubscribeAll registers h for every kind.
func (b *Bus) SubscribeAll(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, h: h})
	return func() { b.remove("", id) }
}

// HasSubscribers reports whether a kind-specific handler is registered.
// Wildcard subscribers do not count.
func (b *Bus) HasSubscribers(kind Kind) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byKind[kind]) > 0
}

// Publish delivers e to kind subscribers, then to wildcard subscribers.
func (b *Bus) Publish(e Event) {
	if b == nil || e == nil {
		return
	}
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.byKind[e.Kind()])+len(b.all))
	subs = append(subs, b.byKind[e.Kind()]...)
	subs = append(subs, b.all...)
	b.mu.RUnlock()

	for _, s := range subs {
		s.h(e)
	}
}

func (b *Bus) remove(kind Kind, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if kind == "" {
		b.all = without(b.all, id)
		return
	}
	b.byKind[kind] = without(b.byKind[kind], id)
	if len(b.byKind[kind]) == 0 {
		delete(b.byKind, kind)
	}
}

func without(subs []subscription, id int) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// On subscribes a handler typed to one event struct.
//
//	events.On(bus, func(e events.ParticipantJoined) { ... })
func On[T Event](b *Bus, h func(T)) (unsubscribe func()) {
	var zero T
	return b.Subscribe(zero.Kind(), func(e Event) {
		if te, ok := e.(T); ok {
			h(te)
		}
	})
}
