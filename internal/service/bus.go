package service

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Event kinds published by the explorer.
const (
	EventType      = "type"
	EventSheet     = "sheet"
	EventStrata    = "strata"
	EventFilter    = "filter"
	EventLoaded    = "loaded"
	EventAnimation = "animation"
)

// Event is a change of the explorer state.
type Event struct {
	Kind   string // one of the Event* kinds
	Type   string // active type key, "category:label"
	Sheet  string // active sheet
	Status string // view status after the change, if any
	Detail string // free-form detail (strata id, time value, error)
}

// SubscriberBuffer is the channel capacity of each subscriber.
const SubscriberBuffer = 16

// EventBus fans explorer events out to subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[chan Event][]string
	dropped atomic.Int64
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[chan Event][]string)}
}

// Publish delivers e to every subscriber interested in its kind.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, kinds := range b.subs {
		if len(kinds) > 0 && !slices.Contains(kinds, e.Kind) {
			continue
		}
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a buffered channel receiving events of the given kinds,
// or of every kind when none is given.
func (b *EventBus) Subscribe(kinds ...string) chan Event {
	ch := make(chan Event, SubscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = slices.Clone(kinds)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Unsubscribing
// twice is a no-op.
func (b *EventBus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; !ok {
		return
	}
	delete(b.subs, ch)
	close(ch)
}

// Subscribers returns the number of active subscribers.
func (b *EventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}
