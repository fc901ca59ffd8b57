package client

import (
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/okorolev/Board/internal/domain"
)

// Handler consumes one application event. Payload is the still-encoded
// envelope payload; decode with msgpack into the event's own type.
type Handler func(from domain.ConnectionID, payload msgpack.RawMessage)

type subscription struct {
	fn Handler
}

// Bus maps event names to ordered subscriber lists. Subscribe returns the
// capability to unsubscribe, so removal never needs callback identity.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*subscription)}
}

// Subscribe registers fn for event and returns its unsubscribe function.
// Unsubscribing twice is harmless.
func (b *Bus) Subscribe(event string, fn Handler) func() {
	s := &subscription{fn: fn}
	b.mu.Lock()
	b.subs[event] = append(b.subs[event], s)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[event]
			for i, cur := range list {
				if cur == s {
					b.subs[event] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(b.subs[event]) == 0 {
				delete(b.subs, event)
			}
		})
	}
}

// Publish invokes event's subscribers in subscription order. Handlers run
// on the caller's goroutine; a handler that unsubscribes itself mid-publish
// still sees this delivery.
func (b *Bus) Publish(event string, from domain.ConnectionID, payload msgpack.RawMessage) {
	b.mu.RLock()
	list := make([]*subscription, len(b.subs[event]))
	copy(list, b.subs[event])
	b.mu.RUnlock()
	for _, s := range list {
		s.fn(from, payload)
	}
}
