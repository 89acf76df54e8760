// Package bus fans system events out to independent subscribers such as the
// dashboard live feed. Publishing never blocks: slow subscribers drop events.
package bus

import (
	"sync"
)

// Subscriber is a named tap on the system event stream.
type Subscriber struct {
	Name string
	ch   chan SystemEvent
}

type MessageBus struct {
	mu        sync.RWMutex
	subs      []*Subscriber
	closed    bool
	closeOnce sync.Once
	buffer    int
}

func NewMessageBus() *MessageBus {
	return &MessageBus{buffer: 64}
}

// SubscribeSystem creates a named subscriber for system events. The returned
// channel is buffered and closed when the bus closes or the subscriber is
// removed.
func (mb *MessageBus) SubscribeSystem(name string) <-chan SystemEvent {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	sub := &Subscriber{Name: name, ch: make(chan SystemEvent, mb.buffer)}
	if mb.closed {
		close(sub.ch)
		return sub.ch
	}
	mb.subs = append(mb.subs, sub)
	return sub.ch
}

// Unsubscribe removes every subscriber registered under name.
func (mb *MessageBus) Unsubscribe(name string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	kept := mb.subs[:0]
	for _, sub := range mb.subs {
		if sub.Name == name {
			close(sub.ch)
			continue
		}
		kept = append(kept, sub)
	}
	mb.subs = kept
}

// PublishSystem publishes a system event to all system subscribers.
// A nil bus is a valid no-op publisher.
func (mb *MessageBus) PublishSystem(event SystemEvent) {
	if mb == nil {
		return
	}
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}
	for _, sub := range mb.subs {
		select {
		case sub.ch <- event:
		default: // drop if slow
		}
	}
}

// SubscriberCount returns the number of live subscribers (for diagnostics).
func (mb *MessageBus) SubscriberCount() int {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return len(mb.subs)
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		mb.mu.Lock()
		defer mb.mu.Unlock()
		mb.closed = true
		for _, sub := range mb.subs {
			close(sub.ch)
		}
		mb.subs = nil
	})
}
