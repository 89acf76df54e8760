// Package intercept lets a caller claim the next event of a kind that matches a
// predicate before the kind's default handler sees it.
//
// A waiter registers a predicate on the Queue for a kind and then waits on the
// returned Waiter. The dispatcher offers every event of that kind to the queue
// first; the oldest matching waiter wins and the event is not handled further.
//
// Timeouts belong to the caller: pass a context with a deadline to Wait, or
// Cancel the waiter explicitly.
package intercept

import (
	"context"
	"errors"
	"sync"

	"github.com/sipeed/clawgate/pkg/events"
)

// ErrCancelled is returned by Wait when the waiter was cancelled before an
// event matched.
var ErrCancelled = errors.New("intercept: waiter cancelled")

// Predicate reports whether a waiter wants evt.
type Predicate func(evt events.Event) bool

// Waiter is one pending claim on a Queue. It is fulfilled at most once.
type Waiter struct {
	queue     *Queue
	match     Predicate
	result    chan events.Event // buffered(1), written once by TryHandle
	cancelled chan struct{}     // closed once by Cancel
}

// C returns the channel the matching event is delivered on.
func (w *Waiter) C() <-chan events.Event { return w.result }

// Wait blocks until an event matches, the waiter is cancelled, or ctx ends.
// When ctx ends the waiter is cancelled; an event that raced in first is still
// returned.
func (w *Waiter) Wait(ctx context.Context) (events.Event, error) {
	select {
	case evt := <-w.result:
		return evt, nil
	case <-w.cancelled:
		return nil, ErrCancelled
	case <-ctx.Done():
		if !w.queue.Cancel(w) {
			// Already removed: either fulfilled or cancelled elsewhere.
			select {
			case evt := <-w.result:
				return evt, nil
			default:
			}
		}
		return nil, ctx.Err()
	}
}

// Cancel removes the waiter from its queue. See Queue.Cancel.
func (w *Waiter) Cancel() bool { return w.queue.Cancel(w) }

// Queue holds the pending waiters for one event kind in insertion order.
// It is safe for concurrent use.
type Queue struct {
	kind    events.Kind
	mu      sync.Mutex
	waiters []*Waiter
}

// NewQueue creates an empty queue for kind.
func NewQueue(kind events.Kind) *Queue {
	return &Queue{kind: kind}
}

func (q *Queue) Kind() events.Kind { return q.kind }

// Register appends a waiter that is fulfilled by the next event for which
// match returns true. A nil match accepts any event of the kind.
func (q *Queue) Register(match Predicate) *Waiter {
	w := &Waiter{
		queue:     q,
		match:     match,
		result:    make(chan events.Event, 1),
		cancelled: make(chan struct{}),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.waiters = append(q.waiters, w)
	return w
}

// Cancel removes w if it is still pending and reports whether it did.
// Cancelling a fulfilled or already cancelled waiter is a no-op.
func (q *Queue) Cancel(w *Waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, pending := range q.waiters {
		if pending == w {
			q.remove(i)
			close(w.cancelled)
			return true
		}
	}
	return false
}

// TryHandle offers evt to the waiters pending when it was called, oldest
// first. The first waiter whose predicate matches and is still pending is
// removed and receives evt, and TryHandle returns true. When nothing matches
// the queue is left untouched and false is returned.
//
// Predicates run without the queue lock held, so they may call Len, Register
// or Cancel on their own queue. The claim itself is a check-and-remove under
// the lock: when another event claimed or cancelled a matching waiter first,
// the next matching waiter is tried. A panicking predicate unwinds through
// TryHandle and leaves the queue untouched.
func (q *Queue) TryHandle(evt events.Event) bool {
	if evt == nil || evt.Kind() != q.kind {
		return false
	}

	q.mu.Lock()
	pending := append([]*Waiter(nil), q.waiters...)
	q.mu.Unlock()

	for _, w := range pending {
		if w.match != nil && !w.match(evt) {
			continue
		}
		if q.claim(w) {
			w.result <- evt
			return true
		}
	}
	return false
}

// claim removes w if it is still pending.
func (q *Queue) claim(w *Waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.waiters {
		if p == w {
			q.remove(i)
			return true
		}
	}
	return false
}

// Len returns the number of pending waiters.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

func (q *Queue) remove(i int) {
	copy(q.waiters[i:], q.waiters[i+1:])
	q.waiters[len(q.waiters)-1] = nil
	q.waiters = q.waiters[:len(q.waiters)-1]
}
