package intercept

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/clawgate/pkg/events"
)

type testEvent struct {
	kind    events.Kind
	channel string
	seq     int
}

func (e testEvent) Kind() events.Kind     { return e.kind }
func (e testEvent) Origin() events.Origin { return events.Origin{ChannelID: e.channel} }

func inChannel(ch string) Predicate {
	return func(evt events.Event) bool { return evt.Origin().ChannelID == ch }
}

func TestQueue_TryHandle_NoWaiters(t *testing.T) {
	q := NewQueue(events.ReactionAdded)
	assert.False(t, q.TryHandle(testEvent{kind: events.ReactionAdded}))
	assert.Equal(t, 0, q.Len())
}

func TestQueue_TryHandle_Match(t *testing.T) {
	q := NewQueue(events.ReactionAdded)
	w := q.Register(inChannel("c1"))

	evt := testEvent{kind: events.ReactionAdded, channel: "c1", seq: 7}
	require.True(t, q.TryHandle(evt))
	assert.Equal(t, 0, q.Len())

	select {
	case got := <-w.C():
		assert.Equal(t, evt, got)
	default:
		t.Fatal("waiter was not fulfilled")
	}

	// fulfilled once: a second matching event is not claimed
	assert.False(t, q.TryHandle(testEvent{kind: events.ReactionAdded, channel: "c1", seq: 8}))
	select {
	case <-w.C():
		t.Fatal("waiter fulfilled twice")
	default:
	}
}

func TestQueue_TryHandle_NoMatchLeavesQueue(t *testing.T) {
	q := NewQueue(events.ReactionAdded)
	q.Register(inChannel("c1"))
	q.Register(inChannel("c2"))

	assert.False(t, q.TryHandle(testEvent{kind: events.ReactionAdded, channel: "c3"}))
	assert.Equal(t, 2, q.Len())
}

func TestQueue_TryHandle_WrongKind(t *testing.T) {
	q := NewQueue(events.ReactionAdded)
	q.Register(nil)

	assert.False(t, q.TryHandle(testEvent{kind: events.MessageCreated}))
	assert.False(t, q.TryHandle(nil))
	assert.Equal(t, 1, q.Len())
}

func TestQueue_FirstMatchInsertionOrder(t *testing.T) {
	q := NewQueue(events.MessageCreated)
	a := q.Register(inChannel("c1"))
	b := q.Register(nil) // matches everything, including c1

	evt := testEvent{kind: events.MessageCreated, channel: "c1"}
	require.True(t, q.TryHandle(evt))

	assert.Len(t, a.C(), 1, "A registered first and must win")
	assert.Len(t, b.C(), 0, "B must not be fulfilled")
	assert.Equal(t, 1, q.Len())

	// B gets the next one
	require.True(t, q.TryHandle(testEvent{kind: events.MessageCreated, channel: "c9"}))
	assert.Len(t, b.C(), 1)
}

func TestQueue_Cancel_Idempotent(t *testing.T) {
	q := NewQueue(events.MessageCreated)
	w := q.Register(nil)

	assert.True(t, q.Cancel(w))
	assert.False(t, q.Cancel(w))
	assert.False(t, w.Cancel())
	assert.Equal(t, 0, q.Len())

	assert.False(t, q.TryHandle(testEvent{kind: events.MessageCreated}))
}

func TestQueue_CancelAfterFulfilled(t *testing.T) {
	q := NewQueue(events.MessageCreated)
	w := q.Register(nil)
	require.True(t, q.TryHandle(testEvent{kind: events.MessageCreated}))

	assert.False(t, w.Cancel())
	evt, err := w.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, events.MessageCreated, evt.Kind())
}

func TestWaiter_Wait_Delivered(t *testing.T) {
	q := NewQueue(events.ReactionAdded)
	w := q.Register(inChannel("c1"))

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.TryHandle(testEvent{kind: events.ReactionAdded, channel: "c1", seq: 1})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	evt, err := w.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, evt.(testEvent).seq)
}

func TestWaiter_Wait_Timeout(t *testing.T) {
	q := NewQueue(events.ReactionAdded)
	w := q.Register(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := w.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, q.Len(), "timed-out waiter must be removed")
}

func TestWaiter_Wait_Cancelled(t *testing.T) {
	q := NewQueue(events.ReactionAdded)
	w := q.Register(nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		w.Cancel()
	}()

	_, err := w.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestQueue_PanickingPredicateReleasesLock(t *testing.T) {
	q := NewQueue(events.MessageCreated)
	q.Register(func(events.Event) bool { panic("boom") })

	assert.Panics(t, func() {
		q.TryHandle(testEvent{kind: events.MessageCreated})
	})

	// lock must have been released
	done := make(chan struct{})
	go func() {
		q.Len()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queue lock still held after predicate panic")
	}
}

func TestQueue_ConcurrentOffersClaimOnce(t *testing.T) {
	q := NewQueue(events.ReactionAdded)
	const waiters = 50
	const offers = 200

	ws := make([]*Waiter, waiters)
	for i := range ws {
		ws[i] = q.Register(nil)
	}

	var claimed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < offers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if q.TryHandle(testEvent{kind: events.ReactionAdded, seq: i}) {
				claimed.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(waiters), claimed.Load())
	assert.Equal(t, 0, q.Len())
	for _, w := range ws {
		assert.Len(t, w.C(), 1, "each waiter fulfilled exactly once")
	}
}

func TestQueue_ConcurrentRegisterCancel(t *testing.T) {
	q := NewQueue(events.MessageCreated)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			w := q.Register(nil)
			w.Cancel()
		}()
		go func() {
			defer wg.Done()
			q.TryHandle(testEvent{kind: events.MessageCreated})
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, q.Len())
}

func tryHandleWithin(t *testing.T, q *Queue, evt events.Event) bool {
	t.Helper()
	res := make(chan bool, 1)
	go func() { res <- q.TryHandle(evt) }()
	select {
	case ok := <-res:
		return ok
	case <-time.After(time.Second):
		t.Fatal("TryHandle blocked on its own queue")
		return false
	}
}

func TestQueue_PredicateMayReadQueue(t *testing.T) {
	q := NewQueue(events.MessageCreated)
	w := q.Register(func(events.Event) bool { return q.Len() > 0 })

	require.True(t, tryHandleWithin(t, q, testEvent{kind: events.MessageCreated}))
	assert.Len(t, w.C(), 1)
	assert.Equal(t, 0, q.Len())

	// later events still reach the queue
	q.Register(nil)
	assert.True(t, tryHandleWithin(t, q, testEvent{kind: events.MessageCreated}))
}

func TestQueue_PredicateCancellingItselfFallsThrough(t *testing.T) {
	q := NewQueue(events.ReactionAdded)
	var self *Waiter
	self = q.Register(func(events.Event) bool {
		self.Cancel()
		return true
	})
	next := q.Register(nil)

	require.True(t, tryHandleWithin(t, q, testEvent{kind: events.ReactionAdded}))

	_, err := self.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Len(t, next.C(), 1, "next pending waiter claims the event")
	assert.Equal(t, 0, q.Len())
}

func TestQueue_PredicateMayRegister(t *testing.T) {
	q := NewQueue(events.MessageCreated)
	var followUp *Waiter
	first := q.Register(func(events.Event) bool {
		followUp = q.Register(nil)
		return false
	})

	assert.False(t, tryHandleWithin(t, q, testEvent{kind: events.MessageCreated}), "waiters added during an offer are not part of it")
	require.NotNil(t, followUp)
	assert.Equal(t, 2, q.Len())
	first.Cancel()
}
