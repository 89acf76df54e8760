package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/clawgate/pkg/events"
)

func TestScope_ReleaseRunsHooksOnceInReverse(t *testing.T) {
	s := NewScope(testEvent{kind: events.MessageCreated})
	var order []int
	s.OnRelease(func() { order = append(order, 1) })
	s.OnRelease(func() { order = append(order, 2) })

	s.Release()
	s.Release()

	assert.Equal(t, []int{2, 1}, order)
	assert.True(t, s.Released())
}

func TestScope_OnReleaseAfterRelease(t *testing.T) {
	s := NewScope(nil)
	s.Release()

	ran := false
	s.OnRelease(func() { ran = true })
	assert.True(t, ran)
}

func TestScope_ValuesDroppedOnRelease(t *testing.T) {
	type key struct{}
	s := NewScope(testEvent{kind: events.MessageCreated})
	s.Set(key{}, "db")

	v, ok := s.Value(key{})
	require.True(t, ok)
	assert.Equal(t, "db", v)

	s.Release()
	_, ok = s.Value(key{})
	assert.False(t, ok)

	s.Set(key{}, "late")
	_, ok = s.Value(key{})
	assert.False(t, ok)
}

func TestScope_TagsAreCopied(t *testing.T) {
	s := NewScope(testEvent{kind: events.ReactionAdded})
	s.SetTag("guild_id", "g1")

	tags := s.Tags()
	tags["guild_id"] = "changed"

	assert.Equal(t, "g1", s.Tags()["guild_id"])
	assert.Equal(t, events.ReactionAdded, s.Kind())
	assert.Len(t, s.ID(), 36)
}

func TestScope_IDsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := DefaultScopes.NewScope(context.Background(), nil).ID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestRegistry_Handle(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.HandleFunc(events.MessageCreated, func(context.Context, *Scope, events.Event) error { return nil }))

	err := r.HandleFunc(events.MessageCreated, func(context.Context, *Scope, events.Event) error { return nil })
	assert.ErrorIs(t, err, ErrDuplicateHandler)

	assert.Error(t, r.Handle(events.MessageDeleted, nil))

	_, ok := r.Handler(events.MessageCreated)
	assert.True(t, ok)
	_, ok = r.Handler(events.MessageDeleted)
	assert.False(t, ok)
}

func TestRegistry_EnableInterceptionIdempotent(t *testing.T) {
	r := NewRegistry()
	q1 := r.EnableInterception(events.ReactionAdded)
	q2 := r.EnableInterception(events.ReactionAdded)
	assert.Same(t, q1, q2)
	assert.Equal(t, events.ReactionAdded, q1.Kind())

	_, ok := r.Queue(events.MessageCreated)
	assert.False(t, ok)
}

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, *Scope, events.Event) error { return nil }
	require.NoError(t, r.HandleFunc(events.MessageCreated, noop))

	err := r.Validate([]events.Kind{events.MessageCreated, events.GuildJoined, events.GuildLeft})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoHandler))
	assert.Contains(t, err.Error(), string(events.GuildJoined))
	assert.Contains(t, err.Error(), string(events.GuildLeft))

	for _, k := range events.AllKinds() {
		if k != events.MessageCreated {
			require.NoError(t, r.HandleFunc(k, noop))
		}
	}
	assert.NoError(t, r.Validate(events.AllKinds()))
}

func TestHandlerFunc_ErrorChannel(t *testing.T) {
	h := HandlerFunc(func(context.Context, *Scope, events.Event) error { return nil })

	ch, ok := h.ErrorChannelFor(testEvent{kind: events.MessageCreated, channel: "c9"})
	assert.True(t, ok)
	assert.Equal(t, "c9", ch)

	_, ok = h.ErrorChannelFor(testEvent{kind: events.GuildJoined})
	assert.False(t, ok)
}
