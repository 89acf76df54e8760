package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/clawgate/pkg/events"
)

// Scope is the isolated per-event context of one dispatch. It is created after
// the event arrives, owned by exactly one dispatch goroutine and released
// exactly once when that dispatch ends.
type Scope struct {
	id      string
	kind    events.Kind
	started time.Time

	mu        sync.Mutex
	tags      map[string]string
	values    map[interface{}]interface{}
	onRelease []func()
	released  bool
}

// NewScope creates an empty scope for evt.
func NewScope(evt events.Event) *Scope {
	s := &Scope{
		id:      uuid.NewString(),
		started: time.Now(),
		tags:    make(map[string]string),
		values:  make(map[interface{}]interface{}),
	}
	if evt != nil {
		s.kind = evt.Kind()
	}
	return s
}

func (s *Scope) ID() string         { return s.id }
func (s *Scope) Kind() events.Kind  { return s.kind }
func (s *Scope) Started() time.Time { return s.started }
func (s *Scope) Age() time.Duration { return time.Since(s.started) }

// SetTag adds error-report context. Enrichers call this.
func (s *Scope) SetTag(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags[key] = value
}

// Tags returns a copy of the report context.
func (s *Scope) Tags() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.tags))
	for k, v := range s.tags {
		out[k] = v
	}
	return out
}

// Set stores a per-event dependency. Keys follow context.WithValue conventions.
func (s *Scope) Set(key, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.values[key] = value
}

// Value resolves a dependency stored with Set.
func (s *Scope) Value(key interface{}) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// OnRelease registers cleanup to run when the scope is released, in reverse
// registration order. Registering on a released scope runs fn immediately.
func (s *Scope) OnRelease(fn func()) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		fn()
		return
	}
	s.onRelease = append(s.onRelease, fn)
	s.mu.Unlock()
}

// Release runs the cleanup hooks. Only the first call has an effect.
func (s *Scope) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	hooks := s.onRelease
	s.onRelease = nil
	s.values = nil
	s.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

func (s *Scope) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// ScopeFactory creates one Scope per dispatched event.
type ScopeFactory interface {
	NewScope(ctx context.Context, evt events.Event) *Scope
}

type ScopeFactoryFunc func(ctx context.Context, evt events.Event) *Scope

func (f ScopeFactoryFunc) NewScope(ctx context.Context, evt events.Event) *Scope { return f(ctx, evt) }

// DefaultScopes creates bare scopes.
var DefaultScopes ScopeFactory = ScopeFactoryFunc(func(_ context.Context, evt events.Event) *Scope {
	return NewScope(evt)
})
