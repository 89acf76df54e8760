package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sipeed/clawgate/pkg/events"
	"github.com/sipeed/clawgate/pkg/intercept"
)

var (
	// ErrNoHandler means a kind has no default handler.
	ErrNoHandler = errors.New("dispatch: no default handler registered")
	// ErrDuplicateHandler means a second default handler was registered for a kind.
	ErrDuplicateHandler = errors.New("dispatch: default handler already registered")
)

// Handler is the default consumer of one event kind.
type Handler interface {
	Handle(ctx context.Context, scope *Scope, evt events.Event) error
	// ErrorChannelFor names the channel failures for evt are announced in.
	ErrorChannelFor(evt events.Event) (channelID string, ok bool)
}

// HandlerFunc adapts a function into a Handler that reports failures in the
// event's origin channel.
type HandlerFunc func(ctx context.Context, scope *Scope, evt events.Event) error

func (f HandlerFunc) Handle(ctx context.Context, scope *Scope, evt events.Event) error {
	return f(ctx, scope, evt)
}

func (f HandlerFunc) ErrorChannelFor(evt events.Event) (string, bool) {
	ch := evt.Origin().ChannelID
	return ch, ch != ""
}

// Enricher adds kind-specific report context to a scope before dispatch.
type Enricher interface {
	Enrich(scope *Scope, evt events.Event)
}

type EnricherFunc func(scope *Scope, evt events.Event)

func (f EnricherFunc) Enrich(scope *Scope, evt events.Event) { f(scope, evt) }

// Registry maps event kinds to their default handler and to the optional
// interception queue and enricher.
type Registry struct {
	mu        sync.RWMutex
	handlers  map[events.Kind]Handler
	queues    map[events.Kind]*intercept.Queue
	enrichers map[events.Kind]Enricher
}

func NewRegistry() *Registry {
	return &Registry{
		handlers:  make(map[events.Kind]Handler),
		queues:    make(map[events.Kind]*intercept.Queue),
		enrichers: make(map[events.Kind]Enricher),
	}
}

// Handle registers the default handler for kind. Each kind takes exactly one.
func (r *Registry) Handle(kind events.Kind, h Handler) error {
	if h == nil {
		return fmt.Errorf("dispatch: nil handler for %s", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, kind)
	}
	r.handlers[kind] = h
	return nil
}

// HandleFunc is Handle for a plain function.
func (r *Registry) HandleFunc(kind events.Kind, fn func(ctx context.Context, scope *Scope, evt events.Event) error) error {
	return r.Handle(kind, HandlerFunc(fn))
}

// Handler looks up the default handler for kind.
func (r *Registry) Handler(kind events.Kind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// EnableInterception creates the interception queue for kind, or returns the
// existing one. Kinds without a queue never consult one.
func (r *Registry) EnableInterception(kind events.Kind) *intercept.Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[kind]; ok {
		return q
	}
	q := intercept.NewQueue(kind)
	r.queues[kind] = q
	return q
}

// Queue looks up the interception queue for kind.
func (r *Registry) Queue(kind events.Kind) (*intercept.Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[kind]
	return q, ok
}

// Enrich sets the enricher for kind, replacing any previous one.
func (r *Registry) Enrich(kind events.Kind, e Enricher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enrichers[kind] = e
}

// Enricher looks up the enricher for kind.
func (r *Registry) Enricher(kind events.Kind) (Enricher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.enrichers[kind]
	return e, ok
}

// Validate fails when any of kinds lacks a default handler. Call it once at
// startup, before the gateway connection opens.
func (r *Registry) Validate(kinds []events.Kind) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, kind := range kinds {
		if _, ok := r.handlers[kind]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrNoHandler, kind))
		}
	}
	return errors.Join(errs...)
}
