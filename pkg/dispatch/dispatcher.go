// Package dispatch routes gateway events to their consumers.
//
// The gateway calls Dispatcher.OnEvent on its read goroutine. OnEvent returns
// at once and the event is processed on its own goroutine:
//
//  1. a Scope is created for the event
//  2. the kind's Enricher, if any, adds report context to the scope
//  3. the kind's interception queue, if any, may claim the event
//  4. otherwise the kind's default Handler runs
//  5. errors and panics from 3-4 are escalated
//  6. the scope is released
//
// Events are processed concurrently with no ordering between them. Handlers
// that need ordering must serialize on their own.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sipeed/clawgate/pkg/bus"
	"github.com/sipeed/clawgate/pkg/escalation"
	"github.com/sipeed/clawgate/pkg/events"
	"github.com/sipeed/clawgate/pkg/logger"
	"github.com/sipeed/clawgate/pkg/metrics"
)

// Escalator receives every failed dispatch.
type Escalator interface {
	Escalate(ctx context.Context, handler escalation.ChannelResolver, evt events.Event, scope escalation.ScopeInfo, err error) escalation.Report
}

type Options struct {
	// HandlerTimeout bounds each handler run. 0 means no bound.
	HandlerTimeout time.Duration
	Metrics        *metrics.Registry
	// Bus receives dispatch.handler_missing for kinds without a handler.
	Bus *bus.MessageBus
}

type Dispatcher struct {
	registry       *Registry
	scopes         ScopeFactory
	escalator      Escalator
	handlerTimeout time.Duration
	metrics        *metrics.Registry
	bus            *bus.MessageBus

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a dispatcher. A nil scopes uses DefaultScopes.
func New(registry *Registry, scopes ScopeFactory, escalator Escalator, opts Options) *Dispatcher {
	if scopes == nil {
		scopes = DefaultScopes
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		registry:       registry,
		scopes:         scopes,
		escalator:      escalator,
		handlerTimeout: opts.HandlerTimeout,
		metrics:        opts.Metrics,
		bus:            opts.Bus,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// OnEvent starts processing evt and returns without waiting for it.
func (d *Dispatcher) OnEvent(evt events.Event) {
	if evt == nil {
		return
	}

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		d.metrics.Inc(metrics.EventsDropped, string(evt.Kind()))
		logger.DebugCF("dispatch", "Dispatcher closed, dropping event", map[string]interface{}{
			"kind": string(evt.Kind()),
		})
		return
	}
	d.wg.Add(1)
	d.mu.RUnlock()

	d.metrics.Inc(metrics.EventsDispatched, string(evt.Kind()))
	go d.dispatch(evt)
}

func (d *Dispatcher) dispatch(evt events.Event) {
	defer d.wg.Done()

	// Last line of defence: a failure inside escalation itself is logged
	// here and never re-escalated.
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("dispatch", "Panic outside the handler boundary", map[string]interface{}{
				"kind":  string(evt.Kind()),
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			})
		}
	}()

	kind := evt.Kind()
	scope := d.scopes.NewScope(d.ctx, evt)
	defer scope.Release()

	if enricher, ok := d.registry.Enricher(kind); ok {
		d.enrich(enricher, scope, evt)
	}

	handler, err := d.run(scope, evt)
	if err != nil {
		d.metrics.Inc(metrics.EventsFailed, string(kind))
		d.escalator.Escalate(d.ctx, handler, evt, scope, err)
	}
}

// run is the failure boundary around queue and handler. The returned handler
// is nil when none was registered.
func (d *Dispatcher) run(scope *Scope, evt events.Event) (handler Handler, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &escalation.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	kind := evt.Kind()
	handler, ok := d.registry.Handler(kind)
	if !ok {
		d.bus.PublishSystem(bus.NewSystemEvent(bus.EventHandlerMissed, "dispatch", map[string]interface{}{
			"kind":     string(kind),
			"scope_id": scope.ID(),
		}))
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, kind)
	}

	if q, ok := d.registry.Queue(kind); ok && q.TryHandle(evt) {
		d.metrics.Inc(metrics.EventsIntercepted, string(kind))
		return handler, nil
	}

	ctx := d.ctx
	if d.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.handlerTimeout)
		defer cancel()
	}

	if err := handler.Handle(ctx, scope, evt); err != nil {
		return handler, err
	}
	d.metrics.Inc(metrics.EventsHandled, string(kind))
	return handler, nil
}

func (d *Dispatcher) enrich(e Enricher, scope *Scope, evt events.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.WarnCF("dispatch", "Enricher panicked", map[string]interface{}{
				"kind":  string(evt.Kind()),
				"panic": fmt.Sprint(r),
			})
		}
	}()
	e.Enrich(scope, evt)
}

// Close stops accepting events. In-flight dispatches keep running.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}

// Wait blocks until every started dispatch has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown closes the dispatcher and waits for in-flight dispatches until ctx
// ends, then cancels the context handlers run under.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.Close()
	defer d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch: shutdown: %w", ctx.Err())
	}
}
