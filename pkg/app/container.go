// Package app wires the gateway, dispatcher, escalation pipeline, status loop
// and dashboard into one runnable unit.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sipeed/clawgate/pkg/api"
	"github.com/sipeed/clawgate/pkg/bus"
	"github.com/sipeed/clawgate/pkg/config"
	"github.com/sipeed/clawgate/pkg/dispatch"
	"github.com/sipeed/clawgate/pkg/escalation"
	"github.com/sipeed/clawgate/pkg/events"
	"github.com/sipeed/clawgate/pkg/gateway"
	"github.com/sipeed/clawgate/pkg/handlers"
	"github.com/sipeed/clawgate/pkg/logger"
	"github.com/sipeed/clawgate/pkg/metrics"
	"github.com/sipeed/clawgate/pkg/schedule"
	"github.com/sipeed/clawgate/pkg/status"
	"github.com/sipeed/clawgate/pkg/tracking"
)

// ---------------------------------------------------------------------------
// Application container: composition root
// ---------------------------------------------------------------------------

// Container holds every long-lived component.
type Container struct {
	Config *config.Config

	Bus        *bus.MessageBus
	Metrics    *metrics.Registry
	Reports    *tracking.Store // nil when escalation.report_db is empty
	Escalator  *escalation.Escalator
	Registry   *dispatch.Registry
	Handlers   *handlers.Logging
	Dispatcher *dispatch.Dispatcher
	Connection gateway.Connection
	Status     *status.Loop
	Dashboard  *api.Server // nil unless dashboard.enabled

	mu          sync.Mutex
	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
}

// NewContainer builds the component graph around conn. messenger posts error
// replies and may be nil. Nothing connects until Start.
func NewContainer(cfg *config.Config, conn gateway.Connection, messenger escalation.Messenger) (*Container, error) {
	c := &Container{
		Config:     cfg,
		Bus:        bus.NewMessageBus(),
		Metrics:    metrics.NewRegistry(),
		Connection: conn,
	}

	if cfg.Metrics.ProcessStats {
		pc, err := metrics.NewProcessCollector()
		if err != nil {
			logger.WarnCF("app", "Process stats unavailable", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			c.Metrics.AddCollector(pc)
		}
	}
	c.Metrics.AddReporter(metrics.LogReporter{})
	c.Metrics.AddReporter(metrics.BusReporter{Bus: c.Bus})

	var tracker escalation.Tracker = escalation.NopTracker{}
	if cfg.Escalation.ReportDB != "" {
		store, err := tracking.Open(cfg.Escalation.ReportDB)
		if err != nil {
			return nil, fmt.Errorf("open report db: %w", err)
		}
		c.Reports = store
		tracker = store
	}

	c.Escalator = escalation.New(escalation.Options{
		Tracker:     tracker,
		Messenger:   messenger,
		SupportURL:  cfg.Escalation.SupportURL,
		SinkTimeout: cfg.Escalation.SinkTimeout,
		Environment: cfg.Escalation.Environment,
		Bus:         c.Bus,
		Metrics:     c.Metrics,
	})

	c.Registry = dispatch.NewRegistry()
	c.Handlers = handlers.NewLogging()
	if err := handlers.Register(c.Registry, c.Handlers); err != nil {
		c.closeStores()
		return nil, fmt.Errorf("register handlers: %w", err)
	}
	// kinds that accept waiters
	c.Registry.EnableInterception(events.ReactionAdded)
	c.Registry.EnableInterception(events.MessageCreated)

	if err := c.Registry.Validate(events.AllKinds()); err != nil {
		c.closeStores()
		return nil, err
	}

	c.Dispatcher = dispatch.New(c.Registry, nil, c.Escalator, dispatch.Options{
		HandlerTimeout: cfg.Dispatch.HandlerTimeout,
		Metrics:        c.Metrics,
		Bus:            c.Bus,
	})

	sched, err := schedule.FromExpr(cfg.Status.Schedule)
	if err != nil {
		c.closeStores()
		return nil, err
	}
	c.Status = status.New(conn, c.Metrics, status.Options{
		Format:   cfg.Status.Format,
		Schedule: sched,
		Bus:      c.Bus,
		Counters: c.Metrics,
	})

	if cfg.Dashboard.Enabled {
		deps := api.Deps{Status: c.Status, Metrics: c.Metrics, Bus: c.Bus}
		if c.Reports != nil {
			deps.Reports = c.Reports
		}
		c.Dashboard = api.NewServer(cfg.Dashboard, deps)
	}

	return c, nil
}

// Start subscribes the dispatcher, opens the connection and launches the
// background loops.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("app: already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.unsubscribe = c.Connection.Subscribe(c.Dispatcher.OnEvent)
	if err := c.Connection.Open(); err != nil {
		c.unsubscribe()
		cancel()
		return fmt.Errorf("open gateway: %w", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Status.Run(ctx)
	}()

	if c.Dashboard != nil {
		if err := c.Dashboard.Start(ctx); err != nil {
			logger.ErrorCF("app", "Dashboard failed to start", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	c.started = true
	logger.InfoCF("app", "clawgate started", map[string]interface{}{
		"shards":    len(c.Connection.Shards()),
		"dashboard": c.Dashboard != nil,
	})
	return nil
}

// Stop closes the connection first so no new events arrive, then drains
// in-flight dispatches until ctx ends and releases the stores.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.started {
		c.unsubscribe()
		if err := c.Connection.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gateway: %w", err))
		}
		c.cancel()
		c.wg.Wait()
		if c.Dashboard != nil {
			if err := c.Dashboard.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop dashboard: %w", err))
			}
		}
		c.started = false
	}

	if err := c.Dispatcher.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	// final flush so counters of the last partial minute are reported
	if err := c.Metrics.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("final metrics flush: %w", err))
	}
	if err := c.closeStores(); err != nil {
		errs = append(errs, err)
	}

	logger.InfoC("app", "clawgate stopped")
	return errors.Join(errs...)
}

func (c *Container) closeStores() error {
	c.Bus.Close()
	if c.Reports == nil {
		return nil
	}
	if err := c.Reports.Close(); err != nil {
		return fmt.Errorf("close report db: %w", err)
	}
	return nil
}

// ConfigureLogging applies the logging section of cfg.
func ConfigureLogging(cfg config.LoggingConfig) error {
	if cfg.Level != "" {
		level, err := logger.ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
		logger.SetLevel(level)
	}
	if cfg.File != "" {
		if err := logger.EnableFileLogging(cfg.File); err != nil {
			return err
		}
	}
	return nil
}
