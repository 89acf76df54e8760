// Package status publishes the bot's presence text on every shard once a
// minute and drives the periodic metrics cycle.
package status

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/clawgate/pkg/bus"
	"github.com/sipeed/clawgate/pkg/gateway"
	"github.com/sipeed/clawgate/pkg/logger"
	"github.com/sipeed/clawgate/pkg/metrics"
	"github.com/sipeed/clawgate/pkg/schedule"
)

const DefaultFormat = "%d servers"

// ValidFormat checks that format takes exactly one integer (the guild count)
// and nothing else.
func ValidFormat(format string) error {
	if strings.Count(strings.ReplaceAll(format, "%%", ""), "%") != 1 {
		return fmt.Errorf("status format %q must contain exactly one verb for the guild count", format)
	}
	if out := fmt.Sprintf(format, 0); strings.Contains(out, "%!") {
		return fmt.Errorf("status format %q does not accept an integer: %s", format, out)
	}
	return nil
}

// ShardSource exposes the shards of the gateway connection.
type ShardSource interface {
	Shards() []gateway.Shard
}

// Metrics is the collect-and-flush cycle run after each status push.
type Metrics interface {
	Collect(ctx context.Context) error
	Flush(ctx context.Context) error
}

type Options struct {
	// Format receives the total guild count. Defaults to DefaultFormat.
	Format string
	// Schedule defaults to schedule.EveryMinute.
	Schedule schedule.Schedule
	Clock    schedule.Clock
	Bus      *bus.MessageBus
	Counters *metrics.Registry
}

// ShardResult is the outcome of one shard's status push.
type ShardResult struct {
	ShardID int    `json:"shard_id"`
	Guilds  int    `json:"guilds"`
	Error   string `json:"error,omitempty"`
	Closed  bool   `json:"socket_closed,omitempty"`
}

// Tick is the outcome of one loop iteration.
type Tick struct {
	At       time.Time     `json:"at"`
	Text     string        `json:"text"`
	Guilds   int           `json:"guilds"`
	Shards   []ShardResult `json:"shards"`
	Duration time.Duration `json:"duration"`
	// MetricsError is set when collection or flushing failed.
	MetricsError string `json:"metrics_error,omitempty"`
}

type Loop struct {
	source   ShardSource
	metrics  Metrics
	format   string
	clock    schedule.Clock
	bus      *bus.MessageBus
	counters *metrics.Registry
	runner   *schedule.Runner

	mu   sync.RWMutex
	last *Tick
}

func New(source ShardSource, m Metrics, opts Options) *Loop {
	l := &Loop{
		source:   source,
		metrics:  m,
		format:   opts.Format,
		clock:    opts.Clock,
		bus:      opts.Bus,
		counters: opts.Counters,
	}
	if l.format == "" {
		l.format = DefaultFormat
	} else if err := ValidFormat(l.format); err != nil {
		logger.WarnCF("status", "Invalid status format, using default", map[string]interface{}{
			"format":  l.format,
			"error":   err.Error(),
			"default": DefaultFormat,
		})
		l.format = DefaultFormat
	}
	if l.clock == nil {
		l.clock = schedule.SystemClock
	}
	sched := opts.Schedule
	if sched == nil {
		sched = schedule.EveryMinute{}
	}
	l.runner = schedule.NewRunner("status", sched, l.clock, func(ctx context.Context) {
		l.Tick(ctx)
	})
	return l
}

// Run ticks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	logger.InfoC("status", "Status loop started")
	err := l.runner.Run(ctx)
	logger.InfoC("status", "Status loop stopped")
	return err
}

func (l *Loop) State() schedule.State { return l.runner.State() }

// Last returns the most recent tick, or nil before the first one.
func (l *Loop) Last() *Tick {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last
}

// Tick runs one iteration: push the status text to every shard, then collect
// and flush metrics. A failing shard never stops the other shards or the
// metrics cycle.
func (l *Loop) Tick(ctx context.Context) *Tick {
	start := l.clock.Now()
	shards := l.source.Shards()

	total := 0
	for _, s := range shards {
		total += s.GuildCount()
	}

	t := &Tick{
		At:     start,
		Text:   fmt.Sprintf(l.format, total),
		Guilds: total,
		Shards: make([]ShardResult, 0, len(shards)),
	}

	for _, s := range shards {
		t.Shards = append(t.Shards, l.push(s, t.Text))
	}

	if l.metrics != nil {
		if err := l.metrics.Collect(ctx); err != nil {
			t.MetricsError = err.Error()
			logger.WarnCF("status", "Metrics collection failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		if err := l.metrics.Flush(ctx); err != nil {
			t.MetricsError = err.Error()
			logger.WarnCF("status", "Metrics flush failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	t.Duration = l.clock.Now().Sub(start)
	logger.InfoCF("status", "Status tick complete", map[string]interface{}{
		"text":        t.Text,
		"shards":      len(shards),
		"duration_ms": t.Duration.Milliseconds(),
	})

	l.mu.Lock()
	l.last = t
	l.mu.Unlock()

	l.bus.PublishSystem(bus.NewSystemEvent(bus.EventStatusTick, "status", t))
	return t
}

func (l *Loop) push(s gateway.Shard, text string) (res ShardResult) {
	res = ShardResult{ShardID: s.ID(), Guilds: s.GuildCount()}

	defer func() {
		if r := recover(); r != nil {
			res.Error = fmt.Sprint(r)
			l.counters.Inc(metrics.StatusUpdates, "failed")
			logger.WarnCF("status", "Status update panicked", map[string]interface{}{
				"shard": res.ShardID,
				"panic": res.Error,
			})
		}
	}()

	err := s.UpdateStatus(text)
	switch {
	case err == nil:
		l.counters.Inc(metrics.StatusUpdates, "ok")
	case gateway.IsSocketClosed(err):
		res.Error = err.Error()
		res.Closed = true
		l.counters.Inc(metrics.StatusUpdates, "socket_closed")
		logger.DebugCF("status", "Shard socket closed, skipping status update", map[string]interface{}{
			"shard": res.ShardID,
		})
	default:
		res.Error = err.Error()
		l.counters.Inc(metrics.StatusUpdates, "failed")
		logger.WarnCF("status", "Status update failed", map[string]interface{}{
			"shard": res.ShardID,
			"error": err.Error(),
		})
	}
	l.bus.PublishSystem(bus.NewSystemEvent(bus.EventShardStatus, "status", res))
	return res
}
