// Package schedule runs periodic jobs on wall-clock boundaries.
package schedule

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sipeed/clawgate/pkg/logger"
)

const minuteMillis = int64(time.Minute / time.Millisecond)

// Clock is the time source a Runner sleeps on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = realClock{}

// Schedule computes the wait from now until the next run.
type Schedule interface {
	Next(now time.Time) time.Duration
}

// DelayToNextMinute returns the time left until the next whole minute of
// epoch time. At an exact boundary it returns a full minute.
func DelayToNextMinute(now time.Time) time.Duration {
	ms := now.UnixMilli()
	return time.Duration(minuteMillis-ms%minuteMillis) * time.Millisecond
}

// EveryMinute fires at the start of every wall-clock minute.
type EveryMinute struct{}

func (EveryMinute) Next(now time.Time) time.Duration { return DelayToNextMinute(now) }

// Cron fires on a cron expression.
type Cron struct {
	expr string
}

// ParseCron validates expr and returns its schedule.
func ParseCron(expr string) (*Cron, error) {
	gron := gronx.New()
	if !gron.IsValid(expr) {
		return nil, fmt.Errorf("schedule: invalid cron expression %q", expr)
	}
	return &Cron{expr: expr}, nil
}

func (c *Cron) String() string { return c.expr }

// Next falls back to the next whole minute if no tick can be computed.
func (c *Cron) Next(now time.Time) time.Duration {
	next, err := gronx.NextTickAfter(c.expr, now, false)
	if err != nil {
		logger.WarnCF("schedule", "Cannot compute next cron tick", map[string]interface{}{
			"expr":  c.expr,
			"error": err.Error(),
		})
		return DelayToNextMinute(now)
	}
	d := next.Sub(now)
	if d <= 0 {
		return DelayToNextMinute(now)
	}
	return d
}

// FromExpr returns EveryMinute for an empty expression and a Cron otherwise.
func FromExpr(expr string) (Schedule, error) {
	if expr == "" {
		return EveryMinute{}, nil
	}
	return ParseCron(expr)
}

// State is what a Runner is doing.
type State int32

const (
	Idle State = iota
	Sleeping
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sleeping:
		return "sleeping"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Task is one periodic job run.
type Task func(ctx context.Context)

// Runner alternates between sleeping until the next scheduled time and running
// its task. The delay is recomputed from the clock after each run, so runs
// missed while the task was busy are skipped rather than replayed.
type Runner struct {
	name     string
	schedule Schedule
	clock    Clock
	task     Task

	state atomic.Int32
	runs  atomic.Uint64
}

// NewRunner creates a runner. A nil clock uses SystemClock.
func NewRunner(name string, schedule Schedule, clock Clock, task Task) *Runner {
	if clock == nil {
		clock = SystemClock
	}
	return &Runner{name: name, schedule: schedule, clock: clock, task: task}
}

func (r *Runner) State() State { return State(r.state.Load()) }

// Runs is the number of completed task runs.
func (r *Runner) Runs() uint64 { return r.runs.Load() }

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	defer r.state.Store(int32(Stopped))

	for {
		delay := r.schedule.Next(r.clock.Now())
		r.state.Store(int32(Sleeping))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(delay):
		}

		r.state.Store(int32(Running))
		r.runOnce(ctx)
		r.runs.Add(1)
	}
}

func (r *Runner) runOnce(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorCF("schedule", "Periodic task panicked", map[string]interface{}{
				"job":   r.name,
				"panic": fmt.Sprint(rec),
				"stack": string(debug.Stack()),
			})
		}
	}()
	r.task(ctx)
}
