// Package escalation turns handler failures into log entries, error-tracking
// reports and a short reply in the channel the failing event came from.
//
// Every failure is logged with a fresh correlation ID before anything else
// happens. Failures the Classifier deems reportable are also captured by the
// Tracker and announced to the user with the same ID, so a support request
// can be joined with the stored report. Nothing in this package returns an
// error to the caller: sink failures are logged and dropped.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/clawgate/pkg/bus"
	"github.com/sipeed/clawgate/pkg/events"
	"github.com/sipeed/clawgate/pkg/logger"
	"github.com/sipeed/clawgate/pkg/metrics"
)

// Report is the escalation record for one failure.
type Report struct {
	CorrelationID string            `json:"correlation_id"`
	Err           error             `json:"-"`
	Message       string            `json:"message"`
	Reportable    bool              `json:"reportable"`
	Kind          events.Kind       `json:"kind"`
	Handler       string            `json:"handler,omitempty"`
	ScopeID       string            `json:"scope_id,omitempty"`
	Origin        events.Origin     `json:"origin"`
	Tags          map[string]string `json:"tags,omitempty"`
	Stack         string            `json:"stack,omitempty"`
	Environment   string            `json:"environment,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

// Tracker is the external error-tracking sink.
type Tracker interface {
	Capture(ctx context.Context, r Report) error
}

// NopTracker discards every report. It stands in for an unconfigured sink.
type NopTracker struct{}

func (NopTracker) Capture(context.Context, Report) error { return nil }

// Messenger posts into chat channels.
type Messenger interface {
	// CanSend reports whether the bot may currently post in channelID.
	CanSend(channelID string) bool
	Send(ctx context.Context, channelID, content string) error
}

// ChannelResolver is implemented by handlers to say where failures for an
// event should be announced.
type ChannelResolver interface {
	ErrorChannelFor(evt events.Event) (channelID string, ok bool)
}

// ScopeInfo is the part of a dispatch scope that ends up in reports.
type ScopeInfo interface {
	ID() string
	Tags() map[string]string
}

// Options configures an Escalator. SinkTimeout bounds each outbound call of
// the pipeline: the tracker submission and the error reply. It defaults to 5s.
type Options struct {
	Tracker     Tracker
	Messenger   Messenger
	Classifier  Classifier
	SupportURL  string
	SinkTimeout time.Duration
	Environment string
	Bus         *bus.MessageBus
	Metrics     *metrics.Registry
	// NewID overrides correlation ID generation (tests).
	NewID func() string
}

type Escalator struct {
	tracker     Tracker
	messenger   Messenger
	classifier  Classifier
	supportURL  string
	sinkTimeout time.Duration
	environment string
	bus         *bus.MessageBus
	metrics     *metrics.Registry
	newID       func() string
}

func New(opts Options) *Escalator {
	e := &Escalator{
		tracker:     opts.Tracker,
		messenger:   opts.Messenger,
		classifier:  opts.Classifier,
		supportURL:  opts.SupportURL,
		sinkTimeout: opts.SinkTimeout,
		environment: opts.Environment,
		bus:         opts.Bus,
		metrics:     opts.Metrics,
		newID:       opts.NewID,
	}
	if e.tracker == nil {
		e.tracker = NopTracker{}
	}
	if e.classifier == nil {
		e.classifier = DefaultClassifier
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.sinkTimeout <= 0 {
		e.sinkTimeout = 5 * time.Second
	}
	return e
}

// Escalate handles one failed dispatch. handler and scope may be nil.
func (e *Escalator) Escalate(ctx context.Context, handler ChannelResolver, evt events.Event, scope ScopeInfo, err error) Report {
	if err == nil {
		err = errors.New("escalated without an error")
	}

	report := Report{
		CorrelationID: e.newID(),
		Err:           err,
		Message:       err.Error(),
		Environment:   e.environment,
		OccurredAt:    time.Now().UTC(),
	}
	if evt != nil {
		report.Kind = evt.Kind()
		report.Origin = evt.Origin()
	}
	if handler != nil {
		report.Handler = fmt.Sprintf("%T", handler)
	}
	if scope != nil {
		report.ScopeID = scope.ID()
		report.Tags = scope.Tags()
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		report.Stack = string(pe.Stack)
	}

	e.log(report)

	report.Reportable = e.classify(err)
	classification := "suppressed"
	if report.Reportable {
		classification = "reportable"
	}
	e.metrics.Inc(metrics.Escalations, classification)

	if report.Reportable {
		e.capture(ctx, report)
		e.reply(ctx, handler, evt, report)
	}

	e.bus.PublishSystem(bus.NewSystemEvent(bus.EventEscalated, "escalation", map[string]interface{}{
		"correlation_id": report.CorrelationID,
		"kind":           string(report.Kind),
		"reportable":     report.Reportable,
		"error":          report.Message,
	}))
	return report
}

func (e *Escalator) log(r Report) {
	fields := map[string]interface{}{
		"correlation_id": r.CorrelationID,
		"kind":           string(r.Kind),
		"error":          r.Message,
	}
	if r.Handler != "" {
		fields["handler"] = r.Handler
	}
	if r.ScopeID != "" {
		fields["scope_id"] = r.ScopeID
	}
	if r.Origin.ChannelID != "" {
		fields["channel_id"] = r.Origin.ChannelID
	}
	if r.Stack != "" {
		fields["stack"] = r.Stack
	}
	for k, v := range r.Tags {
		fields["tag."+k] = v
	}
	logger.ErrorCF("dispatch", "Unhandled error while dispatching event", fields)
}

// classify treats a panicking classifier as "reportable".
func (e *Escalator) classify(err error) (reportable bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.WarnCF("escalation", "Classifier panicked", map[string]interface{}{
				"panic": fmt.Sprint(r),
			})
			reportable = true
		}
	}()
	return e.classifier.IsReportable(err)
}

func (e *Escalator) capture(ctx context.Context, r Report) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.WarnCF("escalation", "Tracker panicked", map[string]interface{}{
				"correlation_id": r.CorrelationID,
				"panic":          fmt.Sprint(rec),
				"stack":          string(debug.Stack()),
			})
		}
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.sinkTimeout)
	defer cancel()

	if err := e.tracker.Capture(ctx, r); err != nil {
		logger.WarnCF("escalation", "Failed to submit error report", map[string]interface{}{
			"correlation_id": r.CorrelationID,
			"error":          err.Error(),
		})
	}
}

func (e *Escalator) reply(ctx context.Context, handler ChannelResolver, evt events.Event, r Report) {
	if handler == nil || evt == nil || e.messenger == nil {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			logger.WarnCF("escalation", "Error reply panicked", map[string]interface{}{
				"correlation_id": r.CorrelationID,
				"panic":          fmt.Sprint(rec),
			})
		}
	}()

	channelID, ok := handler.ErrorChannelFor(evt)
	if !ok || channelID == "" {
		return
	}
	if !e.messenger.CanSend(channelID) {
		logger.DebugCF("escalation", "No permission to post error reply", map[string]interface{}{
			"correlation_id": r.CorrelationID,
			"channel_id":     channelID,
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.sinkTimeout)
	defer cancel()

	if err := e.messenger.Send(ctx, channelID, UserMessage(r.CorrelationID, e.supportURL)); err != nil {
		logger.DebugCF("escalation", "Failed to post error reply", map[string]interface{}{
			"correlation_id": r.CorrelationID,
			"channel_id":     channelID,
			"error":          err.Error(),
		})
	}
}

// UserMessage is the only failure detail shown to users.
func UserMessage(correlationID, supportURL string) string {
	msg := fmt.Sprintf("Something went wrong while handling that. Error ID: `%s`.", correlationID)
	if supportURL != "" {
		msg += fmt.Sprintf(" If this keeps happening, share the ID at %s", supportURL)
	}
	return msg
}
