package metrics

import (
	"context"
	"fmt"

	"github.com/sipeed/clawgate/pkg/bus"
	"github.com/sipeed/clawgate/pkg/logger"
)

// LogReporter writes each flushed snapshot as one INFO line.
type LogReporter struct{}

func (LogReporter) Name() string { return "log" }

func (LogReporter) Report(_ context.Context, snap Snapshot) error {
	fields := make(map[string]interface{}, len(snap.Counters)+len(snap.Gauges))
	for _, name := range sortedKeys(snap.Counters) {
		fields[name] = snap.Total(name)
	}
	for _, name := range sortedKeys(snap.Gauges) {
		fields[name] = fmt.Sprintf("%.2f", snap.Gauges[name])
	}
	logger.InfoCF("metrics", "Metrics flushed", fields)
	return nil
}

// BusReporter publishes each snapshot on the system bus.
type BusReporter struct {
	Bus *bus.MessageBus
}

func (BusReporter) Name() string { return "bus" }

func (r BusReporter) Report(_ context.Context, snap Snapshot) error {
	r.Bus.PublishSystem(bus.NewSystemEvent(bus.EventMetricsFlush, "metrics", snap))
	return nil
}
