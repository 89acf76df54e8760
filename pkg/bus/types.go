package bus

import "time"

// System event types published by clawgate components.
const (
	EventEscalated     = "dispatch.escalated"
	EventStatusTick    = "status.tick"
	EventMetricsFlush  = "metrics.flushed"
	EventShardStatus   = "gateway.shard_status"
	EventHandlerMissed = "dispatch.handler_missing"
)

// SystemEvent is a typed event flowing through the bus for observability.
type SystemEvent struct {
	Type      string      `json:"type"`   // e.g. "dispatch.escalated"
	Source    string      `json:"source"` // e.g. "escalation", "status"
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewSystemEvent creates a timestamped system event.
func NewSystemEvent(eventType, source string, data interface{}) SystemEvent {
	return SystemEvent{
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
