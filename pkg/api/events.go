// Event bridge: forwards system events from the message bus (escalations,
// status ticks, metrics flushes) to every connected WebSocket client.
package api

import (
	"context"

	"github.com/sipeed/clawgate/pkg/bus"
	"github.com/sipeed/clawgate/pkg/logger"
)

const bridgeSubscriber = "event-bridge"

// EventBridge connects the message bus to the WebSocket hub for live updates.
type EventBridge struct {
	bus *bus.MessageBus
	hub *WSHub
}

// NewEventBridge creates a bridge that forwards bus events to WebSocket clients.
func NewEventBridge(mb *bus.MessageBus, hub *WSHub) *EventBridge {
	return &EventBridge{bus: mb, hub: hub}
}

// Run forwards until ctx is cancelled or the bus closes. A nil bus makes it
// return at once.
func (eb *EventBridge) Run(ctx context.Context) {
	if eb.bus == nil {
		return
	}
	logger.InfoC("events", "Event bridge started, forwarding bus events to WebSocket")

	tap := eb.bus.SubscribeSystem(bridgeSubscriber)
	defer eb.bus.Unsubscribe(bridgeSubscriber)

	for {
		select {
		case <-ctx.Done():
			logger.InfoC("events", "Event bridge stopped")
			return
		case evt, ok := <-tap:
			if !ok {
				return
			}
			eb.hub.Broadcast(evt.Type, evt.Data)
		}
	}
}
