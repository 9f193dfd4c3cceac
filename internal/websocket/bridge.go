package websocket

import (
	"github.com/portdaddy/portdaddy/internal/events"
)

// Bridge forwards coordination events from the in-process bus to the hub.
// Each event is published once under its event type; the hub's subscription
// matching takes care of namespace globs and the catch-all.
type Bridge struct {
	hub *Hub
	sub *events.Subscription
}

// NewBridge creates an unattached Bridge.
func NewBridge(hub *Hub) *Bridge {
	return &Bridge{hub: hub}
}

// Attach subscribes the bridge to the bus.
func (b *Bridge) Attach(bus *events.Bus) {
	b.sub = bus.Subscribe(func(ev events.Event) {
		b.hub.Publish(ev.Type, Message{
			Type:  ev.Type,
			Topic: ev.Type,
			Payload: map[string]any{
				"target_id": ev.TargetID,
				"agent_id":  ev.AgentID,
				"data":      ev.Data,
				"timestamp": ev.Timestamp,
			},
		})
	})
}

// Detach removes the bus subscription.
func (b *Bridge) Detach(bus *events.Bus) {
	if b.sub != nil {
		bus.Unsubscribe(b.sub)
		b.sub = nil
	}
}
