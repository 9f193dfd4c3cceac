// Package websocket implements the real-time push channel for coordination
// events. Connected clients subscribe to event-type topics and receive every
// matching daemon event as a JSON frame; the bridge feeds the hub from the
// in-process event bus.
//
// Topics follow the event type namespace, and a subscription can name an
// exact type, a namespace glob, or the catch-all:
//
//	service.claim, service.release, service.status
//	lock.acquire, lock.release, lock.expire
//	agent.register, agent.heartbeat, agent.stale, agent.dead
//	msg.publish, session.start, session.end
//	lock.*  — every lock event
//	*       — every event
package websocket

// Message is the envelope for every frame pushed to clients.
//
// JSON example:
//
//	{"type":"service.claim","topic":"service.claim","payload":{"target_id":"myapp:api","data":{"port":3100}}}
type Message struct {
	// Type is the coordination event type that produced this frame.
	Type string `json:"type"`

	// Topic is the subscription topic the frame was routed through. For a
	// wildcard subscriber this still carries the concrete event type.
	Topic string `json:"topic"`

	// Payload carries the event body: target_id, agent_id, data, timestamp.
	Payload any `json:"payload"`
}
