package websocket

import (
	"context"
	"strings"
	"sync"
)

// Hub fans daemon events out to connected clients. Each client picks its
// topics at connect time; a published event reaches every client whose
// subscription covers the event type. Three subscription forms are
// understood:
//
//	lock.acquire   exact event type
//	lock.*         everything in the lock namespace
//	*              every event
//
// The hub never blocks on a client: delivery is a non-blocking send into the
// client's buffer, and a client that lets its buffer fill is dropped so it
// cannot stall the event stream for everyone else.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client][]string
}

// NewHub creates an empty Hub, ready for Subscribe and Publish.
func NewHub() *Hub {
	return &Hub{clients: make(map[*Client][]string)}
}

// Run blocks until ctx is cancelled, then disconnects every client. Call it
// in its own goroutine alongside the HTTP server so graceful shutdown closes
// the event stream too.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[*Client][]string)
}

// Publish delivers msg to every client subscribed to eventType. Safe to call
// from any goroutine; the bridge calls it from bus callbacks.
func (h *Hub) Publish(eventType string, msg Message) {
	h.mu.RLock()
	var targets []*Client
	for client, topics := range h.clients {
		for _, sub := range topics {
			if topicMatches(sub, eventType) {
				targets = append(targets, client)
				break
			}
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		select {
		case client.send <- msg:
		default:
			// Full buffer: the client is not draining fast enough to keep.
			h.drop(client)
		}
	}
}

// Subscribe adds a freshly upgraded client to the fan-out set.
func (h *Hub) Subscribe(client *Client) {
	h.mu.Lock()
	h.clients[client] = client.topics
	h.mu.Unlock()
}

// Unsubscribe removes a client. Called by the client's read loop when the
// connection closes; calling it for an already removed client is a no-op.
func (h *Hub) Unsubscribe(client *Client) {
	h.drop(client)
}

// drop removes the client and closes its send channel exactly once, however
// many paths (slow-consumer eviction, disconnect, shutdown) race to do it.
func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// ConnectedCount returns the number of connected clients. Used by metrics.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// topicMatches reports whether subscription sub covers eventType. A trailing
// ".*" matches the namespace prefix, "*" matches everything, anything else
// must match exactly.
func topicMatches(sub, eventType string) bool {
	switch {
	case sub == "*":
		return true
	case strings.HasSuffix(sub, ".*"):
		return strings.HasPrefix(eventType, sub[:len(sub)-1])
	default:
		return sub == eventType
	}
}
