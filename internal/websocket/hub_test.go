package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/portdaddy/portdaddy/internal/events"
)

// dial spins up an upgrade endpoint backed by the hub and connects to it.
func dial(t *testing.T, hub *Hub, topics string) *gws.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, err := NewClient(hub, w, r, strings.Split(r.URL.Query().Get("topics"), ","), zap.NewNop())
		if err != nil {
			return
		}
		client.Run()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?topics=" + topics
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ConnectedCount() == n },
		2*time.Second, 5*time.Millisecond)
}

func TestHubRoutesByTopic(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dial(t, hub, "lock.acquire")
	waitForClients(t, hub, 1)

	hub.Publish("lock.acquire", Message{Type: "lock.acquire", Topic: "lock.acquire"})
	hub.Publish("service.claim", Message{Type: "service.claim", Topic: "service.claim"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "lock.acquire", msg.Type)

	// The non-matching event never arrives.
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	assert.Error(t, conn.ReadJSON(&msg))
}

func TestHubNamespaceGlob(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dial(t, hub, "service.*")
	waitForClients(t, hub, 1)

	hub.Publish("lock.acquire", Message{Type: "lock.acquire", Topic: "lock.acquire"})
	hub.Publish("service.claim", Message{Type: "service.claim", Topic: "service.claim"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "service.claim", msg.Type)
}

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		sub, eventType string
		want           bool
	}{
		{"*", "anything.at.all", true},
		{"lock.acquire", "lock.acquire", true},
		{"lock.acquire", "lock.release", false},
		{"lock.*", "lock.expire", true},
		{"lock.*", "service.claim", false},
		{"lock", "lock.acquire", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, topicMatches(tc.sub, tc.eventType),
			"%s vs %s", tc.sub, tc.eventType)
	}
}

func TestBridgeForwardsBusEvents(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	bus := events.NewBus(zap.NewNop())
	bridge := NewBridge(hub)
	bridge.Attach(bus)
	defer bridge.Detach(bus)

	conn := dial(t, hub, "*")
	waitForClients(t, hub, 1)

	bus.Publish(events.Event{
		Type:     events.TypeServiceClaim,
		TargetID: "myapp:api",
		Data:     map[string]any{"port": 3100},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, events.TypeServiceClaim, msg.Type)

	payload, ok := msg.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "myapp:api", payload["target_id"])
}
