package websocket

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait bounds a single frame write so a stalled peer cannot wedge
	// the write loop.
	writeWait = 10 * time.Second

	// pongWait is how long the connection may go without a pong before it
	// is considered dead; pingPeriod must stay comfortably below it.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxInboundBytes caps frames from the peer. The protocol is push-only,
	// so clients have nothing larger than control frames to send.
	maxInboundBytes = 512

	// sendBufferSize is the per-client delivery buffer. When it fills the
	// hub drops the client rather than let it backpressure the bus.
	sendBufferSize = 32
)

// upgrader performs the HTTP to WebSocket upgrade. Origin checks are
// disabled: the daemon answers only on loopback and its unix socket, so
// every peer is a local process.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Client is one connected event-stream consumer. Frames flow hub → send
// channel → write loop → wire; the read loop exists only to notice
// disconnects and answer the keepalive ping/pong exchange.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan Message
	topics []string
	logger *zap.Logger
}

// NewClient upgrades the request and builds a client subscribed to topics.
// Topic strings are cleaned here so callers can pass a raw comma-split query
// value; an empty list falls back to the catch-all subscription.
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, topics []string, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, sendBufferSize),
		topics: normalizeTopics(topics),
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// Run registers the client with the hub and pumps frames until the
// connection closes. It blocks, which is fine from an HTTP handler that has
// already completed the upgrade.
func (c *Client) Run() {
	c.hub.Subscribe(c)

	go c.writeLoop()
	c.readLoop()
}

// readLoop consumes inbound frames. Content is discarded; the loop's job is
// to reset the read deadline on each pong and to unsubscribe the client when
// the connection dies.
func (c *Client) readLoop() {
	defer func() {
		c.hub.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInboundBytes)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writeLoop is the sole writer on the connection (gorilla connections do not
// allow concurrent writes). It drains the send channel and keeps the
// connection alive with periodic pings; a closed send channel means the hub
// dropped the client, so it sends a close frame and exits.
func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ws: ping error", zap.Error(err))
				return
			}
		}
	}
}

// normalizeTopics trims whitespace and drops empty entries, falling back to
// the catch-all subscription when nothing usable remains.
func normalizeTopics(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, topic := range raw {
		if topic = strings.TrimSpace(topic); topic != "" {
			out = append(out, topic)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
