package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/portdaddy/portdaddy/internal/websocket"
)

// WSHandler upgrades connections into the event-stream hub.
type WSHandler struct {
	hub    *websocket.Hub
	logger *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *websocket.Hub, logger *zap.Logger) *WSHandler {
	return &WSHandler{hub: hub, logger: logger.Named("ws_handler")}
}

// Upgrade handles GET /ws.
// Query: topics is a comma-separated list of event types ("*" for all;
// defaults to all when absent).
func (h *WSHandler) Upgrade(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("topics")
	if raw == "" {
		raw = "*"
	}
	topics := strings.Split(raw, ",")

	client, err := websocket.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// NewClient already wrote the handshake failure response.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}
