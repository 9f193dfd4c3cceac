package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/portdaddy/portdaddy/internal/broker"
)

const (
	// defaultPollTimeout and maxPollTimeout bound the long-poll wait.
	defaultPollTimeout = 5 * time.Second
	maxPollTimeout     = 30 * time.Second
)

// MessageHandler groups the pub/sub HTTP handlers.
type MessageHandler struct {
	broker *broker.Broker
	logger *zap.Logger
}

// NewMessageHandler creates a new MessageHandler.
func NewMessageHandler(b *broker.Broker, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{broker: b, logger: logger.Named("message_handler")}
}

// publishRequest is the JSON body expected by POST /msg/{channel}.
type publishRequest struct {
	Payload json.RawMessage `json:"payload"`
	Sender  string          `json:"sender"`
	Expires int64           `json:"expires"` // relative TTL in ms
}

// Publish handles POST /msg/{channel}.
func (h *MessageHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Payload) == 0 {
		ErrBadRequest(w, "payload is required")
		return
	}
	if req.Sender == "" {
		req.Sender = callerFromCtx(r.Context()).AgentID
	}

	msg, err := h.broker.Publish(r.Context(), chi.URLParam(r, "channel"), string(req.Payload), broker.PublishOptions{
		Sender:  req.Sender,
		Expires: req.Expires,
	})
	if err != nil {
		Err(w, err)
		return
	}
	Created(w, envelope{"success": true, "id": msg.ID, "channel": msg.Channel})
}

// History handles GET /msg/{channel}.
// Query: limit (≤1000), after (message id). With after set messages come
// back ascending; otherwise the most recent limit, oldest first.
func (h *MessageHandler) History(w http.ResponseWriter, r *http.Request) {
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	limit := queryInt(r, "limit", 0)

	msgs, err := h.broker.GetMessages(r.Context(), chi.URLParam(r, "channel"), limit, after)
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"messages": msgs, "count": len(msgs)})
}

// Poll handles GET /msg/{channel}/poll.
// Long-polls for the earliest message with id > after, up to the timeout
// (default 5 s, capped at 30 s). A quiet channel returns {"message": null}.
func (h *MessageHandler) Poll(w http.ResponseWriter, r *http.Request) {
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)

	timeout := defaultPollTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}
	if timeout > maxPollTimeout {
		timeout = maxPollTimeout
	}

	msg, err := h.broker.Wait(r.Context(), chi.URLParam(r, "channel"), after, timeout)
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"message": msg})
}

// Subscribe handles GET /msg/{channel}/subscribe.
// Streams messages as server-sent events: an "event: connected" frame on
// open, then one "data: <json>" frame per message. The subscription lives
// until the client disconnects.
func (h *MessageHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		ErrBadRequest(w, "streaming unsupported by transport")
		return
	}

	channel := chi.URLParam(r, "channel")

	// Buffered so a slow client cannot block the broker's fan-out; overflow
	// drops frames for this subscriber only.
	frames := make(chan broker.Message, 64)
	sub, err := h.broker.Subscribe(channel, func(msg broker.Message) {
		select {
		case frames <- msg:
		default:
			h.logger.Warn("sse subscriber overflow, dropping frame",
				zap.String("channel", channel), zap.Int64("id", msg.ID))
		}
	})
	if err != nil {
		Err(w, err)
		return
	}
	defer h.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprint(w, "event: connected\n\n")
	flusher.Flush()

	for {
		select {
		case msg := <-frames:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// Clear handles DELETE /msg/{channel}.
func (h *MessageHandler) Clear(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	removed, err := h.broker.Clear(r.Context(), channel)
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"success": true, "channel": channel, "removed": removed})
}

// Channels handles GET /channels.
func (h *MessageHandler) Channels(w http.ResponseWriter, r *http.Request) {
	infos, err := h.broker.ListChannels(r.Context())
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"channels": infos, "count": len(infos)})
}
