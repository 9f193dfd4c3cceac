package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/portdaddy/portdaddy/internal/inbox"
)

// InboxHandler groups the per-agent inbox HTTP handlers.
type InboxHandler struct {
	inbox  *inbox.Manager
	logger *zap.Logger
}

// NewInboxHandler creates a new InboxHandler.
func NewInboxHandler(manager *inbox.Manager, logger *zap.Logger) *InboxHandler {
	return &InboxHandler{inbox: manager, logger: logger.Named("inbox_handler")}
}

// sendRequest is the JSON body expected by POST /inbox/{agent}.
type sendRequest struct {
	Content string `json:"content"`
	Sender  string `json:"sender"`
	Type    string `json:"type"`
}

// Send handles POST /inbox/{agent}.
func (h *InboxHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Sender == "" {
		req.Sender = callerFromCtx(r.Context()).AgentID
	}

	msg, err := h.inbox.Send(r.Context(), chi.URLParam(r, "agent"), req.Sender, req.Content, req.Type)
	if err != nil {
		Err(w, err)
		return
	}
	Created(w, msg)
}

// List handles GET /inbox/{agent}.
// Query: unread=true narrows to unread messages; limit caps the result.
// Messages come back oldest first.
func (h *InboxHandler) List(w http.ResponseWriter, r *http.Request) {
	recipient := chi.URLParam(r, "agent")
	msgs, err := h.inbox.List(r.Context(), recipient, inbox.ListOptions{
		UnreadOnly: r.URL.Query().Get("unread") == "true",
		Limit:      queryInt(r, "limit", 0),
	})
	if err != nil {
		Err(w, err)
		return
	}

	unread, err := h.inbox.UnreadCount(r.Context(), recipient)
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"messages": msgs, "count": len(msgs), "unread": unread})
}

// markReadRequest is the JSON body expected by POST /inbox/{agent}/read.
// An empty id list marks every unread message.
type markReadRequest struct {
	IDs []uint `json:"ids"`
}

// MarkRead handles POST /inbox/{agent}/read.
func (h *InboxHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	marked, err := h.inbox.MarkRead(r.Context(), chi.URLParam(r, "agent"), req.IDs)
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"success": true, "marked": marked})
}
