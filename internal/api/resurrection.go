package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/portdaddy/portdaddy/internal/resurrection"
)

// ResurrectionHandler groups the resurrection-queue HTTP handlers.
type ResurrectionHandler struct {
	queue  *resurrection.Queue
	logger *zap.Logger
}

// NewResurrectionHandler creates a new ResurrectionHandler.
func NewResurrectionHandler(queue *resurrection.Queue, logger *zap.Logger) *ResurrectionHandler {
	return &ResurrectionHandler{queue: queue, logger: logger.Named("resurrection_handler")}
}

// List handles GET /resurrection.
// Query: status, project, stack.
func (h *ResurrectionHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := h.queue.List(r.Context(), resurrection.ListOptions{
		Status:  q.Get("status"),
		Project: q.Get("project"),
		Stack:   q.Get("stack"),
	})
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"entries": entries, "count": len(entries)})
}

// Pending handles GET /resurrection/pending.
// Query: project, stack.
func (h *ResurrectionHandler) Pending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := h.queue.ListPending(r.Context(), q.Get("project"), q.Get("stack"))
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"entries": entries, "count": len(entries)})
}

// claimEntryRequest is the JSON body of POST /resurrection/claim/{id} and
// POST /resurrection/complete/{id}: the successor agent taking over.
type claimEntryRequest struct {
	NewAgentID string `json:"newAgentId"`
}

// Claim handles POST /resurrection/claim/{id}.
// Moves a pending entry to resurrecting and hands back the lapsed agent's
// session context so the successor can resume its work.
func (h *ResurrectionHandler) Claim(w http.ResponseWriter, r *http.Request) {
	var req claimEntryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.NewAgentID == "" {
		req.NewAgentID = callerFromCtx(r.Context()).AgentID
	}

	result, err := h.queue.Claim(r.Context(), chi.URLParam(r, "id"), req.NewAgentID)
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, result)
}

// Complete handles POST /resurrection/complete/{id}.
// Rebinds the captured session to the successor and removes the entry.
func (h *ResurrectionHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req claimEntryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.NewAgentID == "" {
		req.NewAgentID = callerFromCtx(r.Context()).AgentID
	}

	if err := h.queue.Complete(r.Context(), chi.URLParam(r, "id"), req.NewAgentID); err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"success": true})
}

// Abandon handles POST /resurrection/abandon/{id}.
// Returns a resurrecting entry to the pending queue.
func (h *ResurrectionHandler) Abandon(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Abandon(r.Context(), chi.URLParam(r, "id")); err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"success": true})
}

// Dismiss handles DELETE /resurrection/{id}.
func (h *ResurrectionHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Dismiss(r.Context(), chi.URLParam(r, "id")); err != nil {
		Err(w, err)
		return
	}
	NoContent(w)
}
