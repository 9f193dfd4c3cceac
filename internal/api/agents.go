package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/portdaddy/portdaddy/internal/agents"
)

// AgentHandler groups the agent-registry HTTP handlers.
type AgentHandler struct {
	agents *agents.Registry
	logger *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(registry *agents.Registry, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{agents: registry, logger: logger.Named("agent_handler")}
}

// registerRequest is the JSON body expected by POST /agents.
type registerRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PID         int    `json:"pid"`
	Type        string `json:"type"`
	Purpose     string `json:"purpose"`
	WorktreeID  string `json:"worktreeId"`
	MaxServices int    `json:"maxServices"`
	MaxLocks    int    `json:"maxLocks"`
}

// Register handles POST /agents.
// Re-registering an existing id refreshes it in place. The response carries
// a salvage hint: the number of lapsed agents in the same project whose work
// is waiting in the resurrection queue.
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	caller := callerFromCtx(r.Context())
	if req.ID == "" {
		req.ID = caller.AgentID
	}
	if req.ID == "" {
		ErrBadRequest(w, "id is required")
		return
	}
	if req.PID == 0 {
		req.PID = caller.PID
	}

	result, err := h.agents.Register(r.Context(), req.ID, agents.RegisterOptions{
		Name:        req.Name,
		PID:         req.PID,
		Type:        req.Type,
		Purpose:     req.Purpose,
		WorktreeID:  req.WorktreeID,
		MaxServices: req.MaxServices,
		MaxLocks:    req.MaxLocks,
	})
	if err != nil {
		Err(w, err)
		return
	}
	Created(w, envelope{
		"success":      true,
		"agent":        result.Agent,
		"salvage_hint": result.SalvageHint,
	})
}

// List handles GET /agents.
// Query: active=true narrows to agents inside the heartbeat window; project
// narrows by parsed identity project.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.agents.List(r.Context(), agents.ListOptions{
		ActiveOnly: q.Get("active") == "true",
		Project:    q.Get("project"),
	})
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"agents": list, "count": len(list)})
}

// Get handles GET /agents/{id}.
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, agent)
}

// Heartbeat handles POST /agents/{id}/heartbeat.
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agents.Heartbeat(r.Context(), chi.URLParam(r, "id"), callerFromCtx(r.Context()).PID)
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"success": true, "last_heartbeat": agent.LastHeartbeat})
}

// Unregister handles DELETE /agents/{id}.
// Removing an unknown agent is a soft success.
func (h *AgentHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	removed, err := h.agents.Unregister(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"success": true, "removed": removed})
}
