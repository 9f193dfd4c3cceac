package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/portdaddy/portdaddy/internal/sessions"
)

// SessionHandler groups the session HTTP handlers.
type SessionHandler struct {
	sessions *sessions.Manager
	logger   *zap.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(manager *sessions.Manager, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{sessions: manager, logger: logger.Named("session_handler")}
}

// startSessionRequest is the JSON body expected by POST /sessions.
type startSessionRequest struct {
	Purpose  string   `json:"purpose"`
	AgentID  string   `json:"agentId"`
	Files    []string `json:"files"`
	Metadata string   `json:"metadata"`
}

// Start handles POST /sessions.
// Conflicts on the initial file claims are reported in the response, not
// treated as failure.
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		req.AgentID = callerFromCtx(r.Context()).AgentID
	}

	result, err := h.sessions.Start(r.Context(), req.Purpose, sessions.StartOptions{
		AgentID:  req.AgentID,
		Metadata: req.Metadata,
		Files:    req.Files,
	})
	if err != nil {
		Err(w, err)
		return
	}
	Created(w, result)
}

// List handles GET /sessions.
// Query: status, agent, limit.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.sessions.List(r.Context(), sessions.ListOptions{
		Status:  q.Get("status"),
		AgentID: q.Get("agent"),
		Limit:   queryInt(r, "limit", 0),
	})
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"sessions": list, "count": len(list)})
}

// Get handles GET /sessions/{id}.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, session)
}

// endSessionRequest is the JSON body expected by PUT /sessions/{id}.
type endSessionRequest struct {
	Status      string `json:"status"` // completed (default) or abandoned
	HandoffNote string `json:"handoffNote"`
}

// End handles PUT /sessions/{id}.
// Releases the session's live file claims, optionally appends a handoff
// note, and stamps the terminal status.
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	var req endSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := h.sessions.End(r.Context(), chi.URLParam(r, "id"), sessions.EndOptions{
		Status:      req.Status,
		HandoffNote: req.HandoffNote,
	})
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, session)
}

// noteRequest is the JSON body expected by POST /sessions/{id}/notes.
type noteRequest struct {
	Content string `json:"content"`
	Type    string `json:"type"`
}

// AddNote handles POST /sessions/{id}/notes. Notes are append-only.
func (h *SessionHandler) AddNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	note, err := h.sessions.AddNote(r.Context(), chi.URLParam(r, "id"), req.Content, req.Type)
	if err != nil {
		Err(w, err)
		return
	}
	Created(w, note)
}

// Notes handles GET /sessions/{id}/notes.
func (h *SessionHandler) Notes(w http.ResponseWriter, r *http.Request) {
	notes, err := h.sessions.Notes(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"notes": notes, "count": len(notes)})
}

// filesRequest is the JSON body of the file-claim endpoints.
type filesRequest struct {
	Files []string `json:"files"`
}

// ClaimFiles handles POST /sessions/{id}/files.
// Claims are advisory: overlaps with other active sessions are reported as
// conflicts but the claim still lands.
func (h *SessionHandler) ClaimFiles(w http.ResponseWriter, r *http.Request) {
	var req filesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Files) == 0 {
		ErrBadRequest(w, "files is required")
		return
	}

	result, err := h.sessions.ClaimFiles(r.Context(), chi.URLParam(r, "id"), req.Files)
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, result)
}

// ReleaseFiles handles DELETE /sessions/{id}/files.
// An empty file list releases every live claim the session holds.
func (h *SessionHandler) ReleaseFiles(w http.ResponseWriter, r *http.Request) {
	var req filesRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	released, err := h.sessions.ReleaseFiles(r.Context(), chi.URLParam(r, "id"), req.Files)
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"success": true, "released": released})
}

// Claims handles GET /sessions/{id}/files.
func (h *SessionHandler) Claims(w http.ResponseWriter, r *http.Request) {
	claims, err := h.sessions.Claims(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"claims": claims, "count": len(claims)})
}

// quickNoteRequest is the JSON body expected by POST /sessions/quick-note.
type quickNoteRequest struct {
	AgentID string `json:"agentId"`
	Content string `json:"content"`
}

// QuickNote handles POST /sessions/quick-note.
// Appends the note to the agent's most recent active session, creating a
// scratch session when none exists.
func (h *SessionHandler) QuickNote(w http.ResponseWriter, r *http.Request) {
	var req quickNoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		req.AgentID = callerFromCtx(r.Context()).AgentID
	}

	note, err := h.sessions.QuickNote(r.Context(), req.AgentID, req.Content)
	if err != nil {
		Err(w, err)
		return
	}
	Created(w, note)
}
