package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/portdaddy/portdaddy/internal/agents"
	"github.com/portdaddy/portdaddy/internal/ports"
)

// ServiceHandler groups the port-allocation HTTP handlers.
type ServiceHandler struct {
	ports  *ports.Allocator
	agents *agents.Registry
	logger *zap.Logger
}

// NewServiceHandler creates a new ServiceHandler.
func NewServiceHandler(allocator *ports.Allocator, registry *agents.Registry, logger *zap.Logger) *ServiceHandler {
	return &ServiceHandler{
		ports:  allocator,
		agents: registry,
		logger: logger.Named("service_handler"),
	}
}

// claimRequest is the JSON body expected by POST /claim.
type claimRequest struct {
	ID          string          `json:"id"`
	PID         int             `json:"pid"`
	Port        int             `json:"port"`
	Range       []int           `json:"range"`
	Expires     int64           `json:"expires"` // relative TTL in ms
	Cmd         string          `json:"cmd"`
	Cwd         string          `json:"cwd"`
	Restart     string          `json:"restart"`
	HealthURL   string          `json:"healthUrl"`
	Pair        string          `json:"pair"`
	Metadata    json.RawMessage `json:"metadata"`
	SystemPorts []int           `json:"systemPorts"`
}

// claimResponse is the body returned by POST /claim.
type claimResponse struct {
	Success  bool   `json:"success"`
	ID       string `json:"id"`
	Port     int    `json:"port"`
	Status   string `json:"status"`
	Existing bool   `json:"existing"`
	Message  string `json:"message"`
}

// Claim handles POST /claim.
// Assigns a port to the identity or returns the existing assignment. The
// caller's advisory agent id attributes the claim and is checked against the
// agent's service cap when the agent is registered.
func (h *ServiceHandler) Claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID == "" {
		ErrBadRequest(w, "id is required")
		return
	}

	caller := callerFromCtx(r.Context())
	if err := h.agents.CanClaimService(r.Context(), caller.AgentID); err != nil {
		Err(w, err)
		return
	}

	opts := ports.ClaimOptions{
		PreferredPort: req.Port,
		ExpiresAfter:  req.Expires,
		Command:       req.Cmd,
		WorkDir:       req.Cwd,
		PID:           req.PID,
		Restart:       req.Restart,
		HealthURL:     req.HealthURL,
		Pair:          req.Pair,
		Metadata:      string(req.Metadata),
		SystemPorts:   req.SystemPorts,
		AgentID:       caller.AgentID,
	}
	if opts.PID == 0 {
		opts.PID = caller.PID
	}
	if len(req.Range) == 2 {
		opts.RangeMin, opts.RangeMax = req.Range[0], req.Range[1]
	} else if len(req.Range) != 0 {
		ErrBadRequest(w, "range must be [min, max]")
		return
	}

	result, err := h.ports.Claim(r.Context(), req.ID, opts)
	if err != nil {
		Err(w, err)
		return
	}

	message := fmt.Sprintf("assigned port %d", result.Service.Port)
	if result.Existing {
		message = fmt.Sprintf("already assigned port %d", result.Service.Port)
	}
	Ok(w, claimResponse{
		Success:  true,
		ID:       result.Service.ID,
		Port:     result.Service.Port,
		Status:   result.Service.Status,
		Existing: result.Existing,
		Message:  message,
	})
}

// releaseRequest is the JSON body expected by DELETE /release.
// ID may be a wildcard pattern; Expired releases every service past its TTL.
type releaseRequest struct {
	ID      string `json:"id"`
	Expired bool   `json:"expired"`
}

// releaseResponse is the body returned by DELETE /release.
type releaseResponse struct {
	Success  bool   `json:"success"`
	Released int    `json:"released"`
	Port     *int   `json:"port,omitempty"`
	Message  string `json:"message"`
}

// Release handles DELETE /release.
func (h *ServiceHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var (
		result *ports.ReleaseResult
		err    error
	)
	switch {
	case req.Expired:
		result, err = h.ports.ReleaseExpired(r.Context())
	case req.ID != "":
		result, err = h.ports.Release(r.Context(), req.ID, callerFromCtx(r.Context()).AgentID)
	default:
		ErrBadRequest(w, "id or expired is required")
		return
	}
	if err != nil {
		Err(w, err)
		return
	}

	resp := releaseResponse{
		Success:  true,
		Released: result.Released,
		Message:  fmt.Sprintf("released %d service(s)", result.Released),
	}
	if result.Released == 1 {
		resp.Port = &result.Ports[0]
	}
	Ok(w, resp)
}

// List handles GET /services.
// Query: pattern (default "*"), status, port, expired, limit.
func (h *ServiceHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pattern := q.Get("pattern")
	if pattern == "" {
		pattern = "*"
	}

	filters := ports.FindFilters{
		Status:  q.Get("status"),
		Port:    queryInt(r, "port", 0),
		Expired: q.Get("expired") == "true",
		Limit:   queryInt(r, "limit", 0),
	}

	infos, err := h.ports.Find(r.Context(), pattern, filters)
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"services": infos, "count": len(infos)})
}

// Get handles GET /services/{id}.
func (h *ServiceHandler) Get(w http.ResponseWriter, r *http.Request) {
	info, err := h.ports.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, info)
}

// SetEndpoint handles PUT /services/{id}/endpoints/{env}.
func (h *ServiceHandler) SetEndpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	id, env := chi.URLParam(r, "id"), chi.URLParam(r, "env")
	if err := h.ports.SetEndpoint(r.Context(), id, env, req.URL); err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"success": true, "id": id, "environment": env, "url": req.URL})
}

// SetStatus handles PUT /services/{id}/status.
func (h *ServiceHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.ports.SetStatus(r.Context(), id, req.Status); err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"success": true, "id": id, "status": req.Status})
}

// Cleanup handles POST /ports/cleanup.
// Releases every service whose recorded process is gone.
func (h *ServiceHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	freed, err := h.ports.Cleanup(r.Context())
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"success": true, "freed": freed, "count": len(freed)})
}

// queryInt reads an integer query parameter, falling back to def when the
// parameter is absent or malformed.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
