package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/portdaddy/portdaddy/internal/agents"
	"github.com/portdaddy/portdaddy/internal/fault"
	"github.com/portdaddy/portdaddy/internal/locks"
	"github.com/portdaddy/portdaddy/internal/metrics"
)

// LockHandler groups the distributed-mutex HTTP handlers.
type LockHandler struct {
	locks   *locks.Manager
	agents  *agents.Registry
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewLockHandler creates a new LockHandler.
func NewLockHandler(manager *locks.Manager, registry *agents.Registry, m *metrics.Metrics, logger *zap.Logger) *LockHandler {
	return &LockHandler{
		locks:   manager,
		agents:  registry,
		metrics: m,
		logger:  logger.Named("lock_handler"),
	}
}

// acquireRequest is the JSON body expected by POST /locks/{name}.
type acquireRequest struct {
	Owner    string `json:"owner"`
	PID      int    `json:"pid"`
	TTL      int64  `json:"ttl"` // milliseconds
	Metadata string `json:"metadata"`
}

// Acquire handles POST /locks/{name}.
// Contention returns 409 with the holder in the error detail.
func (h *LockHandler) Acquire(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	caller := callerFromCtx(r.Context())
	if req.Owner == "" {
		req.Owner = caller.AgentID
	}
	if req.PID == 0 {
		req.PID = caller.PID
	}

	if err := h.agents.CanAcquireLock(r.Context(), req.Owner); err != nil {
		Err(w, err)
		return
	}

	lock, err := h.locks.Acquire(r.Context(), chi.URLParam(r, "name"), locks.AcquireOptions{
		Owner:    req.Owner,
		PID:      req.PID,
		TTL:      req.TTL,
		Metadata: req.Metadata,
	})
	if err != nil {
		if fault.IsCode(err, fault.CodeLockHeld) && h.metrics != nil {
			h.metrics.ObserveLockContention()
		}
		Err(w, err)
		return
	}

	Ok(w, envelope{
		"success":     true,
		"name":        lock.Name,
		"owner":       lock.Owner,
		"acquired_at": lock.AcquiredAt,
		"expires_at":  lock.ExpiresAt,
	})
}

// Check handles GET /locks/{name}.
// Expired locks are swept first, so a past-expiry lock reports as free.
func (h *LockHandler) Check(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	lock, err := h.locks.Check(r.Context(), name)
	if err != nil {
		Err(w, err)
		return
	}
	if lock == nil {
		Ok(w, envelope{"name": name, "held": false})
		return
	}
	Ok(w, envelope{
		"name":        lock.Name,
		"held":        true,
		"owner":       lock.Owner,
		"pid":         lock.PID,
		"acquired_at": lock.AcquiredAt,
		"expires_at":  lock.ExpiresAt,
		"metadata":    lock.Metadata,
	})
}

// extendRequest is the JSON body expected by PUT /locks/{name}.
type extendRequest struct {
	Owner string `json:"owner"`
	TTL   int64  `json:"ttl"` // milliseconds
}

// Extend handles PUT /locks/{name}.
func (h *LockHandler) Extend(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Owner == "" {
		req.Owner = callerFromCtx(r.Context()).AgentID
	}

	lock, err := h.locks.Extend(r.Context(), chi.URLParam(r, "name"), req.Owner, req.TTL)
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"success": true, "name": lock.Name, "expires_at": lock.ExpiresAt})
}

// releaseLockRequest is the JSON body expected by DELETE /locks/{name}.
type releaseLockRequest struct {
	Owner string `json:"owner"`
	Force bool   `json:"force"`
}

// Release handles DELETE /locks/{name}.
// A missing lock is a soft success with released=false.
func (h *LockHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req releaseLockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Owner == "" && !req.Force {
		req.Owner = callerFromCtx(r.Context()).AgentID
	}

	released, err := h.locks.Release(r.Context(), chi.URLParam(r, "name"), locks.ReleaseOptions{
		Owner: req.Owner,
		Force: req.Force,
	})
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"success": true, "released": released})
}

// List handles GET /locks.
// Query: owner narrows to that owner's locks.
func (h *LockHandler) List(w http.ResponseWriter, r *http.Request) {
	held, err := h.locks.List(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"locks": held, "count": len(held)})
}
