// Package agents implements the agent registry. Liveness is derived, never
// probed: an agent is active while its last heartbeat is within ActiveTTL,
// stale past StaleAfter, dead past DeadAfter. The registry also enforces the
// per-agent service and lock caps.
package agents

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/portdaddy/portdaddy/internal/db"
	"github.com/portdaddy/portdaddy/internal/events"
	"github.com/portdaddy/portdaddy/internal/fault"
	"github.com/portdaddy/portdaddy/internal/identity"
)

const (
	// ActiveTTL is the heartbeat cutoff for an agent to count as active.
	// StaleAfter and DeadAfter are the janitor's escalation thresholds.
	ActiveTTL  = int64(2 * 60 * 1000)
	StaleAfter = int64(10 * 60 * 1000)
	DeadAfter  = int64(20 * 60 * 1000)

	// DefaultMaxServices and DefaultMaxLocks are the per-agent caps applied
	// at registration when the caller supplies none.
	DefaultMaxServices = 50
	DefaultMaxLocks    = 20

	maxIDLen = 100
)

// ServiceCounter reports how many services an agent has claimed.
type ServiceCounter interface {
	CountByAgent(ctx context.Context, agentID string) (int64, error)
}

// LockCounter reports how many live locks an owner holds.
type LockCounter interface {
	CountByOwner(ctx context.Context, owner string) (int64, error)
}

// Registry owns the agents table.
type Registry struct {
	db       *gorm.DB
	bus      *events.Bus
	logger   *zap.Logger
	services ServiceCounter
	locks    LockCounter
}

// New creates a Registry. The counters back the per-agent cap checks.
func New(database *gorm.DB, bus *events.Bus, logger *zap.Logger, services ServiceCounter, locks LockCounter) *Registry {
	return &Registry{
		db:       database,
		bus:      bus,
		logger:   logger.Named("agents"),
		services: services,
		locks:    locks,
	}
}

// RegisterOptions are the optional parameters of Register.
type RegisterOptions struct {
	Name        string
	PID         int
	Type        string
	Purpose     string
	WorktreeID  string
	MaxServices int
	MaxLocks    int
}

// RegisterResult is the outcome of Register. SalvageHint counts unclaimed
// resurrection entries for the agent's project — a nonzero hint tells a
// fresh agent there is lapsed work it could pick up.
type RegisterResult struct {
	Agent       *db.Agent `json:"agent"`
	SalvageHint int64     `json:"salvage_hint"`
}

// Register creates or refreshes an agent row. The id doubles as a semantic
// identity when it parses as one; its components are stored so the
// resurrection queue can be filtered by project and stack. Re-registering an
// existing id refreshes it in place.
func (r *Registry) Register(ctx context.Context, id string, opts RegisterOptions) (*RegisterResult, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	agent := db.Agent{
		ID:            id,
		Name:          opts.Name,
		PID:           opts.PID,
		Type:          opts.Type,
		Purpose:       opts.Purpose,
		WorktreeID:    opts.WorktreeID,
		MaxServices:   defaultCap(opts.MaxServices, DefaultMaxServices),
		MaxLocks:      defaultCap(opts.MaxLocks, DefaultMaxLocks),
		LastHeartbeat: db.Now(),
	}
	if parsed, err := identity.Parse(id); err == nil {
		agent.Project = parsed.Project
		agent.Stack = parsed.Stack
		agent.Context = parsed.Context
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing db.Agent
		lookupErr := tx.First(&existing, "id = ?", id).Error
		if lookupErr == nil {
			agent.RegisteredAt = existing.RegisteredAt
			return tx.Save(&agent).Error
		}
		if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return lookupErr
		}
		return tx.Create(&agent).Error
	})
	if err != nil {
		return nil, fmt.Errorf("agents: register %q: %w", id, err)
	}

	res := &RegisterResult{Agent: &agent}
	if agent.Project != "" {
		err := r.db.WithContext(ctx).Model(&db.ResurrectionEntry{}).
			Where("project = ? AND status IN ?", agent.Project, []string{"stale", "pending"}).
			Count(&res.SalvageHint).Error
		if err != nil {
			r.logger.Warn("salvage hint query failed", zap.String("agent", id), zap.Error(err))
		}
	}

	r.bus.Publish(events.Event{
		Type:     events.TypeAgentRegister,
		TargetID: id,
		AgentID:  id,
		Data:     map[string]any{"salvage_hint": res.SalvageHint},
	})
	return res, nil
}

// Heartbeat refreshes the agent's liveness stamp (and pid, when supplied).
// Fails with NotFound for unregistered agents so clients know to re-register.
func (r *Registry) Heartbeat(ctx context.Context, id string, pid int) (*db.Agent, error) {
	updates := map[string]any{"last_heartbeat": db.Now()}
	if pid != 0 {
		updates["pid"] = pid
	}

	res := r.db.WithContext(ctx).Model(&db.Agent{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("agents: heartbeat %q: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fault.Newf(fault.CodeNotFound, "agent %q is not registered", id)
	}

	agent, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	r.bus.Publish(events.Event{
		Type:     events.TypeAgentHeartbeat,
		TargetID: id,
		AgentID:  id,
	})
	return agent, nil
}

// Get returns an agent by id.
func (r *Registry) Get(ctx context.Context, id string) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fault.Newf(fault.CodeNotFound, "agent %q is not registered", id)
	}
	if err != nil {
		return nil, fmt.Errorf("agents: get %q: %w", id, err)
	}
	return &agent, nil
}

// ListOptions control List.
type ListOptions struct {
	ActiveOnly bool
	Project    string
}

// List returns agents, most recently heartbeating first. With ActiveOnly set
// only agents inside the ActiveTTL window are returned.
func (r *Registry) List(ctx context.Context, opts ListOptions) ([]db.Agent, error) {
	q := r.db.WithContext(ctx).Order("last_heartbeat DESC")
	if opts.ActiveOnly {
		q = q.Where("last_heartbeat > ?", db.Now()-ActiveTTL)
	}
	if opts.Project != "" {
		q = q.Where("project = ?", opts.Project)
	}

	var agents []db.Agent
	if err := q.Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("agents: list: %w", err)
	}
	return agents, nil
}

// Unregister removes an agent row. Missing agents are a soft success.
func (r *Registry) Unregister(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Delete(&db.Agent{}, "id = ?", id)
	if res.Error != nil {
		return false, fmt.Errorf("agents: unregister %q: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	r.bus.Publish(events.Event{
		Type:     events.TypeAgentUnregister,
		TargetID: id,
		AgentID:  id,
	})
	return true, nil
}

// CanClaimService checks the agent's service cap. Unregistered agents are
// unconstrained — registration is optional for basic port use.
func (r *Registry) CanClaimService(ctx context.Context, id string) error {
	return r.checkCap(ctx, id, func(agent *db.Agent) (int64, int, string, error) {
		n, err := r.services.CountByAgent(ctx, id)
		return n, agent.MaxServices, "services", err
	})
}

// CanAcquireLock checks the agent's lock cap.
func (r *Registry) CanAcquireLock(ctx context.Context, id string) error {
	return r.checkCap(ctx, id, func(agent *db.Agent) (int64, int, string, error) {
		n, err := r.locks.CountByOwner(ctx, id)
		return n, agent.MaxLocks, "locks", err
	})
}

func (r *Registry) checkCap(ctx context.Context, id string, count func(*db.Agent) (int64, int, string, error)) error {
	if id == "" {
		return nil
	}

	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("agents: cap lookup %q: %w", id, err)
	}

	n, limit, kind, err := count(&agent)
	if err != nil {
		return err
	}
	if n >= int64(limit) {
		return fault.Newf(fault.CodeResourceLimit, "agent %q has reached its %s cap (%d)", id, kind, limit).
			With("current", n).
			With("max", limit)
	}
	return nil
}

// LapsedAgent pairs an agent with how long its heartbeat has lapsed.
type LapsedAgent struct {
	Agent db.Agent
	Dead  bool // past DeadAfter rather than just StaleAfter
}

// Lapsed returns agents whose heartbeat is older than StaleAfter, flagging
// the ones past DeadAfter. The janitor feeds these into the resurrection
// queue.
func (r *Registry) Lapsed(ctx context.Context) ([]LapsedAgent, error) {
	now := db.Now()

	var rows []db.Agent
	err := r.db.WithContext(ctx).
		Where("last_heartbeat <= ?", now-StaleAfter).
		Order("last_heartbeat ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("agents: lapsed scan: %w", err)
	}

	out := make([]LapsedAgent, len(rows))
	for i, agent := range rows {
		out[i] = LapsedAgent{Agent: agent, Dead: agent.LastHeartbeat <= now-DeadAfter}
	}
	return out, nil
}

// LockReleaser force-releases every lock held by an owner.
type LockReleaser interface {
	ReleaseByOwner(ctx context.Context, owner string) (int, error)
}

// CleanupStale force-releases the locks each lapsed agent holds. Services
// are left alone — their own expiry and pid-liveness cleanup govern them.
// The lapsed set is returned so the caller can queue resurrection entries,
// emit the matching lifecycle events, and reap dead rows; the registry
// itself stays silent here because the same agent keeps turning up lapsed
// on every scan until it heartbeats or is removed.
func (r *Registry) CleanupStale(ctx context.Context, releaser LockReleaser) ([]LapsedAgent, error) {
	lapsed, err := r.Lapsed(ctx)
	if err != nil {
		return nil, err
	}

	for _, la := range lapsed {
		released, err := releaser.ReleaseByOwner(ctx, la.Agent.ID)
		if err != nil {
			r.logger.Warn("lock release for lapsed agent failed",
				zap.String("agent", la.Agent.ID), zap.Error(err))
			continue
		}
		if released > 0 {
			r.logger.Info("released locks of lapsed agent",
				zap.String("agent", la.Agent.ID), zap.Int("locks", released))
		}
	}
	return lapsed, nil
}

// Remove deletes an agent row without emitting an unregister event. The
// janitor uses it to reap dead agents once their resurrection entry has
// captured the session and purpose; agent.dead covers the announcement.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Delete(&db.Agent{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("agents: remove %q: %w", id, err)
	}
	return nil
}

// ActiveCount returns the number of active agents. Used by metrics.
func (r *Registry) ActiveCount(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&db.Agent{}).
		Where("last_heartbeat > ?", db.Now()-ActiveTTL).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("agents: count: %w", err)
	}
	return n, nil
}

func validateID(id string) error {
	if id == "" {
		return fault.New(fault.CodeValidationError, "agent id is empty")
	}
	if len(id) > maxIDLen {
		return fault.Newf(fault.CodeValidationError, "agent id exceeds %d characters", maxIDLen)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == ':' || r == '_' || r == '-':
		default:
			return fault.Newf(fault.CodeValidationError, "agent id %q contains invalid character %q", id, r)
		}
	}
	return nil
}

func defaultCap(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
