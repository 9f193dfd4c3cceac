// Package resurrection implements the takeover queue for agents whose
// heartbeats have lapsed. One row per lapsed agent, moving stale → pending →
// resurrecting: stale entries are advisory, pending entries are claimable,
// and a resurrecting entry is bound to the successor that claimed it until
// it completes or abandons the takeover.
package resurrection

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/portdaddy/portdaddy/internal/db"
	"github.com/portdaddy/portdaddy/internal/fault"
)

const (
	StatusStale        = "stale"
	StatusPending      = "pending"
	StatusResurrecting = "resurrecting"

	// Retention is how long entries are kept before the janitor purges
	// them, in milliseconds.
	Retention = int64(7 * 24 * 60 * 60 * 1000)

	// recentNotes is how many trailing session notes Claim hands to the
	// successor.
	recentNotes = 10
)

// Queue owns the resurrection_entries table.
type Queue struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New creates a Queue.
func New(database *gorm.DB, logger *zap.Logger) *Queue {
	return &Queue{db: database, logger: logger.Named("resurrection")}
}

// Upsert records a lapsed agent. A stale agent creates (or keeps) a stale
// entry; a dead one creates a pending entry or upgrades an existing stale
// entry to pending. Entries already claimed (resurrecting) are left alone.
// The agent's most recent active session, if any, is captured so a successor
// can resume it.
//
// The second return reports whether the call changed anything: true when an
// entry was created or its status upgraded, false when the entry already
// carried the state. The janitor keys its one-shot lifecycle events off it.
func (q *Queue) Upsert(ctx context.Context, agent db.Agent, dead bool) (*db.ResurrectionEntry, bool, error) {
	status := StatusStale
	if dead {
		status = StatusPending
	}

	entry := db.ResurrectionEntry{
		AgentID: agent.ID,
		Name:    agent.Name,
		Purpose: agent.Purpose,
		Status:  status,
		Project: agent.Project,
		Stack:   agent.Stack,
		Context: agent.Context,
	}

	var session db.Session
	err := q.db.WithContext(ctx).
		Where("agent_id = ? AND status = ?", agent.ID, "active").
		Order("created_at DESC").
		First(&session).Error
	if err == nil {
		entry.SessionID = session.ID
		if entry.Purpose == "" {
			entry.Purpose = session.Purpose
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("resurrection: session lookup: %w", err)
	}

	var changed bool
	err = q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing db.ResurrectionEntry
		lookupErr := tx.First(&existing, "agent_id = ?", agent.ID).Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			changed = true
			return tx.Create(&entry).Error
		}
		if lookupErr != nil {
			return lookupErr
		}

		if existing.Status == StatusResurrecting {
			entry = existing
			return nil
		}

		// Only upgrade stale → pending; never downgrade.
		if existing.Status == StatusPending || !dead {
			status = existing.Status
		}
		changed = status != existing.Status
		updates := map[string]any{"status": status}
		if entry.SessionID != "" {
			updates["session_id"] = entry.SessionID
		}
		if entry.Purpose != "" {
			updates["purpose"] = entry.Purpose
		}
		if err := tx.Model(&db.ResurrectionEntry{}).
			Where("agent_id = ?", agent.ID).
			Updates(updates).Error; err != nil {
			return err
		}
		sessionID, purpose := entry.SessionID, entry.Purpose
		entry = existing
		entry.Status = status
		if sessionID != "" {
			entry.SessionID = sessionID
		}
		if purpose != "" {
			entry.Purpose = purpose
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("resurrection: upsert %q: %w", agent.ID, err)
	}
	return &entry, changed, nil
}

// ListOptions control List.
type ListOptions struct {
	Status  string
	Project string
	Stack   string
}

// List returns entries, most recently detected first.
func (q *Queue) List(ctx context.Context, opts ListOptions) ([]db.ResurrectionEntry, error) {
	query := q.db.WithContext(ctx).Order("detected_at DESC")
	if opts.Status != "" {
		query = query.Where("status = ?", opts.Status)
	}
	if opts.Project != "" {
		query = query.Where("project = ?", opts.Project)
	}
	if opts.Stack != "" {
		query = query.Where("stack = ?", opts.Stack)
	}

	var entries []db.ResurrectionEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("resurrection: list: %w", err)
	}
	return entries, nil
}

// ListPending returns claimable entries for a project (and optionally stack).
func (q *Queue) ListPending(ctx context.Context, project, stack string) ([]db.ResurrectionEntry, error) {
	return q.List(ctx, ListOptions{Status: StatusPending, Project: project, Stack: stack})
}

// ClaimResult hands a successor what it needs to resume the lapsed agent's
// work: the entry itself plus the trailing notes of the captured session.
type ClaimResult struct {
	Entry       *db.ResurrectionEntry `json:"entry"`
	SessionID   string                `json:"session_id,omitempty"`
	Purpose     string                `json:"purpose,omitempty"`
	RecentNotes []db.SessionNote      `json:"recent_notes,omitempty"`
}

// Claim moves a pending entry to resurrecting, bound to the claiming agent.
// The pending → resurrecting transition is guarded in SQL so two successors
// cannot claim the same entry.
func (q *Queue) Claim(ctx context.Context, agentID, claimedBy string) (*ClaimResult, error) {
	if claimedBy == "" {
		return nil, fault.New(fault.CodeValidationError, "claiming agent id is empty")
	}

	now := db.Now()
	res := q.db.WithContext(ctx).Model(&db.ResurrectionEntry{}).
		Where("agent_id = ? AND status = ?", agentID, StatusPending).
		Updates(map[string]any{
			"status":          StatusResurrecting,
			"claimed_by":      claimedBy,
			"last_attempt_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("resurrection: claim %q: %w", agentID, res.Error)
	}
	if res.RowsAffected == 0 {
		var existing db.ResurrectionEntry
		err := q.db.WithContext(ctx).First(&existing, "agent_id = ?", agentID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.Newf(fault.CodeNotFound, "no resurrection entry for agent %q", agentID)
		}
		if err != nil {
			return nil, fmt.Errorf("resurrection: claim lookup: %w", err)
		}
		return nil, fault.Newf(fault.CodeForbidden, "entry for agent %q is %s, not pending", agentID, existing.Status).
			With("status", existing.Status).
			With("claimed_by", existing.ClaimedBy)
	}

	var entry db.ResurrectionEntry
	if err := q.db.WithContext(ctx).First(&entry, "agent_id = ?", agentID).Error; err != nil {
		return nil, fmt.Errorf("resurrection: reload entry: %w", err)
	}

	result := &ClaimResult{Entry: &entry, SessionID: entry.SessionID, Purpose: entry.Purpose}
	if entry.SessionID != "" {
		var notes []db.SessionNote
		err := q.db.WithContext(ctx).
			Where("session_id = ?", entry.SessionID).
			Order("id DESC").
			Limit(recentNotes).
			Find(&notes).Error
		if err != nil {
			return nil, fmt.Errorf("resurrection: load notes: %w", err)
		}
		for i, j := 0, len(notes)-1; i < j; i, j = i+1, j-1 {
			notes[i], notes[j] = notes[j], notes[i]
		}
		result.RecentNotes = notes
	}
	return result, nil
}

// Complete removes the entry after a successful takeover, rebinding the
// captured session to the successor so its notes stay reachable.
func (q *Queue) Complete(ctx context.Context, agentID, successorID string) error {
	var entry db.ResurrectionEntry
	err := q.db.WithContext(ctx).First(&entry, "agent_id = ?", agentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fault.Newf(fault.CodeNotFound, "no resurrection entry for agent %q", agentID)
	}
	if err != nil {
		return fmt.Errorf("resurrection: complete lookup: %w", err)
	}

	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if entry.SessionID != "" && successorID != "" {
			if err := tx.Model(&db.Session{}).
				Where("id = ?", entry.SessionID).
				Update("agent_id", successorID).Error; err != nil {
				return fmt.Errorf("rebind session: %w", err)
			}
		}
		return tx.Delete(&db.ResurrectionEntry{}, "agent_id = ?", agentID).Error
	})
}

// Abandon returns a resurrecting entry to pending and counts the attempt.
func (q *Queue) Abandon(ctx context.Context, agentID string) error {
	res := q.db.WithContext(ctx).Model(&db.ResurrectionEntry{}).
		Where("agent_id = ? AND status = ?", agentID, StatusResurrecting).
		Updates(map[string]any{
			"status":     StatusPending,
			"claimed_by": "",
			"attempts":   gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("resurrection: abandon %q: %w", agentID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fault.Newf(fault.CodeNotFound, "no resurrecting entry for agent %q", agentID)
	}
	return nil
}

// Dismiss drops an entry without a takeover.
func (q *Queue) Dismiss(ctx context.Context, agentID string) error {
	res := q.db.WithContext(ctx).Delete(&db.ResurrectionEntry{}, "agent_id = ?", agentID)
	if res.Error != nil {
		return fmt.Errorf("resurrection: dismiss %q: %w", agentID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fault.Newf(fault.CodeNotFound, "no resurrection entry for agent %q", agentID)
	}
	return nil
}

// Purge deletes entries past retention. Called by the janitor.
func (q *Queue) Purge(ctx context.Context) (int64, error) {
	cutoff := db.Now() - Retention
	res := q.db.WithContext(ctx).
		Where("detected_at <= ?", cutoff).
		Delete(&db.ResurrectionEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("resurrection: purge: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// PendingCount returns the number of claimable entries. Used by metrics.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&db.ResurrectionEntry{}).
		Where("status = ?", StatusPending).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("resurrection: pending count: %w", err)
	}
	return n, nil
}
