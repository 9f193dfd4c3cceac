// Package sessions implements structured work sessions: a crypto-random id,
// append-only notes, and advisory file claims. Claims never block — a
// conflicting claim is recorded and the conflict reported, leaving the
// resolution to the agents involved.
package sessions

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/portdaddy/portdaddy/internal/db"
	"github.com/portdaddy/portdaddy/internal/events"
	"github.com/portdaddy/portdaddy/internal/fault"
)

const (
	// StatusActive is the only status a session mutates in; End moves it to
	// StatusCompleted or StatusAbandoned.
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusAbandoned = "abandoned"

	// QuickNotePurpose is the well-known purpose of the per-agent scratch
	// session that QuickNote finds or creates.
	QuickNotePurpose = "Quick notes"

	// FinishedRetention is how long completed/abandoned sessions are kept,
	// in milliseconds.
	FinishedRetention = int64(7 * 24 * 60 * 60 * 1000)

	// DefaultLimit and MaxLimit bound List queries.
	DefaultLimit = 100
	MaxLimit     = 1000

	maxPurposeLen = 500
	maxNoteLen    = 64 * 1024
)

// Manager owns the sessions, session_notes and file_claims tables.
type Manager struct {
	db     *gorm.DB
	bus    *events.Bus
	logger *zap.Logger
}

// New creates a Manager.
func New(database *gorm.DB, bus *events.Bus, logger *zap.Logger) *Manager {
	return &Manager{db: database, bus: bus, logger: logger.Named("sessions")}
}

// Conflict reports another active session's live claim on the same path.
type Conflict struct {
	Path      string `json:"path"`
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id,omitempty"`
}

// StartOptions are the optional parameters of Start.
type StartOptions struct {
	AgentID  string
	Metadata string
	Files    []string // initial advisory claims
}

// StartResult is the outcome of Start.
type StartResult struct {
	Session   *db.Session `json:"session"`
	Conflicts []Conflict  `json:"conflicts,omitempty"`
}

// Start creates a session with a fresh session-<hex8> id and optionally
// claims the given files. Conflicts on the initial claims are reported, not
// fatal.
func (m *Manager) Start(ctx context.Context, purpose string, opts StartOptions) (*StartResult, error) {
	if purpose == "" {
		return nil, fault.New(fault.CodeValidationError, "session purpose is empty")
	}
	if len(purpose) > maxPurposeLen {
		return nil, fault.Newf(fault.CodeValidationError, "session purpose exceeds %d characters", maxPurposeLen)
	}

	session := db.Session{
		ID:       newSessionID(),
		Purpose:  purpose,
		Status:   StatusActive,
		AgentID:  opts.AgentID,
		Metadata: defaultMetadata(opts.Metadata),
	}
	if err := m.db.WithContext(ctx).Create(&session).Error; err != nil {
		return nil, fmt.Errorf("sessions: create: %w", err)
	}

	res := &StartResult{Session: &session}
	if len(opts.Files) > 0 {
		claimed, err := m.ClaimFiles(ctx, session.ID, opts.Files)
		if err != nil {
			return nil, err
		}
		res.Conflicts = claimed.Conflicts
	}

	m.bus.Publish(events.Event{
		Type:     events.TypeSessionStart,
		TargetID: session.ID,
		AgentID:  opts.AgentID,
		Data:     map[string]any{"purpose": purpose},
	})
	return res, nil
}

// Get returns a session by id.
func (m *Manager) Get(ctx context.Context, id string) (*db.Session, error) {
	var session db.Session
	err := m.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fault.Newf(fault.CodeNotFound, "session %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: get %q: %w", id, err)
	}
	return &session, nil
}

// ListOptions control List.
type ListOptions struct {
	Status  string // active|completed|abandoned, "" = all
	AgentID string
	Limit   int
}

// List returns sessions, newest first.
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]db.Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	q := m.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}
	if opts.AgentID != "" {
		q = q.Where("agent_id = ?", opts.AgentID)
	}

	var sessions []db.Session
	if err := q.Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("sessions: list: %w", err)
	}
	return sessions, nil
}

// EndOptions control End.
type EndOptions struct {
	Status      string // completed (default) or abandoned
	HandoffNote string
}

// End finishes a session: releases its active file claims, appends the
// optional handoff note, and stamps the terminal status. Ending a session
// twice fails with ValidationError.
func (m *Manager) End(ctx context.Context, id string, opts EndOptions) (*db.Session, error) {
	status := opts.Status
	if status == "" {
		status = StatusCompleted
	}
	if status != StatusCompleted && status != StatusAbandoned {
		return nil, fault.Newf(fault.CodeValidationError, "invalid terminal status %q", status)
	}

	session, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != StatusActive {
		return nil, fault.Newf(fault.CodeValidationError, "session %q already ended", id)
	}

	now := db.Now()
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&db.FileClaim{}).
			Where("session_id = ? AND released_at IS NULL", id).
			Update("released_at", now).Error; err != nil {
			return fmt.Errorf("release claims: %w", err)
		}

		if opts.HandoffNote != "" {
			note := db.SessionNote{SessionID: id, Content: opts.HandoffNote, Type: "handoff"}
			if err := tx.Create(&note).Error; err != nil {
				return fmt.Errorf("handoff note: %w", err)
			}
		}

		return tx.Model(&db.Session{}).
			Where("id = ?", id).
			Updates(map[string]any{"status": status, "ended_at": now}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("sessions: end %q: %w", id, err)
	}

	session.Status = status
	session.EndedAt = &now

	m.bus.Publish(events.Event{
		Type:     events.TypeSessionEnd,
		TargetID: id,
		AgentID:  session.AgentID,
		Data:     map[string]any{"status": status},
	})
	return session, nil
}

// AddNote appends an immutable note to an active session. Type defaults to
// "note".
func (m *Manager) AddNote(ctx context.Context, id, content, noteType string) (*db.SessionNote, error) {
	if content == "" {
		return nil, fault.New(fault.CodeValidationError, "note content is empty")
	}
	if len(content) > maxNoteLen {
		return nil, fault.Newf(fault.CodeValidationError, "note content exceeds %d bytes", maxNoteLen)
	}
	if noteType == "" {
		noteType = "note"
	}

	session, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != StatusActive {
		return nil, fault.Newf(fault.CodeValidationError, "session %q is not active", id)
	}

	note := db.SessionNote{SessionID: id, Content: content, Type: noteType}
	if err := m.db.WithContext(ctx).Create(&note).Error; err != nil {
		return nil, fmt.Errorf("sessions: add note: %w", err)
	}
	return &note, nil
}

// Notes returns a session's notes in insertion order.
func (m *Manager) Notes(ctx context.Context, id string) ([]db.SessionNote, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}

	var notes []db.SessionNote
	err := m.db.WithContext(ctx).
		Where("session_id = ?", id).
		Order("id ASC").
		Find(&notes).Error
	if err != nil {
		return nil, fmt.Errorf("sessions: notes: %w", err)
	}
	return notes, nil
}

// ClaimResult is the outcome of ClaimFiles.
type ClaimResult struct {
	Claimed   []string   `json:"claimed"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

// ClaimFiles records advisory claims on the given paths for the session.
// Paths already live-claimed by another active session are still claimed;
// each such overlap is reported as a conflict. A path the session already
// holds is a no-op.
func (m *Manager) ClaimFiles(ctx context.Context, id string, paths []string) (*ClaimResult, error) {
	session, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != StatusActive {
		return nil, fault.Newf(fault.CodeValidationError, "session %q is not active", id)
	}

	res := &ClaimResult{}
	for _, path := range paths {
		if path == "" {
			return nil, fault.New(fault.CodeValidationError, "file path is empty")
		}

		conflicts, err := m.liveClaims(ctx, path, id)
		if err != nil {
			return nil, err
		}
		res.Conflicts = append(res.Conflicts, conflicts...)

		var mine int64
		err = m.db.WithContext(ctx).Model(&db.FileClaim{}).
			Where("session_id = ? AND path = ? AND released_at IS NULL", id, path).
			Count(&mine).Error
		if err != nil {
			return nil, fmt.Errorf("sessions: check claim: %w", err)
		}
		if mine > 0 {
			continue
		}

		claim := db.FileClaim{SessionID: id, Path: path}
		if err := m.db.WithContext(ctx).Create(&claim).Error; err != nil {
			return nil, fmt.Errorf("sessions: claim %q: %w", path, err)
		}
		res.Claimed = append(res.Claimed, path)
	}
	return res, nil
}

// ReleaseFiles releases the session's live claims on the given paths; with no
// paths it releases all of them. Returns the number released.
func (m *Manager) ReleaseFiles(ctx context.Context, id string, paths []string) (int64, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return 0, err
	}

	q := m.db.WithContext(ctx).Model(&db.FileClaim{}).
		Where("session_id = ? AND released_at IS NULL", id)
	if len(paths) > 0 {
		q = q.Where("path IN ?", paths)
	}

	res := q.Update("released_at", db.Now())
	if res.Error != nil {
		return 0, fmt.Errorf("sessions: release files: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Claims returns the session's live file claims.
func (m *Manager) Claims(ctx context.Context, id string) ([]db.FileClaim, error) {
	var claims []db.FileClaim
	err := m.db.WithContext(ctx).
		Where("session_id = ? AND released_at IS NULL", id).
		Order("id ASC").
		Find(&claims).Error
	if err != nil {
		return nil, fmt.Errorf("sessions: claims: %w", err)
	}
	return claims, nil
}

// QuickNote appends content to the agent's "Quick notes" session, creating
// it on first use.
func (m *Manager) QuickNote(ctx context.Context, agentID, content string) (*db.SessionNote, error) {
	if content == "" {
		return nil, fault.New(fault.CodeValidationError, "note content is empty")
	}

	var session db.Session
	err := m.db.WithContext(ctx).
		Where("purpose = ? AND status = ? AND agent_id = ?", QuickNotePurpose, StatusActive, agentID).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		created, startErr := m.Start(ctx, QuickNotePurpose, StartOptions{AgentID: agentID})
		if startErr != nil {
			return nil, startErr
		}
		session = *created.Session
	} else if err != nil {
		return nil, fmt.Errorf("sessions: find quick-note session: %w", err)
	}

	return m.AddNote(ctx, session.ID, content, "quick")
}

// TrimFinished deletes completed/abandoned sessions past retention; notes and
// claims cascade. Called by the janitor.
func (m *Manager) TrimFinished(ctx context.Context) (int64, error) {
	cutoff := db.Now() - FinishedRetention
	res := m.db.WithContext(ctx).
		Where("status IN ? AND ended_at IS NOT NULL AND ended_at <= ?",
			[]string{StatusCompleted, StatusAbandoned}, cutoff).
		Delete(&db.Session{})
	if res.Error != nil {
		return 0, fmt.Errorf("sessions: trim finished: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// liveClaims returns conflicts: live claims on path by other active sessions.
func (m *Manager) liveClaims(ctx context.Context, path, excludeSession string) ([]Conflict, error) {
	var rows []struct {
		SessionID string
		AgentID   string
	}
	err := m.db.WithContext(ctx).Model(&db.FileClaim{}).
		Select("file_claims.session_id, sessions.agent_id").
		Joins("JOIN sessions ON sessions.id = file_claims.session_id").
		Where("file_claims.path = ? AND file_claims.released_at IS NULL", path).
		Where("file_claims.session_id <> ?", excludeSession).
		Where("sessions.status = ?", StatusActive).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("sessions: conflict scan: %w", err)
	}

	conflicts := make([]Conflict, 0, len(rows))
	for _, row := range rows {
		conflicts = append(conflicts, Conflict{Path: path, SessionID: row.SessionID, AgentID: row.AgentID})
	}
	return conflicts, nil
}

// newSessionID returns session-<hex8> from crypto-random bytes.
func newSessionID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform is broken; fall back to
		// a time-derived suffix rather than panicking the daemon.
		return fmt.Sprintf("session-%08x", uint32(db.Now()))
	}
	return "session-" + hex.EncodeToString(buf)
}

func defaultMetadata(m string) string {
	if m == "" {
		return "{}"
	}
	return m
}
