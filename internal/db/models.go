package db

import "time"

// All timestamps are epoch milliseconds (int64). GORM fills CreatedAt-style
// fields automatically via autoCreateTime:milli; expiry fields are nullable
// pointers so "no expiry" is representable.

// Now returns the current time in epoch milliseconds. All subsystems use
// this single definition so tests can reason about one clock.
func Now() int64 {
	return time.Now().UnixMilli()
}

// -----------------------------------------------------------------------------
// Services & endpoints
// -----------------------------------------------------------------------------

// Service is a port assignment keyed by its normalized semantic identity
// (project[:stack[:context]]). Port is unique across live services; the row
// is eligible for the janitor once ExpiresAt has passed.
type Service struct {
	ID        string `gorm:"primaryKey"` // normalized identity
	Port      int    `gorm:"not null;uniqueIndex"`
	PID       int    `gorm:"column:pid;default:0"` // informational, not authoritative
	Command   string `gorm:"default:''"`
	WorkDir   string `gorm:"default:''"`
	Status    string `gorm:"not null;default:'assigned'"` // assigned, running, stopping, stopped
	Restart   string `gorm:"not null;default:'never'"`    // never, on-failure, always
	HealthURL string `gorm:"default:''"`
	Pair      string `gorm:"default:''"` // optional paired identity
	AgentID   string `gorm:"index;default:''"`
	Metadata  string `gorm:"default:'{}'"`
	CreatedAt int64  `gorm:"autoCreateTime:milli;not null"`
	LastSeen  int64  `gorm:"not null;default:0"`
	ExpiresAt *int64 `gorm:"index"`
}

// Endpoint is an environment-specific URL alias for a service. The "local"
// alias is created in the same transaction as the service row.
type Endpoint struct {
	ID          uint   `gorm:"primaryKey"`
	ServiceID   string `gorm:"not null;index;uniqueIndex:idx_endpoints_service_env"`
	Environment string `gorm:"not null;uniqueIndex:idx_endpoints_service_env"`
	URL         string `gorm:"not null"`
	CreatedAt   int64  `gorm:"autoCreateTime:milli;not null"`
}

// -----------------------------------------------------------------------------
// Locks
// -----------------------------------------------------------------------------

// Lock is a named mutex row. Name uniqueness is the compare-and-set point:
// acquisition is an insert, contention is a unique constraint violation.
// A lock whose ExpiresAt has passed is observably free.
type Lock struct {
	Name       string `gorm:"primaryKey"`
	Owner      string `gorm:"default:''"`
	PID        int    `gorm:"column:pid;default:0"`
	Metadata   string `gorm:"default:'{}'"`
	AcquiredAt int64  `gorm:"autoCreateTime:milli;not null"`
	ExpiresAt  *int64 `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Agents & inbox
// -----------------------------------------------------------------------------

// Agent is a registered coordination participant. Liveness is derived from
// LastHeartbeat; the parsed identity components are stored separately so the
// resurrection queue can be filtered by project and stack.
type Agent struct {
	ID            string `gorm:"primaryKey"` // [A-Za-z0-9:_-]{1..100}
	Name          string `gorm:"default:''"`
	PID           int    `gorm:"column:pid;default:0"`
	Type          string `gorm:"default:''"`
	Project       string `gorm:"index;default:''"`
	Stack         string `gorm:"default:''"`
	Context       string `gorm:"default:''"`
	Purpose       string `gorm:"default:''"`
	WorktreeID    string `gorm:"default:''"`
	MaxServices   int    `gorm:"not null;default:50"`
	MaxLocks      int    `gorm:"not null;default:20"`
	RegisteredAt  int64  `gorm:"autoCreateTime:milli;not null"`
	LastHeartbeat int64  `gorm:"not null;index;default:0"`
}

// InboxMessage is a directed message keyed by recipient agent id.
// ReadAt is nil while the message is unread.
type InboxMessage struct {
	ID        uint   `gorm:"primaryKey"`
	Recipient string `gorm:"not null;index"`
	Sender    string `gorm:"default:''"`
	Content   string `gorm:"not null"`
	Type      string `gorm:"default:'message'"`
	CreatedAt int64  `gorm:"autoCreateTime:milli;not null"`
	ReadAt    *int64
}

// -----------------------------------------------------------------------------
// Sessions, notes, file claims
// -----------------------------------------------------------------------------

// Session is a structured unit of work started by an agent. Notes and file
// claims cascade-delete with the session.
type Session struct {
	ID        string `gorm:"primaryKey"` // session-<hex8>
	Purpose   string `gorm:"not null"`
	Status    string `gorm:"not null;default:'active'"` // active, completed, abandoned
	AgentID   string `gorm:"index;default:''"`
	Metadata  string `gorm:"default:'{}'"`
	CreatedAt int64  `gorm:"autoCreateTime:milli;not null"`
	UpdatedAt int64  `gorm:"autoUpdateTime:milli;not null"`
	EndedAt   *int64
}

// SessionNote is an append-only note. Rows are never updated or individually
// deleted — only session cascade deletion removes them.
type SessionNote struct {
	ID        uint   `gorm:"primaryKey"`
	SessionID string `gorm:"not null;index"`
	Content   string `gorm:"not null"`
	Type      string `gorm:"default:'note'"`
	CreatedAt int64  `gorm:"autoCreateTime:milli;not null"`
}

// FileClaim is an advisory claim on a file path. A claim is active while
// ReleasedAt is nil; released rows are kept for audit.
type FileClaim struct {
	ID         uint   `gorm:"primaryKey"`
	SessionID  string `gorm:"not null;index"`
	Path       string `gorm:"not null;index"`
	ClaimedAt  int64  `gorm:"autoCreateTime:milli;not null"`
	ReleasedAt *int64
}

// -----------------------------------------------------------------------------
// Channel messages
// -----------------------------------------------------------------------------

// ChannelMessage is one durable pub/sub message. The auto-increment ID
// defines total order within a channel (and globally, as an artifact).
type ChannelMessage struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Channel   string `gorm:"not null;index"`
	Payload   string `gorm:"not null"` // JSON text
	Sender    string `gorm:"default:''"`
	CreatedAt int64  `gorm:"autoCreateTime:milli;not null"`
	ExpiresAt *int64 `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Resurrection queue
// -----------------------------------------------------------------------------

// ResurrectionEntry is the durable record of an agent whose heartbeats have
// lapsed. One row per agent; the janitor upserts and upgrades status, a
// successor agent claims and completes it.
type ResurrectionEntry struct {
	ID            uint   `gorm:"primaryKey"`
	AgentID       string `gorm:"not null;uniqueIndex"`
	Name          string `gorm:"default:''"`
	SessionID     string `gorm:"default:''"`
	Purpose       string `gorm:"default:''"`
	Status        string `gorm:"not null;default:'stale';index"` // stale, pending, resurrecting
	Attempts      int    `gorm:"not null;default:0"`
	Project       string `gorm:"index;default:''"`
	Stack         string `gorm:"default:''"`
	Context       string `gorm:"default:''"`
	Metadata      string `gorm:"default:'{}'"`
	ClaimedBy     string `gorm:"default:''"` // successor agent id while resurrecting
	DetectedAt    int64  `gorm:"autoCreateTime:milli;not null"`
	LastAttemptAt *int64
}

// -----------------------------------------------------------------------------
// Webhooks & deliveries
// -----------------------------------------------------------------------------

// Webhook is an outbound event subscription. Events is a JSON array of event
// names (["*"] subscribes to everything); Filter optionally restricts
// matching to events whose target id glob-matches the pattern.
type Webhook struct {
	ID           string `gorm:"primaryKey"` // uuid
	URL          string `gorm:"not null"`
	Secret       string `gorm:"default:''"`
	Events       string `gorm:"not null;default:'[\"*\"]'"` // JSON array
	Filter       string `gorm:"default:''"`
	Active       bool   `gorm:"not null;default:true"`
	SuccessCount int64  `gorm:"not null;default:0"`
	FailureCount int64  `gorm:"not null;default:0"`
	Metadata     string `gorm:"default:'{}'"`
	CreatedAt    int64  `gorm:"autoCreateTime:milli;not null"`
}

// Delivery is one attempt series of delivering one event to one webhook.
// Status transitions: pending -> delivered | retrying -> delivered | failed.
type Delivery struct {
	ID             string `gorm:"primaryKey"` // uuid
	WebhookID      string `gorm:"not null;index"`
	Event          string `gorm:"not null"`
	Payload        string `gorm:"not null"` // exact JSON body sent (and signed)
	Status         string `gorm:"not null;default:'pending';index"`
	Attempts       int    `gorm:"not null;default:0"`
	ResponseStatus int    `gorm:"default:0"`
	ResponseBody   string `gorm:"default:''"` // truncated to 1000 bytes
	CreatedAt      int64  `gorm:"autoCreateTime:milli;not null;index"`
	LastAttemptAt  *int64
}

// -----------------------------------------------------------------------------
// Activity log & projects
// -----------------------------------------------------------------------------

// ActivityEntry is one row of the bounded audit log. The janitor trims the
// table to its size and age caps.
type ActivityEntry struct {
	ID        uint   `gorm:"primaryKey"`
	Type      string `gorm:"not null;index"`
	AgentID   string `gorm:"index;default:''"`
	TargetID  string `gorm:"index;default:''"`
	Detail    string `gorm:"default:''"`
	Metadata  string `gorm:"default:'{}'"`
	CreatedAt int64  `gorm:"autoCreateTime:milli;not null;index"`
}

// Project is a lightweight cache of known project names for fast listing.
// Not load-bearing — rebuilt opportunistically from service claims.
type Project struct {
	ID       uint   `gorm:"primaryKey"`
	Name     string `gorm:"not null;uniqueIndex"`
	LastSeen int64  `gorm:"not null;default:0"`
}
