// Package locks implements the distributed mutex manager. A lock is a row
// keyed by name; acquisition is compare-and-set via the primary key — within
// one transaction any expired holder is swept and the new row inserted, so a
// uniqueness collision means the lock is genuinely held. Expired locks are
// observably identical to free ones from the next operation onward.
package locks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/portdaddy/portdaddy/internal/db"
	"github.com/portdaddy/portdaddy/internal/events"
	"github.com/portdaddy/portdaddy/internal/fault"
)

const (
	// DefaultTTL is applied when the caller supplies no TTL (or a
	// non-positive one). MaxTTL caps every TTL.
	DefaultTTL = 5 * time.Minute
	MaxTTL     = time.Hour

	maxNameLen = 100
)

// Manager owns the locks table.
type Manager struct {
	db     *gorm.DB
	bus    *events.Bus
	logger *zap.Logger
}

// New creates a Manager.
func New(database *gorm.DB, bus *events.Bus, logger *zap.Logger) *Manager {
	return &Manager{db: database, bus: bus, logger: logger.Named("locks")}
}

// AcquireOptions are the optional parameters of Acquire.
type AcquireOptions struct {
	Owner    string
	PID      int
	TTL      int64 // milliseconds; coerced to DefaultTTL when <= 0, capped at MaxTTL
	Metadata string
}

// Acquire takes the named lock. On contention it fails with LockHeld carrying
// the current holder in the error detail.
func (m *Manager) Acquire(ctx context.Context, name string, opts AcquireOptions) (*db.Lock, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	now := db.Now()
	exp := now + normalizeTTL(opts.TTL)
	lock := db.Lock{
		Name:      name,
		Owner:     opts.Owner,
		PID:       opts.PID,
		Metadata:  defaultMetadata(opts.Metadata),
		ExpiresAt: &exp,
	}

	var holder db.Lock
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Sweep an expired holder first so its row cannot block the insert.
		if err := tx.Where("name = ? AND expires_at IS NOT NULL AND expires_at <= ?", name, now).
			Delete(&db.Lock{}).Error; err != nil {
			return fmt.Errorf("sweep expired: %w", err)
		}

		if err := tx.Create(&lock).Error; err != nil {
			if isUniqueViolation(err) {
				if lookupErr := tx.First(&holder, "name = ?", name).Error; lookupErr != nil {
					m.logger.Warn("failed to load lock holder", zap.String("name", name), zap.Error(lookupErr))
				}
				return fault.Newf(fault.CodeLockHeld, "lock %q is held", name).
					With("holder", holder.Owner).
					With("expires_at", holder.ExpiresAt)
			}
			return fmt.Errorf("insert lock: %w", err)
		}
		return nil
	})
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, fmt.Errorf("locks: acquire %q: %w", name, err)
	}

	m.bus.Publish(events.Event{
		Type:     events.TypeLockAcquire,
		TargetID: name,
		AgentID:  opts.Owner,
		Data:     map[string]any{"expires_at": exp},
	})
	return &lock, nil
}

// ReleaseOptions control Release. With Force set the owner check is skipped.
type ReleaseOptions struct {
	Owner string
	Force bool
}

// Release drops the named lock. When an owner is supplied (and Force is not
// set) the release only succeeds for that owner; a mismatch returns
// LockHeldByOther. A missing lock is a soft success (released=false).
func (m *Manager) Release(ctx context.Context, name string, opts ReleaseOptions) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}

	var lock db.Lock
	err := m.db.WithContext(ctx).First(&lock, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("locks: lookup %q: %w", name, err)
	}

	if !opts.Force && opts.Owner != "" && lock.Owner != opts.Owner {
		return false, fault.Newf(fault.CodeLockHeldByOther, "lock %q is held by %q", name, lock.Owner).
			With("holder", lock.Owner)
	}

	if err := m.db.WithContext(ctx).Delete(&db.Lock{}, "name = ?", name).Error; err != nil {
		return false, fmt.Errorf("locks: release %q: %w", name, err)
	}

	m.bus.Publish(events.Event{
		Type:     events.TypeLockRelease,
		TargetID: name,
		AgentID:  opts.Owner,
	})
	return true, nil
}

// Extend pushes the expiry of a held lock to now + ttl (same normalization
// as Acquire). Fails with LockNotHeld when the lock is free or expired, and
// LockHeldByOther when an owner is supplied and does not match.
func (m *Manager) Extend(ctx context.Context, name, owner string, ttl int64) (*db.Lock, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	now := db.Now()
	var lock db.Lock
	err := m.db.WithContext(ctx).First(&lock, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fault.Newf(fault.CodeLockNotHeld, "lock %q is not held", name)
	}
	if err != nil {
		return nil, fmt.Errorf("locks: lookup %q: %w", name, err)
	}
	if lock.ExpiresAt != nil && *lock.ExpiresAt <= now {
		return nil, fault.Newf(fault.CodeLockNotHeld, "lock %q is not held", name)
	}
	if owner != "" && lock.Owner != owner {
		return nil, fault.Newf(fault.CodeLockHeldByOther, "lock %q is held by %q", name, lock.Owner).
			With("holder", lock.Owner)
	}

	exp := now + normalizeTTL(ttl)
	if err := m.db.WithContext(ctx).Model(&db.Lock{}).
		Where("name = ?", name).
		Update("expires_at", exp).Error; err != nil {
		return nil, fmt.Errorf("locks: extend %q: %w", name, err)
	}
	lock.ExpiresAt = &exp
	return &lock, nil
}

// Check sweeps an expired row first, then reports the lock. Returns nil when
// the lock is free. Clients must still treat Acquire as the only source of
// truth — another holder may appear between Check and Acquire.
func (m *Manager) Check(ctx context.Context, name string) (*db.Lock, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := m.sweepExpired(ctx, name); err != nil {
		return nil, err
	}

	var lock db.Lock
	err := m.db.WithContext(ctx).First(&lock, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("locks: check %q: %w", name, err)
	}
	return &lock, nil
}

// List returns all held locks, optionally filtered by owner. Expired rows
// are swept first.
func (m *Manager) List(ctx context.Context, owner string) ([]db.Lock, error) {
	if err := m.sweepExpired(ctx, ""); err != nil {
		return nil, err
	}

	q := m.db.WithContext(ctx).Order("name ASC")
	if owner != "" {
		q = q.Where("owner = ?", owner)
	}

	var locks []db.Lock
	if err := q.Find(&locks).Error; err != nil {
		return nil, fmt.Errorf("locks: list: %w", err)
	}
	return locks, nil
}

// ReleaseByOwner force-releases every lock held by the given owner. Used by
// agent cleanup; per-lock events are emitted as lock.release.
func (m *Manager) ReleaseByOwner(ctx context.Context, owner string) (int, error) {
	var held []db.Lock
	if err := m.db.WithContext(ctx).Where("owner = ?", owner).Find(&held).Error; err != nil {
		return 0, fmt.Errorf("locks: list by owner: %w", err)
	}

	for _, lock := range held {
		if err := m.db.WithContext(ctx).Delete(&db.Lock{}, "name = ?", lock.Name).Error; err != nil {
			return 0, fmt.Errorf("locks: force release %q: %w", lock.Name, err)
		}
		m.bus.Publish(events.Event{
			Type:     events.TypeLockRelease,
			TargetID: lock.Name,
			AgentID:  owner,
			Data:     map[string]any{"forced": true},
		})
	}
	return len(held), nil
}

// SweepExpired deletes every expired lock and emits lock.expire per row.
// Called by the janitor.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	now := db.Now()

	var expired []db.Lock
	if err := m.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Find(&expired).Error; err != nil {
		return 0, fmt.Errorf("locks: list expired: %w", err)
	}

	for _, lock := range expired {
		if err := m.db.WithContext(ctx).
			Where("name = ? AND expires_at IS NOT NULL AND expires_at <= ?", lock.Name, now).
			Delete(&db.Lock{}).Error; err != nil {
			return 0, fmt.Errorf("locks: sweep %q: %w", lock.Name, err)
		}
		m.bus.Publish(events.Event{
			Type:     events.TypeLockExpire,
			TargetID: lock.Name,
			AgentID:  lock.Owner,
		})
	}
	return len(expired), nil
}

// CountByOwner returns the number of live locks held by owner.
func (m *Manager) CountByOwner(ctx context.Context, owner string) (int64, error) {
	var n int64
	err := m.db.WithContext(ctx).Model(&db.Lock{}).
		Where("owner = ? AND (expires_at IS NULL OR expires_at > ?)", owner, db.Now()).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("locks: count by owner: %w", err)
	}
	return n, nil
}

// ActiveCount returns the number of live locks. Used by metrics.
func (m *Manager) ActiveCount(ctx context.Context) (int64, error) {
	var n int64
	err := m.db.WithContext(ctx).Model(&db.Lock{}).
		Where("expires_at IS NULL OR expires_at > ?", db.Now()).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("locks: count: %w", err)
	}
	return n, nil
}

// sweepExpired silently drops expired rows; name == "" sweeps all.
func (m *Manager) sweepExpired(ctx context.Context, name string) error {
	q := m.db.WithContext(ctx).Where("expires_at IS NOT NULL AND expires_at <= ?", db.Now())
	if name != "" {
		q = q.Where("name = ?", name)
	}
	if err := q.Delete(&db.Lock{}).Error; err != nil {
		return fmt.Errorf("locks: sweep expired: %w", err)
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return fault.New(fault.CodeValidationError, "lock name is empty")
	}
	if len(name) > maxNameLen {
		return fault.Newf(fault.CodeValidationError, "lock name exceeds %d characters", maxNameLen)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-' || r == ':':
		default:
			return fault.Newf(fault.CodeValidationError, "lock name %q contains invalid character %q", name, r)
		}
	}
	return nil
}

// normalizeTTL coerces a TTL in ms to the default when non-positive and caps
// it at MaxTTL.
func normalizeTTL(ttl int64) int64 {
	if ttl <= 0 {
		return DefaultTTL.Milliseconds()
	}
	if max := MaxTTL.Milliseconds(); ttl > max {
		return max
	}
	return ttl
}

func defaultMetadata(m string) string {
	if m == "" {
		return "{}"
	}
	return m
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
