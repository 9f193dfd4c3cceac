// Package activity implements the bounded audit log. A recorder subscribed
// to the event bus persists every coordination event; the janitor keeps the
// table inside its row and age caps.
package activity

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/portdaddy/portdaddy/internal/db"
	"github.com/portdaddy/portdaddy/internal/events"
	"github.com/portdaddy/portdaddy/internal/fault"
)

const (
	// MaxRows and Retention bound the table; Trim enforces both.
	MaxRows   = 10000
	Retention = int64(7 * 24 * 60 * 60 * 1000)

	// RecentLimit caps GetRecent; RangeLimit caps GetByTimeRange.
	RecentLimit = 1000
	RangeLimit  = 10000
)

// Log owns the activity_entries table.
type Log struct {
	db     *gorm.DB
	logger *zap.Logger
	sub    *events.Subscription
}

// New creates a Log.
func New(database *gorm.DB, logger *zap.Logger) *Log {
	return &Log{db: database, logger: logger.Named("activity")}
}

// Attach subscribes the recorder to the bus. Recording failures are logged,
// never propagated — the audit log must not fail the operation it audits.
func (l *Log) Attach(bus *events.Bus) {
	l.sub = bus.Subscribe(func(ev events.Event) {
		if err := l.Record(context.Background(), ev); err != nil {
			l.logger.Warn("activity record failed", zap.String("type", ev.Type), zap.Error(err))
		}
	})
}

// Detach removes the bus subscription.
func (l *Log) Detach(bus *events.Bus) {
	if l.sub != nil {
		bus.Unsubscribe(l.sub)
		l.sub = nil
	}
}

// Record persists one event as an activity row.
func (l *Log) Record(ctx context.Context, ev events.Event) error {
	metadata := "{}"
	if len(ev.Data) > 0 {
		if data, err := json.Marshal(ev.Data); err == nil {
			metadata = string(data)
		}
	}

	entry := db.ActivityEntry{
		Type:     ev.Type,
		AgentID:  ev.AgentID,
		TargetID: ev.TargetID,
		Metadata: metadata,
	}
	if err := l.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("activity: record: %w", err)
	}
	return nil
}

// Filters restrict activity queries.
type Filters struct {
	Type    string
	AgentID string
}

// GetRecent returns the newest entries first, bounded by RecentLimit.
func (l *Log) GetRecent(ctx context.Context, limit int, f Filters) ([]db.ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > RecentLimit {
		limit = RecentLimit
	}

	q := l.db.WithContext(ctx).Order("id DESC").Limit(limit)
	q = applyFilters(q, f)

	var entries []db.ActivityEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("activity: recent: %w", err)
	}
	return entries, nil
}

// GetByTimeRange returns entries with from <= created_at < to, oldest first,
// bounded by RangeLimit.
func (l *Log) GetByTimeRange(ctx context.Context, from, to int64, limit int, f Filters) ([]db.ActivityEntry, error) {
	if to <= from {
		return nil, fault.New(fault.CodeInvalidArgument, "time range is empty")
	}
	if limit <= 0 || limit > RangeLimit {
		limit = RangeLimit
	}

	q := l.db.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", from, to).
		Order("id ASC").
		Limit(limit)
	q = applyFilters(q, f)

	var entries []db.ActivityEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("activity: time range: %w", err)
	}
	return entries, nil
}

// Summary aggregates the log per event type and per agent.
type Summary struct {
	Total   int64            `json:"total"`
	ByType  map[string]int64 `json:"by_type"`
	ByAgent map[string]int64 `json:"by_agent"`
	Oldest  int64            `json:"oldest,omitempty"`
	Newest  int64            `json:"newest,omitempty"`
}

// GetSummary aggregates over the last `window` milliseconds (everything when
// window <= 0).
func (l *Log) GetSummary(ctx context.Context, window int64) (*Summary, error) {
	base := func() *gorm.DB {
		q := l.db.WithContext(ctx).Model(&db.ActivityEntry{})
		if window > 0 {
			q = q.Where("created_at >= ?", db.Now()-window)
		}
		return q
	}

	summary := &Summary{ByType: map[string]int64{}, ByAgent: map[string]int64{}}
	if err := base().Count(&summary.Total).Error; err != nil {
		return nil, fmt.Errorf("activity: summary count: %w", err)
	}
	if summary.Total == 0 {
		return summary, nil
	}

	type bucket struct {
		Key string
		N   int64
	}

	var byType []bucket
	if err := base().
		Select("type AS key, COUNT(*) AS n").
		Group("type").
		Scan(&byType).Error; err != nil {
		return nil, fmt.Errorf("activity: summary by type: %w", err)
	}
	for _, b := range byType {
		summary.ByType[b.Key] = b.N
	}

	var byAgent []bucket
	if err := base().
		Select("agent_id AS key, COUNT(*) AS n").
		Where("agent_id <> ''").
		Group("agent_id").
		Scan(&byAgent).Error; err != nil {
		return nil, fmt.Errorf("activity: summary by agent: %w", err)
	}
	for _, b := range byAgent {
		summary.ByAgent[b.Key] = b.N
	}

	type bounds struct {
		Oldest int64
		Newest int64
	}
	var bb bounds
	if err := base().
		Select("MIN(created_at) AS oldest, MAX(created_at) AS newest").
		Scan(&bb).Error; err != nil {
		return nil, fmt.Errorf("activity: summary bounds: %w", err)
	}
	summary.Oldest, summary.Newest = bb.Oldest, bb.Newest

	return summary, nil
}

// Trim enforces the age cap then the row cap, deleting oldest first. Returns
// the number of rows removed.
func (l *Log) Trim(ctx context.Context) (int64, error) {
	var removed int64

	cutoff := db.Now() - Retention
	res := l.db.WithContext(ctx).Where("created_at <= ?", cutoff).Delete(&db.ActivityEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("activity: trim by age: %w", res.Error)
	}
	removed += res.RowsAffected

	var total int64
	if err := l.db.WithContext(ctx).Model(&db.ActivityEntry{}).Count(&total).Error; err != nil {
		return removed, fmt.Errorf("activity: trim count: %w", err)
	}
	if total > MaxRows {
		// Delete everything below the id that puts us back at the cap.
		var boundary db.ActivityEntry
		err := l.db.WithContext(ctx).Model(&db.ActivityEntry{}).
			Order("id DESC").
			Offset(MaxRows - 1).
			First(&boundary).Error
		if err != nil {
			return removed, fmt.Errorf("activity: trim boundary: %w", err)
		}
		res := l.db.WithContext(ctx).Where("id < ?", boundary.ID).Delete(&db.ActivityEntry{})
		if res.Error != nil {
			return removed, fmt.Errorf("activity: trim by rows: %w", res.Error)
		}
		removed += res.RowsAffected
	}
	return removed, nil
}

func applyFilters(q *gorm.DB, f Filters) *gorm.DB {
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.AgentID != "" {
		q = q.Where("agent_id = ?", f.AgentID)
	}
	return q
}
