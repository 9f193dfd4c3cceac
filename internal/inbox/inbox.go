// Package inbox implements directed agent-to-agent messages. An inbox is the
// set of rows addressed to one recipient id; messages persist until marked
// read and trimmed, so an offline agent picks them up on its next poll.
package inbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/portdaddy/portdaddy/internal/db"
	"github.com/portdaddy/portdaddy/internal/events"
	"github.com/portdaddy/portdaddy/internal/fault"
)

const (
	// DefaultLimit and MaxLimit bound List queries.
	DefaultLimit = 50
	MaxLimit     = 500

	maxContentLen = 64 * 1024

	// ReadRetention is how long read messages are kept before the janitor
	// removes them, in milliseconds.
	ReadRetention = int64(24 * 60 * 60 * 1000)
)

// Manager owns the inbox_messages table.
type Manager struct {
	db     *gorm.DB
	bus    *events.Bus
	logger *zap.Logger
}

// New creates a Manager.
func New(database *gorm.DB, bus *events.Bus, logger *zap.Logger) *Manager {
	return &Manager{db: database, bus: bus, logger: logger.Named("inbox")}
}

// Send stores a message for the recipient. Type defaults to "message".
func (m *Manager) Send(ctx context.Context, recipient, sender, content, msgType string) (*db.InboxMessage, error) {
	if recipient == "" {
		return nil, fault.New(fault.CodeValidationError, "recipient is empty")
	}
	if content == "" {
		return nil, fault.New(fault.CodeValidationError, "message content is empty")
	}
	if len(content) > maxContentLen {
		return nil, fault.Newf(fault.CodeValidationError, "message content exceeds %d bytes", maxContentLen)
	}
	if msgType == "" {
		msgType = "message"
	}

	msg := db.InboxMessage{
		Recipient: recipient,
		Sender:    sender,
		Content:   content,
		Type:      msgType,
	}
	if err := m.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, fmt.Errorf("inbox: send: %w", err)
	}

	m.bus.Publish(events.Event{
		Type:     events.TypeInboxSend,
		TargetID: recipient,
		AgentID:  sender,
		Data:     map[string]any{"message_id": msg.ID, "message_type": msgType},
	})
	return &msg, nil
}

// ListOptions control List.
type ListOptions struct {
	UnreadOnly bool
	Limit      int
}

// List returns the recipient's messages, oldest first.
func (m *Manager) List(ctx context.Context, recipient string, opts ListOptions) ([]db.InboxMessage, error) {
	if recipient == "" {
		return nil, fault.New(fault.CodeValidationError, "recipient is empty")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	q := m.db.WithContext(ctx).Where("recipient = ?", recipient)
	if opts.UnreadOnly {
		q = q.Where("read_at IS NULL")
	}

	var msgs []db.InboxMessage
	if err := q.Order("id ASC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("inbox: list: %w", err)
	}
	return msgs, nil
}

// MarkRead stamps the given message ids as read, scoped to the recipient so
// one agent cannot mark another's messages. With no ids it marks everything
// unread in the inbox. Returns the number of rows stamped.
func (m *Manager) MarkRead(ctx context.Context, recipient string, ids []uint) (int64, error) {
	if recipient == "" {
		return 0, fault.New(fault.CodeValidationError, "recipient is empty")
	}

	q := m.db.WithContext(ctx).Model(&db.InboxMessage{}).
		Where("recipient = ? AND read_at IS NULL", recipient)
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	}

	res := q.Update("read_at", db.Now())
	if res.Error != nil {
		return 0, fmt.Errorf("inbox: mark read: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// UnreadCount returns the number of unread messages for the recipient.
func (m *Manager) UnreadCount(ctx context.Context, recipient string) (int64, error) {
	var n int64
	err := m.db.WithContext(ctx).Model(&db.InboxMessage{}).
		Where("recipient = ? AND read_at IS NULL", recipient).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("inbox: unread count: %w", err)
	}
	return n, nil
}

// TrimRead deletes read messages older than ReadRetention. Called by the
// janitor.
func (m *Manager) TrimRead(ctx context.Context) (int64, error) {
	cutoff := db.Now() - ReadRetention
	res := m.db.WithContext(ctx).
		Where("read_at IS NOT NULL AND read_at <= ?", cutoff).
		Delete(&db.InboxMessage{})
	if res.Error != nil {
		return 0, fmt.Errorf("inbox: trim read: %w", res.Error)
	}
	return res.RowsAffected, nil
}
