// Package broker implements the channel-based pub/sub bus: a durable message
// log per ad-hoc named channel, plus an in-memory subscriber registry for
// SSE fan-out and a broadcast wakeup used by long-polling.
//
// The auto-increment message id defines total order within a channel; all
// consumers (durable queriers, long-pollers, in-memory subscribers) observe
// messages in strictly increasing id order. Fan-out is best-effort: a
// panicking subscriber is logged and skipped, and a slow one never blocks
// publishing — callbacks are expected to hand off to a buffered channel.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/portdaddy/portdaddy/internal/db"
	"github.com/portdaddy/portdaddy/internal/events"
	"github.com/portdaddy/portdaddy/internal/fault"
)

const (
	// MaxChannels caps the number of distinct channels with in-memory
	// subscribers; MaxSubscribersPerChannel caps callbacks per channel.
	MaxChannels              = 1000
	MaxSubscribersPerChannel = 100

	// WildcardChannel subscribes to every channel; messages arrive with
	// their source channel attached.
	WildcardChannel = "*"

	// DefaultLimit and MaxLimit bound GetMessages queries.
	DefaultLimit = 100
	MaxLimit     = 1000

	maxChannelNameLen = 100
)

// Message is one pub/sub message handed to consumers. Payload is the parsed
// JSON value when the stored text parses, the raw string otherwise.
type Message struct {
	ID        int64  `json:"id"`
	Channel   string `json:"channel"`
	Payload   any    `json:"payload"`
	Sender    string `json:"sender,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// Subscriber is the handle returned by Subscribe; Unsubscribe removes by
// handle identity.
type Subscriber struct {
	channel string
	fn      func(Message)
}

// Broker owns the channel_messages table and the subscriber registry.
type Broker struct {
	db     *gorm.DB
	bus    *events.Bus
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[string]map[*Subscriber]struct{}
	wakeup chan struct{} // closed and replaced on every publish
}

// New creates a Broker.
func New(database *gorm.DB, bus *events.Bus, logger *zap.Logger) *Broker {
	return &Broker{
		db:     database,
		bus:    bus,
		logger: logger.Named("broker"),
		subs:   make(map[string]map[*Subscriber]struct{}),
		wakeup: make(chan struct{}),
	}
}

// PublishOptions are the optional parameters of Publish.
type PublishOptions struct {
	Sender  string
	Expires int64 // relative TTL in ms; 0 = no expiry
}

// Publish stores one message and fans it out to in-memory subscribers of the
// channel and of the wildcard channel. The returned message carries the
// assigned id.
func (b *Broker) Publish(ctx context.Context, channel string, payload any, opts PublishOptions) (*Message, error) {
	if err := validateChannel(channel); err != nil {
		return nil, err
	}

	text, err := marshalPayload(payload)
	if err != nil {
		return nil, fault.Newf(fault.CodeValidationError, "payload is not JSON-serializable: %v", err)
	}

	row := db.ChannelMessage{
		Channel: channel,
		Payload: text,
		Sender:  opts.Sender,
	}
	if opts.Expires > 0 {
		exp := db.Now() + opts.Expires
		row.ExpiresAt = &exp
	}

	if err := b.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("broker: insert message: %w", err)
	}

	msg := toMessage(row)
	b.fanout(msg)
	b.broadcast()

	b.bus.Publish(events.Event{
		Type:     events.TypeMsgPublish,
		TargetID: channel,
		AgentID:  opts.Sender,
		Data:     map[string]any{"message_id": row.ID},
	})
	return &msg, nil
}

// GetMessages returns messages on a channel. With after set, all messages
// with id > after in ascending order (bounded by limit); otherwise the
// most recent limit messages in ascending order.
func (b *Broker) GetMessages(ctx context.Context, channel string, limit int, after int64) ([]Message, error) {
	if err := validateChannel(channel); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	var rows []db.ChannelMessage
	q := b.db.WithContext(ctx).Where("channel = ?", channel)
	if after > 0 {
		err := q.Where("id > ?", after).Order("id ASC").Limit(limit).Find(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("broker: get messages: %w", err)
		}
	} else {
		// Newest first to apply the limit, then reversed to ascending order.
		err := q.Order("id DESC").Limit(limit).Find(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("broker: get messages: %w", err)
		}
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}

	msgs := make([]Message, len(rows))
	for i, row := range rows {
		msgs[i] = toMessage(row)
	}
	return msgs, nil
}

// Poll returns the earliest message with id > afterID, or nil when the
// channel has nothing newer.
func (b *Broker) Poll(ctx context.Context, channel string, afterID int64) (*Message, error) {
	if err := validateChannel(channel); err != nil {
		return nil, err
	}

	var row db.ChannelMessage
	err := b.db.WithContext(ctx).
		Where("channel = ? AND id > ?", channel, afterID).
		Order("id ASC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broker: poll: %w", err)
	}

	msg := toMessage(row)
	return &msg, nil
}

// Wait long-polls: it returns the earliest message with id > afterID as soon
// as one exists, or nil once the timeout elapses. The publish path wakes all
// waiters via a broadcast channel — no busy-waiting.
func (b *Broker) Wait(ctx context.Context, channel string, afterID int64, timeout time.Duration) (*Message, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		wake := b.wakeupCh()

		msg, err := b.Poll(ctx, channel, afterID)
		if err != nil || msg != nil {
			return msg, err
		}

		select {
		case <-wake:
			// A publish happened somewhere; re-check the channel.
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, nil
		}
	}
}

// Subscribe registers an in-memory callback for the channel (or the "*"
// wildcard). Fails with SubscribeRejected when the channel or per-channel
// caps are exceeded. The returned handle is passed to Unsubscribe.
func (b *Broker) Subscribe(channel string, fn func(Message)) (*Subscriber, error) {
	if err := validateChannel(channel); err != nil && channel != WildcardChannel {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[channel]
	if !ok {
		if len(b.subs) >= MaxChannels {
			return nil, fault.Newf(fault.CodeSubscribeRejected, "subscriber channel cap (%d) reached", MaxChannels)
		}
		set = make(map[*Subscriber]struct{})
		b.subs[channel] = set
	}
	if len(set) >= MaxSubscribersPerChannel {
		return nil, fault.Newf(fault.CodeSubscribeRejected, "channel %q subscriber cap (%d) reached", channel, MaxSubscribersPerChannel)
	}

	sub := &Subscriber{channel: channel, fn: fn}
	set[sub] = struct{}{}
	return sub, nil
}

// Unsubscribe removes a subscription handle. Unknown handles are a no-op.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.subs[sub.channel]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.channel)
		}
	}
}

// SubscriberCount returns the number of in-memory subscribers across all
// channels. Used by metrics.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}

// Clear truncates a channel and returns the number of rows removed.
func (b *Broker) Clear(ctx context.Context, channel string) (int64, error) {
	if err := validateChannel(channel); err != nil {
		return 0, err
	}
	res := b.db.WithContext(ctx).Where("channel = ?", channel).Delete(&db.ChannelMessage{})
	if res.Error != nil {
		return 0, fmt.Errorf("broker: clear %q: %w", channel, res.Error)
	}
	return res.RowsAffected, nil
}

// ChannelInfo summarizes one channel for ListChannels.
type ChannelInfo struct {
	Channel       string `json:"channel"`
	MessageCount  int64  `json:"message_count"`
	LastMessageAt int64  `json:"last_message_at"`
}

// ListChannels aggregates message count and last-message time per channel,
// most recently active first.
func (b *Broker) ListChannels(ctx context.Context) ([]ChannelInfo, error) {
	var infos []ChannelInfo
	err := b.db.WithContext(ctx).Model(&db.ChannelMessage{}).
		Select("channel, COUNT(*) AS message_count, MAX(created_at) AS last_message_at").
		Group("channel").
		Order("last_message_at DESC").
		Scan(&infos).Error
	if err != nil {
		return nil, fmt.Errorf("broker: list channels: %w", err)
	}
	return infos, nil
}

// SweepExpired deletes messages whose expiry has passed. Called by the
// janitor.
func (b *Broker) SweepExpired(ctx context.Context) (int64, error) {
	res := b.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", db.Now()).
		Delete(&db.ChannelMessage{})
	if res.Error != nil {
		return 0, fmt.Errorf("broker: sweep expired: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// fanout delivers msg to subscribers of its channel and of the wildcard
// channel. The subscriber snapshot is taken under the lock; callbacks run
// outside it.
func (b *Broker) fanout(msg Message) {
	b.mu.Lock()
	targets := make([]*Subscriber, 0, 4)
	for sub := range b.subs[msg.Channel] {
		targets = append(targets, sub)
	}
	for sub := range b.subs[WildcardChannel] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		b.deliver(sub, msg)
	}
}

func (b *Broker) deliver(sub *Subscriber, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber callback panicked",
				zap.String("channel", msg.Channel),
				zap.Int64("message_id", msg.ID),
				zap.Any("panic", r),
			)
		}
	}()
	sub.fn(msg)
}

// wakeupCh returns the current broadcast channel. Waiters select on it; the
// publish path closes it (waking everyone) and installs a fresh one.
func (b *Broker) wakeupCh() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wakeup
}

func (b *Broker) broadcast() {
	b.mu.Lock()
	close(b.wakeup)
	b.wakeup = make(chan struct{})
	b.mu.Unlock()
}

func toMessage(row db.ChannelMessage) Message {
	return Message{
		ID:        row.ID,
		Channel:   row.Channel,
		Payload:   parsePayload(row.Payload),
		Sender:    row.Sender,
		CreatedAt: row.CreatedAt,
	}
}

// marshalPayload stores strings that are already valid JSON as-is and
// serializes everything else.
func marshalPayload(payload any) (string, error) {
	if s, ok := payload.(string); ok && json.Valid([]byte(s)) {
		return s, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// parsePayload returns the parsed JSON value when the text parses, the raw
// string otherwise.
func parsePayload(text string) any {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return text
	}
	return v
}

func validateChannel(channel string) error {
	if channel == "" {
		return fault.New(fault.CodeValidationError, "channel name is empty")
	}
	if channel == WildcardChannel {
		return fault.New(fault.CodeValidationError, "channel \"*\" is reserved for wildcard subscriptions")
	}
	if len(channel) > maxChannelNameLen {
		return fault.Newf(fault.CodeValidationError, "channel name exceeds %d characters", maxChannelNameLen)
	}
	for _, r := range channel {
		if r < 0x21 || r == 0x7f {
			return fault.Newf(fault.CodeValidationError, "channel name %q contains invalid character", channel)
		}
	}
	return nil
}
