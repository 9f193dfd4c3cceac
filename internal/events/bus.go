// Package events provides the in-process fan-out hub for coordination
// events. Every state-changing operation in the daemon publishes here; the
// webhook dispatcher, the websocket bridge, and the activity recorder are
// the standing consumers.
//
// Delivery is best-effort and synchronous: a panicking subscriber is logged
// and skipped, and no subscriber can fail the publisher. Subscribers are
// addressable handles — unsubscribe removes by handle identity, never by
// callback equality.
package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/portdaddy/portdaddy/internal/db"
)

// Event types emitted by the daemon. TargetID carries the subsystem key the
// event is about (service identity, lock name, agent id, channel name) and
// is what webhook filter patterns are matched against.
const (
	TypeServiceClaim    = "service.claim"
	TypeServiceRelease  = "service.release"
	TypeServiceStatus   = "service.status"
	TypeLockAcquire     = "lock.acquire"
	TypeLockRelease     = "lock.release"
	TypeLockExpire      = "lock.expire"
	TypeAgentRegister   = "agent.register"
	TypeAgentHeartbeat  = "agent.heartbeat"
	TypeAgentUnregister = "agent.unregister"
	TypeAgentStale      = "agent.stale"
	TypeAgentDead       = "agent.dead"
	TypeMsgPublish      = "msg.publish"
	TypeSessionStart    = "session.start"
	TypeSessionEnd      = "session.end"
	TypeInboxSend       = "inbox.send"
	TypeDaemonStart     = "daemon.start"
	TypeDaemonStop      = "daemon.stop"
)

// Event is one coordination event.
type Event struct {
	Type      string         `json:"type"`
	TargetID  string         `json:"target_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Subscription is the handle returned by Subscribe. Its identity (pointer)
// is what Unsubscribe removes.
type Subscription struct {
	fn func(Event)
}

// Bus fans events out to all subscribers. The mutex guards only membership
// mutations and the snapshot copy — callbacks run outside the lock.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	logger *zap.Logger
}

// NewBus creates an empty Bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		logger: logger.Named("events"),
	}
}

// Subscribe registers fn for every published event and returns its handle.
func (b *Bus) Subscribe(fn func(Event)) *Subscription {
	sub := &Subscription{fn: fn}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription. Unknown handles are a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Publish delivers ev to every current subscriber. Timestamp is filled if
// unset. Safe to call from any goroutine.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = db.Now()
	}

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.deliver(sub, ev)
	}
}

// deliver invokes one callback, absorbing panics so one bad subscriber
// cannot take down the publisher or starve the rest.
func (b *Bus) deliver(sub *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				zap.String("event_type", ev.Type),
				zap.Any("panic", r),
			)
		}
	}()
	sub.fn(ev)
}

// SubscriberCount returns the number of active subscriptions.
// Intended for metrics and health endpoints.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
