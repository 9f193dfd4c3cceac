package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/portdaddy/portdaddy/internal/db"
	"github.com/portdaddy/portdaddy/internal/events"
)

const (
	// QueueSize bounds the in-memory delivery queue; overflow drops the
	// delivery and counts it, never blocks the publisher.
	QueueSize = 10000

	// MaxAttempts is the attempt cap per delivery; the backoff between
	// attempt n and n+1 is 2^(n-1) seconds.
	MaxAttempts = 5

	// ClientTimeout bounds one HTTP attempt end to end.
	ClientTimeout = 10 * time.Second

	// BodyCaptureLimit is how much of the response body a delivery keeps.
	BodyCaptureLimit = 1000

	// DeliveryRetention is how long finished deliveries are kept, in
	// milliseconds.
	DeliveryRetention = int64(7 * 24 * 60 * 60 * 1000)

	StatusPending   = "pending"
	StatusRetrying  = "retrying"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Dispatcher consumes coordination events and posts them to matching
// webhooks. One drain worker serializes outbound attempts; retries re-enter
// the queue via timers.
type Dispatcher struct {
	db       *gorm.DB
	registry *Registry
	logger   *zap.Logger
	client   *http.Client

	queue   chan string // delivery ids
	dropped atomic.Int64

	sub  *events.Subscription
	stop chan struct{}
	wg   sync.WaitGroup

	// backoff is swapped out in tests; production is 2^(attempts-1) s.
	backoff func(attempts int) time.Duration
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(database *gorm.DB, registry *Registry, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		db:       database,
		registry: registry,
		logger:   logger.Named("dispatcher"),
		client:   &http.Client{Timeout: ClientTimeout},
		queue:    make(chan string, QueueSize),
		stop:     make(chan struct{}),
		backoff: func(attempts int) time.Duration {
			return time.Duration(1<<(attempts-1)) * time.Second
		},
	}
}

// Start subscribes to the bus, re-enqueues deliveries interrupted by the
// previous shutdown, and launches the drain worker.
func (d *Dispatcher) Start(bus *events.Bus) error {
	var stranded []db.Delivery
	err := d.db.Where("status IN ?", []string{StatusPending, StatusRetrying}).
		Order("created_at ASC").
		Find(&stranded).Error
	if err != nil {
		return fmt.Errorf("dispatcher: load stranded deliveries: %w", err)
	}
	for _, delivery := range stranded {
		d.enqueue(delivery.ID)
	}
	if len(stranded) > 0 {
		d.logger.Info("re-enqueued stranded deliveries", zap.Int("count", len(stranded)))
	}

	d.sub = bus.Subscribe(d.handleEvent)
	d.wg.Add(1)
	go d.drain()
	return nil
}

// Stop detaches from the bus and waits for the worker. Queued deliveries
// stay pending in the store and are re-enqueued on the next Start.
func (d *Dispatcher) Stop(bus *events.Bus) {
	if d.sub != nil {
		bus.Unsubscribe(d.sub)
		d.sub = nil
	}
	close(d.stop)
	d.wg.Wait()
}

// Dropped returns how many deliveries were discarded on queue overflow.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// QueueDepth returns the number of deliveries waiting in the queue.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

// handleEvent fans one event out to every matching webhook as a pending
// delivery. Runs on the publisher's goroutine, so it only writes rows and
// enqueues — all network work happens in the drain worker.
func (d *Dispatcher) handleEvent(ev events.Event) {
	ctx := context.Background()

	hooks, err := d.registry.active(ctx)
	if err != nil {
		d.logger.Error("active webhook scan failed", zap.Error(err))
		return
	}

	for i := range hooks {
		hook := &hooks[i]
		if !matches(hook, ev.Type, ev.TargetID) {
			continue
		}
		if _, err := d.createDelivery(ctx, hook, ev); err != nil {
			d.logger.Error("delivery create failed",
				zap.String("webhook", hook.ID), zap.String("event", ev.Type), zap.Error(err))
		}
	}
}

// createDelivery persists the exact payload that will be sent (and signed)
// and enqueues it.
func (d *Dispatcher) createDelivery(ctx context.Context, hook *db.Webhook, ev events.Event) (*db.Delivery, error) {
	deliveryID := uuid.NewString()

	payload, err := json.Marshal(map[string]any{
		"event":       ev.Type,
		"target_id":   ev.TargetID,
		"agent_id":    ev.AgentID,
		"data":        ev.Data,
		"timestamp":   ev.Timestamp,
		"delivery_id": deliveryID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	delivery := db.Delivery{
		ID:        deliveryID,
		WebhookID: hook.ID,
		Event:     ev.Type,
		Payload:   string(payload),
		Status:    StatusPending,
	}
	if err := d.db.WithContext(ctx).Create(&delivery).Error; err != nil {
		return nil, fmt.Errorf("insert delivery: %w", err)
	}

	d.enqueue(deliveryID)
	return &delivery, nil
}

func (d *Dispatcher) enqueue(deliveryID string) {
	select {
	case d.queue <- deliveryID:
	default:
		d.dropped.Add(1)
		d.logger.Warn("delivery queue full, dropping", zap.String("delivery", deliveryID))
	}
}

func (d *Dispatcher) drain() {
	defer d.wg.Done()
	for {
		select {
		case id := <-d.queue:
			d.attempt(context.Background(), id)
		case <-d.stop:
			return
		}
	}
}

// attempt performs one HTTP attempt for the delivery and updates its row.
func (d *Dispatcher) attempt(ctx context.Context, deliveryID string) {
	var delivery db.Delivery
	err := d.db.WithContext(ctx).First(&delivery, "id = ?", deliveryID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return // swept or cascaded away while queued
	}
	if err != nil {
		d.logger.Error("delivery load failed", zap.String("delivery", deliveryID), zap.Error(err))
		return
	}
	if delivery.Status == StatusDelivered || delivery.Status == StatusFailed {
		return
	}

	hook, err := d.registry.Get(ctx, delivery.WebhookID)
	if err != nil {
		// Webhook deleted; the delivery row is gone with it or orphaned.
		return
	}

	attempts := delivery.Attempts + 1
	status, responseStatus, responseBody := d.post(ctx, hook, &delivery)

	now := db.Now()
	updates := map[string]any{
		"status":          status,
		"attempts":        attempts,
		"response_status": responseStatus,
		"response_body":   responseBody,
		"last_attempt_at": now,
	}
	if status != StatusDelivered && attempts >= MaxAttempts {
		updates["status"] = StatusFailed
		status = StatusFailed
	}
	if err := d.db.WithContext(ctx).Model(&db.Delivery{}).
		Where("id = ?", deliveryID).
		Updates(updates).Error; err != nil {
		d.logger.Error("delivery update failed", zap.String("delivery", deliveryID), zap.Error(err))
		return
	}

	switch status {
	case StatusDelivered:
		d.bumpCounter(ctx, hook.ID, "success_count")
	case StatusFailed:
		d.bumpCounter(ctx, hook.ID, "failure_count")
		d.logger.Warn("delivery failed permanently",
			zap.String("delivery", deliveryID),
			zap.String("webhook", hook.ID),
			zap.Int("attempts", attempts))
	case StatusRetrying:
		time.AfterFunc(d.backoff(attempts), func() {
			select {
			case <-d.stop:
			default:
				d.enqueue(deliveryID)
			}
		})
	}
}

// post sends the stored payload and classifies the outcome. Any transport
// error or non-2xx response means retrying.
func (d *Dispatcher) post(ctx context.Context, hook *db.Webhook, delivery *db.Delivery) (status string, responseStatus int, responseBody string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader([]byte(delivery.Payload)))
	if err != nil {
		return StatusRetrying, 0, truncate(err.Error())
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-PortDaddy-Event", delivery.Event)
	req.Header.Set("X-PortDaddy-Delivery", delivery.ID)
	req.Header.Set("X-PortDaddy-Timestamp", strconv.FormatInt(db.Now(), 10))
	if hook.Secret != "" {
		req.Header.Set("X-PortDaddy-Signature", "sha256="+Sign(hook.Secret, []byte(delivery.Payload)))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return StatusRetrying, 0, truncate(err.Error())
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, BodyCaptureLimit))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return StatusDelivered, resp.StatusCode, string(body)
	}
	return StatusRetrying, resp.StatusCode, string(body)
}

func (d *Dispatcher) bumpCounter(ctx context.Context, webhookID, column string) {
	err := d.db.WithContext(ctx).Model(&db.Webhook{}).
		Where("id = ?", webhookID).
		Update(column, gorm.Expr(column+" + 1")).Error
	if err != nil {
		d.logger.Warn("webhook counter update failed", zap.String("webhook", webhookID), zap.Error(err))
	}
}

// Test posts a synthetic event to the webhook synchronously and returns the
// finished delivery.
func (d *Dispatcher) Test(ctx context.Context, webhookID string) (*db.Delivery, error) {
	hook, err := d.registry.Get(ctx, webhookID)
	if err != nil {
		return nil, err
	}

	delivery, err := d.createTestDelivery(ctx, hook)
	if err != nil {
		return nil, err
	}

	status, responseStatus, responseBody := d.post(ctx, hook, delivery)
	if status != StatusDelivered {
		status = StatusFailed // a test gets exactly one attempt
	}
	updates := map[string]any{
		"status":          status,
		"attempts":        1,
		"response_status": responseStatus,
		"response_body":   responseBody,
		"last_attempt_at": db.Now(),
	}
	if err := d.db.WithContext(ctx).Model(&db.Delivery{}).
		Where("id = ?", delivery.ID).
		Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("dispatcher: test update: %w", err)
	}

	delivery.Status = status
	delivery.Attempts = 1
	delivery.ResponseStatus = responseStatus
	delivery.ResponseBody = responseBody
	return delivery, nil
}

func (d *Dispatcher) createTestDelivery(ctx context.Context, hook *db.Webhook) (*db.Delivery, error) {
	deliveryID := uuid.NewString()
	payload, err := json.Marshal(map[string]any{
		"event":       "webhook.test",
		"target_id":   hook.ID,
		"timestamp":   db.Now(),
		"delivery_id": deliveryID,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher: marshal test payload: %w", err)
	}

	delivery := db.Delivery{
		ID:        deliveryID,
		WebhookID: hook.ID,
		Event:     "webhook.test",
		Payload:   string(payload),
		Status:    StatusPending,
	}
	if err := d.db.WithContext(ctx).Create(&delivery).Error; err != nil {
		return nil, fmt.Errorf("dispatcher: insert test delivery: %w", err)
	}
	return &delivery, nil
}

// Deliveries returns a webhook's delivery history, newest first.
func (d *Dispatcher) Deliveries(ctx context.Context, webhookID string, limit int) ([]db.Delivery, error) {
	if _, err := d.registry.Get(ctx, webhookID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var deliveries []db.Delivery
	err := d.db.WithContext(ctx).
		Where("webhook_id = ?", webhookID).
		Order("created_at DESC").
		Limit(limit).
		Find(&deliveries).Error
	if err != nil {
		return nil, fmt.Errorf("dispatcher: deliveries: %w", err)
	}
	return deliveries, nil
}

// SweepDeliveries deletes finished deliveries past retention. Called by the
// janitor's daily job.
func (d *Dispatcher) SweepDeliveries(ctx context.Context) (int64, error) {
	cutoff := db.Now() - DeliveryRetention
	res := d.db.WithContext(ctx).
		Where("status IN ? AND created_at <= ?", []string{StatusDelivered, StatusFailed}, cutoff).
		Delete(&db.Delivery{})
	if res.Error != nil {
		return 0, fmt.Errorf("dispatcher: sweep deliveries: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Sign computes the hex HMAC-SHA256 of payload under secret. The signature
// header carries it prefixed with "sha256=".
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature (without the "sha256=" prefix) matches
// payload under secret. Constant-time.
func Verify(secret string, payload []byte, signature string) bool {
	expected := Sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func truncate(s string) string {
	if len(s) > BodyCaptureLimit {
		return s[:BodyCaptureLimit]
	}
	return s
}
