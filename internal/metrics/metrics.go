// Package metrics exposes the daemon's Prometheus instrumentation. Counters
// are bumped by an event-bus subscriber so instrumented code stays free of
// metrics plumbing; gauges are sampled lazily at scrape time.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/portdaddy/portdaddy/internal/events"
)

// Metrics bundles the registry and all instruments.
type Metrics struct {
	registry *prometheus.Registry

	eventsTotal     *prometheus.CounterVec
	lockContention  prometheus.Counter
	deliveriesTotal *prometheus.CounterVec

	sub *events.Subscription
}

// Gauges are the live values sampled at scrape time.
type Gauges struct {
	ActiveServices   func(context.Context) (int64, error)
	ActiveLocks      func(context.Context) (int64, error)
	ActiveAgents     func(context.Context) (int64, error)
	PendingRevivals  func(context.Context) (int64, error)
	Subscribers      func() int
	WebsocketClients func() int
	WebhookQueue     func() int
	WebhookDropped   func() int64
}

// New creates the registry and registers the instruments. Gauge sources that
// are nil are simply not registered.
func New(g Gauges) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "portdaddy_events_total",
			Help: "Coordination events published, by type.",
		}, []string{"type"}),
		lockContention: factory.NewCounter(prometheus.CounterOpts{
			Name: "portdaddy_lock_contention_total",
			Help: "Lock acquisitions rejected because the lock was held.",
		}),
		deliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "portdaddy_webhook_deliveries_total",
			Help: "Webhook delivery outcomes, by status.",
		}, []string{"status"}),
	}

	registerSampled := func(name, help string, sample func(context.Context) (int64, error)) {
		if sample == nil {
			return
		}
		factory.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			n, err := sample(ctx)
			if err != nil {
				return -1
			}
			return float64(n)
		})
	}
	registerSampled("portdaddy_active_services", "Services currently holding a port.", g.ActiveServices)
	registerSampled("portdaddy_active_locks", "Locks currently held.", g.ActiveLocks)
	registerSampled("portdaddy_active_agents", "Agents with a recent heartbeat.", g.ActiveAgents)
	registerSampled("portdaddy_pending_revivals", "Claimable resurrection entries.", g.PendingRevivals)

	registerCounted := func(name, help string, sample func() int) {
		if sample == nil {
			return
		}
		factory.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return float64(sample())
		})
	}
	registerCounted("portdaddy_channel_subscribers", "In-memory channel subscribers (SSE).", g.Subscribers)
	registerCounted("portdaddy_websocket_clients", "Connected websocket clients.", g.WebsocketClients)
	registerCounted("portdaddy_webhook_queue_depth", "Deliveries waiting in the dispatch queue.", g.WebhookQueue)
	if g.WebhookDropped != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "portdaddy_webhook_dropped_total",
			Help: "Deliveries discarded on queue overflow.",
		}, func() float64 { return float64(g.WebhookDropped()) })
	}

	return m
}

// Attach subscribes the event counter to the bus.
func (m *Metrics) Attach(bus *events.Bus) {
	m.sub = bus.Subscribe(func(ev events.Event) {
		m.eventsTotal.WithLabelValues(ev.Type).Inc()
	})
}

// Detach removes the bus subscription.
func (m *Metrics) Detach(bus *events.Bus) {
	if m.sub != nil {
		bus.Unsubscribe(m.sub)
		m.sub = nil
	}
}

// ObserveLockContention counts one rejected lock acquisition.
func (m *Metrics) ObserveLockContention() {
	m.lockContention.Inc()
}

// ObserveDelivery counts one webhook delivery outcome.
func (m *Metrics) ObserveDelivery(status string) {
	m.deliveriesTotal.WithLabelValues(status).Inc()
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
