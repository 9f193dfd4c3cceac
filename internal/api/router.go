package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/portdaddy/portdaddy/internal/activity"
	"github.com/portdaddy/portdaddy/internal/agents"
	"github.com/portdaddy/portdaddy/internal/broker"
	"github.com/portdaddy/portdaddy/internal/inbox"
	"github.com/portdaddy/portdaddy/internal/locks"
	"github.com/portdaddy/portdaddy/internal/metrics"
	"github.com/portdaddy/portdaddy/internal/ports"
	"github.com/portdaddy/portdaddy/internal/resurrection"
	"github.com/portdaddy/portdaddy/internal/sessions"
	"github.com/portdaddy/portdaddy/internal/webhooks"
	"github.com/portdaddy/portdaddy/internal/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Ports        *ports.Allocator
	Locks        *locks.Manager
	Broker       *broker.Broker
	Inbox        *inbox.Manager
	Sessions     *sessions.Manager
	Agents       *agents.Registry
	Resurrection *resurrection.Queue
	Webhooks     *webhooks.Registry
	Dispatcher   *webhooks.Dispatcher
	Activity     *activity.Log
	Hub          *websocket.Hub
	Metrics      *metrics.Metrics
	Logger       *zap.Logger

	// Version and StartedAt feed /health and /version.
	Version   string
	StartedAt int64
}

// NewRouter builds and returns the fully configured Chi router. The surface
// is flat — the daemon is a local coordination endpoint, not a versioned
// public API, and clients address it through the unix socket or loopback.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers. Mostly moot on a unix socket, harmless on loopback.
	r.Use(middleware.RealIP)

	// CallerIdentity lifts the X-Agent-Id / X-Pid headers into the context.
	// Runs before the logger so requests are logged with their agent.
	r.Use(CallerIdentity)

	// RequestLogger logs every request with method, path, status and the
	// advisory agent identity.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the daemon.
	r.Use(middleware.Recoverer)

	// --- Initialize handlers ---
	serviceHandler := NewServiceHandler(cfg.Ports, cfg.Agents, cfg.Logger)
	lockHandler := NewLockHandler(cfg.Locks, cfg.Agents, cfg.Metrics, cfg.Logger)
	messageHandler := NewMessageHandler(cfg.Broker, cfg.Logger)
	agentHandler := NewAgentHandler(cfg.Agents, cfg.Logger)
	webhookHandler := NewWebhookHandler(cfg.Webhooks, cfg.Dispatcher, cfg.Logger)
	resurrectionHandler := NewResurrectionHandler(cfg.Resurrection, cfg.Logger)
	sessionHandler := NewSessionHandler(cfg.Sessions, cfg.Logger)
	inboxHandler := NewInboxHandler(cfg.Inbox, cfg.Logger)
	activityHandler := NewActivityHandler(cfg.Activity, cfg.Logger)
	systemHandler := NewSystemHandler(cfg.Ports, cfg.Version, cfg.StartedAt, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.Logger)

	// Services & ports
	r.Post("/claim", serviceHandler.Claim)
	r.Delete("/release", serviceHandler.Release)
	r.Get("/services", serviceHandler.List)
	r.Get("/services/{id}", serviceHandler.Get)
	r.Put("/services/{id}/endpoints/{env}", serviceHandler.SetEndpoint)
	r.Put("/services/{id}/status", serviceHandler.SetStatus)
	r.Post("/ports/cleanup", serviceHandler.Cleanup)

	// Locks
	r.Get("/locks", lockHandler.List)
	r.Post("/locks/{name}", lockHandler.Acquire)
	r.Get("/locks/{name}", lockHandler.Check)
	r.Put("/locks/{name}", lockHandler.Extend)
	r.Delete("/locks/{name}", lockHandler.Release)

	// Pub/sub channels
	r.Get("/channels", messageHandler.Channels)
	r.Post("/msg/{channel}", messageHandler.Publish)
	r.Get("/msg/{channel}", messageHandler.History)
	r.Delete("/msg/{channel}", messageHandler.Clear)
	r.Get("/msg/{channel}/poll", messageHandler.Poll)
	r.Get("/msg/{channel}/subscribe", messageHandler.Subscribe)

	// Agents
	r.Post("/agents", agentHandler.Register)
	r.Get("/agents", agentHandler.List)
	r.Get("/agents/{id}", agentHandler.Get)
	r.Delete("/agents/{id}", agentHandler.Unregister)
	r.Post("/agents/{id}/heartbeat", agentHandler.Heartbeat)

	// Webhooks
	r.Post("/webhooks", webhookHandler.Create)
	r.Get("/webhooks", webhookHandler.List)
	r.Get("/webhooks/{id}", webhookHandler.Get)
	r.Put("/webhooks/{id}", webhookHandler.Update)
	r.Delete("/webhooks/{id}", webhookHandler.Delete)
	r.Post("/webhooks/{id}/test", webhookHandler.Test)
	r.Get("/webhooks/{id}/deliveries", webhookHandler.Deliveries)

	// Resurrection queue
	r.Get("/resurrection", resurrectionHandler.List)
	r.Get("/resurrection/pending", resurrectionHandler.Pending)
	r.Post("/resurrection/claim/{id}", resurrectionHandler.Claim)
	r.Post("/resurrection/complete/{id}", resurrectionHandler.Complete)
	r.Post("/resurrection/abandon/{id}", resurrectionHandler.Abandon)
	r.Delete("/resurrection/{id}", resurrectionHandler.Dismiss)

	// Sessions
	r.Post("/sessions", sessionHandler.Start)
	r.Get("/sessions", sessionHandler.List)
	r.Post("/sessions/quick-note", sessionHandler.QuickNote)
	r.Get("/sessions/{id}", sessionHandler.Get)
	r.Put("/sessions/{id}", sessionHandler.End)
	r.Post("/sessions/{id}/notes", sessionHandler.AddNote)
	r.Get("/sessions/{id}/notes", sessionHandler.Notes)
	r.Post("/sessions/{id}/files", sessionHandler.ClaimFiles)
	r.Delete("/sessions/{id}/files", sessionHandler.ReleaseFiles)
	r.Get("/sessions/{id}/files", sessionHandler.Claims)

	// Inbox
	r.Post("/inbox/{agent}", inboxHandler.Send)
	r.Get("/inbox/{agent}", inboxHandler.List)
	r.Post("/inbox/{agent}/read", inboxHandler.MarkRead)

	// Activity log
	r.Get("/activity", activityHandler.Recent)
	r.Get("/activity/summary", activityHandler.Summary)

	// System
	r.Get("/health", systemHandler.Health)
	r.Get("/version", systemHandler.Version)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	// Event stream
	r.Get("/ws", wsHandler.Upgrade)

	return r
}
