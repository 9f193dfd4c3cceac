package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/portdaddy/portdaddy/internal/webhooks"
)

// WebhookHandler groups the webhook HTTP handlers.
type WebhookHandler struct {
	registry   *webhooks.Registry
	dispatcher *webhooks.Dispatcher
	logger     *zap.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(registry *webhooks.Registry, dispatcher *webhooks.Dispatcher, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger.Named("webhook_handler"),
	}
}

// createWebhookRequest is the JSON body expected by POST /webhooks.
type createWebhookRequest struct {
	URL      string   `json:"url"`
	Secret   string   `json:"secret"`
	Events   []string `json:"events"`
	Filter   string   `json:"filter"`
	Metadata string   `json:"metadata"`
}

// Create handles POST /webhooks.
// The URL passes through the SSRF guard; private, loopback, link-local and
// metadata targets are rejected.
func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		ErrBadRequest(w, "url is required")
		return
	}

	hook, err := h.registry.Register(r.Context(), req.URL, webhooks.RegisterOptions{
		Secret:   req.Secret,
		Events:   req.Events,
		Filter:   req.Filter,
		Metadata: req.Metadata,
	})
	if err != nil {
		Err(w, err)
		return
	}
	Created(w, hook)
}

// List handles GET /webhooks.
func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	hooks, err := h.registry.List(r.Context())
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"webhooks": hooks, "count": len(hooks)})
}

// Get handles GET /webhooks/{id}.
func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	hook, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, hook)
}

// updateWebhookRequest is the JSON body expected by PUT /webhooks/{id}.
// All fields are optional — only supplied values are applied.
type updateWebhookRequest struct {
	URL    *string  `json:"url"`
	Secret *string  `json:"secret"`
	Events []string `json:"events"`
	Filter *string  `json:"filter"`
	Active *bool    `json:"active"`
}

// Update handles PUT /webhooks/{id}.
func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateWebhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	hook, err := h.registry.Update(r.Context(), chi.URLParam(r, "id"), webhooks.UpdateOptions{
		URL:    req.URL,
		Secret: req.Secret,
		Events: req.Events,
		Filter: req.Filter,
		Active: req.Active,
	})
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, hook)
}

// Delete handles DELETE /webhooks/{id}.
func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		Err(w, err)
		return
	}
	NoContent(w)
}

// Test handles POST /webhooks/{id}/test.
// Fires a single synchronous delivery with a webhook.test event and returns
// the recorded outcome.
func (h *WebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	delivery, err := h.dispatcher.Test(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, delivery)
}

// Deliveries handles GET /webhooks/{id}/deliveries.
func (h *WebhookHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	list, err := h.dispatcher.Deliveries(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 0))
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"deliveries": list, "count": len(list)})
}
