// Package webhooks implements outbound event delivery: a registry of
// subscriptions with an SSRF guard on registration, and a dispatcher that
// signs and posts matching events with bounded retries.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/portdaddy/portdaddy/internal/db"
	"github.com/portdaddy/portdaddy/internal/fault"
)

const (
	// MaxWebhooks caps the registry.
	MaxWebhooks = 100

	maxFilterLen = 100
)

// Registry owns the webhooks table.
type Registry struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRegistry creates a Registry.
func NewRegistry(database *gorm.DB, logger *zap.Logger) *Registry {
	return &Registry{db: database, logger: logger.Named("webhooks")}
}

// RegisterOptions are the optional parameters of Register.
type RegisterOptions struct {
	Secret   string
	Events   []string // defaults to ["*"]
	Filter   string   // glob on event target id
	Metadata string
}

// Register validates the URL against the SSRF guard and stores the webhook.
func (r *Registry) Register(ctx context.Context, rawURL string, opts RegisterOptions) (*db.Webhook, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	if err := validateFilter(opts.Filter); err != nil {
		return nil, err
	}

	events := opts.Events
	if len(events) == 0 {
		events = []string{"*"}
	}
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("webhooks: marshal events: %w", err)
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&db.Webhook{}).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("webhooks: count: %w", err)
	}
	if count >= MaxWebhooks {
		return nil, fault.Newf(fault.CodeResourceLimit, "webhook cap (%d) reached", MaxWebhooks)
	}

	hook := db.Webhook{
		ID:       uuid.NewString(),
		URL:      rawURL,
		Secret:   opts.Secret,
		Events:   string(eventsJSON),
		Filter:   opts.Filter,
		Active:   true,
		Metadata: defaultMetadata(opts.Metadata),
	}
	if err := r.db.WithContext(ctx).Create(&hook).Error; err != nil {
		return nil, fmt.Errorf("webhooks: create: %w", err)
	}
	return &hook, nil
}

// Get returns a webhook by id.
func (r *Registry) Get(ctx context.Context, id string) (*db.Webhook, error) {
	var hook db.Webhook
	err := r.db.WithContext(ctx).First(&hook, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fault.Newf(fault.CodeNotFound, "webhook %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("webhooks: get %q: %w", id, err)
	}
	return &hook, nil
}

// List returns all webhooks, newest first.
func (r *Registry) List(ctx context.Context) ([]db.Webhook, error) {
	var hooks []db.Webhook
	err := r.db.WithContext(ctx).Order("created_at DESC").Find(&hooks).Error
	if err != nil {
		return nil, fmt.Errorf("webhooks: list: %w", err)
	}
	return hooks, nil
}

// UpdateOptions carry the mutable webhook fields. Nil pointers leave the
// field unchanged.
type UpdateOptions struct {
	URL    *string
	Secret *string
	Events []string
	Filter *string
	Active *bool
}

// Update mutates a webhook. A new URL passes through the SSRF guard again.
func (r *Registry) Update(ctx context.Context, id string, opts UpdateOptions) (*db.Webhook, error) {
	hook, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if opts.URL != nil {
		if err := ValidateURL(*opts.URL); err != nil {
			return nil, err
		}
		updates["url"] = *opts.URL
	}
	if opts.Secret != nil {
		updates["secret"] = *opts.Secret
	}
	if len(opts.Events) > 0 {
		eventsJSON, err := json.Marshal(opts.Events)
		if err != nil {
			return nil, fmt.Errorf("webhooks: marshal events: %w", err)
		}
		updates["events"] = string(eventsJSON)
	}
	if opts.Filter != nil {
		if err := validateFilter(*opts.Filter); err != nil {
			return nil, err
		}
		updates["filter"] = *opts.Filter
	}
	if opts.Active != nil {
		updates["active"] = *opts.Active
	}
	if len(updates) == 0 {
		return hook, nil
	}

	if err := r.db.WithContext(ctx).Model(&db.Webhook{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("webhooks: update %q: %w", id, err)
	}
	return r.Get(ctx, id)
}

// Delete removes a webhook; its deliveries cascade.
func (r *Registry) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&db.Webhook{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("webhooks: delete %q: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fault.Newf(fault.CodeNotFound, "webhook %q not found", id)
	}
	return nil
}

// active returns the active webhooks.
func (r *Registry) active(ctx context.Context) ([]db.Webhook, error) {
	var hooks []db.Webhook
	err := r.db.WithContext(ctx).Where("active = ?", true).Find(&hooks).Error
	if err != nil {
		return nil, fmt.Errorf("webhooks: list active: %w", err)
	}
	return hooks, nil
}

// eventPatterns parses the stored events JSON array; a corrupt value falls
// back to match-everything rather than silently dropping the webhook.
func eventPatterns(hook *db.Webhook) []string {
	var patterns []string
	if err := json.Unmarshal([]byte(hook.Events), &patterns); err != nil || len(patterns) == 0 {
		return []string{"*"}
	}
	return patterns
}

// matches reports whether the webhook wants this event.
func matches(hook *db.Webhook, eventType, targetID string) bool {
	if !matchesAny(eventPatterns(hook), eventType) {
		return false
	}
	if hook.Filter != "" && !globMatch(hook.Filter, targetID) {
		return false
	}
	return true
}

// -----------------------------------------------------------------------------
// SSRF guard
// -----------------------------------------------------------------------------

// blockedHostSuffixes are name-based targets that never resolve to something
// safe to call from a coordination daemon.
var blockedHostSuffixes = []string{".local", ".internal"}

var blockedHostnames = map[string]struct{}{
	"localhost":                {},
	"metadata.google.internal": {},
	"metadata":                 {},
}

// ValidateURL enforces the webhook URL policy: http/https only, a hostname
// present, and neither a private/loopback/link-local address literal nor a
// well-known internal name. Names are checked as written — the guard is
// hostname-based and does not resolve DNS.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fault.Newf(fault.CodeValidationError, "invalid webhook url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fault.Newf(fault.CodeValidationError, "webhook url scheme %q is not allowed", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fault.New(fault.CodeValidationError, "webhook url has no host")
	}

	if _, blocked := blockedHostnames[host]; blocked {
		return fault.Newf(fault.CodeForbidden, "webhook host %q is not allowed", host)
	}
	for _, suffix := range blockedHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			return fault.Newf(fault.CodeForbidden, "webhook host %q is not allowed", host)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if isBlockedAddr(addr) {
			return fault.Newf(fault.CodeForbidden, "webhook address %q is not allowed", host)
		}
	} else if numericHost(host) {
		// "2130706433", "0x7f000001" and friends fail netip parsing yet
		// still dial as IPv4 literals (127.0.0.1 in both cases). Reject
		// them outright rather than guess what they expand to.
		return fault.Newf(fault.CodeForbidden, "webhook host %q is not allowed", host)
	}
	return nil
}

// numericHost reports whether every dot-separated label of host is a bare
// number: decimal, leading-zero octal, or 0x hex. Real hostnames always have
// an alphabetic top-level label, so an all-numeric name can only be an IPv4
// literal in disguise.
func numericHost(host string) bool {
	for _, label := range strings.Split(host, ".") {
		if !numericLabel(label) {
			return false
		}
	}
	return true
}

func numericLabel(label string) bool {
	if len(label) > 2 && label[0] == '0' && (label[1] == 'x' || label[1] == 'X') {
		for _, r := range label[2:] {
			switch {
			case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
			default:
				return false
			}
		}
		return true
	}
	if label == "" {
		return false
	}
	for _, r := range label {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// cgnat is 100.64.0.0/10, carrier-grade NAT space.
var cgnat = netip.MustParsePrefix("100.64.0.0/10")

func isBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap() // treat ::ffff:10.0.0.1 as 10.0.0.1
	switch {
	case addr.IsLoopback(),
		addr.IsPrivate(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsUnspecified():
		return true
	case addr.Is4() && cgnat.Contains(addr):
		return true
	case addr.Is6() && isULA(addr):
		return true
	}
	return false
}

// isULA reports fc00::/7 (unique local addresses).
func isULA(addr netip.Addr) bool {
	b := addr.As16()
	return b[0]&0xfe == 0xfc
}

func validateFilter(filter string) error {
	if filter == "" {
		return nil
	}
	if len(filter) > maxFilterLen {
		return fault.Newf(fault.CodeValidationError, "filter exceeds %d characters", maxFilterLen)
	}
	for _, r := range filter {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == ':' || r == '_' || r == '-' || r == '*' || r == '.':
		default:
			return fault.Newf(fault.CodeValidationError, "filter %q contains invalid character %q", filter, r)
		}
	}
	return nil
}

func defaultMetadata(m string) string {
	if m == "" {
		return "{}"
	}
	return m
}
