package webhooks

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/portdaddy/portdaddy/internal/db"
	"github.com/portdaddy/portdaddy/internal/fault"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(db.OpenTest(t), zap.NewNop())
}

func TestValidateURL(t *testing.T) {
	allowed := []string{
		"https://hooks.example.com/pd",
		"http://example.com:8080/webhook",
		"https://203.0.113.10/notify",
	}
	for _, raw := range allowed {
		assert.NoError(t, ValidateURL(raw), raw)
	}

	blocked := []string{
		"ftp://example.com/x",
		"https://",
		"http://localhost/x",
		"http://127.0.0.1:9000/x",
		"http://10.1.2.3/x",
		"http://172.16.0.1/x",
		"http://192.168.1.1/x",
		"http://100.64.0.1/x",
		"http://169.254.169.254/latest/meta-data",
		"http://metadata.google.internal/computeMetadata",
		"http://[::1]/x",
		"http://[fe80::1]/x",
		"http://[fd00::1]/x",
		"http://[::ffff:10.0.0.1]/x",
		"http://printer.local/x",
		"http://vault.internal/x",
		// IPv4 literals in disguise: decimal, hex, octal, and mixed forms
		// all dial 127.0.0.1 without ever parsing as an address.
		"http://2130706433/x",
		"http://0x7f000001/x",
		"http://017700000001/x",
		"http://0x7f.0.0.1/x",
		"http://127.1/x",
	}
	for _, raw := range blocked {
		assert.Error(t, ValidateURL(raw), raw)
	}
}

func TestRegisterDefaultsAndCap(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	hook, err := r.Register(ctx, "https://hooks.example.com/pd", RegisterOptions{})
	require.NoError(t, err)
	assert.Equal(t, `["*"]`, hook.Events)
	assert.True(t, hook.Active)
	assert.NotEmpty(t, hook.ID)

	for i := 1; i < MaxWebhooks; i++ {
		_, err := r.Register(ctx, fmt.Sprintf("https://hooks.example.com/pd/%d", i), RegisterOptions{})
		require.NoError(t, err)
	}

	_, err = r.Register(ctx, "https://hooks.example.com/over", RegisterOptions{})
	require.Error(t, err)
	assert.Equal(t, fault.CodeResourceLimit, fault.CodeOf(err))
}

func TestRegisterRejectsBadFilter(t *testing.T) {
	r := newRegistry(t)

	_, err := r.Register(context.Background(), "https://hooks.example.com/pd",
		RegisterOptions{Filter: "bad filter!"})
	assert.Equal(t, fault.CodeValidationError, fault.CodeOf(err))
}

func TestUpdateAndDelete(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	hook, err := r.Register(ctx, "https://hooks.example.com/pd", RegisterOptions{})
	require.NoError(t, err)

	inactive := false
	filter := "myapp:*"
	updated, err := r.Update(ctx, hook.ID, UpdateOptions{
		Events: []string{"service.*"},
		Filter: &filter,
		Active: &inactive,
	})
	require.NoError(t, err)
	assert.Equal(t, `["service.*"]`, updated.Events)
	assert.Equal(t, "myapp:*", updated.Filter)
	assert.False(t, updated.Active)

	// URL updates pass through the guard.
	badURL := "http://127.0.0.1/x"
	_, err = r.Update(ctx, hook.ID, UpdateOptions{URL: &badURL})
	assert.Equal(t, fault.CodeForbidden, fault.CodeOf(err))

	require.NoError(t, r.Delete(ctx, hook.ID))
	assert.Equal(t, fault.CodeNotFound, fault.CodeOf(r.Delete(ctx, hook.ID)))
}

func TestMatches(t *testing.T) {
	hook := &db.Webhook{Events: `["service.*"]`, Filter: "myapp:*"}
	assert.True(t, matches(hook, "service.claim", "myapp:api"))
	assert.False(t, matches(hook, "lock.acquire", "myapp:api"))
	assert.False(t, matches(hook, "service.claim", "other:api"))

	catchAll := &db.Webhook{Events: `["*"]`}
	assert.True(t, matches(catchAll, "anything.at.all", ""))

	// Corrupt events JSON falls back to match-everything.
	corrupt := &db.Webhook{Events: `not json`}
	assert.True(t, matches(corrupt, "service.claim", "x"))
}
