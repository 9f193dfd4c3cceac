package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/portdaddy/portdaddy/internal/activity"
	"github.com/portdaddy/portdaddy/internal/agents"
	"github.com/portdaddy/portdaddy/internal/broker"
	"github.com/portdaddy/portdaddy/internal/db"
	"github.com/portdaddy/portdaddy/internal/events"
	"github.com/portdaddy/portdaddy/internal/inbox"
	"github.com/portdaddy/portdaddy/internal/locks"
	"github.com/portdaddy/portdaddy/internal/ports"
	"github.com/portdaddy/portdaddy/internal/resurrection"
	"github.com/portdaddy/portdaddy/internal/sessions"
	"github.com/portdaddy/portdaddy/internal/webhooks"
	"github.com/portdaddy/portdaddy/internal/websocket"
)

// newTestRouter wires a full daemon surface over an in-memory store.
func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	database := db.OpenTest(t)
	logger := zap.NewNop()
	bus := events.NewBus(logger)

	allocator := ports.New(database, bus, logger, 9876)
	lockMgr := locks.New(database, bus, logger)
	registry := agents.New(database, bus, logger, allocator, lockMgr)
	webhookReg := webhooks.NewRegistry(database, logger)

	return NewRouter(RouterConfig{
		Ports:        allocator,
		Locks:        lockMgr,
		Broker:       broker.New(database, bus, logger),
		Inbox:        inbox.New(database, bus, logger),
		Sessions:     sessions.New(database, bus, logger),
		Agents:       registry,
		Resurrection: resurrection.New(database, logger),
		Webhooks:     webhookReg,
		Dispatcher:   webhooks.NewDispatcher(database, webhookReg, logger),
		Activity:     activity.New(database, logger),
		Hub:          websocket.NewHub(),
		Logger:       logger,
		Version:      "test",
		StartedAt:    db.Now(),
	})
}

// do sends a JSON request and decodes the JSON response into a map.
func do(t *testing.T, router http.Handler, method, path string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded), "body: %s", rec.Body.String())
	}
	return rec.Code, decoded
}

func TestClaimReleaseLifecycle(t *testing.T) {
	router := newTestRouter(t)

	status, body := do(t, router, "POST", "/claim", map[string]any{"id": "myapp:api"}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "myapp:api", body["id"])
	assert.Equal(t, float64(3100), body["port"])
	assert.Equal(t, false, body["existing"])

	// Re-claim returns the same port with existing=true.
	status, body = do(t, router, "POST", "/claim", map[string]any{"id": "myapp:api"}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(3100), body["port"])
	assert.Equal(t, true, body["existing"])

	status, body = do(t, router, "GET", "/services/myapp:api", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "myapp:api", body["ID"])

	status, body = do(t, router, "DELETE", "/release", map[string]any{"id": "myapp:*"}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["released"])
	assert.Equal(t, float64(3100), body["port"])

	status, body = do(t, router, "GET", "/services/myapp:api", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NotFound", body["code"])
}

func TestClaimRejectsWildcard(t *testing.T) {
	router := newTestRouter(t)

	status, body := do(t, router, "POST", "/claim", map[string]any{"id": "myapp:*"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "InvalidIdentity", body["code"])
}

func TestServiceEndpointsAndStatus(t *testing.T) {
	router := newTestRouter(t)

	status, _ := do(t, router, "POST", "/claim", map[string]any{"id": "myapp:api"}, nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = do(t, router, "PUT", "/services/myapp:api/endpoints/staging",
		map[string]any{"url": "https://staging.example.com"}, nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = do(t, router, "PUT", "/services/myapp:api/status", map[string]any{"status": "running"}, nil)
	require.Equal(t, http.StatusOK, status)

	status, body := do(t, router, "GET", "/services/myapp:api", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "running", body["Status"])
	endpoints, ok := body["endpoints"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "https://staging.example.com", endpoints["staging"])
	assert.Contains(t, endpoints, "local")
}

func TestLockContentionOverHTTP(t *testing.T) {
	router := newTestRouter(t)

	status, body := do(t, router, "POST", "/locks/deploy", map[string]any{"owner": "A", "ttl": 60000}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "A", body["owner"])

	status, body = do(t, router, "POST", "/locks/deploy", map[string]any{"owner": "B"}, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "LockHeld", body["code"])
	detail, ok := body["detail"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "A", detail["holder"])

	// Wrong owner cannot release.
	status, body = do(t, router, "DELETE", "/locks/deploy", map[string]any{"owner": "B"}, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "LockHeldByOther", body["code"])

	status, body = do(t, router, "DELETE", "/locks/deploy", map[string]any{"owner": "A"}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["released"])

	status, body = do(t, router, "GET", "/locks/deploy", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["held"])
}

func TestMessagesPublishAndHistory(t *testing.T) {
	router := newTestRouter(t)

	for _, text := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		status, body := do(t, router, "POST", "/msg/builds",
			map[string]any{"payload": json.RawMessage(text)}, nil)
		require.Equal(t, http.StatusCreated, status)
		assert.NotZero(t, body["id"])
	}

	status, body := do(t, router, "GET", "/msg/builds?after=0", nil, nil)
	require.Equal(t, http.StatusOK, status)
	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 3)

	// Strictly increasing ids in ascending order.
	prev := float64(0)
	for _, raw := range msgs {
		msg := raw.(map[string]any)
		id := msg["id"].(float64)
		assert.Greater(t, id, prev)
		prev = id
	}

	status, body = do(t, router, "GET", "/channels", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])
}

func TestPollReturnsNullOnQuietChannel(t *testing.T) {
	router := newTestRouter(t)

	status, body := do(t, router, "GET", "/msg/quiet/poll?timeout=10", nil, nil)
	require.Equal(t, http.StatusOK, status)
	value, present := body["message"]
	assert.True(t, present)
	assert.Nil(t, value)
}

func TestPollReturnsExistingMessage(t *testing.T) {
	router := newTestRouter(t)

	status, _ := do(t, router, "POST", "/msg/builds", map[string]any{"payload": json.RawMessage(`"hello"`)}, nil)
	require.Equal(t, http.StatusCreated, status)

	status, body := do(t, router, "GET", "/msg/builds/poll?after=0&timeout=1000", nil, nil)
	require.Equal(t, http.StatusOK, status)
	msg, ok := body["message"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello", msg["payload"])
}

func TestAgentLifecycleOverHTTP(t *testing.T) {
	router := newTestRouter(t)

	status, body := do(t, router, "POST", "/agents",
		map[string]any{"id": "proj:api:main", "name": "builder"}, nil)
	require.Equal(t, http.StatusCreated, status)
	agent, ok := body["agent"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "proj", agent["Project"])

	status, _ = do(t, router, "POST", "/agents/proj:api:main/heartbeat", nil,
		map[string]string{"X-Pid": "4242"})
	require.Equal(t, http.StatusOK, status)

	status, body = do(t, router, "GET", "/agents?active=true", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])

	status, body = do(t, router, "DELETE", "/agents/proj:api:main", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["removed"])
}

func TestCallerIdentityAttributesClaims(t *testing.T) {
	router := newTestRouter(t)

	headers := map[string]string{"X-Agent-Id": "proj:worker", "X-Pid": "777"}
	status, _ := do(t, router, "POST", "/claim", map[string]any{"id": "proj:api"}, headers)
	require.Equal(t, http.StatusOK, status)

	status, body := do(t, router, "GET", "/services/proj:api", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "proj:worker", body["AgentID"])
	assert.Equal(t, float64(777), body["PID"])
}

func TestSessionFlowOverHTTP(t *testing.T) {
	router := newTestRouter(t)

	status, body := do(t, router, "POST", "/sessions",
		map[string]any{"purpose": "refactor auth", "agentId": "proj:api", "files": []string{"a.go"}}, nil)
	require.Equal(t, http.StatusCreated, status)
	session, ok := body["session"].(map[string]any)
	require.True(t, ok)
	id := session["ID"].(string)
	require.NotEmpty(t, id)

	status, _ = do(t, router, "POST", "/sessions/"+id+"/notes",
		map[string]any{"content": "switched to bcrypt"}, nil)
	require.Equal(t, http.StatusCreated, status)

	// Second session claiming the same file sees a conflict but still claims.
	status, body = do(t, router, "POST", "/sessions",
		map[string]any{"purpose": "other work", "agentId": "proj:worker"}, nil)
	require.Equal(t, http.StatusCreated, status)
	other := body["session"].(map[string]any)["ID"].(string)

	status, body = do(t, router, "POST", "/sessions/"+other+"/files",
		map[string]any{"files": []string{"a.go"}}, nil)
	require.Equal(t, http.StatusOK, status)
	conflicts, ok := body["conflicts"].([]any)
	require.True(t, ok)
	require.Len(t, conflicts, 1)
	assert.Equal(t, id, conflicts[0].(map[string]any)["session_id"])

	status, body = do(t, router, "PUT", "/sessions/"+id,
		map[string]any{"status": "completed", "handoffNote": "done"}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "completed", body["Status"])

	// Ending twice fails.
	status, body = do(t, router, "PUT", "/sessions/"+id, map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "ValidationError", body["code"])
}

func TestInboxOverHTTP(t *testing.T) {
	router := newTestRouter(t)

	status, _ := do(t, router, "POST", "/inbox/proj:api",
		map[string]any{"content": "ping"}, map[string]string{"X-Agent-Id": "proj:worker"})
	require.Equal(t, http.StatusCreated, status)

	status, body := do(t, router, "GET", "/inbox/proj:api?unread=true", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, float64(1), body["unread"])
	msgs := body["messages"].([]any)
	assert.Equal(t, "proj:worker", msgs[0].(map[string]any)["Sender"])

	status, body = do(t, router, "POST", "/inbox/proj:api/read", map[string]any{}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["marked"])

	status, body = do(t, router, "GET", "/inbox/proj:api?unread=true", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["count"])
}

func TestWebhookSSRFGuardOverHTTP(t *testing.T) {
	router := newTestRouter(t)

	status, body := do(t, router, "POST", "/webhooks",
		map[string]any{"url": "http://169.254.169.254/hook"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Forbidden", body["code"])

	status, body = do(t, router, "POST", "/webhooks",
		map[string]any{"url": "https://hooks.example.com/pd", "events": []string{"service.claim"}}, nil)
	require.Equal(t, http.StatusCreated, status)
	id := body["ID"].(string)

	status, body = do(t, router, "GET", "/webhooks", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])

	status, _ = do(t, router, "DELETE", "/webhooks/"+id, nil, nil)
	assert.Equal(t, http.StatusNoContent, status)
}

func TestHealthAndVersion(t *testing.T) {
	router := newTestRouter(t)

	status, _ := do(t, router, "POST", "/claim", map[string]any{"id": "myapp:api"}, nil)
	require.Equal(t, http.StatusOK, status)

	status, body := do(t, router, "GET", "/health", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, float64(1), body["active_ports"])
	assert.NotZero(t, body["pid"])

	status, body = do(t, router, "GET", "/version", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "test", body["version"])
}

func TestActivityReflectsOperations(t *testing.T) {
	database := db.OpenTest(t)
	logger := zap.NewNop()
	bus := events.NewBus(logger)

	allocator := ports.New(database, bus, logger, 9876)
	lockMgr := locks.New(database, bus, logger)
	registry := agents.New(database, bus, logger, allocator, lockMgr)
	webhookReg := webhooks.NewRegistry(database, logger)
	log := activity.New(database, logger)
	log.Attach(bus)
	defer log.Detach(bus)

	router := NewRouter(RouterConfig{
		Ports:        allocator,
		Locks:        lockMgr,
		Broker:       broker.New(database, bus, logger),
		Inbox:        inbox.New(database, bus, logger),
		Sessions:     sessions.New(database, bus, logger),
		Agents:       registry,
		Resurrection: resurrection.New(database, logger),
		Webhooks:     webhookReg,
		Dispatcher:   webhooks.NewDispatcher(database, webhookReg, logger),
		Activity:     log,
		Hub:          websocket.NewHub(),
		Logger:       logger,
		Version:      "test",
		StartedAt:    db.Now(),
	})

	status, _ := do(t, router, "POST", "/claim", map[string]any{"id": "myapp:api"}, nil)
	require.Equal(t, http.StatusOK, status)

	status, body := do(t, router, "GET", "/activity?type=service.claim", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])

	status, body = do(t, router, "GET", "/activity/summary", nil, nil)
	require.Equal(t, http.StatusOK, status)
	byType, ok := body["by_type"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), byType["service.claim"])
}
