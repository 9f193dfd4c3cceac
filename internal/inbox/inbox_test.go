package inbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/portdaddy/portdaddy/internal/db"
	"github.com/portdaddy/portdaddy/internal/events"
	"github.com/portdaddy/portdaddy/internal/fault"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	database := db.OpenTest(t)
	return New(database, events.NewBus(zap.NewNop()), zap.NewNop())
}

func TestSendAndList(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	_, err := m.Send(ctx, "agent-b", "agent-a", "first", "")
	require.NoError(t, err)
	_, err = m.Send(ctx, "agent-b", "agent-a", "second", "handoff")
	require.NoError(t, err)
	_, err = m.Send(ctx, "agent-c", "agent-a", "elsewhere", "")
	require.NoError(t, err)

	msgs, err := m.List(ctx, "agent-b", ListOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "message", msgs[0].Type)
	assert.Equal(t, "handoff", msgs[1].Type)
	assert.Nil(t, msgs[0].ReadAt)
}

func TestSendValidation(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	_, err := m.Send(ctx, "", "a", "x", "")
	assert.Equal(t, fault.CodeValidationError, fault.CodeOf(err))

	_, err = m.Send(ctx, "agent-b", "a", "", "")
	assert.Equal(t, fault.CodeValidationError, fault.CodeOf(err))
}

func TestMarkReadByID(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	first, err := m.Send(ctx, "agent-b", "a", "one", "")
	require.NoError(t, err)
	_, err = m.Send(ctx, "agent-b", "a", "two", "")
	require.NoError(t, err)

	n, err := m.MarkRead(ctx, "agent-b", []uint{first.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	unread, err := m.List(ctx, "agent-b", ListOptions{UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "two", unread[0].Content)

	count, err := m.UnreadCount(ctx, "agent-b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestMarkReadAllScopedToRecipient(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	_, err := m.Send(ctx, "agent-b", "a", "one", "")
	require.NoError(t, err)
	_, err = m.Send(ctx, "agent-b", "a", "two", "")
	require.NoError(t, err)
	_, err = m.Send(ctx, "agent-c", "a", "other", "")
	require.NoError(t, err)

	n, err := m.MarkRead(ctx, "agent-b", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := m.UnreadCount(ctx, "agent-c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSendEmitsEvent(t *testing.T) {
	database := db.OpenTest(t)
	bus := events.NewBus(zap.NewNop())
	m := New(database, bus, zap.NewNop())

	var seen []events.Event
	bus.Subscribe(func(ev events.Event) { seen = append(seen, ev) })

	_, err := m.Send(context.Background(), "agent-b", "agent-a", "hi", "")
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.Equal(t, events.TypeInboxSend, seen[0].Type)
	assert.Equal(t, "agent-b", seen[0].TargetID)
	assert.Equal(t, "agent-a", seen[0].AgentID)
}

func TestTrimRead(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	msg, err := m.Send(ctx, "agent-b", "a", "old", "")
	require.NoError(t, err)
	_, err = m.Send(ctx, "agent-b", "a", "unread", "")
	require.NoError(t, err)

	// Mark read far enough in the past to be past retention.
	stale := db.Now() - ReadRetention - 1000
	require.NoError(t, m.db.Model(&db.InboxMessage{}).
		Where("id = ?", msg.ID).
		Update("read_at", stale).Error)

	n, err := m.TrimRead(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	msgs, err := m.List(ctx, "agent-b", ListOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "unread", msgs[0].Content)
}
