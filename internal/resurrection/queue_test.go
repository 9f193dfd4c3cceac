package resurrection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/portdaddy/portdaddy/internal/db"
	"github.com/portdaddy/portdaddy/internal/fault"
)

func newQueue(t *testing.T) (*Queue, *gorm.DB) {
	t.Helper()
	database := db.OpenTest(t)
	return New(database, zap.NewNop()), database
}

func testAgent(id, project, purpose string) db.Agent {
	return db.Agent{ID: id, Project: project, Stack: "backend", Purpose: purpose}
}

func TestUpsertStaleAndUpgrade(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	entry, changed, err := q.Upsert(ctx, testAgent("myapp:backend:a", "myapp", "fix auth"), false)
	require.NoError(t, err)
	assert.Equal(t, StatusStale, entry.Status)
	assert.True(t, changed, "creation is a change")

	// Same agent again, still stale: no duplicate, no change.
	entry, changed, err = q.Upsert(ctx, testAgent("myapp:backend:a", "myapp", "fix auth"), false)
	require.NoError(t, err)
	assert.Equal(t, StatusStale, entry.Status)
	assert.False(t, changed, "repeat scans report no change")

	// Dead now: upgraded to pending.
	entry, changed, err = q.Upsert(ctx, testAgent("myapp:backend:a", "myapp", "fix auth"), true)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, entry.Status)
	assert.True(t, changed, "the stale to pending upgrade is a change")

	// A later stale scan never downgrades.
	entry, changed, err = q.Upsert(ctx, testAgent("myapp:backend:a", "myapp", "fix auth"), false)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, entry.Status)
	assert.False(t, changed)

	all, err := q.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpsertCapturesActiveSession(t *testing.T) {
	q, database := newQueue(t)
	ctx := context.Background()

	require.NoError(t, database.Create(&db.Session{
		ID:      "session-abcd1234",
		Purpose: "migrate schema",
		Status:  "active",
		AgentID: "myapp:backend:a",
	}).Error)

	entry, _, err := q.Upsert(ctx, testAgent("myapp:backend:a", "myapp", ""), true)
	require.NoError(t, err)
	assert.Equal(t, "session-abcd1234", entry.SessionID)
	assert.Equal(t, "migrate schema", entry.Purpose)
}

func TestListPendingFilters(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	_, _, err := q.Upsert(ctx, testAgent("myapp:backend:a", "myapp", ""), true)
	require.NoError(t, err)
	_, _, err = q.Upsert(ctx, testAgent("other:backend:b", "other", ""), true)
	require.NoError(t, err)
	_, _, err = q.Upsert(ctx, testAgent("myapp:backend:c", "myapp", ""), false)
	require.NoError(t, err)

	pending, err := q.ListPending(ctx, "myapp", "")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "myapp:backend:a", pending[0].AgentID)

	none, err := q.ListPending(ctx, "myapp", "frontend")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClaimTransitionsAndGuards(t *testing.T) {
	q, database := newQueue(t)
	ctx := context.Background()

	require.NoError(t, database.Create(&db.Session{
		ID:      "session-feed0001",
		Purpose: "ship feature",
		Status:  "active",
		AgentID: "myapp:backend:a",
	}).Error)
	for _, content := range []string{"first", "second", "third"} {
		require.NoError(t, database.Create(&db.SessionNote{
			SessionID: "session-feed0001",
			Content:   content,
		}).Error)
	}

	_, _, err := q.Upsert(ctx, testAgent("myapp:backend:a", "myapp", ""), true)
	require.NoError(t, err)

	res, err := q.Claim(ctx, "myapp:backend:a", "myapp:backend:new")
	require.NoError(t, err)
	assert.Equal(t, StatusResurrecting, res.Entry.Status)
	assert.Equal(t, "myapp:backend:new", res.Entry.ClaimedBy)
	assert.Equal(t, "session-feed0001", res.SessionID)
	assert.Equal(t, "ship feature", res.Purpose)
	require.Len(t, res.RecentNotes, 3)
	assert.Equal(t, "first", res.RecentNotes[0].Content)
	assert.Equal(t, "third", res.RecentNotes[2].Content)

	// Already claimed.
	_, err = q.Claim(ctx, "myapp:backend:a", "someone:else")
	assert.Equal(t, fault.CodeForbidden, fault.CodeOf(err))

	// No entry at all.
	_, err = q.Claim(ctx, "ghost", "someone")
	assert.Equal(t, fault.CodeNotFound, fault.CodeOf(err))
}

func TestAbandonReturnsToPending(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	_, _, err := q.Upsert(ctx, testAgent("myapp:backend:a", "myapp", ""), true)
	require.NoError(t, err)
	_, err = q.Claim(ctx, "myapp:backend:a", "successor")
	require.NoError(t, err)

	require.NoError(t, q.Abandon(ctx, "myapp:backend:a"))

	pending, err := q.ListPending(ctx, "myapp", "")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Empty(t, pending[0].ClaimedBy)

	// Abandoning a non-resurrecting entry fails.
	err = q.Abandon(ctx, "myapp:backend:a")
	assert.Equal(t, fault.CodeNotFound, fault.CodeOf(err))
}

func TestCompleteRebindsSession(t *testing.T) {
	q, database := newQueue(t)
	ctx := context.Background()

	require.NoError(t, database.Create(&db.Session{
		ID:      "session-0badf00d",
		Purpose: "refactor",
		Status:  "active",
		AgentID: "myapp:backend:a",
	}).Error)

	_, _, err := q.Upsert(ctx, testAgent("myapp:backend:a", "myapp", ""), true)
	require.NoError(t, err)
	_, err = q.Claim(ctx, "myapp:backend:a", "myapp:backend:new")
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, "myapp:backend:a", "myapp:backend:new"))

	var session db.Session
	require.NoError(t, database.First(&session, "id = ?", "session-0badf00d").Error)
	assert.Equal(t, "myapp:backend:new", session.AgentID)

	all, err := q.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDismiss(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	_, _, err := q.Upsert(ctx, testAgent("myapp:backend:a", "myapp", ""), false)
	require.NoError(t, err)

	require.NoError(t, q.Dismiss(ctx, "myapp:backend:a"))
	assert.Equal(t, fault.CodeNotFound, fault.CodeOf(q.Dismiss(ctx, "myapp:backend:a")))
}

func TestPurge(t *testing.T) {
	q, database := newQueue(t)
	ctx := context.Background()

	_, _, err := q.Upsert(ctx, testAgent("myapp:backend:old", "myapp", ""), true)
	require.NoError(t, err)
	_, _, err = q.Upsert(ctx, testAgent("myapp:backend:fresh", "myapp", ""), true)
	require.NoError(t, err)

	stale := db.Now() - Retention - 1000
	require.NoError(t, database.Model(&db.ResurrectionEntry{}).
		Where("agent_id = ?", "myapp:backend:old").
		Update("detected_at", stale).Error)

	n, err := q.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	remaining, err := q.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "myapp:backend:fresh", remaining[0].AgentID)
}
