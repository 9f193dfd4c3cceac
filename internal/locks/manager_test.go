package locks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/portdaddy/portdaddy/internal/db"
	"github.com/portdaddy/portdaddy/internal/events"
	"github.com/portdaddy/portdaddy/internal/fault"
)

func newManager(t *testing.T) (*Manager, *gorm.DB) {
	t.Helper()
	database := db.OpenTest(t)
	return New(database, events.NewBus(zap.NewNop()), zap.NewNop()), database
}

func backdate(t *testing.T, database *gorm.DB, name string) {
	t.Helper()
	past := db.Now() - 1000
	require.NoError(t, database.Model(&db.Lock{}).
		Where("name = ?", name).
		Update("expires_at", past).Error)
}

func TestAcquireAndContention(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, "deploy", AcquireOptions{Owner: "A", TTL: 60_000})
	require.NoError(t, err)
	assert.Equal(t, "A", lock.Owner)
	require.NotNil(t, lock.ExpiresAt)

	_, err = m.Acquire(ctx, "deploy", AcquireOptions{Owner: "B"})
	require.Error(t, err)
	assert.Equal(t, fault.CodeLockHeld, fault.CodeOf(err))

	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "A", fe.Detail["holder"])
}

func TestAcquireAfterExpiry(t *testing.T) {
	m, database := newManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "deploy", AcquireOptions{Owner: "A"})
	require.NoError(t, err)
	backdate(t, database, "deploy")

	lock, err := m.Acquire(ctx, "deploy", AcquireOptions{Owner: "B"})
	require.NoError(t, err)
	assert.Equal(t, "B", lock.Owner)
}

func TestReleaseOwnerChecked(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "deploy", AcquireOptions{Owner: "A"})
	require.NoError(t, err)

	_, err = m.Release(ctx, "deploy", ReleaseOptions{Owner: "B"})
	require.Error(t, err)
	assert.Equal(t, fault.CodeLockHeldByOther, fault.CodeOf(err))

	released, err := m.Release(ctx, "deploy", ReleaseOptions{Owner: "A"})
	require.NoError(t, err)
	assert.True(t, released)

	// Releasing a missing lock is a soft success.
	released, err = m.Release(ctx, "deploy", ReleaseOptions{Owner: "A"})
	require.NoError(t, err)
	assert.False(t, released)
}

func TestReleaseForceSkipsOwnerCheck(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "deploy", AcquireOptions{Owner: "A"})
	require.NoError(t, err)

	released, err := m.Release(ctx, "deploy", ReleaseOptions{Owner: "B", Force: true})
	require.NoError(t, err)
	assert.True(t, released)
}

func TestExtend(t *testing.T) {
	m, database := newManager(t)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, "deploy", AcquireOptions{Owner: "A", TTL: 60_000})
	require.NoError(t, err)
	before := *lock.ExpiresAt

	extended, err := m.Extend(ctx, "deploy", "A", 3_600_000)
	require.NoError(t, err)
	assert.Greater(t, *extended.ExpiresAt, before)

	_, err = m.Extend(ctx, "deploy", "B", 60_000)
	assert.Equal(t, fault.CodeLockHeldByOther, fault.CodeOf(err))

	backdate(t, database, "deploy")
	_, err = m.Extend(ctx, "deploy", "A", 60_000)
	assert.Equal(t, fault.CodeLockNotHeld, fault.CodeOf(err))

	_, err = m.Extend(ctx, "ghost", "A", 60_000)
	assert.Equal(t, fault.CodeLockNotHeld, fault.CodeOf(err))
}

func TestCheckSweepsExpired(t *testing.T) {
	m, database := newManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "deploy", AcquireOptions{Owner: "A"})
	require.NoError(t, err)

	lock, err := m.Check(ctx, "deploy")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, "A", lock.Owner)

	backdate(t, database, "deploy")
	lock, err = m.Check(ctx, "deploy")
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestListByOwner(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "one", AcquireOptions{Owner: "A"})
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "two", AcquireOptions{Owner: "A"})
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "three", AcquireOptions{Owner: "B"})
	require.NoError(t, err)

	all, err := m.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	mine, err := m.List(ctx, "A")
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func TestSweepExpiredEmitsEvents(t *testing.T) {
	database := db.OpenTest(t)
	bus := events.NewBus(zap.NewNop())
	m := New(database, bus, zap.NewNop())
	ctx := context.Background()

	var expired []string
	bus.Subscribe(func(ev events.Event) {
		if ev.Type == events.TypeLockExpire {
			expired = append(expired, ev.TargetID)
		}
	})

	_, err := m.Acquire(ctx, "gone", AcquireOptions{Owner: "A"})
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "stays", AcquireOptions{Owner: "A"})
	require.NoError(t, err)
	backdate(t, database, "gone")

	n, err := m.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"gone"}, expired)

	remaining, err := m.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "stays", remaining[0].Name)
}

func TestValidateName(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "", AcquireOptions{})
	assert.Equal(t, fault.CodeValidationError, fault.CodeOf(err))

	_, err = m.Acquire(ctx, "bad name", AcquireOptions{})
	assert.Equal(t, fault.CodeValidationError, fault.CodeOf(err))
}
