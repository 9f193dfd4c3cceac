package ports

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

func newAllocator(t *testing.T) (*Allocator, *events.Bus) {
	t.Helper()
	a, bus, _ := newAllocatorDB(t)
	return a, bus
}

func newAllocatorDB(t *testing.T) (*Allocator, *events.Bus, *gorm.DB) {
	t.Helper()
	database := db.OpenTest(t)
	bus := events.NewBus(zap.NewNop())
	return New(database, bus, zap.NewNop(), 9876), bus, database
}

func TestClaimAssignsLowestPort(t *testing.T) {
	a, _ := newAllocator(t)
	ctx := context.Background()

	res, err := a.Claim(ctx, "myapp:api", ClaimOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3100, res.Service.Port)
	assert.False(t, res.Existing)
	assert.Equal(t, "myapp:api", res.Service.ID)

	res2, err := a.Claim(ctx, "myapp:worker", ClaimOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3101, res2.Service.Port)
}

func TestClaimIsIdempotentPerIdentity(t *testing.T) {
	a, _ := newAllocator(t)
	ctx := context.Background()

	first, err := a.Claim(ctx, "myapp:api", ClaimOptions{})
	require.NoError(t, err)

	again, err := a.Claim(ctx, "myapp:api", ClaimOptions{Command: "npm start"})
	require.NoError(t, err)
	assert.True(t, again.Existing)
	assert.Equal(t, first.Service.Port, again.Service.Port)
	assert.Equal(t, "npm start", again.Service.Command)
}

func TestClaimRejectsWildcards(t *testing.T) {
	a, _ := newAllocator(t)

	_, err := a.Claim(context.Background(), "myapp:*", ClaimOptions{})
	require.Error(t, err)
	assert.Equal(t, fault.CodeInvalidIdentity, fault.CodeOf(err))
}

func TestClaimPreferredPort(t *testing.T) {
	a, _ := newAllocator(t)
	ctx := context.Background()

	res, err := a.Claim(ctx, "myapp:api", ClaimOptions{PreferredPort: 4500})
	require.NoError(t, err)
	assert.Equal(t, 4500, res.Service.Port)

	// Preferred port taken — falls back to the scan.
	res2, err := a.Claim(ctx, "other:api", ClaimOptions{PreferredPort: 4500})
	require.NoError(t, err)
	assert.Equal(t, 3100, res2.Service.Port)
}

func TestClaimNeverAssignsReservedPorts(t *testing.T) {
	a, _ := newAllocator(t)

	res, err := a.Claim(context.Background(), "myapp:api", ClaimOptions{PreferredPort: 8080})
	require.NoError(t, err)
	assert.NotEqual(t, 8080, res.Service.Port)

	res2, err := a.Claim(context.Background(), "myapp:daemon", ClaimOptions{PreferredPort: 9876})
	require.NoError(t, err)
	assert.NotEqual(t, 9876, res2.Service.Port)
}

func TestClaimSkipsSystemPorts(t *testing.T) {
	a, _ := newAllocator(t)

	res, err := a.Claim(context.Background(), "myapp:api", ClaimOptions{SystemPorts: []int{3100, 3101}})
	require.NoError(t, err)
	assert.Equal(t, 3102, res.Service.Port)
}

func TestClaimExhaustedRange(t *testing.T) {
	a, _ := newAllocator(t)
	ctx := context.Background()

	_, err := a.Claim(ctx, "a:one", ClaimOptions{RangeMin: 3100, RangeMax: 3101})
	require.NoError(t, err)
	_, err = a.Claim(ctx, "a:two", ClaimOptions{RangeMin: 3100, RangeMax: 3101})
	require.NoError(t, err)

	_, err = a.Claim(ctx, "a:three", ClaimOptions{RangeMin: 3100, RangeMax: 3101})
	require.Error(t, err)
	assert.Equal(t, fault.CodeNoPortAvailable, fault.CodeOf(err))
}

func TestClaimCreatesLocalEndpoint(t *testing.T) {
	a, _ := newAllocator(t)
	ctx := context.Background()

	_, err := a.Claim(ctx, "myapp:api", ClaimOptions{})
	require.NoError(t, err)

	info, err := a.Get(ctx, "myapp:api")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3100", info.Endpoints["local"])
}

func TestReleaseSingleAndPattern(t *testing.T) {
	a, _ := newAllocator(t)
	ctx := context.Background()

	_, err := a.Claim(ctx, "myapp:api", ClaimOptions{})
	require.NoError(t, err)
	_, err = a.Claim(ctx, "myapp:worker", ClaimOptions{})
	require.NoError(t, err)
	_, err = a.Claim(ctx, "other:api", ClaimOptions{})
	require.NoError(t, err)

	res, err := a.Release(ctx, "myapp:*", "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Released)

	_, err = a.Get(ctx, "myapp:api")
	assert.Equal(t, fault.CodeNotFound, fault.CodeOf(err))

	// Released ports become assignable again.
	res2, err := a.Claim(ctx, "third:api", ClaimOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3100, res2.Service.Port)

	// Releasing a missing identity is a soft no-op.
	relNone, err := a.Release(ctx, "ghost:api", "")
	require.NoError(t, err)
	assert.Equal(t, 0, relNone.Released)
}

func TestReleaseEmitsEvents(t *testing.T) {
	a, bus := newAllocator(t)
	ctx := context.Background()

	var seen []events.Event
	bus.Subscribe(func(ev events.Event) { seen = append(seen, ev) })

	_, err := a.Claim(ctx, "myapp:api", ClaimOptions{})
	require.NoError(t, err)
	_, err = a.Release(ctx, "myapp:api", "agent-1")
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, events.TypeServiceClaim, seen[0].Type)
	assert.Equal(t, events.TypeServiceRelease, seen[1].Type)
	assert.Equal(t, "myapp:api", seen[1].TargetID)
}

func TestReleaseExpired(t *testing.T) {
	a, _, database := newAllocatorDB(t)
	ctx := context.Background()

	_, err := a.Claim(ctx, "myapp:gone", ClaimOptions{ExpiresAfter: 60_000})
	require.NoError(t, err)
	_, err = a.Claim(ctx, "myapp:stays", ClaimOptions{})
	require.NoError(t, err)

	// Backdate the expiry so the sweep sees it as past due.
	past := db.Now() - 1000
	require.NoError(t, database.Model(&db.Service{}).
		Where("id = ?", "myapp:gone").
		Update("expires_at", past).Error)

	res, err := a.ReleaseExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Released)

	_, err = a.Get(ctx, "myapp:stays")
	assert.NoError(t, err)
}

func TestFindPatternRoundTrip(t *testing.T) {
	a, _ := newAllocator(t)
	ctx := context.Background()

	for _, id := range []string{"myapp:api", "myapp:worker:main", "other:api"} {
		_, err := a.Claim(ctx, id, ClaimOptions{})
		require.NoError(t, err)
	}

	infos, err := a.Find(ctx, "myapp:*", FindFilters{})
	require.NoError(t, err)
	require.Len(t, infos, 2)
	// Ordered by identity ascending.
	assert.Equal(t, "myapp:api", infos[0].ID)
	assert.Equal(t, "myapp:worker:main", infos[1].ID)

	byPort, err := a.Find(ctx, "*", FindFilters{Port: infos[0].Port})
	require.NoError(t, err)
	require.Len(t, byPort, 1)
	assert.Equal(t, "myapp:api", byPort[0].ID)
}

func TestSetEndpointUpsert(t *testing.T) {
	a, _ := newAllocator(t)
	ctx := context.Background()

	_, err := a.Claim(ctx, "myapp:api", ClaimOptions{})
	require.NoError(t, err)

	require.NoError(t, a.SetEndpoint(ctx, "myapp:api", "staging", "https://staging.example.com"))
	require.NoError(t, a.SetEndpoint(ctx, "myapp:api", "staging", "https://staging2.example.com"))

	info, err := a.Get(ctx, "myapp:api")
	require.NoError(t, err)
	assert.Equal(t, "https://staging2.example.com", info.Endpoints["staging"])
	assert.Equal(t, "http://localhost:3100", info.Endpoints["local"])
}

func TestSetStatus(t *testing.T) {
	a, _ := newAllocator(t)
	ctx := context.Background()

	_, err := a.Claim(ctx, "myapp:api", ClaimOptions{})
	require.NoError(t, err)

	require.NoError(t, a.SetStatus(ctx, "myapp:api", "running"))

	info, err := a.Get(ctx, "myapp:api")
	require.NoError(t, err)
	assert.Equal(t, "running", info.Status)

	err = a.SetStatus(ctx, "myapp:api", "bad status!")
	assert.Equal(t, fault.CodeValidationError, fault.CodeOf(err))

	err = a.SetStatus(ctx, "ghost:api", "running")
	assert.Equal(t, fault.CodeNotFound, fault.CodeOf(err))
}
