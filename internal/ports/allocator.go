// Package ports implements the port allocator: TCP port numbers handed out
// against semantic identities, with TTL expiry, endpoint aliases, and
// pattern-based release. The store's unique port index is the linearization
// point for concurrent claims — allocation is an insert, a collision is a
// constraint violation translated to PortInUse and retried once.
package ports

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/portdaddy/portdaddy/internal/db"
	"github.com/portdaddy/portdaddy/internal/events"
	"github.com/portdaddy/portdaddy/internal/fault"
	"github.com/portdaddy/portdaddy/internal/identity"
)

const (
	// DefaultRangeMin and DefaultRangeMax bound the port scan when the
	// caller does not supply a range.
	DefaultRangeMin = 3100
	DefaultRangeMax = 9999

	// DefaultFindLimit and MaxFindLimit bound find queries.
	DefaultFindLimit = 100
	MaxFindLimit     = 1000
)

// validRestart enumerates the accepted restart policies.
var validRestart = map[string]bool{"": true, "never": true, "on-failure": true, "always": true}

// Allocator hands out ports and owns the services table.
type Allocator struct {
	db       *gorm.DB
	bus      *events.Bus
	logger   *zap.Logger
	reserved map[int]struct{}
}

// New creates an Allocator. daemonPort is added to the reserved set so the
// daemon never assigns its own port; 8080 and 8000 are always reserved.
func New(database *gorm.DB, bus *events.Bus, logger *zap.Logger, daemonPort int) *Allocator {
	return &Allocator{
		db:     database,
		bus:    bus,
		logger: logger.Named("ports"),
		reserved: map[int]struct{}{
			8080:       {},
			8000:       {},
			daemonPort: {},
		},
	}
}

// ClaimOptions are the optional parameters of Claim. Zero values mean
// "not supplied".
type ClaimOptions struct {
	PreferredPort int
	RangeMin      int
	RangeMax      int
	ExpiresAfter  int64 // relative TTL in ms; 0 = no expiry
	Command       string
	WorkDir       string
	PID           int
	Restart       string
	HealthURL     string
	Pair          string
	Metadata      string
	SystemPorts   []int // ports known to be occupied by the OS
	AgentID       string
}

// ClaimResult is the outcome of a successful claim.
type ClaimResult struct {
	Service  db.Service
	Existing bool
}

// Claim assigns a port to the identity, or refreshes the existing assignment.
// Wildcards are rejected. When the identity already exists the stored port is
// returned with Existing=true, last_seen is refreshed, and any supplied
// mutable fields are overlaid.
func (a *Allocator) Claim(ctx context.Context, rawID string, opts ClaimOptions) (*ClaimResult, error) {
	id, err := identity.Parse(rawID)
	if err != nil {
		return nil, err
	}
	if !validRestart[opts.Restart] {
		return nil, fault.Newf(fault.CodeValidationError, "invalid restart policy %q", opts.Restart)
	}

	result, err := a.claimOnce(ctx, id, opts)
	if err != nil && fault.IsCode(err, fault.CodePortInUse) {
		// Another claimer won the port between our scan and insert.
		// One retry re-scans and picks the next free port.
		a.logger.Debug("port collision, retrying claim", zap.String("id", id.String()))
		result, err = a.claimOnce(ctx, id, opts)
	}
	if err != nil {
		return nil, err
	}

	if !result.Existing {
		a.bus.Publish(events.Event{
			Type:     events.TypeServiceClaim,
			TargetID: result.Service.ID,
			AgentID:  opts.AgentID,
			Data:     map[string]any{"port": result.Service.Port},
		})
	}
	return result, nil
}

// claimOnce runs one claim attempt in a single transaction: refresh the
// existing row, or pick a port and insert the service together with its
// "local" endpoint alias.
func (a *Allocator) claimOnce(ctx context.Context, id identity.Identity, opts ClaimOptions) (*ClaimResult, error) {
	var result ClaimResult

	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing db.Service
		err := tx.First(&existing, "id = ?", id.String()).Error
		switch {
		case err == nil:
			a.overlay(&existing, opts)
			existing.LastSeen = db.Now()
			if err := tx.Save(&existing).Error; err != nil {
				return fmt.Errorf("refresh service: %w", err)
			}
			result = ClaimResult{Service: existing, Existing: true}
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("lookup service: %w", err)
		}

		port, err := a.pickPort(tx, opts)
		if err != nil {
			return err
		}

		now := db.Now()
		svc := db.Service{
			ID:        id.String(),
			Port:      port,
			PID:       opts.PID,
			Command:   opts.Command,
			WorkDir:   opts.WorkDir,
			Status:    "assigned",
			Restart:   defaultRestart(opts.Restart),
			HealthURL: opts.HealthURL,
			Pair:      opts.Pair,
			AgentID:   opts.AgentID,
			Metadata:  defaultMetadata(opts.Metadata),
			LastSeen:  now,
		}
		if opts.ExpiresAfter > 0 {
			exp := now + opts.ExpiresAfter
			svc.ExpiresAt = &exp
		}

		if err := tx.Create(&svc).Error; err != nil {
			if isUniqueViolation(err) {
				return fault.Newf(fault.CodePortInUse, "port %d was claimed concurrently", port)
			}
			return fmt.Errorf("insert service: %w", err)
		}

		// The local alias is observable in the same transaction as the claim.
		ep := db.Endpoint{
			ServiceID:   svc.ID,
			Environment: "local",
			URL:         fmt.Sprintf("http://localhost:%d", port),
		}
		if err := tx.Create(&ep).Error; err != nil {
			return fmt.Errorf("insert local endpoint: %w", err)
		}

		// Opportunistic project cache refresh; never load-bearing.
		proj := db.Project{Name: id.Project, LastSeen: now}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.Assignments(map[string]any{"last_seen": now}),
		}).Create(&proj).Error; err != nil {
			a.logger.Warn("project cache update failed", zap.Error(err))
		}

		result = ClaimResult{Service: svc}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// overlay applies the mutable fields supplied on a repeat claim.
func (a *Allocator) overlay(svc *db.Service, opts ClaimOptions) {
	if opts.PID != 0 {
		svc.PID = opts.PID
	}
	if opts.Command != "" {
		svc.Command = opts.Command
	}
	if opts.WorkDir != "" {
		svc.WorkDir = opts.WorkDir
	}
	if opts.Restart != "" {
		svc.Restart = opts.Restart
	}
	if opts.HealthURL != "" {
		svc.HealthURL = opts.HealthURL
	}
	if opts.Pair != "" {
		svc.Pair = opts.Pair
	}
	if opts.AgentID != "" {
		svc.AgentID = opts.AgentID
	}
	if opts.Metadata != "" {
		svc.Metadata = opts.Metadata
	}
	if opts.ExpiresAfter > 0 {
		exp := db.Now() + opts.ExpiresAfter
		svc.ExpiresAt = &exp
	}
}

// pickPort selects the port for a new service: the preferred port when free
// and allowed, otherwise the lowest free port in the range.
func (a *Allocator) pickPort(tx *gorm.DB, opts ClaimOptions) (int, error) {
	min, max := opts.RangeMin, opts.RangeMax
	if min == 0 {
		min = DefaultRangeMin
	}
	if max == 0 {
		max = DefaultRangeMax
	}
	if min > max {
		return 0, fault.Newf(fault.CodeInvalidArgument, "invalid port range [%d, %d]", min, max)
	}

	var usedList []int
	if err := tx.Model(&db.Service{}).Pluck("port", &usedList).Error; err != nil {
		return 0, fmt.Errorf("list used ports: %w", err)
	}

	used := make(map[int]struct{}, len(usedList)+len(opts.SystemPorts))
	for _, p := range usedList {
		used[p] = struct{}{}
	}
	for _, p := range opts.SystemPorts {
		used[p] = struct{}{}
	}

	free := func(p int) bool {
		if _, ok := used[p]; ok {
			return false
		}
		_, reserved := a.reserved[p]
		return !reserved
	}

	if opts.PreferredPort != 0 && free(opts.PreferredPort) {
		return opts.PreferredPort, nil
	}

	for p := min; p <= max; p++ {
		if free(p) {
			return p, nil
		}
	}
	return 0, fault.Newf(fault.CodeNoPortAvailable, "no free port in range [%d, %d]", min, max)
}

// ReleaseResult reports what a release removed.
type ReleaseResult struct {
	Released int
	Ports    []int
}

// Release removes services. If idOrPattern contains wildcards every matching
// service is removed; otherwise the single identity is removed (a missing
// identity is a soft no-op). Endpoint rows cascade with the service.
func (a *Allocator) Release(ctx context.Context, idOrPattern string, agentID string) (*ReleaseResult, error) {
	pattern, err := identity.ParsePattern(idOrPattern)
	if err != nil {
		return nil, err
	}

	var victims []db.Service
	q := a.db.WithContext(ctx)
	if pattern.HasWildcard() {
		if err := q.Where("id LIKE ? ESCAPE '\\'", pattern.Like()).Find(&victims).Error; err != nil {
			return nil, fmt.Errorf("ports: match for release: %w", err)
		}
		victims = filterMatches(victims, pattern)
	} else {
		var svc db.Service
		err := q.First(&svc, "id = ?", pattern.String()).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &ReleaseResult{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("ports: lookup for release: %w", err)
		}
		victims = []db.Service{svc}
	}

	return a.remove(ctx, victims, agentID, "released")
}

// ReleaseExpired removes every service whose expiry has passed. Used by the
// janitor and by release calls with the expired flag.
func (a *Allocator) ReleaseExpired(ctx context.Context) (*ReleaseResult, error) {
	var victims []db.Service
	if err := a.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", db.Now()).
		Find(&victims).Error; err != nil {
		return nil, fmt.Errorf("ports: list expired: %w", err)
	}
	return a.remove(ctx, victims, "", "expired")
}

// CleanupEntry describes one service freed by pid-liveness cleanup.
type CleanupEntry struct {
	ID   string `json:"id"`
	Port int    `json:"port"`
	PID  int    `json:"pid"`
}

// Cleanup releases every service whose recorded process no longer exists.
// Services without a recorded pid are left alone.
func (a *Allocator) Cleanup(ctx context.Context) ([]CleanupEntry, error) {
	var candidates []db.Service
	if err := a.db.WithContext(ctx).Where("pid > 0").Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("ports: list for cleanup: %w", err)
	}

	var dead []db.Service
	freed := []CleanupEntry{}
	for _, svc := range candidates {
		alive, err := process.PidExistsWithContext(ctx, int32(svc.PID))
		if err != nil {
			a.logger.Warn("pid liveness check failed",
				zap.String("id", svc.ID), zap.Int("pid", svc.PID), zap.Error(err))
			continue
		}
		if !alive {
			dead = append(dead, svc)
			freed = append(freed, CleanupEntry{ID: svc.ID, Port: svc.Port, PID: svc.PID})
		}
	}

	if _, err := a.remove(ctx, dead, "", "process exited"); err != nil {
		return nil, err
	}
	return freed, nil
}

// remove deletes the given services and emits a service.release event per row.
func (a *Allocator) remove(ctx context.Context, victims []db.Service, agentID, reason string) (*ReleaseResult, error) {
	result := &ReleaseResult{Ports: []int{}}
	for _, svc := range victims {
		if err := a.db.WithContext(ctx).Delete(&db.Service{}, "id = ?", svc.ID).Error; err != nil {
			return nil, fmt.Errorf("ports: delete %s: %w", svc.ID, err)
		}
		result.Released++
		result.Ports = append(result.Ports, svc.Port)

		a.bus.Publish(events.Event{
			Type:     events.TypeServiceRelease,
			TargetID: svc.ID,
			AgentID:  agentID,
			Data:     map[string]any{"port": svc.Port, "reason": reason},
		})
	}
	return result, nil
}

// Info is a service row enriched with its endpoint alias map.
type Info struct {
	db.Service
	Endpoints map[string]string `json:"endpoints"`
}

// FindFilters narrow a Find query. Zero values mean "no filter".
type FindFilters struct {
	Status  string
	Port    int
	Expired bool // only services whose expiry has passed
	Limit   int
}

// Find returns services matching the identity pattern, ordered by identity
// ascending, with filters applied in memory and endpoints attached.
func (a *Allocator) Find(ctx context.Context, rawPattern string, f FindFilters) ([]Info, error) {
	pattern, err := identity.ParsePattern(rawPattern)
	if err != nil {
		return nil, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultFindLimit
	}
	if limit > MaxFindLimit {
		limit = MaxFindLimit
	}

	var rows []db.Service
	if err := a.db.WithContext(ctx).
		Where("id LIKE ? ESCAPE '\\'", pattern.Like()).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("ports: find: %w", err)
	}
	rows = filterMatches(rows, pattern)

	now := db.Now()
	out := make([]db.Service, 0, len(rows))
	for _, svc := range rows {
		if f.Status != "" && svc.Status != f.Status {
			continue
		}
		if f.Port != 0 && svc.Port != f.Port {
			continue
		}
		if f.Expired && (svc.ExpiresAt == nil || *svc.ExpiresAt > now) {
			continue
		}
		out = append(out, svc)
		if len(out) >= limit {
			break
		}
	}

	return a.attachEndpoints(ctx, out)
}

// Get returns one service with its endpoint map.
func (a *Allocator) Get(ctx context.Context, rawID string) (*Info, error) {
	id, err := identity.Parse(rawID)
	if err != nil {
		return nil, err
	}

	var svc db.Service
	err = a.db.WithContext(ctx).First(&svc, "id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fault.Newf(fault.CodeNotFound, "service %q not found", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("ports: get: %w", err)
	}

	infos, err := a.attachEndpoints(ctx, []db.Service{svc})
	if err != nil {
		return nil, err
	}
	return &infos[0], nil
}

// SetEndpoint upserts one endpoint alias for a service.
func (a *Allocator) SetEndpoint(ctx context.Context, rawID, environment, url string) error {
	if environment == "" || url == "" {
		return fault.New(fault.CodeValidationError, "environment and url are required")
	}
	info, err := a.Get(ctx, rawID)
	if err != nil {
		return err
	}

	ep := db.Endpoint{ServiceID: info.ID, Environment: environment, URL: url}
	err = a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "service_id"}, {Name: "environment"}},
		DoUpdates: clause.Assignments(map[string]any{"url": url}),
	}).Create(&ep).Error
	if err != nil {
		return fmt.Errorf("ports: set endpoint: %w", err)
	}
	return nil
}

// SetStatus updates a service's status field and refreshes last_seen.
func (a *Allocator) SetStatus(ctx context.Context, rawID, status string) error {
	if status == "" || !validStatusChars(status) {
		return fault.Newf(fault.CodeValidationError, "invalid status %q", status)
	}

	id, err := identity.Parse(rawID)
	if err != nil {
		return err
	}

	res := a.db.WithContext(ctx).Model(&db.Service{}).
		Where("id = ?", id.String()).
		Updates(map[string]any{"status": status, "last_seen": db.Now()})
	if res.Error != nil {
		return fmt.Errorf("ports: set status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fault.Newf(fault.CodeNotFound, "service %q not found", id.String())
	}

	a.bus.Publish(events.Event{
		Type:     events.TypeServiceStatus,
		TargetID: id.String(),
		Data:     map[string]any{"status": status},
	})
	return nil
}

// CountByAgent returns the number of services claimed by the given agent.
// Used by the per-agent service cap.
func (a *Allocator) CountByAgent(ctx context.Context, agentID string) (int64, error) {
	var n int64
	err := a.db.WithContext(ctx).Model(&db.Service{}).
		Where("agent_id = ?", agentID).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("ports: count by agent: %w", err)
	}
	return n, nil
}

// ActiveCount returns the number of live services. Used by health and metrics.
func (a *Allocator) ActiveCount(ctx context.Context) (int64, error) {
	var n int64
	if err := a.db.WithContext(ctx).Model(&db.Service{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("ports: count: %w", err)
	}
	return n, nil
}

// attachEndpoints loads the endpoint alias map for each service.
func (a *Allocator) attachEndpoints(ctx context.Context, rows []db.Service) ([]Info, error) {
	infos := make([]Info, len(rows))
	if len(rows) == 0 {
		return infos, nil
	}

	ids := make([]string, len(rows))
	for i, svc := range rows {
		ids[i] = svc.ID
		infos[i] = Info{Service: svc, Endpoints: map[string]string{}}
	}

	var eps []db.Endpoint
	if err := a.db.WithContext(ctx).Where("service_id IN ?", ids).Find(&eps).Error; err != nil {
		return nil, fmt.Errorf("ports: load endpoints: %w", err)
	}

	byID := make(map[string]int, len(rows))
	for i, svc := range rows {
		byID[svc.ID] = i
	}
	for _, ep := range eps {
		if i, ok := byID[ep.ServiceID]; ok {
			infos[i].Endpoints[ep.Environment] = ep.URL
		}
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

func filterMatches(rows []db.Service, pattern identity.Pattern) []db.Service {
	out := rows[:0]
	for _, svc := range rows {
		if pattern.Matches(svc.ID) {
			out = append(out, svc)
		}
	}
	return out
}

func defaultRestart(r string) string {
	if r == "" {
		return "never"
	}
	return r
}

func defaultMetadata(m string) string {
	if m == "" {
		return "{}"
	}
	return m
}

func validStatusChars(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// isUniqueViolation reports whether err is a unique constraint violation.
// The modernc sqlite driver surfaces these as plain errors with a stable
// message prefix, so string matching is the only reliable check.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
