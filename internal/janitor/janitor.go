// Package janitor runs the background maintenance loop. A fast tick applies
// the expiry passes in a fixed order every few seconds; slow daily jobs
// handle retention. All passes are idempotent, so a missed or doubled tick
// is harmless.
package janitor

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/portdaddy/portdaddy/internal/activity"
	"github.com/portdaddy/portdaddy/internal/agents"
	"github.com/portdaddy/portdaddy/internal/broker"
	"github.com/portdaddy/portdaddy/internal/events"
	"github.com/portdaddy/portdaddy/internal/inbox"
	"github.com/portdaddy/portdaddy/internal/locks"
	"github.com/portdaddy/portdaddy/internal/ports"
	"github.com/portdaddy/portdaddy/internal/resurrection"
	"github.com/portdaddy/portdaddy/internal/sessions"
	"github.com/portdaddy/portdaddy/internal/webhooks"
)

// TickInterval is how often the expiry passes run.
const TickInterval = 5 * time.Second

// Janitor owns the scheduler and the subsystem handles it sweeps.
type Janitor struct {
	logger *zap.Logger
	sched  gocron.Scheduler
	bus    *events.Bus

	ports        *ports.Allocator
	locks        *locks.Manager
	broker       *broker.Broker
	agents       *agents.Registry
	resurrection *resurrection.Queue
	activity     *activity.Log
	inbox        *inbox.Manager
	sessions     *sessions.Manager
	dispatcher   *webhooks.Dispatcher
}

// Config collects the subsystems the janitor maintains.
type Config struct {
	Bus          *events.Bus
	Ports        *ports.Allocator
	Locks        *locks.Manager
	Broker       *broker.Broker
	Agents       *agents.Registry
	Resurrection *resurrection.Queue
	Activity     *activity.Log
	Inbox        *inbox.Manager
	Sessions     *sessions.Manager
	Dispatcher   *webhooks.Dispatcher
	Logger       *zap.Logger
}

// New creates a Janitor with its jobs registered but not running.
func New(cfg Config) (*Janitor, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	j := &Janitor{
		logger:       cfg.Logger.Named("janitor"),
		sched:        sched,
		bus:          cfg.Bus,
		ports:        cfg.Ports,
		locks:        cfg.Locks,
		broker:       cfg.Broker,
		agents:       cfg.Agents,
		resurrection: cfg.Resurrection,
		activity:     cfg.Activity,
		inbox:        cfg.Inbox,
		sessions:     cfg.Sessions,
		dispatcher:   cfg.Dispatcher,
	}

	_, err = sched.NewJob(
		gocron.DurationJob(TickInterval),
		gocron.NewTask(j.Tick),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, err
	}

	_, err = sched.NewJob(
		gocron.DurationJob(24*time.Hour),
		gocron.NewTask(j.Daily),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, err
	}

	return j, nil
}

// Start launches the scheduler.
func (j *Janitor) Start() {
	j.sched.Start()
	j.logger.Info("janitor started", zap.Duration("tick", TickInterval))
}

// Stop shuts the scheduler down, waiting for running jobs.
func (j *Janitor) Stop() {
	if err := j.sched.Shutdown(); err != nil {
		j.logger.Warn("scheduler shutdown failed", zap.Error(err))
	}
}

// Tick runs the expiry passes in order. Order matters: services free their
// ports before anything that might want them, locks expire before the agent
// scan re-releases lapsed holders, and the activity trim runs last so it
// sees the rows the earlier passes emitted.
func (j *Janitor) Tick() {
	ctx := context.Background()

	if res, err := j.ports.ReleaseExpired(ctx); err != nil {
		j.logger.Error("expired service sweep failed", zap.Error(err))
	} else if res.Released > 0 {
		j.logger.Info("released expired services", zap.Int("count", res.Released))
	}

	if n, err := j.locks.SweepExpired(ctx); err != nil {
		j.logger.Error("expired lock sweep failed", zap.Error(err))
	} else if n > 0 {
		j.logger.Info("swept expired locks", zap.Int("count", n))
	}

	if n, err := j.broker.SweepExpired(ctx); err != nil {
		j.logger.Error("expired message sweep failed", zap.Error(err))
	} else if n > 0 {
		j.logger.Debug("swept expired channel messages", zap.Int64("count", n))
	}

	lapsed, err := j.agents.CleanupStale(ctx, j.locks)
	if err != nil {
		j.logger.Error("lapsed agent scan failed", zap.Error(err))
	}
	for _, la := range lapsed {
		_, changed, err := j.resurrection.Upsert(ctx, la.Agent, la.Dead)
		if err != nil {
			j.logger.Error("resurrection upsert failed",
				zap.String("agent", la.Agent.ID), zap.Error(err))
			continue
		}

		// Lifecycle events fire once per transition, not once per tick: the
		// upsert reports whether it actually moved the entry.
		if changed {
			evType := events.TypeAgentStale
			if la.Dead {
				evType = events.TypeAgentDead
			}
			j.bus.Publish(events.Event{
				Type:     evType,
				TargetID: la.Agent.ID,
				AgentID:  la.Agent.ID,
				Data:     map[string]any{"last_heartbeat": la.Agent.LastHeartbeat},
			})
		}

		// Dead rows are reaped only after the upsert has captured the
		// agent's session and purpose for a successor.
		if la.Dead {
			if err := j.agents.Remove(ctx, la.Agent.ID); err != nil {
				j.logger.Error("dead agent removal failed",
					zap.String("agent", la.Agent.ID), zap.Error(err))
			} else {
				j.logger.Info("removed dead agent", zap.String("agent", la.Agent.ID))
			}
		}
	}

	if n, err := j.activity.Trim(ctx); err != nil {
		j.logger.Error("activity trim failed", zap.Error(err))
	} else if n > 0 {
		j.logger.Debug("trimmed activity log", zap.Int64("count", n))
	}
}

// Daily runs the retention jobs.
func (j *Janitor) Daily() {
	ctx := context.Background()

	if n, err := j.dispatcher.SweepDeliveries(ctx); err != nil {
		j.logger.Error("delivery sweep failed", zap.Error(err))
	} else if n > 0 {
		j.logger.Info("swept old deliveries", zap.Int64("count", n))
	}

	if n, err := j.resurrection.Purge(ctx); err != nil {
		j.logger.Error("resurrection purge failed", zap.Error(err))
	} else if n > 0 {
		j.logger.Info("purged old resurrection entries", zap.Int64("count", n))
	}

	if n, err := j.sessions.TrimFinished(ctx); err != nil {
		j.logger.Error("finished session trim failed", zap.Error(err))
	} else if n > 0 {
		j.logger.Info("trimmed finished sessions", zap.Int64("count", n))
	}

	if n, err := j.inbox.TrimRead(ctx); err != nil {
		j.logger.Error("read inbox trim failed", zap.Error(err))
	} else if n > 0 {
		j.logger.Info("trimmed read inbox messages", zap.Int64("count", n))
	}
}
