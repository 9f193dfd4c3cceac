package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/portdaddy/portdaddy/internal/activity"
	"github.com/portdaddy/portdaddy/internal/agents"
	"github.com/portdaddy/portdaddy/internal/api"
	"github.com/portdaddy/portdaddy/internal/broker"
	"github.com/portdaddy/portdaddy/internal/db"
	"github.com/portdaddy/portdaddy/internal/events"
	"github.com/portdaddy/portdaddy/internal/inbox"
	"github.com/portdaddy/portdaddy/internal/janitor"
	"github.com/portdaddy/portdaddy/internal/locks"
	"github.com/portdaddy/portdaddy/internal/metrics"
	"github.com/portdaddy/portdaddy/internal/ports"
	"github.com/portdaddy/portdaddy/internal/resurrection"
	"github.com/portdaddy/portdaddy/internal/sessions"
	"github.com/portdaddy/portdaddy/internal/webhooks"
	"github.com/portdaddy/portdaddy/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	socketPath string
	httpAddr   string
	dbPath     string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "portdaddy",
		Short: "Port Daddy — local coordination daemon for multi-agent development",
		Long: `Port Daddy is a local daemon that coordinates concurrent development
agents on one machine: port allocation against semantic identities,
named locks, durable pub/sub channels, per-agent inboxes, sessions with
advisory file claims, and an agent registry with heartbeat tracking.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.socketPath, "socket", envOrDefault("PORT_DADDY_SOCKET", "/tmp/port-daddy.sock"), "Unix socket path (empty disables the socket listener)")
	root.PersistentFlags().StringVar(&cfg.httpAddr, "addr", envOrDefault("PORT_DADDY_HTTP_ADDR", "127.0.0.1:9876"), "Loopback HTTP listen address")
	root.PersistentFlags().StringVar(&cfg.dbPath, "db", envOrDefault("PORT_DADDY_DB", "./port-registry.db"), "Store file path")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("PORT_DADDY_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("portdaddy %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting port daddy",
		zap.String("version", version),
		zap.String("socket", cfg.socketPath),
		zap.String("addr", cfg.httpAddr),
		zap.String("db", cfg.dbPath),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(db.Config{
		Path:     cfg.dbPath,
		Logger:   logger,
		LogLevel: gormlogger.Warn,
	})
	if err != nil {
		return err
	}

	bus := events.NewBus(logger)

	allocator := ports.New(database, bus, logger, daemonPort(cfg.httpAddr))
	lockMgr := locks.New(database, bus, logger)
	msgBroker := broker.New(database, bus, logger)
	inboxMgr := inbox.New(database, bus, logger)
	sessionMgr := sessions.New(database, bus, logger)
	registry := agents.New(database, bus, logger, allocator, lockMgr)
	revival := resurrection.New(database, logger)

	activityLog := activity.New(database, logger)
	activityLog.Attach(bus)
	defer activityLog.Detach(bus)

	webhookReg := webhooks.NewRegistry(database, logger)
	dispatcher := webhooks.NewDispatcher(database, webhookReg, logger)
	if err := dispatcher.Start(bus); err != nil {
		return fmt.Errorf("failed to start webhook dispatcher: %w", err)
	}
	defer dispatcher.Stop(bus)

	hub := websocket.NewHub()
	go hub.Run(ctx)
	bridge := websocket.NewBridge(hub)
	bridge.Attach(bus)
	defer bridge.Detach(bus)

	m := metrics.New(metrics.Gauges{
		ActiveServices:   allocator.ActiveCount,
		ActiveLocks:      lockMgr.ActiveCount,
		ActiveAgents:     registry.ActiveCount,
		PendingRevivals:  revival.PendingCount,
		Subscribers:      msgBroker.SubscriberCount,
		WebsocketClients: hub.ConnectedCount,
		WebhookQueue:     dispatcher.QueueDepth,
		WebhookDropped:   dispatcher.Dropped,
	})
	m.Attach(bus)
	defer m.Detach(bus)

	sweeper, err := janitor.New(janitor.Config{
		Bus:          bus,
		Ports:        allocator,
		Locks:        lockMgr,
		Broker:       msgBroker,
		Agents:       registry,
		Resurrection: revival,
		Activity:     activityLog,
		Inbox:        inboxMgr,
		Sessions:     sessionMgr,
		Dispatcher:   dispatcher,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build janitor: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	router := api.NewRouter(api.RouterConfig{
		Ports:        allocator,
		Locks:        lockMgr,
		Broker:       msgBroker,
		Inbox:        inboxMgr,
		Sessions:     sessionMgr,
		Agents:       registry,
		Resurrection: revival,
		Webhooks:     webhookReg,
		Dispatcher:   dispatcher,
		Activity:     activityLog,
		Hub:          hub,
		Metrics:      m,
		Logger:       logger,
		Version:      version,
		StartedAt:    db.Now(),
	})

	server := &http.Server{Handler: router}
	errCh := make(chan error, 2)

	if cfg.socketPath != "" {
		socket, err := listenUnix(cfg.socketPath)
		if err != nil {
			return err
		}
		defer os.Remove(cfg.socketPath)
		go func() {
			logger.Info("listening on unix socket", zap.String("path", cfg.socketPath))
			errCh <- server.Serve(socket)
		}()
	}

	tcp, err := net.Listen("tcp", cfg.httpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.httpAddr, err)
	}
	go func() {
		logger.Info("listening on tcp", zap.String("addr", cfg.httpAddr))
		errCh <- server.Serve(tcp)
	}()

	bus.Publish(events.Event{
		Type: events.TypeDaemonStart,
		Data: map[string]any{"version": version, "pid": os.Getpid()},
	})

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("shutting down port daddy")
	bus.Publish(events.Event{Type: events.TypeDaemonStop})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	return nil
}

// listenUnix binds the unix socket, unlinking a stale file from a previous
// daemon run first. A socket another process still answers on is left alone.
func listenUnix(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		conn, dialErr := net.DialTimeout("unix", path, 500*time.Millisecond)
		if dialErr == nil {
			conn.Close()
			return nil, fmt.Errorf("socket %s is in use by another daemon", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove stale socket %s: %w", path, err)
		}
	}
	return net.Listen("unix", path)
}

// daemonPort extracts the TCP port from the listen address so the allocator
// can reserve it. Falls back to 9876 on a malformed address.
func daemonPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 9876
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 9876
	}
	return port
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
