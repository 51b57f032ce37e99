// Package main is the entry point for uplinkd, the local agent bridge
// daemon. One process hosts the WebSocket multiplexer, the approval hook
// endpoint, and the per-agent session watchers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uplinkd/uplink/internal/adapter"
	"github.com/uplinkd/uplink/internal/adapter/claude"
	"github.com/uplinkd/uplink/internal/approval"
	"github.com/uplinkd/uplink/internal/common/config"
	"github.com/uplinkd/uplink/internal/common/logger"
	"github.com/uplinkd/uplink/internal/events"
	"github.com/uplinkd/uplink/internal/orchestrator"
	"github.com/uplinkd/uplink/internal/server"
	"github.com/uplinkd/uplink/internal/tracing"
	"github.com/uplinkd/uplink/pkg/protocol"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "uplinkd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting uplinkd",
		zap.String("addr", cfg.Daemon.Addr()),
		zap.Bool("auth_required", cfg.Daemon.Token != ""))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Event bus (in-memory unless nats.url is set)
	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busCleanup()

	// 4. Shared per-session sequencer; every emitted event passes through it
	seq := protocol.NewSequencer()

	// 5. Agent registry with optional on-disk overrides
	registry := adapter.NewRegistry()
	if err := registry.LoadFile(cfg.Agents.RegistryPath); err != nil {
		return fmt.Errorf("load agent registry: %w", err)
	}
	registry.Register(claude.New(claude.Options{
		Home:   cfg.Agents.ClaudeHome,
		Binary: registry.BinaryOverride(claude.AgentID),
	}, log, seq))

	// 6. Orchestrator owns the session catalogue and adapter lifecycles
	svc := orchestrator.NewService(orchestrator.Config{
		Token: cfg.Daemon.Token,
	}, registry, providedBus.Bus, log)

	// 7. Transport: WebSocket hub + hook HTTP endpoints on one listener
	hub := server.NewHub(svc.Hooks(), nil, seq, providedBus.Bus, log)
	svc.SetBroadcaster(hub)

	audit, err := approval.OpenAudit(cfg.Approval.AuditPath)
	if err != nil {
		log.Warn("approval audit disabled", zap.Error(err))
	}
	if audit != nil {
		defer audit.Close()
	}

	approvals := approval.NewManager(approval.Config{
		Threshold:     protocol.ParseRiskLevel(cfg.Approval.Threshold),
		Timeout:       cfg.Approval.Timeout(),
		RequireClient: cfg.Approval.RequireClient,
	}, hub, hub.ClientCount, audit, providedBus.Bus, log)
	hub.SetApprovals(approvals)

	srv := server.New(hub, approvals, log)

	// 8. Run everything until a signal arrives
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	defer svc.Stop()
	defer tracing.Shutdown(context.Background())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Run blocks until gctx is cancelled, then resolves pending
		// approvals, closes clients, and shuts the listener down.
		return srv.Run(gctx, cfg.Daemon.Addr())
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	log.Info("uplinkd stopped")
	return nil
}
