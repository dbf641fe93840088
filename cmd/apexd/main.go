// Package main is the entry point for apexd, the orchestrator daemon: it
// loads configuration, wires the Task Store, Workflow Registry, Capacity
// Monitor, Scheduler, event bus, Facade and Auto-Resume Coordinator
// together, and runs until it receives a shutdown signal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/apexorch/apex/internal/agentruntime"
	"github.com/apexorch/apex/internal/autoresume"
	"github.com/apexorch/apex/internal/capacity"
	"github.com/apexorch/apex/internal/clock"
	"github.com/apexorch/apex/internal/config"
	"github.com/apexorch/apex/internal/eventbus"
	"github.com/apexorch/apex/internal/facade"
	"github.com/apexorch/apex/internal/logger"
	"github.com/apexorch/apex/internal/natsmirror"
	"github.com/apexorch/apex/internal/scheduler"
	"github.com/apexorch/apex/internal/store"
	"github.com/apexorch/apex/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting apexd", zap.String("projectPath", cfg.ProjectPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apexDir := filepath.Join(cfg.ProjectPath, ".apex")
	if err := os.MkdirAll(apexDir, 0o755); err != nil {
		log.Fatal("failed to create .apex directory", zap.Error(err))
	}
	dbPath := filepath.Join(apexDir, "apex.db")

	st, err := store.Open(dbPath, log)
	if err != nil {
		log.Fatal("failed to open task store", zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	reg := workflow.NewRegistry()
	if cfg.WorkflowsPath != "" {
		if err := reg.LoadDir(os.DirFS(cfg.WorkflowsPath), "."); err != nil {
			log.Fatal("failed to load workflow definitions", zap.Error(err))
		}
	}

	clk := clock.NewReal()
	bus := eventbus.NewBus(log)

	if cfg.NATSURL != "" {
		mirror, err := natsmirror.Connect(cfg.NATSURL, log)
		if err != nil {
			log.Warn("failed to connect optional NATS mirror; continuing without it", zap.Error(err))
		} else {
			defer mirror.Close()
			bus.AttachMirror(ctx, mirror)
		}
	}

	mon, err := capacity.NewMonitor(cfg.TimeBasedUsage, cfg.Limits, clk, bus, log)
	if err != nil {
		log.Fatal("failed to construct capacity monitor", zap.Error(err))
	}
	if err := mon.Start(ctx); err != nil {
		log.Fatal("failed to start capacity monitor", zap.Error(err))
	}
	defer mon.Stop()

	rt := agentruntime.NewNoopRuntime()

	sched := scheduler.New(st, reg, mon, bus, rt, clk, log, scheduler.Config{
		PollInterval:  cfg.PollIntervalDuration(),
		ShutdownDrain: cfg.ShutdownDrainDuration(),
		MaxConcurrent: cfg.Limits.MaxConcurrentTasks,
		RetryDelay:    cfg.PollIntervalDuration(),
	})

	orch := facade.New(st, sched, bus, clk, log)
	if err := orch.Initialize(ctx); err != nil {
		log.Fatal("failed to initialize orchestrator facade", zap.Error(err))
	}

	coordinator := autoresume.New(st, orch, bus, clk, log)
	resumeSub := coordinator.Start(ctx)
	defer coordinator.Stop(resumeSub)

	log.Info("apexd ready", zap.String("db", dbPath))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down apexd")
	if err := orch.Shutdown(context.Background(), cfg.ShutdownDrainDuration()); err != nil {
		log.Error("shutdown did not complete cleanly", zap.Error(err))
	}
	log.Info("apexd stopped")
}
