// Package main is the Taskhive coordination server. One binary runs the
// shared work queue, the MCP tool surface agents connect to, and the
// read-only HTTP API for dashboards.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskhive/taskhive/internal/agent"
	"github.com/taskhive/taskhive/internal/audit"
	"github.com/taskhive/taskhive/internal/common/config"
	"github.com/taskhive/taskhive/internal/common/logger"
	"github.com/taskhive/taskhive/internal/common/tracing"
	"github.com/taskhive/taskhive/internal/db"
	"github.com/taskhive/taskhive/internal/events/bus"
	"github.com/taskhive/taskhive/internal/events/mirror"
	"github.com/taskhive/taskhive/internal/httpapi"
	"github.com/taskhive/taskhive/internal/mcpserver"
	"github.com/taskhive/taskhive/internal/memory"
	"github.com/taskhive/taskhive/internal/notify"
	"github.com/taskhive/taskhive/internal/storage"
	"github.com/taskhive/taskhive/internal/workitem"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Taskhive...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Open the SQLite store
	handle, err := db.OpenSQLite(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("db_path", cfg.Database.Path))
	}
	defer handle.Close()

	store := storage.New(handle, log)
	if err := store.InitSchema(ctx); err != nil {
		log.Fatal("Failed to initialize schema", zap.Error(err))
	}
	log.Info("SQLite database initialized", zap.String("db_path", cfg.Database.Path))

	// Dashboard reads go through a separate read-only pool so they never queue
	// behind the single writer.
	readHandle, err := db.OpenSQLiteReader(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open read-only database handle", zap.Error(err))
	}
	defer readHandle.Close()
	readStore := storage.New(readHandle, log)

	// 4. Event notifiers
	taskNotifier := notify.NewTaskNotifier(subscribeOptions(cfg, "tasks", log), log)
	defer taskNotifier.Close()
	agentNotifier := notify.NewAgentNotifier(subscribeOptions(cfg, "agents", log), log)
	defer agentNotifier.Close()

	// 5. Domain services
	workItems := workitem.NewService(store, taskNotifier, log)
	dispatcher := workitem.NewDispatcher(store, taskNotifier, workitem.DispatcherConfig{
		TimeToWaitForTask: cfg.LongPoll.TimeToWaitForTask,
		PollingInterval:   cfg.LongPoll.PollingInterval,
		MaxRetries:        cfg.LongPoll.MaxRetries,
	}, log)

	var launcher agent.Launcher
	if cfg.Subprocess.Command != "" {
		launcher = agent.NewExecLauncher(cfg.Subprocess.Command, cfg.Subprocess.Args, log)
		log.Info("Agent launcher configured", zap.String("command", cfg.Subprocess.Command))
	} else {
		log.Info("Agent launching disabled (no subprocess.command configured)")
	}
	terminator := agent.NewProcessTerminator(cfg.Subprocess.KillGracePeriod, log)
	agents := agent.NewService(store, agentNotifier, taskNotifier, launcher, terminator, log)

	memorySvc := memory.NewService(store, log)

	// 6. Audit trail subscriber
	recorder := audit.NewRecorder(store, taskNotifier, agentNotifier, subscribeOptions(cfg, "audit", log), log)
	recorder.Start(ctx)

	// 7. Optional NATS event mirror
	var eventMirror *mirror.Mirror
	if cfg.NATS.URL != "" {
		eventMirror = mirror.New(mirror.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			MaxReconnects: cfg.NATS.MaxReconnects,
		}, taskNotifier, agentNotifier, log)
		if err := eventMirror.Start(ctx); err != nil {
			log.Fatal("Failed to start NATS mirror", zap.Error(err))
		}
	}

	// 8. Servers. Both start listeners concurrently; the first failure aborts
	// startup.
	var mcpSrv *mcpserver.Server
	if cfg.MCP.Enabled {
		mcpSrv = mcpserver.New(mcpserver.Config{Port: cfg.MCP.Port}, mcpserver.Services{
			WorkItems:  workItems,
			Dispatcher: dispatcher,
			Agents:     agents,
			Memory:     memorySvc,
		}, log)
	}

	httpSrv := httpapi.New(httpapi.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}, httpapi.Services{
		Store:     readStore,
		WorkItems: workItems,
		Agents:    agents,
		Memory:    memorySvc,
		Tasks:     taskNotifier,
		AgentBus:  agentNotifier,
	}, log)

	g, gctx := errgroup.WithContext(ctx)
	if mcpSrv != nil {
		g.Go(func() error { return mcpSrv.Start(gctx) })
	}
	g.Go(func() error { return httpSrv.Start(gctx) })
	if err := g.Wait(); err != nil {
		log.Fatal("Failed to start servers", zap.Error(err))
	}

	if mcpSrv != nil {
		log.Info("Agents connect via MCP",
			zap.String("sse", mcpSrv.SSEEndpoint()),
			zap.String("streamable_http", mcpSrv.StreamableHTTPEndpoint()))
	}

	// 9. Wait for shutdown signal
	<-ctx.Done()
	log.Info("Shutting down Taskhive...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpSrv.Stop(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if mcpSrv != nil {
		if err := mcpSrv.Stop(shutdownCtx); err != nil {
			log.Error("MCP server shutdown error", zap.Error(err))
		}
	}
	if eventMirror != nil {
		eventMirror.Stop()
	}
	recorder.Stop()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracer shutdown error", zap.Error(err))
	}

	log.Info("Taskhive stopped")
}

// subscribeOptions resolves a named subscriber category from config into bus
// options. Invalid overflow strings are rejected by config validation, so a
// parse failure here only happens for hand-built configs; fall back to block.
func subscribeOptions(cfg *config.Config, name string, log *logger.Logger) bus.SubscribeOptions {
	sub := cfg.EventBus.Subscriber(name)
	overflow, err := bus.ParseOverflow(sub.Overflow)
	if err != nil {
		log.Warn("Invalid overflow policy, using block",
			zap.String("subscriber", name),
			zap.String("overflow", sub.Overflow))
		overflow = bus.OverflowBlock
	}
	return bus.SubscribeOptions{Capacity: sub.Capacity, Overflow: overflow}
}
