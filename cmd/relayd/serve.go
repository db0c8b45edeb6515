package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/rendis/relay/internal/activity"
	"github.com/rendis/relay/internal/api"
	"github.com/rendis/relay/internal/engine"
	"github.com/rendis/relay/internal/logging"
	"github.com/rendis/relay/internal/plugins"
	"github.com/rendis/relay/internal/scheduler"
	"github.com/rendis/relay/internal/signals"
	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/internal/streaming"
	"github.com/rendis/relay/internal/validation"
	"github.com/rendis/relay/internal/worker"
	"github.com/rendis/relay/pkg/mcp"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server: HTTP API, worker pool, scheduler and MCP tools",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
}

func runServer(ctx context.Context, cfg Config) error {
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()
	logger.Info("store ready", "backend", cfg.Store.Backend)

	hub := streaming.NewMemoryHub()

	registry := activity.NewRegistry()
	if err := activity.RegisterBuiltins(registry, activity.HTTPConfig{}); err != nil {
		return fmt.Errorf("register builtins: %w", err)
	}
	if err := activity.RegisterWorkflowActivities(registry, activity.WorkflowDeps{Store: st, Logger: logger}); err != nil {
		return fmt.Errorf("register workflow activities: %w", err)
	}

	invoker := activity.NewRegistryInvoker(registry,
		activity.WithEnv(operatorEnv()),
		activity.WithInvokerLogger(logger))

	eng := engine.New(st, invoker, engine.Config{
		Retry: engine.RetryPolicy{
			MaxRetries:        cfg.Engine.MaxRetries,
			BaseDelay:         cfg.Engine.BaseDelay,
			BackoffMultiplier: cfg.Engine.BackoffMultiplier,
			MaxDelayCap:       cfg.Engine.MaxDelayCap,
		},
		LeaseDuration:     cfg.Worker.LeaseDuration,
		PerTickTimeBudget: cfg.Engine.PerTickTimeBudget,
		NodeTimeout:       cfg.Engine.NodeTimeout,
	},
		engine.WithLogger(logger),
		engine.WithPublisher(streaming.NewHubPublisher(hub)),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Activity packs extend the registry with external MCP tool servers.
	// A pack that fails to load degrades the node types it would have
	// provided, not the whole server.
	var packMgr *plugins.Manager
	if len(cfg.Packs) > 0 {
		packMgr = plugins.NewManager(registry, plugins.WithLogger(logger))
		for _, pc := range cfg.Packs {
			if err := packMgr.Load(runCtx, pc); err != nil {
				logger.Error("activity pack failed to load", "pack_id", pc.ID, "error", err)
			}
		}
	}

	pool := worker.New(st, eng, worker.Config{
		PoolSize:      cfg.Worker.PoolSize,
		PollInterval:  cfg.Worker.PollInterval,
		LeaseDuration: cfg.Worker.LeaseDuration,
	}, worker.WithLogger(logger))
	pool.Start(runCtx)

	sched := scheduler.New(st, scheduler.Config{
		PollInterval:    cfg.Scheduler.PollInterval,
		RetentionWindow: cfg.Retention.HistoryWindow,
		CleanupInterval: cfg.Retention.SweepInterval,
	}, scheduler.WithLogger(logger))
	sched.Start(runCtx)

	router := signals.NewRouter(st, signals.WithLogger(logger))

	validator, err := validation.NewWorkflowValidator(registry)
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}

	apiSrv := api.NewServer(api.Deps{
		Store:     st,
		Engine:    eng,
		Router:    router,
		Validator: validator,
		Scheduler: sched,
		Hub:       hub,
		Logger:    logger,
	})

	mux := http.NewServeMux()
	if cfg.MCP.Enabled {
		relaySrv := mcp.NewRelayServer(mcp.RelayServerDeps{
			Store:      st,
			Engine:     eng,
			Router:     router,
			Validator:  validator,
			Hub:        hub,
			Activities: registry,
			Logger:     logger,
		})
		sse := mcpserver.NewSSEServer(relaySrv.MCPServer(), mcpserver.WithStaticBasePath("/mcp"))
		mux.Handle("/mcp", sse)
		mux.Handle("/mcp/", sse)
		go func() {
			if err := relaySrv.WatchHub(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("mcp hub watcher stopped", "error", err)
			}
		}()
		logger.Info("mcp tools mounted", "path", "/mcp")
	}
	mux.Handle("/", apiSrv.Handler())

	// No write timeout: the SSE streams are long-lived by design.
	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "addr", cfg.Server.ListenAddr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	// Reverse of startup: stop intake, then the schedule loop, then
	// drain in-flight executions; the deferred Close ends the store.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	// Server.Shutdown waits for open requests without cancelling their
	// contexts, so the live event tails must end first.
	hub.Close()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error("scheduler stop failed", "error", err)
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Error("worker pool stop failed", "error", err)
	}
	if packMgr != nil {
		if err := packMgr.Shutdown(); err != nil {
			logger.Error("pack shutdown failed", "error", err)
		}
	}
	cancel()

	stats := hub.Stats()
	logger.Info("relayd stopped", "events_published", stats.Published, "events_dropped", stats.Dropped)
	return nil
}

// newLogger builds the process logger: text or JSON on stderr, wrapped
// so correlation IDs riding the context land on every record.
func newLogger(cfg LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	lv := new(slog.LevelVar)
	lv.Set(level)

	opts := &slog.HandlerOptions{Level: lv}
	var inner slog.Handler
	switch cfg.Format {
	case "", "text":
		inner = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		inner = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q (want text or json)", cfg.Format)
	}
	return slog.New(logging.NewCorrelationHandler(inner)), nil
}

func openStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "", "libsql":
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		return store.NewLibsqlStore(cfg.Path)
	case "postgres":
		if cfg.DSN == "" {
			return nil, errors.New("store.dsn is required for the postgres backend")
		}
		return store.NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q (want libsql or postgres)", cfg.Backend)
	}
}

// operatorEnv collects RELAY_ENV_* variables for ${env.*} interpolation
// in node configs: RELAY_ENV_API_TOKEN becomes env.API_TOKEN.
func operatorEnv() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, "RELAY_ENV_") {
			continue
		}
		env[strings.TrimPrefix(k, "RELAY_ENV_")] = v
	}
	return env
}
