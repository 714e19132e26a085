package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskboard/internal/audit"
	"github.com/basket/taskboard/internal/auth"
	"github.com/basket/taskboard/internal/board"
	"github.com/basket/taskboard/internal/bus"
	"github.com/basket/taskboard/internal/config"
	"github.com/basket/taskboard/internal/cron"
	"github.com/basket/taskboard/internal/gateway"
	otelPkg "github.com/basket/taskboard/internal/otel"
	"github.com/basket/taskboard/internal/persistence"
	"github.com/basket/taskboard/internal/policy"
	"github.com/basket/taskboard/internal/settings"
	"github.com/basket/taskboard/internal/stats"
	"github.com/basket/taskboard/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the board server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), quiet)
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "write logs to the log file only")
	return cmd
}

func runServe(ctx context.Context, quiet bool) error {
	cfg, err := loadConfig()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit comes up before the logger so logger failures are recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, level, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "fingerprint", cfg.Fingerprint())
	if cfg.FileMissing {
		logger.Info("config.yaml not found; using defaults", "path", config.ConfigPath(cfg.HomeDir))
	}
	if !isLoopback(cfg.BindAddr) && len(cfg.AllowOrigins) == 0 {
		logger.Warn("allow_origins is empty on non-loopback bind; cross-origin websocket connections will be rejected", "bind_addr", cfg.BindAddr)
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	otelMetrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	policyPath := config.PolicyPath(cfg.HomeDir)
	polData, err := policy.Load(policyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	pol := policy.NewLivePolicy(polData, policyPath)
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", pol.PolicyVersion())

	if cfg.Auth.JWTSecret == "" || cfg.Auth.RefreshSecret == "" {
		logger.Warn("jwt secrets not configured; tokens will not survive a restart")
	}
	authSvc := auth.New(auth.Config{
		Store:         store,
		Logger:        logger,
		AccessSecret:  cfg.Auth.JWTSecret,
		RefreshSecret: cfg.Auth.RefreshSecret,
		AccessTTL:     cfg.Auth.AccessTTL,
		RefreshTTL:    cfg.Auth.RefreshTTL,
		BcryptCost:    cfg.Auth.BcryptCost,
	})

	eventBus := bus.New()
	engine := board.New(board.Config{
		Store:               store,
		Notifier:            eventBus,
		Logger:              logger,
		Tracer:              otelProvider.Tracer,
		Metrics:             otelMetrics,
		EstimateMissingCost: cfg.Usage.EstimateMissingCost,
	})

	sched, err := cron.NewScheduler(cron.Config{
		Releaser:        engine,
		Cleaner:         authSvc,
		Logger:          logger,
		SweepSchedule:   cfg.Sweep.Schedule,
		CleanupSchedule: cfg.Sweep.TokenCleanupSchedule,
	})
	if err != nil {
		fatalStartup(logger, "E_CRON_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; hot reload disabled", "error", err)
	} else {
		go watchReloads(watcher, level, pol, cfg, logger)
	}

	limiter := gateway.NewRateLimiter(cfg.RateLimit, otelMetrics)
	limiter.StartEviction(ctx, time.Minute, 10*time.Minute)

	gw := gateway.New(gateway.Config{
		Engine:       engine,
		Store:        store,
		Auth:         authSvc,
		Settings:     settings.New(store, logger),
		Stats:        stats.New(store),
		Policy:       pol,
		Bus:          eventBus,
		Logger:       logger,
		Tracer:       otelProvider.Tracer,
		Metrics:      otelMetrics,
		AllowOrigins: cfg.AllowOrigins,
		CORS:         cfg.CORS,
		RateLimit:    limiter,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w: stop the other process or change bind_addr in %s", err, config.ConfigPath(cfg.HomeDir))
		}
		fatalStartup(logger, "E_LISTEN", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", ln.Addr().String())

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws", "sse", "/events")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Streams hold their connections open, so close push clients before
	// waiting on the server to drain.
	gw.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// watchReloads applies config.yaml and policy.yaml edits while the server
// runs. Only the log level and policy change live; other config.yaml
// changes are logged and take effect on restart.
func watchReloads(w *config.Watcher, level *slog.LevelVar, pol *policy.LivePolicy, running config.Config, logger *slog.Logger) {
	for ev := range w.Events() {
		switch ev.Kind {
		case config.KindPolicy:
			if err := policy.ReloadFromFile(pol, ev.Path); err != nil {
				logger.Error("policy.yaml reload rejected; retaining previous policy", "error", err)
				continue
			}
			logger.Info("policy.yaml hot-reloaded", "policy_version", pol.PolicyVersion())
		case config.KindConfig:
			next, err := loadConfig()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			level.Set(telemetry.ParseLevel(next.LogLevel))
			logger.Info("config.yaml hot-reloaded", "log_level", next.LogLevel)
			next.LogLevel = running.LogLevel
			if next.Fingerprint() != running.Fingerprint() {
				logger.Warn("config.yaml changed settings that apply on restart", "fingerprint", next.Fingerprint())
			}
		}
	}
}
