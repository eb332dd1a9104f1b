package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/triage/internal/authoring"
	"github.com/pitabwire/triage/internal/condition"
	"github.com/pitabwire/triage/internal/config"
	"github.com/pitabwire/triage/internal/flow"
	"github.com/pitabwire/triage/internal/observability"
	"github.com/pitabwire/triage/internal/run"
	"github.com/pitabwire/triage/internal/steptype"
	"github.com/pitabwire/triage/internal/transport"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, observability.ServiceName, version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Definitions are loaded and validated before anything is stored.
	registry := steptype.DefaultRegistry()
	validator := flow.NewValidator(registry)
	defs, err := flow.NewLoader().LoadAll(cfg.Definitions.Directories)
	if err != nil {
		metrics.RecordDefinitionLoad("error")
		return fmt.Errorf("definitions: %w", err)
	}
	if cfg.Definitions.ValidateOnLoad {
		if err := validateDefinitions(defs, validator, logger); err != nil {
			metrics.RecordDefinitionLoad("invalid")
			return fmt.Errorf("definitions: %w", err)
		}
	}
	metrics.RecordDefinitionLoad("success")
	metrics.SetDefinitionsLoaded(float64(len(defs)))

	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.Definitions.Seed {
		n, err := seedDefinitions(ctx, st, defs, logger)
		if err != nil {
			return fmt.Errorf("definitions: %w", err)
		}
		logger.Info("definitions seeded", zap.Int("seeded", n), zap.Int("loaded", len(defs)))
	}

	locker, lockHealth, lockClose, err := openLocker(ctx, cfg.Lock, logger)
	if err != nil {
		return err
	}
	if lockClose != nil {
		defer lockClose()
	}

	tracers := condition.MultiTracer{observability.NewZapConditionTracer(logger)}
	if cfg.Observability.TraceConditions {
		tracers = append(tracers, observability.SpanConditionTracer{})
	}
	evaluator := condition.NewEvaluator(condition.WithTracer(tracers))

	graphs := flow.NewCache(st, cfg.Cache.GraphTTL)
	engine := run.NewEngine(graphs, flow.NewSelector(evaluator), registry, st, locker, logger,
		run.WithMetrics(metrics),
		run.WithRequireActive(cfg.Runs.RequireActiveFlow),
	)
	svc := authoring.NewService(st, graphs, validator, logger, metrics)

	if cfg.RunStats.Enabled {
		stats := observability.NewRunStats(st, metrics, logger, cfg.RunStats.AbandonAfter)
		if err := stats.Start(cfg.RunStats.Schedule); err != nil {
			return err
		}
		defer stats.Stop()
	}

	ready := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return len(defs) > 0 },
		Store:             observability.HealthCheckFunc(st.Ping),
		Locker:            lockHealth,
	}
	router := transport.NewRouter(transport.Dependencies{
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics,
		Gatherer:  prometheus.DefaultGatherer,
		Engine:    engine,
		Authoring: svc,
		Ready:     ready,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", len(defs)),
		zap.String("store", cfg.Store.Driver),
		zap.String("lock", cfg.Lock.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}
