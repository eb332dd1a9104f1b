package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/triage/internal/config"
	"github.com/pitabwire/triage/internal/flow"
	"github.com/pitabwire/triage/internal/observability"
	"github.com/pitabwire/triage/internal/run"
	"github.com/pitabwire/triage/internal/store"
	"github.com/pitabwire/triage/model"
)

// openStore creates the persistence backend named by cfg.Driver.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory store")
		return store.NewMemoryStore(), nil
	case "postgres":
		pg, err := store.OpenPgStore(ctx, cfg.DSN(), cfg.MinConns, cfg.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("postgres store: migrate: %w", err)
		}
		logger.Info("using postgres store")
		return pg, nil
	case "sqlite":
		s, err := store.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		logger.Info("using sqlite store", zap.String("path", cfg.SQLitePath))
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// openLocker creates the per-run writer lock. The returned health checker is
// nil for the in-process lock.
func openLocker(ctx context.Context, cfg config.LockConfig, logger *zap.Logger) (run.Locker, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-process run lock")
		return run.NewMemoryLocker(cfg.Stripes), nil, nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Addr(), DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, nil, fmt.Errorf("redis lock: ping: %w", err)
		}
		locker := run.NewRedisLocker(client, cfg.TTL, cfg.Wait)
		logger.Info("using redis run lock", zap.Duration("ttl", cfg.TTL))
		return locker, locker, func() { client.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported lock driver: %q", cfg.Driver)
	}
}

// validateDefinitions runs the graph validator over every definition and
// logs each issue. It returns an error naming the first invalid flow.
func validateDefinitions(defs []flow.Definition, validator *flow.Validator, logger *zap.Logger) error {
	var invalid []string
	for _, def := range defs {
		res := validator.Validate(def.Flow)
		for _, w := range res.Warnings {
			logger.Warn("definition validation warning",
				zap.String("flow_id", def.Flow.ID),
				zap.String("file", def.SourceFile),
				zap.String("warning", w.Error()),
			)
		}
		for _, e := range res.Errors {
			logger.Error("definition validation error",
				zap.String("flow_id", def.Flow.ID),
				zap.String("file", def.SourceFile),
				zap.String("error", e.Error()),
			)
		}
		if !res.Valid() {
			invalid = append(invalid, def.Flow.ID)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("%d invalid flow definition(s), first %q", len(invalid), invalid[0])
	}
	return nil
}

// seedDefinitions saves definitions whose flow is not yet stored. Flows that
// already exist are left alone so that authored changes survive a restart.
func seedDefinitions(ctx context.Context, flows store.FlowStore, defs []flow.Definition, logger *zap.Logger) (int, error) {
	seeded := 0
	for _, def := range defs {
		_, err := flows.LoadFlow(ctx, def.Flow.ID)
		if err == nil {
			logger.Debug("flow already stored, not seeding", zap.String("flow_id", def.Flow.ID))
			continue
		}
		if !model.IsCode(err, model.ErrFlowNotFound) {
			return seeded, fmt.Errorf("seed %s: %w", def.Flow.ID, err)
		}
		if _, err := flows.SaveFlow(ctx, def.Flow); err != nil {
			return seeded, fmt.Errorf("seed %s: %w", def.Flow.ID, err)
		}
		logger.Info("flow seeded",
			zap.String("flow_id", def.Flow.ID),
			zap.String("file", def.SourceFile),
			zap.String("checksum", def.Checksum),
		)
		seeded++
	}
	return seeded, nil
}
