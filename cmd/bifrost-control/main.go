// Package main runs the Bifrost control plane: the authoritative flag
// registry with its REST API, the gRPC evaluation API, the rollout,
// rollback and A/B engines, and the syncer that mirrors flags to Redis and
// the durable store.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rafaeljc/bifrost/internal/abtest"
	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/controlapi"
	"github.com/rafaeljc/bifrost/internal/dataapi"
	"github.com/rafaeljc/bifrost/internal/database"
	"github.com/rafaeljc/bifrost/internal/flags"
	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/rollback"
	"github.com/rafaeljc/bifrost/internal/rollout"
	"github.com/rafaeljc/bifrost/internal/store"
	"github.com/rafaeljc/bifrost/internal/syncer"
)

// poolMonitorInterval is how often connection pool gauges are sampled.
const poolMonitorInterval = 15 * time.Second

func main() {
	if err := run(); err != nil {
		log.Printf("Fatal error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read .env: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	appLogger := logger.New(&cfg.App)
	slog.SetDefault(appLogger)
	cfg.LogConfig(appLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -------------------------------------------------------------------------
	// Infrastructure
	// -------------------------------------------------------------------------
	var (
		checkers    []observability.Checker
		pool        *pgxpool.Pool
		pgStore     *store.PostgresStore
		redisClient *redis.Client
		redisCache  *cache.RedisCache
	)

	if cfg.Database.IsConfigured() {
		pool, err = database.NewPostgresPool(ctx, &cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()
		pgStore = store.NewPostgresStore(pool)
		checkers = append(checkers, database.NewHealthChecker(pool))
	}

	if cfg.Redis.IsConfigured() {
		redisClient, err = cache.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return err
		}
		redisCache = cache.NewRedisCache(redisClient)
		defer redisCache.Close()
		checkers = append(checkers, cache.NewHealthChecker(redisClient))
	}

	repo := flagRepository(&cfg.Store, pgStore)

	// -------------------------------------------------------------------------
	// Domain
	// -------------------------------------------------------------------------
	registry := flags.NewRegistry(appLogger)
	if repo != nil {
		if err := restoreFlags(ctx, appLogger, registry, repo); err != nil {
			return err
		}
	}

	rollbackOpts := []rollback.Option{rollback.WithInterval(cfg.Rollout.GradualInterval)}
	if pgStore != nil {
		rollbackOpts = append(rollbackOpts, rollback.WithAuditSink(pgStore))
	}
	rollbacks := rollback.NewController(registry, appLogger, rollbackOpts...)
	if pgStore != nil {
		records, err := pgStore.ListRollbacks(ctx, "")
		if err != nil {
			return fmt.Errorf("failed to load rollback history: %w", err)
		}
		rollbacks.RestoreHistory(records)
		appLogger.Info("rollback history restored", slog.Int("records", len(records)))
	}

	rollouts := rollout.NewOrchestrator(registry, rollbacks, appLogger,
		rollout.WithWaitInterval(cfg.Rollout.WaitInterval),
		rollout.WithValidationTimeout(cfg.Rollout.ValidationTimeout),
		rollout.WithRingGroups(cfg.Rollout.RingGroups...),
	)

	abtests := abtest.NewEngine(appLogger,
		abtest.WithAlpha(cfg.ABTest.Alpha),
		abtest.WithMinSamples(cfg.ABTest.MinSamples),
	)

	// -------------------------------------------------------------------------
	// Servers and workers
	// -------------------------------------------------------------------------
	api := controlapi.NewAPI(appLogger, controlapi.Services{
		Flags:     registry,
		Rollouts:  rollouts,
		Rollbacks: rollbacks,
		ABTests:   abtests,
	}, cfg.Server.Control.APIKeyHash,
		controlapi.WithWebhookClient(&http.Client{Timeout: cfg.Rollout.WebhookTimeout}),
	)
	controlServer := controlapi.NewServer(&cfg.Server.Control, appLogger, api, cfg.App.ShutdownTimeout)
	dataServer := dataapi.NewServer(&cfg.Server.Data, appLogger,
		dataapi.NewAPI(dataapi.RegistryEvaluator(registry), abtests))
	obsServer := observability.NewServer(appLogger, &cfg.Observability, checkers...)

	var targets []syncer.Target
	if repo != nil {
		targets = append(targets, syncer.StoreTarget(repo))
	}
	if redisCache != nil {
		targets = append(targets, syncer.RedisTarget(redisCache))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return controlServer.Run(gctx) })
	g.Go(func() error { return dataServer.ListenAndServe(gctx, cfg.Server.Data.Address()) })
	g.Go(func() error { return obsServer.Run(gctx) })

	if cfg.Syncer.Enabled && len(targets) > 0 {
		mirror := syncer.New(appLogger, syncer.Config{
			Interval:     cfg.Syncer.Interval,
			Buffer:       cfg.Syncer.Buffer,
			WriteTimeout: cfg.Syncer.WriteTimeout,
		}, registry, targets...)
		g.Go(func() error { return mirror.Run(gctx) })
	}
	if pool != nil {
		g.Go(func() error {
			database.RunPoolMonitor(gctx, pool, poolMonitorInterval)
			return nil
		})
	}
	if redisClient != nil {
		g.Go(func() error {
			cache.RunPoolMonitor(gctx, redisClient, poolMonitorInterval)
			return nil
		})
	}

	// Rollout runners and gradual rollbacks outlive the request that started
	// them; stop them once the servers are shutting down.
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		if err := rollouts.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("rollout shutdown incomplete", slog.String("error", err.Error()))
		}
		if err := rollbacks.Wait(shutdownCtx); err != nil {
			appLogger.Error("gradual rollbacks still running at exit", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	appLogger.Info("service exited successfully")
	return nil
}

// flagRepository returns the durable flag store selected by cfg, or nil for
// the memory backend.
func flagRepository(cfg *config.StoreConfig, pg *store.PostgresStore) store.FlagRepository {
	switch cfg.Backend {
	case config.StoreBackendFile:
		return store.NewFileStore(cfg.FlagsFile)
	case config.StoreBackendPostgres:
		if pg == nil {
			return nil
		}
		return pg
	default:
		return nil
	}
}

// restoreFlags loads persisted flags into the registry. A corrupt store
// stops the process.
func restoreFlags(ctx context.Context, log *slog.Logger, reg *flags.Registry, repo store.FlagRepository) error {
	configs, err := repo.LoadFlags(ctx)
	if err != nil {
		return fmt.Errorf("failed to load flags: %w", err)
	}
	for _, c := range configs {
		if _, err := reg.RestoreFlag(c); err != nil {
			return fmt.Errorf("failed to restore flag %q: %w", c.Name, err)
		}
	}
	log.Info("flags restored", slog.Int("count", len(configs)))
	return nil
}
