// Package main runs a Bifrost data plane replica: a read-only gRPC evaluator
// that serves flags mirrored to Redis by the control plane, with an
// in-process L1 cache invalidated over Redis pub/sub.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/dataapi"
	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/observability"
)

const poolMonitorInterval = 15 * time.Second

func main() {
	if err := run(); err != nil {
		log.Printf("Fatal error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read .env: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.Redis.IsConfigured() {
		return errors.New("data plane replicas require BIFROST_REDIS_URL or BIFROST_REDIS_HOST")
	}

	appLogger := logger.New(&cfg.App).With(slog.String("role", "replica"))
	slog.SetDefault(appLogger)
	cfg.LogConfig(appLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, appLogger)

	// -------------------------------------------------------------------------
	// Cache layers
	// -------------------------------------------------------------------------
	redisClient, err := cache.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return err
	}
	l2 := cache.NewRedisCache(redisClient)
	defer l2.Close()

	l1, err := cache.NewMemoryCache(cfg.Server.Data.L1CacheCapacity, cfg.Server.Data.L1CacheTTL)
	if err != nil {
		return fmt.Errorf("failed to build L1 cache: %w", err)
	}
	defer l1.Close()

	tiered := cache.NewTiered(l1, l2, appLogger)

	// Subscribe before serving so no update published after startup is missed.
	subscription, err := l2.Subscribe(ctx, tiered.Invalidate)
	if err != nil {
		return err
	}

	// -------------------------------------------------------------------------
	// Servers and workers
	// -------------------------------------------------------------------------
	dataServer := dataapi.NewServer(&cfg.Server.Data, appLogger, dataapi.NewAPI(tiered, nil))
	obsServer := observability.NewServer(appLogger, &cfg.Observability, cache.NewHealthChecker(redisClient))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dataServer.ListenAndServe(gctx, cfg.Server.Data.Address()) })
	g.Go(func() error { return obsServer.Run(gctx) })
	g.Go(func() error {
		cache.RunPoolMonitor(gctx, redisClient, poolMonitorInterval)
		return nil
	})
	g.Go(func() error {
		// A replica that stops hearing invalidations would serve stale flags
		// until the L1 TTL; exit instead so the orchestrator restarts it.
		select {
		case <-gctx.Done():
			return nil
		case <-subscription:
			if gctx.Err() != nil {
				return nil
			}
			return errors.New("flag update subscription ended")
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}
	appLogger.Info("service exited successfully")
	return nil
}
