package syncer

import (
	"context"

	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/flags"
	"github.com/rafaeljc/bifrost/internal/store"
)

// Target is a copy of the registry kept up to date by the syncer.
type Target interface {
	Name() string
	Put(ctx context.Context, cfg flags.Config) error
	Delete(ctx context.Context, name string) error
	// Names lists the flags the target currently holds, so reconciliation
	// can remove flags deleted while the syncer was not listening.
	Names(ctx context.Context) ([]string, error)
}

// RedisTarget mirrors flags into Redis for replica data planes.
func RedisTarget(c *cache.RedisCache) Target {
	if c == nil {
		panic("syncer: redis cache cannot be nil")
	}
	return redisTarget{c: c}
}

type redisTarget struct{ c *cache.RedisCache }

func (t redisTarget) Name() string { return "redis" }

func (t redisTarget) Put(ctx context.Context, cfg flags.Config) error {
	_, err := t.c.PutFlag(ctx, cfg)
	return err
}

func (t redisTarget) Delete(ctx context.Context, name string) error {
	return t.c.DeleteFlag(ctx, name)
}

func (t redisTarget) Names(ctx context.Context) ([]string, error) {
	return t.c.FlagNames(ctx)
}

// StoreTarget persists flags through a durable repository.
func StoreTarget(r store.FlagRepository) Target {
	if r == nil {
		panic("syncer: flag repository cannot be nil")
	}
	return storeTarget{r: r}
}

type storeTarget struct{ r store.FlagRepository }

func (t storeTarget) Name() string { return "store" }

func (t storeTarget) Put(ctx context.Context, cfg flags.Config) error {
	return t.r.SaveFlag(ctx, cfg)
}

func (t storeTarget) Delete(ctx context.Context, name string) error {
	return t.r.DeleteFlag(ctx, name)
}

func (t storeTarget) Names(ctx context.Context) ([]string, error) {
	cfgs, err := t.r.LoadFlags(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(cfgs))
	for i, cfg := range cfgs {
		names[i] = cfg.Name
	}
	return names, nil
}
