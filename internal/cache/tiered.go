package cache

import (
	"context"
	"log/slog"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/rafaeljc/bifrost/internal/flags"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// Source is the L2 consulted on an L1 miss.
type Source interface {
	GetFlag(ctx context.Context, name string) (flags.Config, error)
}

// Tiered evaluates flags from the L1, filling it from the L2 on a miss.
// Concurrent misses for the same flag share one L2 read.
type Tiered struct {
	l1     *MemoryCache
	l2     Source
	engine *ruleengine.Engine
	logger *slog.Logger
	group  singleflight.Group
}

// NewTiered combines l1 and l2. It panics on nil layers.
func NewTiered(l1 *MemoryCache, l2 Source, logger *slog.Logger) *Tiered {
	if l1 == nil || l2 == nil {
		panic("cache: tiered layers cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tiered{
		l1:     l1,
		l2:     l2,
		engine: ruleengine.New(logger),
		logger: logger,
	}
}

// Evaluate resolves the flag and evaluates it for req. A flag absent from
// both layers yields errs.ErrNotFound.
func (t *Tiered) Evaluate(ctx context.Context, name string, req flags.Request) (flags.Evaluation, error) {
	f, err := t.flag(ctx, name)
	if err != nil {
		observability.FlagEvaluations.WithLabelValues("not_found").Inc()
		return flags.Evaluation{}, err
	}

	res := flags.Evaluate(t.engine, f, req)
	observability.FlagEvaluations.WithLabelValues(strconv.FormatBool(res.Value)).Inc()
	return res, nil
}

func (t *Tiered) flag(ctx context.Context, name string) (*flags.FeatureFlag, error) {
	if f, ok := t.l1.Get(name); ok {
		return f, nil
	}

	v, err, _ := t.group.Do(name, func() (any, error) {
		cfg, err := t.l2.GetFlag(ctx, name)
		if err != nil {
			return nil, err
		}
		f, err := flags.FromConfig(cfg)
		if err != nil {
			t.logger.Error("discarding corrupt cached flag",
				slog.String("flag", name),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		t.l1.Set(f)
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*flags.FeatureFlag), nil
}

// Invalidate drops a flag from the L1 so the next read goes to the L2.
func (t *Tiered) Invalidate(name string) {
	t.l1.Delete(name)
	observability.DataPlaneInvalidations.Inc()
	t.logger.Debug("flag invalidated", slog.String("flag", name))
}
