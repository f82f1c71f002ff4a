// Package syncer propagates registry changes to Redis and the durable store.
// Change notifications are applied as they arrive; a periodic full
// reconciliation repairs anything a dropped notification or a failed write
// left behind.
package syncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/rafaeljc/bifrost/internal/flags"
	"github.com/rafaeljc/bifrost/internal/observability"
)

// Source is the registry being mirrored.
type Source interface {
	Subscribe(buffer int) (<-chan flags.Change, func())
	ListFlags() []*flags.FeatureFlag
}

// Config tunes the service.
type Config struct {
	// Interval between full reconciliations.
	Interval time.Duration
	// Buffer is the capacity of the change subscription.
	Buffer int
	// WriteTimeout bounds one write to one target.
	WriteTimeout time.Duration
}

// Service mirrors a Source into its targets.
type Service struct {
	logger  *slog.Logger
	config  Config
	source  Source
	targets []Target
}

// New creates the service. Missing tunables fall back to 30s, 256 and 5s.
func New(logger *slog.Logger, cfg Config, source Source, targets ...Target) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if source == nil {
		panic("syncer: source cannot be nil")
	}
	if len(targets) == 0 {
		panic("syncer: at least one target is required")
	}

	if cfg.Interval < time.Second {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Buffer < 1 {
		cfg.Buffer = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	return &Service{
		logger:  logger,
		config:  cfg,
		source:  source,
		targets: targets,
	}
}

// Run blocks until ctx is cancelled. Write failures are logged and retried
// by the next reconciliation; they never stop the loop.
func (s *Service) Run(ctx context.Context) error {
	changes, unsubscribe := s.source.Subscribe(s.config.Buffer)
	defer unsubscribe()

	names := make([]string, len(s.targets))
	for i, t := range s.targets {
		names[i] = t.Name()
	}
	s.logger.Info("starting syncer",
		slog.Duration("interval", s.config.Interval),
		slog.Any("targets", names),
	)

	s.reconcile(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("syncer stopping")
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			s.propagate(ctx, change)
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

// propagate applies one change to every target.
func (s *Service) propagate(ctx context.Context, change flags.Change) {
	start := time.Now()
	defer func() { observability.SyncerJobDuration.Observe(time.Since(start).Seconds()) }()

	var cfg flags.Config
	if change.Flag != nil {
		cfg = change.Flag.Config()
	}

	for _, t := range s.targets {
		var err error
		if change.Flag == nil {
			err = s.write(ctx, func(ctx context.Context) error { return t.Delete(ctx, change.Name) })
		} else {
			err = s.write(ctx, func(ctx context.Context) error { return t.Put(ctx, cfg) })
		}
		s.record(t, change.Name, err)
	}
}

// reconcile pushes every flag to every target and removes flags the
// registry no longer has.
func (s *Service) reconcile(ctx context.Context) {
	start := time.Now()
	current := s.source.ListFlags()
	known := make(map[string]struct{}, len(current))
	for _, f := range current {
		known[f.Name] = struct{}{}
	}

	synced, failed, pruned := 0, 0, 0
	for _, t := range s.targets {
		for _, f := range current {
			cfg := f.Config()
			err := s.write(ctx, func(ctx context.Context) error { return t.Put(ctx, cfg) })
			s.record(t, f.Name, err)
			if err != nil {
				failed++
				continue
			}
			synced++
		}

		var held []string
		err := s.write(ctx, func(ctx context.Context) error {
			var err error
			held, err = t.Names(ctx)
			return err
		})
		if err != nil {
			s.logger.Warn("failed to list target flags",
				slog.String("target", t.Name()),
				slog.String("error", err.Error()),
			)
			failed++
			continue
		}
		for _, name := range held {
			if _, ok := known[name]; ok {
				continue
			}
			err := s.write(ctx, func(ctx context.Context) error { return t.Delete(ctx, name) })
			s.record(t, name, err)
			if err != nil {
				failed++
				continue
			}
			pruned++
		}
	}

	if synced > 0 || failed > 0 || pruned > 0 {
		s.logger.Info("reconciliation completed",
			slog.Int("synced", synced),
			slog.Int("pruned", pruned),
			slog.Int("errors", failed),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

func (s *Service) write(ctx context.Context, fn func(ctx context.Context) error) error {
	wctx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
	defer cancel()
	return fn(wctx)
}

func (s *Service) record(t Target, flagName string, err error) {
	if err != nil {
		observability.SyncerJobsTotal.WithLabelValues(t.Name(), "fail").Inc()
		s.logger.Warn("failed to sync flag",
			slog.String("target", t.Name()),
			slog.String("flag", flagName),
			slog.String("error", err.Error()),
		)
		return
	}
	observability.SyncerJobsTotal.WithLabelValues(t.Name(), "success").Inc()
}
