package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rafaeljc/bifrost/internal/errs"
	"github.com/rafaeljc/bifrost/internal/flags"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/validation"
)

// FlagStore is the part of the flag registry a rollback mutates.
type FlagStore interface {
	GetFlag(name string) (*flags.FeatureFlag, error)
	Deactivate(name string) (*flags.FeatureFlag, error)
	StepDownPercentage(name string, pct float64) (*flags.FeatureFlag, error)
	DenyUsers(name string, userIDs []string) (*flags.FeatureFlag, error)
}

// Compile-time check.
var _ FlagStore = (*flags.Registry)(nil)

// Option configures a Controller.
type Option func(*Controller)

// WithHotSwap sets the hook invoked when a rollback activates a version.
func WithHotSwap(fn HotSwapFunc) Option {
	return func(c *Controller) { c.hotSwap = fn }
}

// WithInterval sets the wait between gradual rollback stages.
func WithInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.interval = d
		}
	}
}

// WithAuditSink persists every record in addition to the in-memory log.
func WithAuditSink(sink AuditSink) Option {
	return func(c *Controller) { c.sink = sink }
}

// Controller performs rollbacks against a flag registry.
//
// Thread Safety: all methods are safe for concurrent use. No lock is held
// while a gradual rollback waits or while listeners, the sink or the hot-swap
// hook run.
type Controller struct {
	logger   *slog.Logger
	flags    FlagStore
	versions *versionRegistry
	hotSwap  HotSwapFunc
	sink     AuditSink
	interval time.Duration
	now      func() time.Time
	sleep    func(time.Duration)

	mu      sync.RWMutex
	history []Record

	listenerMu sync.RWMutex
	listeners  []Listener

	gradual sync.WaitGroup
}

// NewController creates a rollback controller over store.
// If logger is nil, it defaults to slog.Default().
func NewController(store FlagStore, logger *slog.Logger, opts ...Option) *Controller {
	if store == nil {
		panic("rollback: flag store cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		logger:   logger,
		flags:    store,
		versions: newVersionRegistry(),
		interval: time.Minute,
		now:      time.Now,
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RollbackImmediate disables the flag and drops its percentage to zero in one
// step. When version is set it must be registered; it becomes the active
// version and the hot-swap hook is called. A record is appended on every
// successful call, including calls on a flag that is already off.
func (c *Controller) RollbackImmediate(ctx context.Context, flagName, reason, version string) (Record, error) {
	if version != "" && !c.versions.has(flagName, version) {
		return Record{}, fmt.Errorf("%w: version %q of flag %q", errs.ErrNotFound, version, flagName)
	}

	prev, err := c.flags.Deactivate(flagName)
	if err != nil {
		return Record{}, err
	}

	if version != "" {
		if err := c.versions.activate(flagName, version); err != nil {
			return Record{}, err
		}
	}

	rec := c.append(ctx, Record{
		FlagName:           flagName,
		Reason:             reason,
		Strategy:           StrategyImmediate,
		PreviousPercentage: prev.RolloutPercentage,
		TargetVersion:      version,
	})

	if version != "" && c.hotSwap != nil {
		if err := c.hotSwap(ctx, flagName, version); err != nil {
			c.logger.Error("hot-swap hook failed",
				slog.String("flag", flagName),
				slog.String("version", version),
				slog.String("error", err.Error()),
			)
		}
	}
	return rec, nil
}

// RollbackGradual walks the flag's percentage down through stages, waiting
// the configured interval between stages. It blocks until the last stage is
// applied. Cancelling ctx does not stop it: de-escalation always completes.
// Stages at or above the current percentage are skipped. A nil stages slice
// uses DefaultGradualStages.
func (c *Controller) RollbackGradual(ctx context.Context, flagName, reason string, stages []float64) (Record, error) {
	rec, plan, err := c.beginGradual(ctx, flagName, reason, stages)
	if err != nil {
		return Record{}, err
	}
	c.walk(flagName, plan)
	return rec, nil
}

// StartGradual validates and records a gradual rollback like RollbackGradual
// and runs the walk in the background. Wait blocks until every background
// walk has finished.
func (c *Controller) StartGradual(ctx context.Context, flagName, reason string, stages []float64) (Record, error) {
	rec, plan, err := c.beginGradual(ctx, flagName, reason, stages)
	if err != nil {
		return Record{}, err
	}
	c.gradual.Add(1)
	go func() {
		defer c.gradual.Done()
		c.walk(flagName, plan)
	}()
	return rec, nil
}

// Wait blocks until background gradual rollbacks finish or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.gradual.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) beginGradual(ctx context.Context, flagName, reason string, stages []float64) (Record, []float64, error) {
	if stages == nil {
		stages = DefaultGradualStages
	}
	if err := validation.DecreasingStages(stages); err != nil {
		return Record{}, nil, err
	}

	f, err := c.flags.GetFlag(flagName)
	if err != nil {
		return Record{}, nil, err
	}

	plan := make([]float64, 0, len(stages))
	for _, s := range stages {
		if s < f.RolloutPercentage {
			plan = append(plan, s)
		}
	}

	rec := c.append(ctx, Record{
		FlagName:           flagName,
		Reason:             reason,
		Strategy:           StrategyGradual,
		PreviousPercentage: f.RolloutPercentage,
	})
	return rec, plan, nil
}

// walk applies each stage. It stops as soon as a stage is refused because
// the flag was disabled, killed or already brought to or below the stage.
func (c *Controller) walk(flagName string, plan []float64) {
	for i, pct := range plan {
		if i > 0 {
			c.sleep(c.interval)
		}
		if _, err := c.flags.StepDownPercentage(flagName, pct); err != nil {
			switch {
			case errors.Is(err, errs.ErrNotFound):
				c.logger.Warn("flag deleted during gradual rollback", slog.String("flag", flagName))
				return
			case errors.Is(err, errs.ErrConflict):
				c.logger.Info("gradual rollback superseded",
					slog.String("flag", flagName),
					slog.Float64("percentage", pct),
					slog.String("reason", err.Error()),
				)
				return
			}
			c.logger.Error("gradual rollback stage failed",
				slog.String("flag", flagName),
				slog.Float64("percentage", pct),
				slog.String("error", err.Error()),
			)
			continue
		}
		c.logger.Info("gradual rollback stage applied",
			slog.String("flag", flagName),
			slog.Float64("percentage", pct),
			slog.Int("stage", i+1),
			slog.Int("stages", len(plan)),
		)
	}
}

// RollbackTargeted denies the flag to the given users. Status and percentage
// are unchanged, so everyone else keeps their exposure.
func (c *Controller) RollbackTargeted(ctx context.Context, flagName, reason string, userIDs []string) (Record, error) {
	f, err := c.flags.DenyUsers(flagName, userIDs)
	if err != nil {
		return Record{}, err
	}
	return c.append(ctx, Record{
		FlagName:           flagName,
		Reason:             reason,
		Strategy:           StrategyTargeted,
		PreviousPercentage: f.RolloutPercentage,
		AffectedUserIDs:    slices.Clone(userIDs),
	}), nil
}

// History returns the audit log in append order. A non-empty flagName keeps
// only that flag's records.
func (c *Controller) History(flagName string) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Record, 0, len(c.history))
	for _, rec := range c.history {
		if flagName == "" || rec.FlagName == flagName {
			out = append(out, rec)
		}
	}
	return out
}

// RestoreHistory prepends records loaded from durable storage, so History
// spans restarts. It neither mutates flags nor notifies listeners.
func (c *Controller) RestoreHistory(records []Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(slices.Clone(records), c.history...)
}

// RegisterVersion appends a version to the flag's registry without activating it.
func (c *Controller) RegisterVersion(flagName, version string) error {
	if err := validation.Name("flag", flagName); err != nil {
		return err
	}
	if err := validation.Name("version", version); err != nil {
		return err
	}
	return c.versions.register(flagName, version)
}

// Versions returns the registered versions of a flag in registration order.
func (c *Controller) Versions(flagName string) []string {
	return c.versions.versions(flagName)
}

// ActiveVersion returns the version activated by the last versioned rollback.
func (c *Controller) ActiveVersion(flagName string) (string, bool) {
	return c.versions.activeVersion(flagName)
}

// Subscribe registers a listener for every appended record.
func (c *Controller) Subscribe(l Listener) {
	if l == nil {
		panic("rollback: listener cannot be nil")
	}
	c.listenerMu.Lock()
	c.listeners = append(c.listeners, l)
	c.listenerMu.Unlock()
}

// append stamps, stores and publishes a record.
func (c *Controller) append(ctx context.Context, rec Record) Record {
	rec.ID = uuid.NewString()
	rec.Timestamp = c.now()

	c.mu.Lock()
	c.history = append(c.history, rec)
	c.mu.Unlock()

	observability.Rollbacks.WithLabelValues(string(rec.Strategy)).Inc()
	c.logger.Info("rollback recorded",
		slog.String("id", rec.ID),
		slog.String("flag", rec.FlagName),
		slog.String("strategy", string(rec.Strategy)),
		slog.String("reason", rec.Reason),
		slog.Float64("previous_percentage", rec.PreviousPercentage),
	)

	if c.sink != nil {
		if err := c.sink.AppendRollback(context.WithoutCancel(ctx), rec); err != nil {
			c.logger.Error("failed to persist rollback record",
				slog.String("id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	c.listenerMu.RLock()
	listeners := slices.Clone(c.listeners)
	c.listenerMu.RUnlock()
	for _, l := range listeners {
		l(rec)
	}
	return rec
}
