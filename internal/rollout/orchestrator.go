package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rafaeljc/bifrost/internal/errs"
	"github.com/rafaeljc/bifrost/internal/flags"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/rollback"
)

var (
	errExternalRollback = errors.New("flag was rolled back externally")
	errShutdown         = errors.New("orchestrator shut down")
)

// FlagStore is the part of the flag registry the orchestrator drives.
type FlagStore interface {
	GetFlag(name string) (*flags.FeatureFlag, error)
	ApplyRolloutStage(name string, pct float64, groups []string, allowEnable bool) (*flags.FeatureFlag, error)
}

// Rollbacker reverses a failed rollout and reports external rollbacks.
type Rollbacker interface {
	RollbackImmediate(ctx context.Context, flagName, reason, version string) (rollback.Record, error)
	Subscribe(l rollback.Listener)
}

var (
	_ FlagStore  = (*flags.Registry)(nil)
	_ Rollbacker = (*rollback.Controller)(nil)
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWaitInterval sets the default settle time after each stage.
func WithWaitInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.waitInterval = d }
}

// WithValidationTimeout sets the default bound on one validator call.
func WithValidationTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.validationTimeout = d }
}

// WithRingGroups sets the groups enabled, cumulatively, by the ring stages.
func WithRingGroups(groups ...string) Option {
	return func(o *Orchestrator) { o.ringGroups = slices.Clone(groups) }
}

// Orchestrator runs at most one rollout session per flag. Each session is
// driven by its own goroutine, which is the only writer of the session state;
// callers read published snapshots and talk to the runner through channels
// and context cancellation.
type Orchestrator struct {
	logger   *slog.Logger
	flags    FlagStore
	rollback Rollbacker

	waitInterval      time.Duration
	validationTimeout time.Duration
	ringGroups        []string
	now               func() time.Time

	base       context.Context
	cancelBase context.CancelCauseFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	active map[string]*runner // flag -> non-terminal session
	closed bool

	// sessions maps flag -> latest runner, terminal ones included.
	sessions sync.Map
}

// NewOrchestrator creates an orchestrator and subscribes it to rollbacks so
// that an external rollback cancels the flag's active session.
// If logger is nil, it defaults to slog.Default().
func NewOrchestrator(store FlagStore, rb Rollbacker, logger *slog.Logger, opts ...Option) *Orchestrator {
	if store == nil {
		panic("rollout: flag store cannot be nil")
	}
	if rb == nil {
		panic("rollout: rollback controller cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	base, cancel := context.WithCancelCause(context.Background())
	o := &Orchestrator{
		logger:            logger,
		flags:             store,
		rollback:          rb,
		waitInterval:      5 * time.Minute,
		validationTimeout: 30 * time.Second,
		ringGroups:        []string{"internal", "beta"},
		now:               time.Now,
		base:              base,
		cancelBase:        cancel,
		active:            make(map[string]*runner),
	}
	for _, opt := range opts {
		opt(o)
	}

	rb.Subscribe(o.onRollback)
	return o
}

// StartRollout validates the plan and starts a session for flagName.
// It fails with ErrNotFound for an unknown flag, ErrConflict when the flag is
// killed or already has an active session, and ErrValidation for a bad plan.
func (o *Orchestrator) StartRollout(ctx context.Context, flagName string, opts Options) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	if opts.Validate == nil {
		return Session{}, fmt.Errorf("%w: a validation function is required", errs.ErrValidation)
	}
	stages, err := buildStages(opts, o.ringGroups)
	if err != nil {
		return Session{}, err
	}
	if opts.WaitInterval <= 0 {
		opts.WaitInterval = o.waitInterval
	}
	if opts.ValidationTimeout <= 0 {
		opts.ValidationTimeout = o.validationTimeout
	}

	f, err := o.flags.GetFlag(flagName)
	if err != nil {
		return Session{}, err
	}
	if f.Status == flags.StatusKilled {
		return Session{}, fmt.Errorf("%w: flag %q is killed", errs.ErrConflict, flagName)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return Session{}, fmt.Errorf("%w: orchestrator is shutting down", errs.ErrConflict)
	}
	if cur, ok := o.active[flagName]; ok && !cur.snapshot().Phase.Terminal() {
		o.mu.Unlock()
		return Session{}, fmt.Errorf("%w: flag %q already has rollout %s in phase %s",
			errs.ErrConflict, flagName, cur.snapshot().ID, cur.snapshot().Phase)
	}

	now := o.now()
	r := newRunner(o, opts, Session{
		ID:                uuid.NewString(),
		FlagName:          flagName,
		Strategy:          opts.Strategy,
		Stages:            stages,
		Phase:             PhasePending,
		AutoAdvance:       opts.AutoAdvance,
		WaitInterval:      opts.WaitInterval,
		ValidationTimeout: opts.ValidationTimeout,
		StartedAt:         now,
		UpdatedAt:         now,
	})
	o.active[flagName] = r
	o.sessions.Store(flagName, r)
	o.wg.Add(1)
	o.mu.Unlock()

	observability.RolloutsActive.Inc()
	observability.RolloutTransitions.WithLabelValues(string(opts.Strategy), string(PhasePending)).Inc()
	o.logger.Info("rollout started",
		slog.String("flag", flagName),
		slog.String("rollout_id", r.snapshot().ID),
		slog.String("strategy", string(opts.Strategy)),
		slog.Int("stages", len(stages)),
	)

	go r.run()
	return r.snapshot().clone(), nil
}

// GetRolloutStatus returns the latest session of a flag, terminal or not.
func (o *Orchestrator) GetRolloutStatus(flagName string) (Session, error) {
	v, ok := o.sessions.Load(flagName)
	if !ok {
		return Session{}, fmt.Errorf("%w: no rollout for flag %q", errs.ErrNotFound, flagName)
	}
	return v.(*runner).snapshot().clone(), nil
}

// ListRollouts returns the latest session of every flag, ordered by flag name.
func (o *Orchestrator) ListRollouts() []Session {
	var out []Session
	o.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*runner).snapshot().clone())
		return true
	})
	slices.SortFunc(out, func(a, b Session) int { return strings.Compare(a.FlagName, b.FlagName) })
	return out
}

// ResumeRollout lets a session parked after a passing stage continue.
func (o *Orchestrator) ResumeRollout(flagName string) error {
	v, ok := o.sessions.Load(flagName)
	if !ok {
		return fmt.Errorf("%w: no rollout for flag %q", errs.ErrNotFound, flagName)
	}
	r := v.(*runner)
	snap := r.snapshot()
	if snap.Phase.Terminal() || !snap.AwaitingResume {
		return fmt.Errorf("%w: rollout for flag %q is not awaiting resume (phase %s)", errs.ErrConflict, flagName, snap.Phase)
	}

	select {
	case r.resume <- snap.CurrentStageIndex:
		return nil
	default:
		return fmt.Errorf("%w: rollout for flag %q was already resumed", errs.ErrConflict, flagName)
	}
}

// Shutdown stops accepting rollouts, cancels every runner and waits for them
// to exit or for ctx to be done. Interrupted sessions end FAILED and their
// flags keep the last applied stage.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.cancelBase(errShutdown)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onRollback cancels the active session of a flag rolled back by someone
// else. Rollbacks issued by a failing session find it already terminal.
func (o *Orchestrator) onRollback(rec rollback.Record) {
	if rec.Strategy == rollback.StrategyTargeted {
		return
	}
	o.mu.Lock()
	r, ok := o.active[rec.FlagName]
	o.mu.Unlock()
	if !ok || r.snapshot().Phase.Terminal() {
		return
	}

	o.logger.Info("cancelling rollout after external rollback",
		slog.String("flag", rec.FlagName),
		slog.String("rollout_id", r.snapshot().ID),
		slog.String("rollback_id", rec.ID),
	)
	r.cancel(errExternalRollback)
}

// finish removes a terminal runner from the active set.
func (o *Orchestrator) finish(r *runner) {
	o.mu.Lock()
	if o.active[r.flagName] == r {
		delete(o.active, r.flagName)
	}
	o.mu.Unlock()

	observability.RolloutsActive.Dec()
	o.wg.Done()
}
