package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rafaeljc/bifrost/internal/errs"
	"github.com/rafaeljc/bifrost/internal/flags"
	"github.com/rafaeljc/bifrost/internal/observability"
)

// runner owns one session. Only its goroutine publishes snapshots.
type runner struct {
	o        *Orchestrator
	opts     Options
	flagName string
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	// resume carries the stage index the caller saw when resuming.
	resume chan int

	snap atomic.Pointer[Session]
}

type validationResult struct {
	ok  bool
	err error
}

func newRunner(o *Orchestrator, opts Options, s Session) *runner {
	ctx, cancel := context.WithCancelCause(o.base)
	r := &runner{
		o:        o,
		opts:     opts,
		flagName: s.FlagName,
		logger:   o.logger.With(slog.String("flag", s.FlagName), slog.String("rollout_id", s.ID)),
		ctx:      ctx,
		cancel:   cancel,
		resume:   make(chan int, 1),
	}
	r.snap.Store(&s)
	return r
}

func (r *runner) snapshot() *Session {
	return r.snap.Load()
}

// publish derives the next snapshot from the current one.
func (r *runner) publish(fn func(s *Session)) {
	cur := r.snap.Load()
	next := *cur
	fn(&next)
	next.UpdatedAt = r.o.now()
	r.snap.Store(&next)

	if next.Phase != cur.Phase {
		observability.RolloutTransitions.WithLabelValues(string(next.Strategy), string(next.Phase)).Inc()
		r.logger.Debug("rollout phase changed",
			slog.String("from", string(cur.Phase)),
			slog.String("to", string(next.Phase)),
			slog.Int("stage", next.CurrentStageIndex),
		)
	}
}

func (r *runner) run() {
	defer r.o.finish(r)
	defer r.cancel(nil)
	defer func() {
		if p := recover(); p != nil {
			r.fail(fmt.Errorf("rollout runner panicked: %v", p))
		}
	}()

	stages := r.snapshot().Stages
	r.publish(func(s *Session) { s.Phase = PhaseInProgress })

	if r.opts.Strategy == StrategyBlueGreen {
		r.runBlueGreen(stages[0])
		return
	}

	for i, st := range stages {
		if r.interrupted() {
			return
		}
		if !r.apply(i, st) {
			return
		}
		r.publish(func(s *Session) { s.Phase = PhaseValidating })

		if !r.check(st.Percentage) {
			return
		}
		if i == len(stages)-1 {
			if r.stillOwned() {
				r.complete()
			}
			return
		}
		if !r.opts.AutoAdvance && !r.awaitResume(i) {
			return
		}
		r.publish(func(s *Session) {
			s.Phase = PhaseInProgress
			s.CurrentStageIndex = i + 1
		})
	}
}

// runBlueGreen validates the green side once, then switches all traffic.
func (r *runner) runBlueGreen(st Stage) {
	r.publish(func(s *Session) {
		s.Phase = PhaseValidating
		s.CurrentTarget = st.Percentage
	})
	if !r.check(st.Percentage) {
		return
	}
	if !r.opts.AutoAdvance && !r.awaitResume(0) {
		return
	}
	if r.interrupted() {
		return
	}
	if !r.apply(0, st) {
		return
	}
	if r.stillOwned() {
		r.complete()
	}
}

// interrupted ends the session if it was cancelled while suspended.
func (r *runner) interrupted() bool {
	if r.ctx.Err() == nil {
		return false
	}
	r.stop()
	return true
}

// apply writes the stage to the flag. Only the first stage may turn a disabled
// flag on: a flag found disabled or killed later was rolled back by someone else.
func (r *runner) apply(i int, st Stage) bool {
	_, err := r.o.flags.ApplyRolloutStage(r.flagName, st.Percentage, st.Groups, i == 0)
	switch {
	case err == nil:
		r.publish(func(s *Session) {
			s.CurrentStageIndex = i
			s.CurrentTarget = st.Percentage
		})
		r.logger.Info("rollout stage applied",
			slog.Int("stage", i),
			slog.Float64("percentage", st.Percentage),
			slog.Any("groups", st.Groups),
		)
		return true
	case errors.Is(err, errs.ErrConflict):
		r.terminate(PhaseRolledBack, err)
	case errors.Is(err, errs.ErrNotFound):
		r.terminate(PhaseFailed, err)
	default:
		r.fail(fmt.Errorf("apply stage %d: %w", i, err))
	}
	return false
}

// stillOwned re-reads the flag before the session is declared complete. A
// flag disabled or killed during the final stage was rolled back by someone
// else, and a deleted flag fails the session.
func (r *runner) stillOwned() bool {
	f, err := r.o.flags.GetFlag(r.flagName)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		r.terminate(PhaseFailed, err)
		return false
	case err != nil:
		r.fail(fmt.Errorf("read flag before completion: %w", err))
		return false
	case f.Status == flags.StatusKilled || f.Status == flags.StatusDisabled:
		r.terminate(PhaseRolledBack, fmt.Errorf("%w: flag %q is %s", errs.ErrConflict, r.flagName, f.Status))
		return false
	}
	return true
}

// check waits for metrics to settle and runs the validator.
func (r *runner) check(pct float64) bool {
	if !r.wait(r.opts.WaitInterval) {
		r.stop()
		return false
	}

	ok, err := r.validate(pct)
	if r.ctx.Err() != nil {
		r.stop()
		return false
	}
	if err != nil {
		r.fail(fmt.Errorf("validation at %v%%: %w", pct, err))
		return false
	}
	if !ok {
		r.fail(fmt.Errorf("validation at %v%% reported unhealthy", pct))
		return false
	}
	return true
}

func (r *runner) wait(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// validate calls the validator under the stage timeout. A panic is converted
// into an error and a missed deadline into ErrTimeout.
func (r *runner) validate(pct float64) (bool, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.opts.ValidationTimeout)
	defer cancel()

	start := time.Now()
	results := make(chan validationResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				results <- validationResult{err: fmt.Errorf("validator panicked: %v", p)}
			}
		}()
		ok, err := r.opts.Validate(ctx, pct)
		results <- validationResult{ok: ok, err: err}
	}()

	var res validationResult
	select {
	case res = <-results:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	if r.ctx.Err() == nil && errors.Is(res.err, context.DeadlineExceeded) {
		res.err = fmt.Errorf("%w: validator did not answer within %s", errs.ErrTimeout, r.opts.ValidationTimeout)
	}

	label := "pass"
	switch {
	case errors.Is(res.err, errs.ErrTimeout):
		label = "timeout"
	case res.err != nil:
		label = "error"
	case !res.ok:
		label = "fail"
	}
	observability.RolloutValidationDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	return res.ok, res.err
}

// awaitResume parks the session after stage i passed.
func (r *runner) awaitResume(i int) bool {
	r.publish(func(s *Session) { s.AwaitingResume = true })
	r.logger.Info("rollout awaiting resume", slog.Int("stage", i))

	for {
		select {
		case idx := <-r.resume:
			if idx != i {
				continue
			}
			r.publish(func(s *Session) { s.AwaitingResume = false })
			return true
		case <-r.ctx.Done():
			r.stop()
			return false
		}
	}
}

func (r *runner) complete() {
	r.publish(func(s *Session) { s.Phase = PhaseCompleted })
	r.logger.Info("rollout completed", slog.Float64("percentage", r.snapshot().CurrentTarget))
}

// stop ends a cancelled session without touching the flag.
func (r *runner) stop() {
	cause := context.Cause(r.ctx)
	if errors.Is(cause, errExternalRollback) {
		r.terminate(PhaseRolledBack, cause)
		return
	}
	r.terminate(PhaseFailed, cause)
}

// fail ends the session and rolls the flag back.
func (r *runner) fail(err error) {
	r.terminate(PhaseFailed, err)

	reason := fmt.Sprintf("rollout %s failed: %v", r.snapshot().ID, err)
	if _, rbErr := r.o.rollback.RollbackImmediate(context.WithoutCancel(r.ctx), r.flagName, reason, ""); rbErr != nil {
		r.logger.Error("rollback after failed rollout did not complete", slog.String("error", rbErr.Error()))
	}
}

func (r *runner) terminate(phase Phase, err error) {
	r.publish(func(s *Session) {
		s.Phase = phase
		s.AwaitingResume = false
		if err != nil {
			s.LastError = err.Error()
		}
	})

	attrs := []any{slog.String("phase", string(phase))}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	if phase == PhaseFailed {
		r.logger.Warn("rollout ended", attrs...)
		return
	}
	r.logger.Info("rollout ended", attrs...)
}
