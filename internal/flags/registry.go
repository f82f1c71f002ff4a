package flags

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rafaeljc/bifrost/internal/errs"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/validation"
)

// Definition carries the static fields accepted by SetFlag.
type Definition struct {
	Name              string
	Enabled           bool
	RolloutPercentage float64
	Description       string
	Conditions        []ruleengine.Condition
}

// Stats are the evaluation counters of one flag.
type Stats struct {
	Name        string `json:"name"`
	Evaluations uint64 `json:"evaluations"`
	True        uint64 `json:"true"`
	False       uint64 `json:"false"`
}

// Change is emitted after every committed mutation.
// Flag is nil when the flag was deleted.
type Change struct {
	Name string
	Flag *FeatureFlag
}

// entry owns one flag: writers serialize on mu and publish a new snapshot;
// readers only load the pointer.
type entry struct {
	mu      sync.Mutex
	snap    atomic.Pointer[FeatureFlag]
	deleted bool // set under mu once DeleteFlag unlinks the entry

	evaluations atomic.Uint64
	trues       atomic.Uint64
}

// Registry owns every flag of the process.
//
// Thread Safety: all methods are safe for concurrent use. Mutations on one
// flag are serialized; mutations on different flags proceed independently;
// evaluation never waits for a flag writer.
type Registry struct {
	logger *slog.Logger
	engine *ruleengine.Engine
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry

	subMu       sync.RWMutex
	subscribers map[int]chan Change
	nextSubID   int
}

// NewRegistry creates an empty registry.
// If logger is nil, it defaults to slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:      logger,
		engine:      ruleengine.New(logger),
		now:         time.Now,
		entries:     make(map[string]*entry),
		subscribers: make(map[int]chan Change),
	}
}

// -----------------------------------------------------------------------------
// Read path
// -----------------------------------------------------------------------------

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	return e, ok
}

// Evaluate evaluates a flag for the request and records the outcome in the
// flag's stats.
func (r *Registry) Evaluate(name string, req Request) (Evaluation, error) {
	e, ok := r.lookup(name)
	if !ok {
		observability.FlagEvaluations.WithLabelValues("not_found").Inc()
		return Evaluation{}, fmt.Errorf("%w: flag %q", errs.ErrNotFound, name)
	}

	result := Evaluate(r.engine, e.snap.Load(), req)

	e.evaluations.Add(1)
	if result.Value {
		e.trues.Add(1)
		observability.FlagEvaluations.WithLabelValues("true").Inc()
	} else {
		observability.FlagEvaluations.WithLabelValues("false").Inc()
	}
	return result, nil
}

// IsEnabled reports whether the flag is on for the given user, groups and context.
func (r *Registry) IsEnabled(name, userID string, groupIDs []string, attributes map[string]string) (bool, error) {
	result, err := r.Evaluate(name, Request{UserID: userID, GroupIDs: groupIDs, Attributes: attributes})
	if err != nil {
		return false, err
	}
	return result.Value, nil
}

// GetFlag returns the current snapshot of a flag.
func (r *Registry) GetFlag(name string) (*FeatureFlag, error) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: flag %q", errs.ErrNotFound, name)
	}
	return e.snap.Load(), nil
}

// ListFlags returns the current snapshots ordered by name.
func (r *Registry) ListFlags() []*FeatureFlag {
	r.mu.RLock()
	out := make([]*FeatureFlag, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snap.Load())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *FeatureFlag) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// GetFlagStats returns the evaluation counters of a flag.
func (r *Registry) GetFlagStats(name string) (Stats, error) {
	e, ok := r.lookup(name)
	if !ok {
		return Stats{}, fmt.Errorf("%w: flag %q", errs.ErrNotFound, name)
	}
	total := e.evaluations.Load()
	trues := e.trues.Load()
	if trues > total {
		// Counters are updated independently; a reader may catch them mid-update.
		total = trues
	}
	return Stats{Name: name, Evaluations: total, True: trues, False: total - trues}, nil
}

// Export returns the persisted document for every flag.
func (r *Registry) Export() Document {
	snaps := r.ListFlags()
	doc := Document{Flags: make([]Config, 0, len(snaps))}
	for _, f := range snaps {
		doc.Flags = append(doc.Flags, f.Config())
	}
	return doc
}

// -----------------------------------------------------------------------------
// Write path
// -----------------------------------------------------------------------------

// SetFlag creates a flag or replaces its static fields. User, group and deny
// sets of an existing flag are preserved. Invalid input is rejected before
// anything changes.
func (r *Registry) SetFlag(def Definition) (*FeatureFlag, error) {
	if err := validation.Name("flag", def.Name); err != nil {
		return nil, err
	}
	if err := validation.Percentage(def.RolloutPercentage); err != nil {
		return nil, err
	}
	conditions := slices.Clone(def.Conditions)
	if err := ruleengine.CompileConditions(conditions); err != nil {
		return nil, err
	}

	status := StatusDisabled
	if def.Enabled {
		status = exposureStatus(def.RolloutPercentage)
	}

	return r.upsert(def.Name, "set", r.mutate(func(f *FeatureFlag) error {
		f.Status = status
		f.RolloutPercentage = def.RolloutPercentage
		f.Description = def.Description
		f.Conditions = conditions
		return nil
	}))
}

// RestoreFlag installs a persisted flag as-is (status, sets and version included).
// Used when loading configuration from an external store.
func (r *Registry) RestoreFlag(c Config) (*FeatureFlag, error) {
	restored, err := FromConfig(c)
	if err != nil {
		return nil, err
	}

	if restored.LastModified.IsZero() {
		restored.LastModified = r.now()
	}
	return r.upsert(c.Name, "restore", func(cur *FeatureFlag) (*FeatureFlag, error) {
		next := *restored
		if cur.Version >= next.Version {
			next.Version = cur.Version + 1
		}
		return &next, nil
	})
}

// SetRolloutPercentage changes the percentage. On an enabled/percentage flag
// the status follows the value (100 -> enabled); disabled and killed flags keep
// their status.
func (r *Registry) SetRolloutPercentage(name string, pct float64) (*FeatureFlag, error) {
	if err := validation.Percentage(pct); err != nil {
		return nil, err
	}
	return r.update(name, "set_percentage", func(f *FeatureFlag) error {
		f.RolloutPercentage = pct
		if f.Status.active() {
			f.Status = exposureStatus(pct)
		}
		return nil
	})
}

// StepDownPercentage lowers the percentage of an active flag. It is refused
// with ErrConflict when the flag is disabled or killed, or when pct is not
// below the current percentage, so a de-escalation can never raise exposure
// or undo a rollback that happened in the meantime.
func (r *Registry) StepDownPercentage(name string, pct float64) (*FeatureFlag, error) {
	if err := validation.Percentage(pct); err != nil {
		return nil, err
	}
	return r.update(name, "step_down", func(f *FeatureFlag) error {
		if !f.Status.active() {
			return fmt.Errorf("%w: flag %q is %s", errs.ErrConflict, name, f.Status)
		}
		if pct >= f.RolloutPercentage {
			return fmt.Errorf("%w: flag %q is already at %v%%", errs.ErrConflict, name, f.RolloutPercentage)
		}
		f.RolloutPercentage = pct
		f.Status = exposureStatus(pct)
		return nil
	})
}

// EnableFlag turns a flag on at its current percentage, clearing the kill switch.
func (r *Registry) EnableFlag(name string) (*FeatureFlag, error) {
	return r.update(name, "enable", func(f *FeatureFlag) error {
		f.Status = exposureStatus(f.RolloutPercentage)
		return nil
	})
}

// DisableFlag engages the kill switch: evaluation returns false for every
// user, group and context until the flag is enabled again.
func (r *Registry) DisableFlag(name string) (*FeatureFlag, error) {
	return r.update(name, "kill", func(f *FeatureFlag) error {
		f.Status = StatusKilled
		return nil
	})
}

// AddUserToFlag whitelists a user.
func (r *Registry) AddUserToFlag(name, userID string) (*FeatureFlag, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", errs.ErrValidation)
	}
	return r.update(name, "add_user", func(f *FeatureFlag) error {
		f.EnabledUsers[userID] = struct{}{}
		return nil
	})
}

// SetGroups replaces the enabled group set.
func (r *Registry) SetGroups(name string, groupIDs []string) (*FeatureFlag, error) {
	return r.update(name, "set_groups", func(f *FeatureFlag) error {
		f.EnabledGroups = toSet(groupIDs)
		return nil
	})
}

// DenyUsers adds users to the deny set; evaluation rejects them before any
// whitelist or bucket. Percentage and status are untouched.
func (r *Registry) DenyUsers(name string, userIDs []string) (*FeatureFlag, error) {
	if len(userIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one user id is required", errs.ErrValidation)
	}
	return r.update(name, "deny_users", func(f *FeatureFlag) error {
		for _, id := range userIDs {
			if id != "" {
				f.DenyUsers[id] = struct{}{}
			}
		}
		return nil
	})
}

// Deactivate disables the flag and drops its percentage to zero in one
// atomic step. It returns the snapshot that was replaced.
func (r *Registry) Deactivate(name string) (*FeatureFlag, error) {
	var prev *FeatureFlag
	_, err := r.update(name, "deactivate", func(f *FeatureFlag) error {
		prev = f.clone()
		f.Status = StatusDisabled
		f.RolloutPercentage = 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

// ApplyRolloutStage sets the stage target of a running rollout in one atomic
// step. groups replaces enabled_groups when non-nil. The stage is refused when
// the flag is killed, or disabled while allowEnable is false: an external
// rollback wins over the rollout.
func (r *Registry) ApplyRolloutStage(name string, pct float64, groups []string, allowEnable bool) (*FeatureFlag, error) {
	if err := validation.Percentage(pct); err != nil {
		return nil, err
	}
	return r.update(name, "rollout_stage", func(f *FeatureFlag) error {
		switch {
		case f.Status == StatusKilled:
			return fmt.Errorf("%w: flag %q is killed", errs.ErrConflict, name)
		case f.Status == StatusDisabled && !allowEnable:
			return fmt.Errorf("%w: flag %q was disabled during the rollout", errs.ErrConflict, name)
		}
		f.RolloutPercentage = pct
		if groups != nil {
			f.EnabledGroups = toSet(groups)
		}
		f.Status = exposureStatus(pct)
		return nil
	})
}

// DeleteFlag removes a flag. A writer that loaded the entry before the
// removal either commits first or sees the entry deleted.
func (r *Registry) DeleteFlag(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if ok {
		delete(r.entries, name)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: flag %q", errs.ErrNotFound, name)
	}

	e.mu.Lock()
	e.deleted = true
	last := e.snap.Load()
	r.notify(Change{Name: name})
	e.mu.Unlock()

	r.trackKill(last.Status, StatusDisabled)
	observability.FlagMutations.WithLabelValues("delete").Inc()
	return nil
}

// getOrCreate returns the entry for name, inserting an empty disabled flag if needed.
func (r *Registry) getOrCreate(name string) *entry {
	if e, ok := r.lookup(name); ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		return e
	}
	e := &entry{}
	e.snap.Store(&FeatureFlag{
		Name:          name,
		Status:        StatusDisabled,
		EnabledUsers:  map[string]struct{}{},
		EnabledGroups: map[string]struct{}{},
		DenyUsers:     map[string]struct{}{},
	})
	r.entries[name] = e
	return e
}

// errEntryDeleted reports a commit against an entry DeleteFlag unlinked.
var errEntryDeleted = errors.New("flag entry deleted")

func (r *Registry) update(name, op string, fn func(f *FeatureFlag) error) (*FeatureFlag, error) {
	e, ok := r.lookup(name)
	if ok {
		f, err := r.commit(e, name, op, r.mutate(fn))
		if !errors.Is(err, errEntryDeleted) {
			return f, err
		}
	}
	return nil, fmt.Errorf("%w: flag %q", errs.ErrNotFound, name)
}

// upsert commits against the flag's entry, creating it if needed. An entry
// deleted concurrently is replaced by a fresh one.
func (r *Registry) upsert(name, op string, build func(cur *FeatureFlag) (*FeatureFlag, error)) (*FeatureFlag, error) {
	for {
		f, err := r.commit(r.getOrCreate(name), name, op, build)
		if !errors.Is(err, errEntryDeleted) {
			return f, err
		}
	}
}

// mutate runs fn on a private copy of the current snapshot and stamps the
// next version.
func (r *Registry) mutate(fn func(f *FeatureFlag) error) func(cur *FeatureFlag) (*FeatureFlag, error) {
	return func(cur *FeatureFlag) (*FeatureFlag, error) {
		next := cur.clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		next.Version = cur.Version + 1
		next.LastModified = r.now()
		return next, nil
	}
}

// commit builds the next snapshot under the entry lock and publishes it. If
// build fails nothing is published. Subscribers are notified under the lock,
// so they see one flag's changes in commit order.
func (r *Registry) commit(e *entry, name, op string, build func(cur *FeatureFlag) (*FeatureFlag, error)) (*FeatureFlag, error) {
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return nil, errEntryDeleted
	}
	cur := e.snap.Load()
	next, err := build(cur)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.snap.Store(next)
	r.notify(Change{Name: name, Flag: next})
	e.mu.Unlock()

	r.trackKill(cur.Status, next.Status)
	observability.FlagMutations.WithLabelValues(op).Inc()
	r.logger.Debug("flag updated",
		slog.String("flag", name),
		slog.String("operation", op),
		slog.String("status", string(next.Status)),
		slog.Float64("rollout_percentage", next.RolloutPercentage),
		slog.Int64("version", next.Version),
	)
	return next, nil
}

func (r *Registry) trackKill(before, after Status) {
	switch {
	case before != StatusKilled && after == StatusKilled:
		observability.FlagsKilled.Inc()
	case before == StatusKilled && after != StatusKilled:
		observability.FlagsKilled.Dec()
	}
}

// -----------------------------------------------------------------------------
// Change notifications
// -----------------------------------------------------------------------------

// Subscribe returns a channel receiving every committed change and a function
// that unsubscribes. Delivery is best effort: when the buffer is full the
// change is dropped, so consumers must reconcile periodically.
func (r *Registry) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Change, buffer)

	r.subMu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = ch
	r.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subscribers, id)
			r.subMu.Unlock()
			close(ch)
		})
	}
}

func (r *Registry) notify(c Change) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- c:
		default:
			r.logger.Warn("change subscriber is full, dropping notification", slog.String("flag", c.Name))
		}
	}
}
