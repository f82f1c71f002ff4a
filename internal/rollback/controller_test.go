package rollback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/internal/errs"
	"github.com/rafaeljc/bifrost/internal/flags"
)

type memorySink struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (s *memorySink) AppendRollback(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.err
}

// setup returns a registry holding flag "f" at pct and a controller whose
// gradual waits are instant.
func setup(t *testing.T, pct float64, opts ...Option) (*flags.Registry, *Controller) {
	t.Helper()
	reg := flags.NewRegistry(nil)
	_, err := reg.SetFlag(flags.Definition{Name: "f", Enabled: true, RolloutPercentage: pct})
	require.NoError(t, err)

	c := NewController(reg, nil, opts...)
	c.sleep = func(time.Duration) {}
	return reg, c
}

func TestNewController_PanicsOnNilStore(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { NewController(nil, nil) })
}

func TestRollbackImmediate(t *testing.T) {
	t.Parallel()
	reg, c := setup(t, 40)

	rec, err := c.RollbackImmediate(context.Background(), "f", "error rate spike", "")

	require.NoError(t, err)
	assert.Equal(t, StrategyImmediate, rec.Strategy)
	assert.Equal(t, 40.0, rec.PreviousPercentage)
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.Timestamp.IsZero())

	f, err := reg.GetFlag("f")
	require.NoError(t, err)
	assert.Equal(t, flags.StatusDisabled, f.Status)
	assert.Zero(t, f.RolloutPercentage)

	enabled, err := reg.IsEnabled("f", "anyone", nil, nil)
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestRollbackImmediate_Idempotent(t *testing.T) {
	t.Parallel()
	reg, c := setup(t, 40)
	ctx := context.Background()

	_, err := c.RollbackImmediate(ctx, "f", "first", "")
	require.NoError(t, err)
	afterFirst, err := reg.GetFlag("f")
	require.NoError(t, err)

	second, err := c.RollbackImmediate(ctx, "f", "second", "")
	require.NoError(t, err)
	afterSecond, err := reg.GetFlag("f")
	require.NoError(t, err)

	assert.Len(t, c.History(""), 2)
	assert.Zero(t, second.PreviousPercentage)
	assert.Equal(t, afterFirst.Status, afterSecond.Status)
	assert.Equal(t, afterFirst.RolloutPercentage, afterSecond.RolloutPercentage)
}

func TestRollbackImmediate_UnknownFlag(t *testing.T) {
	t.Parallel()
	_, c := setup(t, 10)

	_, err := c.RollbackImmediate(context.Background(), "missing", "oops", "")

	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Empty(t, c.History(""))
}

func TestRollbackImmediate_ToVersion(t *testing.T) {
	t.Parallel()

	var swapped []string
	hook := func(_ context.Context, flagName, version string) error {
		swapped = append(swapped, flagName+"@"+version)
		return nil
	}
	reg, c := setup(t, 25, WithHotSwap(hook))
	require.NoError(t, c.RegisterVersion("f", "v1"))
	require.NoError(t, c.RegisterVersion("f", "v2"))

	_, ok := c.ActiveVersion("f")
	assert.False(t, ok, "registering does not activate")

	rec, err := c.RollbackImmediate(context.Background(), "f", "bad model", "v1")
	require.NoError(t, err)

	assert.Equal(t, "v1", rec.TargetVersion)
	active, ok := c.ActiveVersion("f")
	require.True(t, ok)
	assert.Equal(t, "v1", active)
	assert.Equal(t, []string{"f@v1"}, swapped)
	assert.Equal(t, []string{"v1", "v2"}, c.Versions("f"))

	f, err := reg.GetFlag("f")
	require.NoError(t, err)
	assert.Equal(t, flags.StatusDisabled, f.Status)
}

func TestRollbackImmediate_UnknownVersionLeavesFlag(t *testing.T) {
	t.Parallel()
	reg, c := setup(t, 25)

	_, err := c.RollbackImmediate(context.Background(), "f", "bad model", "v9")

	assert.ErrorIs(t, err, errs.ErrNotFound)
	f, getErr := reg.GetFlag("f")
	require.NoError(t, getErr)
	assert.Equal(t, 25.0, f.RolloutPercentage)
	assert.Empty(t, c.History(""))
}

func TestRollbackImmediate_HotSwapErrorIsLogged(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	reg := flags.NewRegistry(nil)
	_, err := reg.SetFlag(flags.Definition{Name: "f", Enabled: true, RolloutPercentage: 5})
	require.NoError(t, err)
	c := NewController(reg, logger, WithHotSwap(func(context.Context, string, string) error {
		return errors.New("loader unavailable")
	}))
	require.NoError(t, c.RegisterVersion("f", "v1"))

	_, err = c.RollbackImmediate(context.Background(), "f", "r", "v1")

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "hot-swap hook failed")
	assert.Contains(t, buf.String(), "loader unavailable")
}

func TestRollbackGradual(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		start   float64
		stages  []float64
		want    []float64
		wantErr error
	}{
		{name: "default stages from 100", start: 100, stages: nil, want: []float64{75, 50, 25, 0}},
		{name: "skips stages not below current", start: 50, stages: nil, want: []float64{25, 0}},
		{name: "custom stages", start: 80, stages: []float64{60, 10, 0}, want: []float64{60, 10, 0}},
		{name: "rejects increasing stages", start: 80, stages: []float64{10, 50}, wantErr: errs.ErrValidation},
		{name: "rejects out of range", start: 80, stages: []float64{150, 0}, wantErr: errs.ErrValidation},
		{name: "rejects empty", start: 80, stages: []float64{}, wantErr: errs.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			reg, c := setup(t, tt.start)

			changes, cancel := reg.Subscribe(16)
			defer cancel()

			rec, err := c.RollbackGradual(context.Background(), "f", "latency", tt.stages)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, c.History(""))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StrategyGradual, rec.Strategy)
			assert.Equal(t, tt.start, rec.PreviousPercentage)

			var got []float64
			for range tt.want {
				got = append(got, (<-changes).Flag.RolloutPercentage)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRollbackGradual_IgnoresCancellation(t *testing.T) {
	t.Parallel()
	reg, c := setup(t, 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.RollbackGradual(ctx, "f", "shutdown", nil)

	require.NoError(t, err)
	f, err := reg.GetFlag("f")
	require.NoError(t, err)
	assert.Zero(t, f.RolloutPercentage)
}

func TestRollbackGradual_PreemptedByImmediate(t *testing.T) {
	t.Parallel()
	reg, c := setup(t, 100)

	// The immediate rollback lands while the gradual walk waits between
	// stages; every later wait records what the registry holds.
	var (
		once     sync.Once
		observed []float64
	)
	c.sleep = func(time.Duration) {
		once.Do(func() {
			_, err := c.RollbackImmediate(context.Background(), "f", "page", "")
			require.NoError(t, err)
		})
		f, err := reg.GetFlag("f")
		require.NoError(t, err)
		observed = append(observed, f.RolloutPercentage)
	}

	_, err := c.RollbackGradual(context.Background(), "f", "slow burn", nil)
	require.NoError(t, err)

	assert.Equal(t, []float64{0}, observed, "the walk stops at the first refused stage")

	f, err := reg.GetFlag("f")
	require.NoError(t, err)
	assert.Equal(t, flags.StatusDisabled, f.Status, "gradual writes never re-enable")
	assert.Zero(t, f.RolloutPercentage)

	// Re-enabling afterwards must not bring back a stage of the dead walk.
	f, err = reg.EnableFlag("f")
	require.NoError(t, err)
	assert.Zero(t, f.RolloutPercentage)

	history := c.History("f")
	require.Len(t, history, 2)
	assert.Equal(t, StrategyGradual, history[0].Strategy)
	assert.Equal(t, StrategyImmediate, history[1].Strategy)
}

func TestRollbackGradual_StopsOnKill(t *testing.T) {
	t.Parallel()
	reg, c := setup(t, 100)

	var once sync.Once
	c.sleep = func(time.Duration) {
		once.Do(func() {
			_, err := reg.DisableFlag("f")
			require.NoError(t, err)
		})
	}

	_, err := c.RollbackGradual(context.Background(), "f", "slow burn", nil)
	require.NoError(t, err)

	f, err := reg.GetFlag("f")
	require.NoError(t, err)
	assert.Equal(t, flags.StatusKilled, f.Status)
	assert.Equal(t, 75.0, f.RolloutPercentage, "only the stage before the kill was applied")
}

func TestStartGradual_RunsInBackground(t *testing.T) {
	t.Parallel()
	reg, c := setup(t, 100)

	_, err := c.StartGradual(context.Background(), "f", "async", []float64{50, 0})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))

	f, err := reg.GetFlag("f")
	require.NoError(t, err)
	assert.Zero(t, f.RolloutPercentage)
}

func TestRollbackTargeted(t *testing.T) {
	t.Parallel()
	reg, c := setup(t, 100)

	rec, err := c.RollbackTargeted(context.Background(), "f", "support ticket", []string{"alice", "bob"})
	require.NoError(t, err)

	assert.Equal(t, StrategyTargeted, rec.Strategy)
	assert.Equal(t, []string{"alice", "bob"}, rec.AffectedUserIDs)

	f, err := reg.GetFlag("f")
	require.NoError(t, err)
	assert.Equal(t, 100.0, f.RolloutPercentage)
	assert.Equal(t, flags.StatusEnabled, f.Status)

	for user, want := range map[string]bool{"alice": false, "bob": false, "carol": true} {
		got, err := reg.IsEnabled("f", user, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, want, got, user)
	}

	_, err = c.RollbackTargeted(context.Background(), "f", "empty", nil)
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.Len(t, c.History(""), 1)
}

func TestHistory_FilterAndOrder(t *testing.T) {
	t.Parallel()
	reg, c := setup(t, 10)
	_, err := reg.SetFlag(flags.Definition{Name: "g", Enabled: true, RolloutPercentage: 10})
	require.NoError(t, err)
	ctx := context.Background()

	for i := range 3 {
		_, err := c.RollbackImmediate(ctx, "f", fmt.Sprintf("f-%d", i), "")
		require.NoError(t, err)
		_, err = c.RollbackImmediate(ctx, "g", fmt.Sprintf("g-%d", i), "")
		require.NoError(t, err)
	}

	all := c.History("")
	require.Len(t, all, 6)
	assert.Equal(t, "f-0", all[0].Reason)
	assert.Equal(t, "g-2", all[5].Reason)

	onlyG := c.History("g")
	require.Len(t, onlyG, 3)
	for i, rec := range onlyG {
		assert.Equal(t, fmt.Sprintf("g-%d", i), rec.Reason)
	}
}

func TestRegisterVersion(t *testing.T) {
	t.Parallel()
	_, c := setup(t, 10)

	require.NoError(t, c.RegisterVersion("f", "v1"))
	assert.ErrorIs(t, c.RegisterVersion("f", "v1"), errs.ErrConflict)
	assert.ErrorIs(t, c.RegisterVersion("f", ""), errs.ErrValidation)
	assert.Nil(t, c.Versions("unknown"))
}

func TestSubscribeAndSink(t *testing.T) {
	t.Parallel()
	sink := &memorySink{err: errors.New("db down")}
	_, c := setup(t, 10, WithAuditSink(sink))

	var seen []Record
	c.Subscribe(func(rec Record) { seen = append(seen, rec) })

	rec, err := c.RollbackImmediate(context.Background(), "f", "r", "")

	require.NoError(t, err, "a sink failure does not fail the rollback")
	require.Len(t, seen, 1)
	assert.Equal(t, rec.ID, seen[0].ID)
	require.Len(t, sink.records, 1)
	assert.Equal(t, rec.ID, sink.records[0].ID)
	assert.Len(t, c.History(""), 1)
}

func TestRestoreHistory_PrependsPersistedRecords(t *testing.T) {
	t.Parallel()
	_, c := setup(t, 50)

	rec, err := c.RollbackImmediate(context.Background(), "f", "live", "")
	require.NoError(t, err)

	persisted := []Record{{ID: "old-1", FlagName: "f", Strategy: StrategyImmediate, Reason: "yesterday"}}
	c.RestoreHistory(persisted)

	history := c.History("f")
	require.Len(t, history, 2)
	assert.Equal(t, "old-1", history[0].ID)
	assert.Equal(t, rec.ID, history[1].ID)
}
