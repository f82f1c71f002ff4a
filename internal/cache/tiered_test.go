package cache_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/errs"
	"github.com/rafaeljc/bifrost/internal/flags"
	"github.com/rafaeljc/bifrost/internal/testsupport"
)

type fakeSource struct {
	mu    sync.Mutex
	flags map[string]flags.Config
	calls atomic.Int64
	delay time.Duration
}

func newFakeSource(cfgs ...flags.Config) *fakeSource {
	s := &fakeSource{flags: make(map[string]flags.Config)}
	for _, c := range cfgs {
		s.flags[c.Name] = c
	}
	return s
}

func (s *fakeSource) GetFlag(_ context.Context, name string) (flags.Config, error) {
	s.calls.Add(1)
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.flags[name]
	if !ok {
		return flags.Config{}, fmt.Errorf("%w: flag %q", errs.ErrNotFound, name)
	}
	return c, nil
}

func (s *fakeSource) put(c flags.Config) {
	s.mu.Lock()
	s.flags[c.Name] = c
	s.mu.Unlock()
}

func newTiered(t *testing.T, src cache.Source) *cache.Tiered {
	t.Helper()
	l1, err := cache.NewMemoryCache(100, time.Minute)
	require.NoError(t, err)
	t.Cleanup(l1.Close)
	return cache.NewTiered(l1, src, nil)
}

func TestTiered_Evaluate(t *testing.T) {
	t.Parallel()

	src := newFakeSource(
		flags.Config{Name: "on", Status: flags.StatusEnabled, RolloutPercentage: 100, Version: 1},
		flags.Config{Name: "killed", Status: flags.StatusKilled, Version: 1},
		flags.Config{Name: "vip", Status: flags.StatusPercentage, EnabledUsers: []string{"alice"}, Version: 1},
		flags.Config{Name: "corrupt", Status: "exploded", Version: 1},
	)
	tiered := newTiered(t, src)
	ctx := context.Background()

	tests := []struct {
		name       string
		flag       string
		user       string
		want       flags.Evaluation
		wantErrIs  error
		wantAnyErr bool
	}{
		{name: "enabled flag", flag: "on", user: "bob", want: flags.Evaluation{Value: true, Reason: flags.ReasonEnabled}},
		{name: "killed flag", flag: "killed", user: "bob", want: flags.Evaluation{Value: false, Reason: flags.ReasonKilled}},
		{name: "whitelisted user", flag: "vip", user: "alice", want: flags.Evaluation{Value: true, Reason: flags.ReasonUserTarget}},
		{name: "unknown flag", flag: "missing", user: "bob", wantErrIs: errs.ErrNotFound},
		{name: "corrupt entry", flag: "corrupt", user: "bob", wantErrIs: errs.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tiered.Evaluate(ctx, tt.flag, flags.Request{UserID: tt.user})

			if tt.wantErrIs != nil {
				require.ErrorIs(t, err, tt.wantErrIs)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTiered_ServesFromL1UntilInvalidated(t *testing.T) {
	t.Parallel()

	src := newFakeSource(flags.Config{Name: "checkout", Status: flags.StatusEnabled, RolloutPercentage: 100, Version: 1})
	tiered := newTiered(t, src)
	ctx := context.Background()

	for range 5 {
		got, err := tiered.Evaluate(ctx, "checkout", flags.Request{UserID: "u1"})
		require.NoError(t, err)
		assert.True(t, got.Value)
	}
	assert.Equal(t, int64(1), src.calls.Load(), "only the first read reaches the L2")

	src.put(flags.Config{Name: "checkout", Status: flags.StatusKilled, Version: 2})

	got, err := tiered.Evaluate(ctx, "checkout", flags.Request{UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, got.Value, "stale until invalidated")

	tiered.Invalidate("checkout")

	got, err = tiered.Evaluate(ctx, "checkout", flags.Request{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, flags.Evaluation{Value: false, Reason: flags.ReasonKilled}, got)
	assert.Equal(t, int64(2), src.calls.Load())
}

func TestTiered_CoalescesConcurrentMisses(t *testing.T) {
	t.Parallel()

	src := newFakeSource(flags.Config{Name: "hot", Status: flags.StatusEnabled, RolloutPercentage: 100, Version: 1})
	src.delay = 50 * time.Millisecond
	tiered := newTiered(t, src)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tiered.Evaluate(context.Background(), "hot", flags.Request{UserID: "u"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, src.calls.Load(), int64(2))
}

func TestTiered_Metrics(t *testing.T) {
	src := newFakeSource(flags.Config{Name: "metered", Status: flags.StatusEnabled, RolloutPercentage: 100, Version: 1})
	tiered := newTiered(t, src)
	ctx := context.Background()

	testsupport.AssertMetricDelta(t, "bifrost_data_plane_l1_cache_misses_total", nil, 1, func() {
		_, err := tiered.Evaluate(ctx, "metered", flags.Request{UserID: "u"})
		require.NoError(t, err)
	})
	testsupport.AssertMetricDelta(t, "bifrost_data_plane_l1_cache_hits_total", nil, 1, func() {
		_, err := tiered.Evaluate(ctx, "metered", flags.Request{UserID: "u"})
		require.NoError(t, err)
	})
	testsupport.AssertMetricDelta(t, "bifrost_data_plane_l1_invalidations_total", nil, 1, func() {
		tiered.Invalidate("metered")
	})
}
