package abtest

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/internal/errs"
)

func latencyTest(id string) Definition {
	return Definition{
		ID:                 id,
		ControlComponent:   "ranker-v1",
		TreatmentComponent: "ranker-v2",
		TrafficSplit:       0.5,
		Duration:           time.Hour,
		TrackedMetrics:     []string{"latency_ms", "errors"},
	}
}

func runningTest(t *testing.T, e *Engine, id string) {
	t.Helper()
	_, err := e.CreateTest(latencyTest(id))
	require.NoError(t, err)
	_, err = e.StartTest(id)
	require.NoError(t, err)
}

// noisy returns n samples uniformly spread around center (+-spread).
func noisy(rng *rand.Rand, n int, center, spread float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = center + (rng.Float64()*2-1)*spread
	}
	return out
}

func TestCreateTest_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(d *Definition)
		wantErr error
	}{
		{name: "valid", mutate: func(*Definition) {}},
		{name: "full split", mutate: func(d *Definition) { d.TrafficSplit = 1 }},
		{name: "zero split", mutate: func(d *Definition) { d.TrafficSplit = 0 }, wantErr: errs.ErrValidation},
		{name: "split above one", mutate: func(d *Definition) { d.TrafficSplit = 1.2 }, wantErr: errs.ErrValidation},
		{name: "zero duration", mutate: func(d *Definition) { d.Duration = 0 }, wantErr: errs.ErrValidation},
		{name: "no metrics", mutate: func(d *Definition) { d.TrackedMetrics = nil }, wantErr: errs.ErrValidation},
		{name: "empty id", mutate: func(d *Definition) { d.ID = "" }, wantErr: errs.ErrValidation},
		{name: "missing component", mutate: func(d *Definition) { d.TreatmentComponent = "" }, wantErr: errs.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := NewEngine(nil)
			def := latencyTest("t")
			tt.mutate(&def)

			got, err := e.CreateTest(def)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, e.ListTests())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StatusPending, got.Status)
			assert.Equal(t, []string{"errors", "latency_ms"}, got.TrackedMetrics)
		})
	}
}

func TestCreateTest_DuplicateID(t *testing.T) {
	t.Parallel()
	e := NewEngine(nil)
	_, err := e.CreateTest(latencyTest("t"))
	require.NoError(t, err)

	_, err = e.CreateTest(latencyTest("t"))
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	e := NewEngine(nil)

	_, err := e.StartTest("missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = e.CreateTest(latencyTest("t"))
	require.NoError(t, err)

	err = e.RecordMetric("t", VariantControl, "latency_ms", 10)
	assert.ErrorIs(t, err, errs.ErrConflict, "pending tests take no samples")

	started, err := e.StartTest("t")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, started.Status)

	_, err = e.StartTest("t")
	assert.ErrorIs(t, err, errs.ErrConflict)

	require.NoError(t, e.RecordMetric("t", VariantControl, "latency_ms", 10))
	require.NoError(t, e.RecordMetric("t", VariantTreatment, "latency_ms", 8))

	assert.ErrorIs(t, e.RecordMetric("t", VariantControl, "cpu", 1), errs.ErrValidation)
	assert.ErrorIs(t, e.RecordMetric("t", "HOLDOUT", "latency_ms", 1), errs.ErrValidation)
	assert.ErrorIs(t, e.RecordMetric("t", VariantControl, "latency_ms", math.NaN()), errs.ErrValidation)

	stopped, err := e.StopTest("t")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, stopped.Status)
	assert.False(t, stopped.StoppedAt.IsZero())
	assert.Equal(t, [2]int{1, 1}, stopped.Samples["latency_ms"])

	assert.ErrorIs(t, e.RecordMetric("t", VariantControl, "latency_ms", 10), errs.ErrConflict)
	_, err = e.StopTest("t")
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestDurationExpiry(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	e := NewEngine(nil, WithClock(clock))
	runningTest(t, e, "t")
	start := clock()

	advance(59 * time.Minute)
	require.NoError(t, e.RecordMetric("t", VariantControl, "latency_ms", 1))

	advance(2 * time.Minute)
	got, err := e.GetTest("t")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, start.Add(time.Hour), got.StoppedAt)

	assert.ErrorIs(t, e.RecordMetric("t", VariantControl, "latency_ms", 1), errs.ErrConflict)
	_, err = e.StopTest("t")
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestGetVariant_SplitAccuracy(t *testing.T) {
	t.Parallel()
	e := NewEngine(nil)
	runningTest(t, e, "split")

	treatment := 0
	for i := range 10000 {
		v, err := e.GetVariant("split", fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
		if v == VariantTreatment {
			treatment++
		}
	}

	fraction := float64(treatment) / 10000
	assert.GreaterOrEqual(t, fraction, 0.45)
	assert.LessOrEqual(t, fraction, 0.55)
}

func TestGetVariant_Deterministic(t *testing.T) {
	t.Parallel()
	e := NewEngine(nil)
	runningTest(t, e, "sticky")

	for i := range 500 {
		user := fmt.Sprintf("user-%d", i)
		first, err := e.GetVariant("sticky", user)
		require.NoError(t, err)
		for range 5 {
			again, err := e.GetVariant("sticky", user)
			require.NoError(t, err)
			require.Equal(t, first, again)
		}
	}

	_, err := e.GetVariant("missing", "u")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = e.GetVariant("sticky", "")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestGetVariant_FullSplitIsAllTreatment(t *testing.T) {
	t.Parallel()
	e := NewEngine(nil)
	def := latencyTest("all")
	def.TrafficSplit = 1
	_, err := e.CreateTest(def)
	require.NoError(t, err)

	for i := range 1000 {
		v, err := e.GetVariant("all", fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
		require.Equal(t, VariantTreatment, v)
	}
}

func TestResults_LatencyImprovement(t *testing.T) {
	t.Parallel()
	e := NewEngine(nil)
	runningTest(t, e, "latency")
	rng := rand.New(rand.NewPCG(42, 7))

	for _, v := range noisy(rng, 150, 200, 20) {
		require.NoError(t, e.RecordMetric("latency", VariantControl, "latency_ms", v))
	}
	for _, v := range noisy(rng, 150, 150, 20) {
		require.NoError(t, e.RecordMetric("latency", VariantTreatment, "latency_ms", v))
	}

	res, err := e.GetTestResults("latency")
	require.NoError(t, err)
	require.Len(t, res.Metrics, 2)

	errorsMetric, latency := res.Metrics[0], res.Metrics[1]
	assert.Equal(t, "errors", errorsMetric.Metric)
	assert.False(t, errorsMetric.Significant)

	assert.Equal(t, "latency_ms", latency.Metric)
	assert.Equal(t, 150, latency.ControlSamples)
	assert.InDelta(t, -0.25, latency.Improvement, 0.02)
	assert.Less(t, latency.PValue, 0.05)
	assert.True(t, latency.Significant)
}

func TestResults_SignificanceFloor(t *testing.T) {
	t.Parallel()
	e := NewEngine(nil)
	runningTest(t, e, "floor")
	rng := rand.New(rand.NewPCG(1, 2))

	// Huge separation, but only 99 samples per variant.
	for _, v := range noisy(rng, DefaultMinSamples-1, 1000, 1) {
		require.NoError(t, e.RecordMetric("floor", VariantControl, "latency_ms", v))
	}
	for _, v := range noisy(rng, DefaultMinSamples-1, 10, 1) {
		require.NoError(t, e.RecordMetric("floor", VariantTreatment, "latency_ms", v))
	}

	res, err := e.GetTestResults("floor")
	require.NoError(t, err)

	latency := res.Metrics[1]
	assert.Less(t, latency.PValue, 1e-6)
	assert.False(t, latency.Significant)
}

func TestResults_ZeroControlMean(t *testing.T) {
	t.Parallel()
	e := NewEngine(nil, WithMinSamples(2))
	runningTest(t, e, "zero")

	for range 3 {
		require.NoError(t, e.RecordMetric("zero", VariantControl, "errors", 0))
		require.NoError(t, e.RecordMetric("zero", VariantTreatment, "errors", 1))
	}

	res, err := e.GetTestResults("zero")
	require.NoError(t, err)

	errorsMetric := res.Metrics[0]
	assert.Zero(t, errorsMetric.Improvement)
	assert.Zero(t, errorsMetric.PValue, "identical samples with different means")
	assert.True(t, errorsMetric.Significant)
}

func TestRecordMetric_Concurrent(t *testing.T) {
	t.Parallel()
	e := NewEngine(nil)
	runningTest(t, e, "c")

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 250 {
				variant := VariantControl
				if (w+i)%2 == 0 {
					variant = VariantTreatment
				}
				_ = e.RecordMetric("c", variant, "latency_ms", float64(i))
			}
		}()
	}
	wg.Wait()

	got, err := e.GetTest("c")
	require.NoError(t, err)
	counts := got.Samples["latency_ms"]
	assert.Equal(t, 2000, counts[0]+counts[1])
}
