// Package abtest runs two-variant experiments: deterministic assignment of
// users to control or treatment, per-metric sample collection and a
// significance test over the collected samples.
package abtest

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rafaeljc/bifrost/internal/errs"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/validation"
)

// Variant is one arm of a test.
type Variant string

const (
	VariantControl   Variant = "CONTROL"
	VariantTreatment Variant = "TREATMENT"
)

// Status is the lifecycle state of a test.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusStopped   Status = "STOPPED"
	StatusCompleted Status = "COMPLETED"
)

const (
	DefaultAlpha      = 0.05
	DefaultMinSamples = 100
)

// Definition describes a test to create.
type Definition struct {
	ID                 string
	ControlComponent   string
	TreatmentComponent string
	TrafficSplit       float64
	Duration           time.Duration
	TrackedMetrics     []string
}

// Test is a snapshot of a test.
type Test struct {
	ID                 string            `json:"test_id"`
	ControlComponent   string            `json:"control_component"`
	TreatmentComponent string            `json:"treatment_component"`
	TrafficSplit       float64           `json:"traffic_split"`
	Duration           time.Duration     `json:"duration"`
	TrackedMetrics     []string          `json:"tracked_metrics"`
	Status             Status            `json:"status"`
	Samples            map[string][2]int `json:"samples"` // metric -> [control, treatment]
	CreatedAt          time.Time         `json:"created_at"`
	StartedAt          time.Time         `json:"started_at"`
	StoppedAt          time.Time         `json:"stopped_at"`
}

// MetricResult compares one metric across variants.
type MetricResult struct {
	Metric           string  `json:"metric"`
	ControlMean      float64 `json:"control_mean"`
	TreatmentMean    float64 `json:"treatment_mean"`
	ControlSamples   int     `json:"control_samples"`
	TreatmentSamples int     `json:"treatment_samples"`
	Improvement      float64 `json:"improvement"`
	TStatistic       float64 `json:"t_statistic"`
	PValue           float64 `json:"p_value"`
	Significant      bool    `json:"significant"`
}

// Results are the per-metric comparisons of a test, ordered by metric name.
type Results struct {
	TestID  string         `json:"test_id"`
	Status  Status         `json:"status"`
	Metrics []MetricResult `json:"metrics"`
}

type sampleKey struct {
	variant Variant
	metric  string
}

type test struct {
	def     Definition
	tracked map[string]struct{}

	mu        sync.Mutex
	status    Status
	createdAt time.Time
	startedAt time.Time
	stoppedAt time.Time
	samples   map[sampleKey][]float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithAlpha sets the significance threshold.
func WithAlpha(alpha float64) Option {
	return func(e *Engine) {
		if alpha > 0 && alpha < 1 {
			e.alpha = alpha
		}
	}
}

// WithMinSamples sets the per-variant sample floor below which no result is significant.
func WithMinSamples(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.minSamples = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine owns every A/B test of the process.
//
// Thread Safety: safe for concurrent use. Writes to one test are serialized;
// GetVariant reads only immutable fields and never waits for a writer.
type Engine struct {
	logger     *slog.Logger
	now        func() time.Time
	alpha      float64
	minSamples int

	mu    sync.RWMutex
	tests map[string]*test
}

// NewEngine creates an empty engine.
// If logger is nil, it defaults to slog.Default().
func NewEngine(logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		logger:     logger,
		now:        time.Now,
		alpha:      DefaultAlpha,
		minSamples: DefaultMinSamples,
		tests:      make(map[string]*test),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateTest registers a PENDING test.
func (e *Engine) CreateTest(def Definition) (Test, error) {
	if err := validation.Name("test", def.ID); err != nil {
		return Test{}, err
	}
	if err := validation.TrafficSplit(def.TrafficSplit); err != nil {
		return Test{}, err
	}
	if def.Duration <= 0 {
		return Test{}, fmt.Errorf("%w: duration must be positive, got %s", errs.ErrValidation, def.Duration)
	}
	if def.ControlComponent == "" || def.TreatmentComponent == "" {
		return Test{}, fmt.Errorf("%w: control and treatment components are required", errs.ErrValidation)
	}

	tracked := make(map[string]struct{}, len(def.TrackedMetrics))
	for _, m := range def.TrackedMetrics {
		if err := validation.Name("metric", m); err != nil {
			return Test{}, err
		}
		tracked[m] = struct{}{}
	}
	if len(tracked) == 0 {
		return Test{}, fmt.Errorf("%w: at least one tracked metric is required", errs.ErrValidation)
	}

	def.TrackedMetrics = make([]string, 0, len(tracked))
	for m := range tracked {
		def.TrackedMetrics = append(def.TrackedMetrics, m)
	}
	slices.Sort(def.TrackedMetrics)

	t := &test{
		def:       def,
		tracked:   tracked,
		status:    StatusPending,
		createdAt: e.now(),
		samples:   make(map[sampleKey][]float64),
	}

	e.mu.Lock()
	if _, exists := e.tests[def.ID]; exists {
		e.mu.Unlock()
		return Test{}, fmt.Errorf("%w: test %q already exists", errs.ErrConflict, def.ID)
	}
	e.tests[def.ID] = t
	e.mu.Unlock()

	e.logger.Info("ab test created",
		slog.String("test_id", def.ID),
		slog.Float64("traffic_split", def.TrafficSplit),
		slog.String("duration", def.Duration.String()),
	)
	return e.snapshot(t), nil
}

// StartTest moves a PENDING test to RUNNING.
func (e *Engine) StartTest(id string) (Test, error) {
	t, err := e.lookup(id)
	if err != nil {
		return Test{}, err
	}

	t.mu.Lock()
	if t.status != StatusPending {
		status := t.status
		t.mu.Unlock()
		return Test{}, fmt.Errorf("%w: test %q is %s, only PENDING tests can start", errs.ErrConflict, id, status)
	}
	t.status = StatusRunning
	t.startedAt = e.now()
	t.mu.Unlock()

	e.logger.Info("ab test started", slog.String("test_id", id))
	return e.snapshot(t), nil
}

// GetVariant assigns userID to a variant. The assignment depends only on the
// test id, the user id and the split, so it never changes for a test.
func (e *Engine) GetVariant(id, userID string) (Variant, error) {
	t, err := e.lookup(id)
	if err != nil {
		return "", err
	}
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", errs.ErrValidation)
	}

	v := VariantControl
	if ruleengine.InFraction(ruleengine.Bucket(t.def.ID, userID), t.def.TrafficSplit) {
		v = VariantTreatment
	}
	observability.ABAssignments.WithLabelValues(string(v)).Inc()
	return v, nil
}

// RecordMetric appends a sample. It is rejected unless the test is RUNNING
// and the metric is tracked.
func (e *Engine) RecordMetric(id string, variant Variant, metric string, value float64) error {
	if variant != VariantControl && variant != VariantTreatment {
		return fmt.Errorf("%w: unknown variant %q", errs.ErrValidation, variant)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: metric value must be finite", errs.ErrValidation)
	}
	t, err := e.lookup(id)
	if err != nil {
		return err
	}
	if _, ok := t.tracked[metric]; !ok {
		return fmt.Errorf("%w: metric %q is not tracked by test %q", errs.ErrValidation, metric, id)
	}

	t.mu.Lock()
	e.expire(t)
	if t.status != StatusRunning {
		status := t.status
		t.mu.Unlock()
		return fmt.Errorf("%w: test %q is %s, samples are only accepted while RUNNING", errs.ErrConflict, id, status)
	}
	key := sampleKey{variant: variant, metric: metric}
	t.samples[key] = append(t.samples[key], value)
	t.mu.Unlock()

	observability.ABSamples.WithLabelValues(string(variant)).Inc()
	return nil
}

// GetTestResults compares control and treatment for every tracked metric.
func (e *Engine) GetTestResults(id string) (Results, error) {
	t, err := e.lookup(id)
	if err != nil {
		return Results{}, err
	}

	t.mu.Lock()
	e.expire(t)
	status := t.status
	series := make(map[sampleKey][]float64, len(t.samples))
	for k, v := range t.samples {
		series[k] = v[:len(v):len(v)]
	}
	t.mu.Unlock()

	res := Results{TestID: id, Status: status, Metrics: make([]MetricResult, 0, len(t.def.TrackedMetrics))}
	for _, metric := range t.def.TrackedMetrics {
		control := series[sampleKey{VariantControl, metric}]
		treatment := series[sampleKey{VariantTreatment, metric}]

		cm, tm := mean(control), mean(treatment)
		w := welchTTest(control, treatment)
		enough := len(control) >= e.minSamples && len(treatment) >= e.minSamples

		res.Metrics = append(res.Metrics, MetricResult{
			Metric:           metric,
			ControlMean:      cm,
			TreatmentMean:    tm,
			ControlSamples:   len(control),
			TreatmentSamples: len(treatment),
			Improvement:      improvement(cm, tm),
			TStatistic:       finite(w.T),
			PValue:           w.P,
			Significant:      enough && w.P < e.alpha,
		})
	}
	return res, nil
}

// finite keeps JSON encodable values; an infinite statistic is reported as 0
// and the p-value carries the outcome.
func finite(x float64) float64 {
	if math.IsInf(x, 0) || math.IsNaN(x) {
		return 0
	}
	return x
}

// StopTest ends a RUNNING test. A test whose duration already elapsed is
// reported COMPLETED instead.
func (e *Engine) StopTest(id string) (Test, error) {
	t, err := e.lookup(id)
	if err != nil {
		return Test{}, err
	}

	t.mu.Lock()
	e.expire(t)
	if t.status != StatusRunning {
		status := t.status
		t.mu.Unlock()
		return Test{}, fmt.Errorf("%w: test %q is %s, only RUNNING tests can stop", errs.ErrConflict, id, status)
	}
	t.status = StatusStopped
	t.stoppedAt = e.now()
	t.mu.Unlock()

	e.logger.Info("ab test stopped", slog.String("test_id", id))
	return e.snapshot(t), nil
}

// GetTest returns a snapshot of a test.
func (e *Engine) GetTest(id string) (Test, error) {
	t, err := e.lookup(id)
	if err != nil {
		return Test{}, err
	}
	return e.snapshot(t), nil
}

// ListTests returns every test ordered by id.
func (e *Engine) ListTests() []Test {
	e.mu.RLock()
	all := make([]*test, 0, len(e.tests))
	for _, t := range e.tests {
		all = append(all, t)
	}
	e.mu.RUnlock()

	out := make([]Test, 0, len(all))
	for _, t := range all {
		out = append(out, e.snapshot(t))
	}
	slices.SortFunc(out, func(a, b Test) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (e *Engine) lookup(id string) (*test, error) {
	e.mu.RLock()
	t, ok := e.tests[id]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: test %q", errs.ErrNotFound, id)
	}
	return t, nil
}

// expire completes a RUNNING test whose duration has elapsed. Caller holds t.mu.
func (e *Engine) expire(t *test) {
	if t.status != StatusRunning {
		return
	}
	end := t.startedAt.Add(t.def.Duration)
	if e.now().Before(end) {
		return
	}
	t.status = StatusCompleted
	t.stoppedAt = end
	e.logger.Info("ab test completed", slog.String("test_id", t.def.ID))
}

func (e *Engine) snapshot(t *test) Test {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.expire(t)

	counts := make(map[string][2]int, len(t.def.TrackedMetrics))
	for _, m := range t.def.TrackedMetrics {
		counts[m] = [2]int{
			len(t.samples[sampleKey{VariantControl, m}]),
			len(t.samples[sampleKey{VariantTreatment, m}]),
		}
	}

	return Test{
		ID:                 t.def.ID,
		ControlComponent:   t.def.ControlComponent,
		TreatmentComponent: t.def.TreatmentComponent,
		TrafficSplit:       t.def.TrafficSplit,
		Duration:           t.def.Duration,
		TrackedMetrics:     slices.Clone(t.def.TrackedMetrics),
		Status:             t.status,
		Samples:            counts,
		CreatedAt:          t.createdAt,
		StartedAt:          t.startedAt,
		StoppedAt:          t.stoppedAt,
	}
}
