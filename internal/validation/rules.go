package validation

import (
	"fmt"
	"math"
	"strings"

	"github.com/rafaeljc/bifrost/internal/errs"
)

// MaxNameLength bounds flag names and test ids.
const MaxNameLength = 255

// Percentage rejects values outside [0,100] (and NaN). Out-of-range values are
// never clamped.
func Percentage(p float64) error {
	if math.IsNaN(p) || p < 0 || p > 100 {
		return fmt.Errorf("%w: percentage must be between 0 and 100, got %v", errs.ErrValidation, p)
	}
	return nil
}

// TrafficSplit rejects splits outside (0,1].
func TrafficSplit(s float64) error {
	if math.IsNaN(s) || s <= 0 || s > 1 {
		return fmt.Errorf("%w: traffic split must be in (0,1], got %v", errs.ErrValidation, s)
	}
	return nil
}

// Name rejects empty, padded or oversized identifiers.
func Name(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%w: %s name is required", errs.ErrValidation, kind)
	}
	if strings.TrimSpace(name) != name {
		return fmt.Errorf("%w: %s name cannot contain leading or trailing whitespace", errs.ErrValidation, kind)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: %s name must be at most %d characters", errs.ErrValidation, kind, MaxNameLength)
	}
	return nil
}

// IncreasingStages checks a rollout stage list: non-empty, every value in
// (0,100], strictly increasing.
func IncreasingStages(stages []float64) error {
	if len(stages) == 0 {
		return fmt.Errorf("%w: stage list cannot be empty", errs.ErrValidation)
	}
	for i, s := range stages {
		if err := Percentage(s); err != nil {
			return fmt.Errorf("stage %d: %w", i, err)
		}
		if s == 0 {
			return fmt.Errorf("%w: stage %d: rollout stages must be above 0", errs.ErrValidation, i)
		}
		if i > 0 && s <= stages[i-1] {
			return fmt.Errorf("%w: stages must be strictly increasing (%v after %v)", errs.ErrValidation, s, stages[i-1])
		}
	}
	return nil
}

// DecreasingStages checks a gradual rollback stage list: non-empty, every value
// in [0,100], strictly decreasing.
func DecreasingStages(stages []float64) error {
	if len(stages) == 0 {
		return fmt.Errorf("%w: stage list cannot be empty", errs.ErrValidation)
	}
	for i, s := range stages {
		if err := Percentage(s); err != nil {
			return fmt.Errorf("stage %d: %w", i, err)
		}
		if i > 0 && s >= stages[i-1] {
			return fmt.Errorf("%w: stages must be strictly decreasing (%v after %v)", errs.ErrValidation, s, stages[i-1])
		}
	}
	return nil
}
