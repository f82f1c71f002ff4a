package rollout

import (
	"fmt"
	"slices"

	"github.com/rafaeljc/bifrost/internal/errs"
	"github.com/rafaeljc/bifrost/internal/validation"
)

// buildStages turns options into a concrete plan.
func buildStages(opts Options, ringGroups []string) ([]Stage, error) {
	switch opts.Strategy {
	case StrategyCanary:
		target := opts.TargetPercentage
		if target == 0 {
			target = 100
		}
		if err := validation.Percentage(target); err != nil {
			return nil, fmt.Errorf("target: %w", err)
		}
		var stages []Stage
		for _, pct := range CanaryStages {
			if pct < target {
				stages = append(stages, Stage{Percentage: pct})
			}
		}
		return append(stages, Stage{Percentage: target}), nil

	case StrategyPercentage:
		if err := validation.IncreasingStages(opts.Stages); err != nil {
			return nil, err
		}
		stages := make([]Stage, 0, len(opts.Stages))
		for _, pct := range opts.Stages {
			stages = append(stages, Stage{Percentage: pct})
		}
		return stages, nil

	case StrategyRing:
		if len(ringGroups) == 0 {
			return nil, fmt.Errorf("%w: ring rollout needs at least one group", errs.ErrValidation)
		}
		stages := make([]Stage, 0, len(ringGroups)+1)
		for i := range ringGroups {
			stages = append(stages, Stage{Groups: slices.Clone(ringGroups[:i+1])})
		}
		return append(stages, Stage{Percentage: 100}), nil

	case StrategyBlueGreen:
		return []Stage{{Percentage: 100}}, nil

	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", errs.ErrValidation, opts.Strategy)
	}
}
