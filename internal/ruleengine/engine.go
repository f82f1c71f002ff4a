package ruleengine

import (
	"log/slog"
)

// Engine evaluates a flag's condition list.
type Engine struct {
	strategies map[string]Evaluator
	logger     *slog.Logger
}

// New creates a new Engine.
// If logger is nil, it defaults to slog.Default().
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		logger: logger,
		strategies: map[string]Evaluator{
			OperatorEquals: &EqualsEvaluator{},
			OperatorIn:     &InEvaluator{},
			OperatorRange:  &RangeEvaluator{},
		},
	}
}

// Evaluate returns true only when every condition matches (AND semantics).
// An empty list matches. A condition that cannot be evaluated counts as a
// failure: exposure is never granted on an error.
func (e *Engine) Evaluate(conditions []Condition, input EvaluationInput) bool {
	for _, c := range conditions {
		strategy, exists := e.strategies[c.Operator]
		if !exists {
			e.logger.Warn("unknown condition operator, failing closed",
				"operator", c.Operator,
				"field", c.Field,
				"flag_key", input.FlagKey,
			)
			return false
		}

		match, err := strategy.Eval(c.Field, c.CompiledValue, input)
		if err != nil {
			e.logger.Error("condition evaluation failed",
				"error", err,
				"operator", c.Operator,
				"field", c.Field,
				"flag_key", input.FlagKey,
			)
			return false
		}

		if !match {
			return false
		}
	}

	return true
}
