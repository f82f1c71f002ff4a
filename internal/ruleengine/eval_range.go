package ruleengine

import (
	"fmt"
	"strconv"
)

// rangeData is the compiled operand of a range condition.
// A nil bound is open.
type rangeData struct {
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
}

// RangeEvaluator matches numeric context fields within inclusive bounds.
type RangeEvaluator struct{}

// Eval parses the field as a float and checks both bounds.
// Non-numeric values fail the condition.
func (e *RangeEvaluator) Eval(field string, compiled any, input EvaluationInput) (bool, error) {
	bounds, ok := compiled.(rangeData)
	if !ok {
		return false, fmt.Errorf("invalid condition data type: expected rangeData, got %T", compiled)
	}

	raw, found := input.User.Lookup(field)
	if !found {
		return false, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, nil
	}

	if bounds.Min != nil && v < *bounds.Min {
		return false, nil
	}
	if bounds.Max != nil && v > *bounds.Max {
		return false, nil
	}
	return true, nil
}
