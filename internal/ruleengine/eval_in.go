package ruleengine

import "fmt"

// InEvaluator matches when a context field belongs to a pre-compiled set.
type InEvaluator struct{}

// Eval performs an O(1) membership check.
func (e *InEvaluator) Eval(field string, compiled any, input EvaluationInput) (bool, error) {
	set, ok := compiled.(map[string]struct{})
	if !ok {
		return false, fmt.Errorf("invalid condition data type: expected map[string]struct{}, got %T", compiled)
	}

	got, found := input.User.Lookup(field)
	if !found {
		return false, nil
	}
	_, member := set[got]
	return member, nil
}
