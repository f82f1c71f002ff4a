package ruleengine

import "fmt"

// EqualsEvaluator matches a context field against a single string.
type EqualsEvaluator struct{}

// Eval compares the resolved field with the compiled string.
func (e *EqualsEvaluator) Eval(field string, compiled any, input EvaluationInput) (bool, error) {
	want, ok := compiled.(string)
	if !ok {
		return false, fmt.Errorf("invalid condition data type: expected string, got %T", compiled)
	}

	got, found := input.User.Lookup(field)
	if !found {
		return false, nil
	}
	return got == want, nil
}
