package ruleengine

// Evaluator is implemented by every condition operator.
type Evaluator interface {
	// Eval checks whether the input satisfies the compiled operand for field.
	//
	// Returns an error only when compiled has the wrong type, which means the
	// condition skipped CompileConditions.
	Eval(field string, compiled any, input EvaluationInput) (bool, error)
}
