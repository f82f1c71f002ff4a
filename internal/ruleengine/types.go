// Package ruleengine provides the targeting primitives shared by every
// evaluation path: the consistent-hash bucket and the closed set of
// condition kinds a flag can be gated on.
//
// Conditions follow a Strategy pattern: each operator has an Evaluator that
// interprets a pre-compiled value against the caller's context. Nothing in a
// condition is executable; the operator set is fixed at compile time.
package ruleengine

import "encoding/json"

// Supported condition operators.
const (
	// OperatorEquals matches when the context field equals the value (string compare).
	OperatorEquals = "equals"
	// OperatorIn matches when the context field is a member of the value list.
	OperatorIn = "in"
	// OperatorRange matches when the context field, parsed as a number, lies in [min,max].
	OperatorRange = "range"
)

// FieldUserID resolves to Context.UserID instead of the attribute map.
const FieldUserID = "user_id"

// Context represents the entity requesting an evaluation.
type Context struct {
	// UserID is the primary identifier used for bucketing and allow-lists.
	UserID string `json:"user_id"`

	// Attributes carries arbitrary targeting data (e.g., "region", "plan").
	Attributes map[string]string `json:"attributes"`
}

// Lookup resolves a condition field against the context.
func (c Context) Lookup(field string) (string, bool) {
	if field == FieldUserID {
		return c.UserID, c.UserID != ""
	}
	v, ok := c.Attributes[field]
	return v, ok
}

// EvaluationInput aggregates everything an Evaluator may need.
type EvaluationInput struct {
	// User holds the attributes of the entity requesting the flag.
	User Context

	// FlagKey is the flag (or test) being evaluated.
	FlagKey string
}

// Condition is a single {field, operator, value} predicate.
// Conditions on a flag are AND-combined.
type Condition struct {
	// Field names the context attribute to read ("user_id" reads the user id).
	Field string `json:"field" yaml:"field"`

	// Operator is one of OperatorEquals, OperatorIn, OperatorRange.
	Operator string `json:"operator" yaml:"operator"`

	// Value holds the operand; its shape depends on Operator:
	// - equals: "pro"
	// - in:     ["br", "pt"]
	// - range:  {"min": 18, "max": 65}
	Value json.RawMessage `json:"value" yaml:"-"`

	// CompiledValue is the parsed operand ready for evaluation.
	// Populated by CompileConditions; never serialized.
	CompiledValue any `json:"-" yaml:"-"`
}
