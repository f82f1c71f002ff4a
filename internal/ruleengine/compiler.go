package ruleengine

import (
	"encoding/json"
	"fmt"

	"github.com/rafaeljc/bifrost/internal/errs"
)

const (
	// MaxInListSize limits the number of members in a single "in" condition.
	// Larger audiences belong in enabled_users/enabled_groups or a percentage.
	MaxInListSize = 10_000

	// MaxConditions limits the number of conditions on one flag.
	MaxConditions = 32
)

// CompileConditions validates each condition and parses its Value into
// CompiledValue. It must run before a condition is evaluated; the flag
// registry calls it on every write so that a rejected condition leaves the
// previous flag state untouched.
func CompileConditions(conditions []Condition) error {
	if len(conditions) > MaxConditions {
		return fmt.Errorf("%w: at most %d conditions per flag, got %d", errs.ErrValidation, MaxConditions, len(conditions))
	}
	for i := range conditions {
		if err := compileCondition(&conditions[i]); err != nil {
			return fmt.Errorf("failed to compile condition %d (%s): %w", i, conditions[i].Field, err)
		}
	}
	return nil
}

// compileCondition compiles a single condition based on its operator.
func compileCondition(c *Condition) error {
	if c.Field == "" {
		return fmt.Errorf("%w: condition field is required", errs.ErrValidation)
	}

	switch c.Operator {
	case OperatorEquals:
		return compileEquals(c)
	case OperatorIn:
		return compileIn(c)
	case OperatorRange:
		return compileRange(c)
	default:
		// Closed set: unknown operators are rejected at write time.
		return fmt.Errorf("%w: unknown operator %q", errs.ErrValidation, c.Operator)
	}
}

func compileEquals(c *Condition) error {
	var v string
	if err := json.Unmarshal(c.Value, &v); err != nil {
		return fmt.Errorf("%w: equals value must be a string: %v", errs.ErrValidation, err)
	}
	c.CompiledValue = v
	return nil
}

// compileIn parses the JSON list into a set for O(1) lookup.
func compileIn(c *Condition) error {
	var members []string
	if err := json.Unmarshal(c.Value, &members); err != nil {
		return fmt.Errorf("%w: in value must be a list of strings: %v", errs.ErrValidation, err)
	}

	if len(members) > MaxInListSize {
		return fmt.Errorf("%w: in list exceeds maximum size: %d > %d", errs.ErrValidation, len(members), MaxInListSize)
	}

	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	c.CompiledValue = set
	return nil
}

func compileRange(c *Condition) error {
	var bounds rangeData
	if err := json.Unmarshal(c.Value, &bounds); err != nil {
		return fmt.Errorf("%w: range value must be an object with min/max: %v", errs.ErrValidation, err)
	}
	if bounds.Min == nil && bounds.Max == nil {
		return fmt.Errorf("%w: range needs at least one of min or max", errs.ErrValidation)
	}
	if bounds.Min != nil && bounds.Max != nil && *bounds.Min > *bounds.Max {
		return fmt.Errorf("%w: range min %v is greater than max %v", errs.ErrValidation, *bounds.Min, *bounds.Max)
	}
	c.CompiledValue = bounds
	return nil
}
