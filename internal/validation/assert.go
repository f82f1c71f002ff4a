// Package validation holds the input contracts shared by the flag registry,
// the orchestrator, the rollback controller and the A/B engine, plus the
// fail-fast assertions used by constructors.
package validation

import "fmt"

// AssertNotNil panics if the provided pointer is nil.
// Constructors use it for mandatory collaborators: a nil registry handed to
// the orchestrator is a wiring bug, not a runtime condition.
//
// Usage:
//
//	validation.AssertNotNil(registry, "flag registry")
func AssertNotNil[T any](ptr *T, name string) {
	if ptr == nil {
		panic(fmt.Sprintf("critical error: %s cannot be nil", name))
	}
}
