// Package errs defines the error taxonomy shared by the flag registry, the
// rollout orchestrator, the rollback controller and the A/B test engine.
//
// Call sites wrap a sentinel with context (fmt.Errorf("%w: ...", errs.ErrNotFound))
// and transports map them to status codes with errors.Is.
package errs

import "errors"

var (
	// ErrNotFound reports an unknown flag, test, session or version.
	ErrNotFound = errors.New("not found")

	// ErrValidation reports input rejected before any state was mutated
	// (out-of-range percentage, invalid traffic split, bad stage list).
	ErrValidation = errors.New("validation failed")

	// ErrConflict reports an operation that is illegal in the current state,
	// such as starting a second rollout on the same flag.
	ErrConflict = errors.New("conflict")

	// ErrTimeout reports an external call that did not answer in time.
	// The orchestrator converts it into a validation failure.
	ErrTimeout = errors.New("timeout")
)
