// Package rollback reverses a flag's exposure (immediately, gradually or for
// specific users), keeps the append-only audit log of every reversal and
// tracks the deployable versions registered per flag.
package rollback

import (
	"context"
	"time"
)

// Strategy identifies how a rollback reverses exposure.
type Strategy string

const (
	StrategyImmediate Strategy = "IMMEDIATE"
	StrategyGradual   Strategy = "GRADUAL"
	StrategyTargeted  Strategy = "TARGETED"
)

// DefaultGradualStages is the de-escalation path used when none is given.
var DefaultGradualStages = []float64{75, 50, 25, 0}

// Record is one entry of the audit log. Records are never mutated once written.
type Record struct {
	ID                 string    `json:"id"`
	FlagName           string    `json:"flag_name"`
	Reason             string    `json:"reason"`
	Strategy           Strategy  `json:"strategy"`
	PreviousPercentage float64   `json:"previous_percentage"`
	TargetVersion      string    `json:"target_version,omitempty"`
	AffectedUserIDs    []string  `json:"affected_user_ids,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// AuditSink persists records outside the process.
type AuditSink interface {
	AppendRollback(ctx context.Context, rec Record) error
}

// HotSwapFunc is invoked after a rollback activates a version. Loading the
// version is the hook owner's job.
type HotSwapFunc func(ctx context.Context, flagName, version string) error

// Listener observes rollbacks after the flag has been mutated and the record
// appended. Listeners run synchronously on the caller's goroutine and must
// not block.
type Listener func(rec Record)
