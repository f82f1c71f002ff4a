// Package rollout drives a flag through a staged exposure plan. Each stage is
// applied to the flag registry, left to settle, then checked by a
// caller-supplied validator; a failed check rolls the flag back.
package rollout

import (
	"context"
	"slices"
	"time"
)

// Strategy selects how stages are built.
type Strategy string

const (
	StrategyCanary     Strategy = "CANARY"
	StrategyBlueGreen  Strategy = "BLUE_GREEN"
	StrategyPercentage Strategy = "PERCENTAGE"
	StrategyRing       Strategy = "RING"
)

// Phase is the lifecycle state of a session.
type Phase string

const (
	PhasePending    Phase = "PENDING"
	PhaseInProgress Phase = "IN_PROGRESS"
	PhaseValidating Phase = "VALIDATING"
	PhaseCompleted  Phase = "COMPLETED"
	PhaseFailed     Phase = "FAILED"
	PhaseRolledBack Phase = "ROLLED_BACK"
)

// Terminal reports whether the phase is final.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseRolledBack
}

// CanaryStages is the canary progression before capping at the target.
var CanaryStages = []float64{1, 5, 10, 25, 50, 100}

// ValidateFunc reports whether the flag is healthy at percentage. It must
// honor ctx; an error, a panic or a missed deadline count as unhealthy.
type ValidateFunc func(ctx context.Context, percentage float64) (bool, error)

// Options describe one rollout.
type Options struct {
	Strategy Strategy
	Validate ValidateFunc

	// TargetPercentage caps a canary rollout. Zero means 100.
	TargetPercentage float64

	// Stages is the explicit plan of a PERCENTAGE rollout.
	Stages []float64

	// AutoAdvance moves to the next stage as soon as validation passes.
	// When false the session parks after each passing stage until resumed.
	AutoAdvance bool

	// Zero values fall back to the orchestrator defaults.
	WaitInterval      time.Duration
	ValidationTimeout time.Duration
}

// Stage is one step of a plan. Groups, when set, replace the flag's enabled groups.
type Stage struct {
	Percentage float64  `json:"percentage"`
	Groups     []string `json:"groups,omitempty"`
}

// Session is a point-in-time view of a rollout.
type Session struct {
	ID                string        `json:"id"`
	FlagName          string        `json:"flag_name"`
	Strategy          Strategy      `json:"strategy"`
	Stages            []Stage       `json:"stages"`
	CurrentStageIndex int           `json:"current_stage_index"`
	CurrentTarget     float64       `json:"current_target"`
	Phase             Phase         `json:"phase"`
	AutoAdvance       bool          `json:"auto_advance"`
	AwaitingResume    bool          `json:"awaiting_resume"`
	WaitInterval      time.Duration `json:"wait_interval"`
	ValidationTimeout time.Duration `json:"validation_timeout"`
	LastError         string        `json:"last_error,omitempty"`
	StartedAt         time.Time     `json:"started_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

func (s Session) clone() Session {
	s.Stages = slices.Clone(s.Stages)
	for i := range s.Stages {
		s.Stages[i].Groups = slices.Clone(s.Stages[i].Groups)
	}
	return s
}
