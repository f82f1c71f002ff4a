package flags

import (
	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// Reasons explain an evaluation outcome; they are surfaced by the data plane.
const (
	ReasonKilled            = "KILLED"
	ReasonDenied            = "DENIED"
	ReasonDisabled          = "DISABLED"
	ReasonUserTarget        = "USER_TARGET"
	ReasonGroupTarget       = "GROUP_TARGET"
	ReasonConditionMismatch = "CONDITION_MISMATCH"
	ReasonEnabled           = "ENABLED"
	ReasonPercentageMatch   = "PERCENTAGE_MATCH"
	ReasonPercentageMiss    = "PERCENTAGE_MISS"
)

// Request is the subject of an evaluation.
type Request struct {
	UserID     string
	GroupIDs   []string
	Attributes map[string]string
}

// Evaluation is the outcome of evaluating one flag for one request.
type Evaluation struct {
	Value  bool
	Reason string
}

// Evaluate applies the evaluation order to a snapshot. It is pure: same
// snapshot and request always yield the same result.
//
//  1. killed                         -> false
//  2. user in deny_users             -> false
//  3. disabled                       -> false
//  4. user in enabled_users          -> true
//  5. any group in enabled_groups    -> true
//  6. any condition fails            -> false
//  7. enabled                        -> true
//  8. bucket(name, user) < pct*100   -> true
func Evaluate(engine *ruleengine.Engine, f *FeatureFlag, req Request) Evaluation {
	if f.Status == StatusKilled {
		return Evaluation{Value: false, Reason: ReasonKilled}
	}

	if req.UserID != "" {
		if _, denied := f.DenyUsers[req.UserID]; denied {
			return Evaluation{Value: false, Reason: ReasonDenied}
		}
	}

	if f.Status == StatusDisabled {
		return Evaluation{Value: false, Reason: ReasonDisabled}
	}

	if req.UserID != "" {
		if _, ok := f.EnabledUsers[req.UserID]; ok {
			return Evaluation{Value: true, Reason: ReasonUserTarget}
		}
	}

	for _, g := range req.GroupIDs {
		if _, ok := f.EnabledGroups[g]; ok {
			return Evaluation{Value: true, Reason: ReasonGroupTarget}
		}
	}

	if len(f.Conditions) > 0 {
		input := ruleengine.EvaluationInput{
			FlagKey: f.Name,
			User:    ruleengine.Context{UserID: req.UserID, Attributes: req.Attributes},
		}
		if !engine.Evaluate(f.Conditions, input) {
			return Evaluation{Value: false, Reason: ReasonConditionMismatch}
		}
	}

	if f.Status == StatusEnabled {
		return Evaluation{Value: true, Reason: ReasonEnabled}
	}

	// An anonymous request cannot be bucketed reliably.
	if req.UserID == "" {
		return Evaluation{Value: false, Reason: ReasonPercentageMiss}
	}

	if ruleengine.InPercentage(ruleengine.Bucket(f.Name, req.UserID), f.RolloutPercentage) {
		return Evaluation{Value: true, Reason: ReasonPercentageMatch}
	}
	return Evaluation{Value: false, Reason: ReasonPercentageMiss}
}
