package config

import (
	"fmt"
	"strings"
	"time"
)

// RolloutConfig holds the orchestrator and rollback defaults.
type RolloutConfig struct {
	// WaitInterval is the pause before each stage is validated.
	WaitInterval      time.Duration `envconfig:"WAIT_INTERVAL" default:"5m" validate:"gte=0"`
	ValidationTimeout time.Duration `envconfig:"VALIDATION_TIMEOUT" default:"30s" validate:"gt=0"`

	// GradualInterval is the pause between gradual rollback steps.
	GradualInterval time.Duration `envconfig:"GRADUAL_INTERVAL" default:"1m" validate:"gte=0"`

	// RingGroups are the cohorts a RING rollout widens through, in order.
	RingGroups []string `envconfig:"RING_GROUPS" default:"internal,beta"`

	// WebhookTimeout bounds one health webhook call.
	WebhookTimeout time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"10s" validate:"gt=0"`
}

// Validate rejects blank or duplicated ring groups.
func (r *RolloutConfig) Validate() error {
	if len(r.RingGroups) == 0 {
		return fmt.Errorf("rollout ring groups cannot be empty")
	}
	seen := make(map[string]struct{}, len(r.RingGroups))
	for _, g := range r.RingGroups {
		if strings.TrimSpace(g) == "" {
			return fmt.Errorf("rollout ring group cannot be blank")
		}
		if _, dup := seen[g]; dup {
			return fmt.Errorf("rollout ring group %q is listed twice", g)
		}
		seen[g] = struct{}{}
	}
	return nil
}

// ABTestConfig holds the significance settings of the A/B engine.
type ABTestConfig struct {
	Alpha      float64 `envconfig:"ALPHA" default:"0.05" validate:"gt=0,lt=1"`
	MinSamples int     `envconfig:"MIN_SAMPLES" default:"100" validate:"min=2"`
}
