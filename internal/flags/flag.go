// Package flags implements the feature-flag registry: flag entities, their
// evaluation against a user, and the atomic mutations used by rollouts and
// rollbacks.
package flags

import (
	"fmt"
	"slices"
	"time"

	"github.com/rafaeljc/bifrost/internal/errs"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/validation"
)

// Status is the lifecycle state of a flag.
type Status string

const (
	// StatusDisabled turns the flag off; whitelists and groups do not apply.
	StatusDisabled Status = "disabled"
	// StatusEnabled exposes the flag to everyone who passes the conditions.
	StatusEnabled Status = "enabled"
	// StatusPercentage exposes the flag to a consistent-hash slice of users.
	StatusPercentage Status = "percentage"
	// StatusKilled is the kill switch: evaluation is false unconditionally.
	StatusKilled Status = "killed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDisabled, StatusEnabled, StatusPercentage, StatusKilled:
		return true
	}
	return false
}

// active reports whether the status grants exposure through the percentage path.
func (s Status) active() bool {
	return s == StatusEnabled || s == StatusPercentage
}

// exposureStatus derives enabled/percentage from a rollout percentage.
func exposureStatus(pct float64) Status {
	if pct >= 100 {
		return StatusEnabled
	}
	return StatusPercentage
}

// FeatureFlag is an immutable snapshot of a flag.
//
// The registry publishes a new snapshot on every mutation; callers must treat
// the sets and the condition slice as read-only.
type FeatureFlag struct {
	Name              string
	Description       string
	Status            Status
	RolloutPercentage float64
	EnabledUsers      map[string]struct{}
	EnabledGroups     map[string]struct{}
	DenyUsers         map[string]struct{}
	Conditions        []ruleengine.Condition
	Version           int64
	LastModified      time.Time
}

// clone returns a deep copy that a writer may modify before publishing.
func (f *FeatureFlag) clone() *FeatureFlag {
	c := *f
	c.EnabledUsers = cloneSet(f.EnabledUsers)
	c.EnabledGroups = cloneSet(f.EnabledGroups)
	c.DenyUsers = cloneSet(f.DenyUsers)
	c.Conditions = slices.Clone(f.Conditions)
	return &c
}

func cloneSet(s map[string]struct{}) map[string]struct{} {
	c := make(map[string]struct{}, len(s))
	for k := range s {
		c[k] = struct{}{}
	}
	return c
}

func toSet(ids []string) map[string]struct{} {
	s := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			s[id] = struct{}{}
		}
	}
	return s
}

func sortedKeys(s map[string]struct{}) []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Config is the persisted shape of a flag, as exchanged with external stores,
// the Redis mirror and the REST API.
type Config struct {
	Name              string                 `json:"name"`
	Description       string                 `json:"description,omitempty"`
	Status            Status                 `json:"status"`
	RolloutPercentage float64                `json:"rollout_percentage"`
	EnabledUsers      []string               `json:"enabled_users"`
	EnabledGroups     []string               `json:"enabled_groups"`
	DenyUsers         []string               `json:"deny_users,omitempty"`
	Conditions        []ruleengine.Condition `json:"conditions"`
	Version           int64                  `json:"version"`
	LastModified      time.Time              `json:"last_modified"`
}

// Document is the persisted configuration file: a mapping with a flags sequence.
type Document struct {
	Flags []Config `json:"flags"`
}

// Config converts the snapshot to its persisted shape (sets sorted for stable output).
func (f *FeatureFlag) Config() Config {
	conditions := f.Conditions
	if conditions == nil {
		conditions = []ruleengine.Condition{}
	}
	return Config{
		Name:              f.Name,
		Description:       f.Description,
		Status:            f.Status,
		RolloutPercentage: f.RolloutPercentage,
		EnabledUsers:      sortedKeys(f.EnabledUsers),
		EnabledGroups:     sortedKeys(f.EnabledGroups),
		DenyUsers:         sortedKeys(f.DenyUsers),
		Conditions:        slices.Clone(conditions),
		Version:           f.Version,
		LastModified:      f.LastModified,
	}
}

// FromConfig validates a persisted flag and builds a snapshot from it.
// Conditions are compiled here, so a corrupt document fails at load time.
func FromConfig(c Config) (*FeatureFlag, error) {
	if err := validation.Name("flag", c.Name); err != nil {
		return nil, err
	}
	if !c.Status.Valid() {
		return nil, fmt.Errorf("%w: flag %q has unknown status %q", errs.ErrValidation, c.Name, c.Status)
	}
	if err := validation.Percentage(c.RolloutPercentage); err != nil {
		return nil, fmt.Errorf("flag %q: %w", c.Name, err)
	}

	conditions := slices.Clone(c.Conditions)
	if err := ruleengine.CompileConditions(conditions); err != nil {
		return nil, fmt.Errorf("flag %q: %w", c.Name, err)
	}

	return &FeatureFlag{
		Name:              c.Name,
		Description:       c.Description,
		Status:            c.Status,
		RolloutPercentage: c.RolloutPercentage,
		EnabledUsers:      toSet(c.EnabledUsers),
		EnabledGroups:     toSet(c.EnabledGroups),
		DenyUsers:         toSet(c.DenyUsers),
		Conditions:        conditions,
		Version:           c.Version,
		LastModified:      c.LastModified,
	}, nil
}
