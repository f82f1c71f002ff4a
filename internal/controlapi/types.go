package controlapi

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// validate checks request DTOs. Field errors are reported with their JSON names.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Duration is a time.Duration that travels as a Go duration string ("5m").
type Duration time.Duration

// UnmarshalJSON accepts "1m30s" style strings.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string such as \"5m\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON renders the duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// -----------------------------------------------------------------------------
// Flags
// -----------------------------------------------------------------------------

// CreateFlagRequest is the payload of POST /flags.
type CreateFlagRequest struct {
	Name              string                 `json:"name" validate:"required,max=255"`
	Description       string                 `json:"description,omitempty"`
	Enabled           bool                   `json:"enabled"`
	RolloutPercentage float64                `json:"rollout_percentage" validate:"gte=0,lte=100"`
	Conditions        []ruleengine.Condition `json:"conditions,omitempty"`
}

// Sanitize trims whitespace from free-text fields.
func (r *CreateFlagRequest) Sanitize() {
	r.Name = strings.TrimSpace(r.Name)
	r.Description = strings.TrimSpace(r.Description)
}

// UpdateFlagRequest is the payload of PUT /flags/{name}. It replaces the
// static fields; user, group and deny lists are kept.
type UpdateFlagRequest struct {
	Description       string                 `json:"description,omitempty"`
	Enabled           bool                   `json:"enabled"`
	RolloutPercentage float64                `json:"rollout_percentage" validate:"gte=0,lte=100"`
	Conditions        []ruleengine.Condition `json:"conditions,omitempty"`
}

// PercentageRequest is the payload of PUT /flags/{name}/percentage.
type PercentageRequest struct {
	Percentage *float64 `json:"percentage" validate:"required,gte=0,lte=100"`
}

// UserRequest is the payload of POST /flags/{name}/users.
type UserRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

// GroupsRequest is the payload of PUT /flags/{name}/groups. An empty list
// clears the groups.
type GroupsRequest struct {
	Groups []string `json:"groups" validate:"dive,required"`
}

// DenyRequest is the payload of POST /flags/{name}/deny.
type DenyRequest struct {
	UserIDs []string `json:"user_ids" validate:"required,min=1,dive,required"`
}

// EvaluateRequest is the payload of POST /flags/{name}/evaluate.
type EvaluateRequest struct {
	UserID     string            `json:"user_id"`
	GroupIDs   []string          `json:"group_ids,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// EvaluateResponse is the outcome of one evaluation.
type EvaluateResponse struct {
	Flag   string `json:"flag"`
	Value  bool   `json:"value"`
	Reason string `json:"reason"`
}

// VersionRequest is the payload of POST /flags/{name}/versions.
type VersionRequest struct {
	Version string `json:"version" validate:"required,max=255"`
}

// VersionsResponse lists the registered versions of a flag.
type VersionsResponse struct {
	Flag          string   `json:"flag"`
	Versions      []string `json:"versions"`
	ActiveVersion string   `json:"active_version,omitempty"`
}

// -----------------------------------------------------------------------------
// Rollouts and rollbacks
// -----------------------------------------------------------------------------

// StartRolloutRequest is the payload of POST /rollouts. Every stage is
// validated by calling WebhookURL.
type StartRolloutRequest struct {
	FlagName          string    `json:"flag_name" validate:"required"`
	Strategy          string    `json:"strategy" validate:"required,oneof=CANARY BLUE_GREEN PERCENTAGE RING"`
	TargetPercentage  float64   `json:"target_percentage" validate:"gte=0,lte=100"`
	Stages            []float64 `json:"stages,omitempty" validate:"required_if=Strategy PERCENTAGE"`
	AutoAdvance       *bool     `json:"auto_advance,omitempty"`
	WaitInterval      Duration  `json:"wait_interval,omitempty" validate:"gte=0"`
	ValidationTimeout Duration  `json:"validation_timeout,omitempty" validate:"gte=0"`
	WebhookURL        string    `json:"webhook_url" validate:"required,url"`
}

// ImmediateRollbackRequest is the payload of POST /rollbacks/{name}/immediate.
type ImmediateRollbackRequest struct {
	Reason  string `json:"reason" validate:"required"`
	Version string `json:"version,omitempty"`
}

// GradualRollbackRequest is the payload of POST /rollbacks/{name}/gradual.
// Omitted stages use the default de-escalation plan.
type GradualRollbackRequest struct {
	Reason string    `json:"reason" validate:"required"`
	Stages []float64 `json:"stages,omitempty"`
}

// TargetedRollbackRequest is the payload of POST /rollbacks/{name}/targeted.
type TargetedRollbackRequest struct {
	Reason  string   `json:"reason" validate:"required"`
	UserIDs []string `json:"user_ids" validate:"required,min=1,dive,required"`
}

// -----------------------------------------------------------------------------
// A/B tests
// -----------------------------------------------------------------------------

// DefaultTrafficSplit applies when a test is created without a split.
const DefaultTrafficSplit = 0.5

// CreateTestRequest is the payload of POST /abtests.
type CreateTestRequest struct {
	TestID             string   `json:"test_id" validate:"required,max=255"`
	ControlComponent   string   `json:"control_component" validate:"required"`
	TreatmentComponent string   `json:"treatment_component" validate:"required"`
	TrafficSplit       *float64 `json:"traffic_split,omitempty" validate:"omitnil,gt=0,lte=1"`
	Duration           Duration `json:"duration" validate:"gt=0"`
	TrackedMetrics     []string `json:"tracked_metrics" validate:"required,min=1,dive,required"`
}

// RecordMetricRequest is the payload of POST /abtests/{id}/metrics.
type RecordMetricRequest struct {
	Variant string   `json:"variant" validate:"required,oneof=CONTROL TREATMENT"`
	Metric  string   `json:"metric" validate:"required"`
	Value   *float64 `json:"value" validate:"required"`
}

// VariantResponse is the assignment of a user to a test arm.
type VariantResponse struct {
	TestID  string `json:"test_id"`
	UserID  string `json:"user_id"`
	Variant string `json:"variant"`
}

// -----------------------------------------------------------------------------
// Envelopes
// -----------------------------------------------------------------------------

// ListResponse wraps collection endpoints.
type ListResponse[T any] struct {
	Data  []T `json:"data"`
	Total int `json:"total"`
}

func newList[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Data: items, Total: len(items)}
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	// Code is machine readable, e.g. "ERR_NOT_FOUND".
	Code string `json:"code"`

	Message string `json:"message"`

	// Details lists field-level validation failures.
	Details []ErrorDetail `json:"details,omitempty"`
}

// ErrorDetail describes one rejected field.
type ErrorDetail struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}
