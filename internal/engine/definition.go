package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/arxfield/workflow-service/internal/store"
)

// Definition is the in-memory form of a workflow definition.
//
// A workflow is an ordered list of steps; list order is execution order.
// Steps carry a typed kind, a free-form parameters map, AND-combined
// conditions evaluated against the accumulated execution context, and a
// per-step retry policy.
//
// Definitions are persisted in store.WorkflowDefinition with the step list
// serialized as JSON.

// StepType is the closed set of step kinds this engine dispatches on.
// Validation rejects anything else, so the executor never sees an unknown
// kind at runtime.
type StepType string

const (
	StepValidation    StepType = "validation"
	StepExport        StepType = "export"
	StepTransform     StepType = "transform"
	StepNotify        StepType = "notify"
	StepCondition     StepType = "condition"
	StepLoop          StepType = "loop"
	StepParallel      StepType = "parallel"
	StepDelay         StepType = "delay"
	StepAPICall       StepType = "api_call"
	StepFileOperation StepType = "file_operation"
)

// KnownStepTypes lists every dispatchable step kind.
var KnownStepTypes = []StepType{
	StepValidation, StepExport, StepTransform, StepNotify, StepCondition,
	StepLoop, StepParallel, StepDelay, StepAPICall, StepFileOperation,
}

func (t StepType) Known() bool {
	for _, k := range KnownStepTypes {
		if t == k {
			return true
		}
	}
	return false
}

// Condition guards a step. All conditions on a step must hold for the step
// to run; a step failing its conditions is skipped without an attempt record.
type Condition struct {
	Type  string `json:"type"`
	Field string `json:"field"`
	Value any    `json:"value,omitempty"`
}

type Step struct {
	StepID     string         `json:"step_id"`
	Name       string         `json:"name"`
	StepType   StepType       `json:"step_type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Conditions []Condition    `json:"conditions,omitempty"`
	Timeout    int            `json:"timeout"`     // seconds, enforced per attempt
	RetryCount int            `json:"retry_count"` // extra attempts after the first
	RetryDelay int            `json:"retry_delay"` // seconds between attempts
	Parallel   bool           `json:"parallel,omitempty"`
	Required   bool           `json:"required"`
}

// UnmarshalJSON applies field defaults for absent keys: timeout 300s,
// retry_count 3, retry_delay 60s, required true. An explicit zero is kept.
func (s *Step) UnmarshalJSON(b []byte) error {
	type alias Step
	aux := struct {
		*alias
		Timeout    *int  `json:"timeout"`
		RetryCount *int  `json:"retry_count"`
		RetryDelay *int  `json:"retry_delay"`
		Required   *bool `json:"required"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	s.Timeout = 300
	if aux.Timeout != nil {
		s.Timeout = *aux.Timeout
	}
	s.RetryCount = 3
	if aux.RetryCount != nil {
		s.RetryCount = *aux.RetryCount
	}
	s.RetryDelay = 60
	if aux.RetryDelay != nil {
		s.RetryDelay = *aux.RetryDelay
	}
	s.Required = true
	if aux.Required != nil {
		s.Required = *aux.Required
	}
	return nil
}

type Definition struct {
	WorkflowID   string           `json:"workflow_id"`
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	WorkflowType string           `json:"workflow_type"`
	Steps        []Step           `json:"steps"`
	Triggers     []map[string]any `json:"triggers,omitempty"`
	Schedule     string           `json:"schedule,omitempty"`
	Timeout      int              `json:"timeout,omitempty"`     // seconds, whole run
	MaxRetries   int              `json:"max_retries,omitempty"` // stored, surfaced, not auto-rerun
	Metadata     map[string]any   `json:"metadata,omitempty"`
}

func (d *Definition) NormalizeAndValidate() error {
	d.WorkflowID = strings.TrimSpace(d.WorkflowID)
	d.Name = strings.TrimSpace(d.Name)
	d.WorkflowType = strings.TrimSpace(d.WorkflowType)

	if d.WorkflowID == "" {
		return &ValidationError{Field: "workflow_id", Reason: "is required"}
	}
	if d.Name == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	if d.WorkflowType == "" {
		return &ValidationError{Field: "workflow_type", Reason: "is required"}
	}
	if len(d.Steps) == 0 {
		return &ValidationError{Field: "steps", Reason: "must not be empty"}
	}

	seen := map[string]struct{}{}
	for i := range d.Steps {
		s := &d.Steps[i]
		s.StepID = strings.TrimSpace(s.StepID)
		s.Name = strings.TrimSpace(s.Name)
		if s.StepID == "" {
			return &ValidationError{Field: fmt.Sprintf("steps[%d].step_id", i), Reason: "is required"}
		}
		if s.Name == "" {
			return &ValidationError{Field: fmt.Sprintf("steps[%d].name", i), Reason: "is required"}
		}
		if _, exists := seen[s.StepID]; exists {
			return &ValidationError{Field: "steps", Reason: "duplicate step id: " + s.StepID}
		}
		seen[s.StepID] = struct{}{}
		if !s.StepType.Known() {
			return &ValidationError{Field: s.StepID + ".step_type", Reason: fmt.Sprintf("unsupported: %q", s.StepType)}
		}
		if s.RetryCount < 0 {
			return &ValidationError{Field: s.StepID + ".retry_count", Reason: "must be >= 0"}
		}
		if s.RetryDelay < 0 {
			return &ValidationError{Field: s.StepID + ".retry_delay", Reason: "must be >= 0"}
		}
		for j, c := range s.Conditions {
			if !KnownConditionType(c.Type) {
				return &ValidationError{
					Field:  fmt.Sprintf("%s.conditions[%d].type", s.StepID, j),
					Reason: fmt.Sprintf("unsupported: %q", c.Type),
				}
			}
			if strings.TrimSpace(c.Field) == "" {
				return &ValidationError{Field: fmt.Sprintf("%s.conditions[%d].field", s.StepID, j), Reason: "is required"}
			}
		}
	}
	return nil
}

func (d Definition) toStore() (*store.WorkflowDefinition, error) {
	steps, err := json.Marshal(d.Steps)
	if err != nil {
		return nil, fmt.Errorf("marshal steps: %w", err)
	}
	row := &store.WorkflowDefinition{
		WorkflowID:   d.WorkflowID,
		Name:         d.Name,
		Description:  d.Description,
		WorkflowType: d.WorkflowType,
		Steps:        steps,
		Schedule:     d.Schedule,
		Timeout:      d.Timeout,
		MaxRetries:   d.MaxRetries,
	}
	if len(d.Triggers) > 0 {
		b, err := json.Marshal(d.Triggers)
		if err != nil {
			return nil, fmt.Errorf("marshal triggers: %w", err)
		}
		row.Triggers = b
	}
	if len(d.Metadata) > 0 {
		b, err := json.Marshal(d.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		row.Metadata = b
	}
	return row, nil
}

func definitionFromStore(row store.WorkflowDefinition) (Definition, error) {
	d := Definition{
		WorkflowID:   row.WorkflowID,
		Name:         row.Name,
		Description:  row.Description,
		WorkflowType: row.WorkflowType,
		Schedule:     row.Schedule,
		Timeout:      row.Timeout,
		MaxRetries:   row.MaxRetries,
	}
	if err := json.Unmarshal(row.Steps, &d.Steps); err != nil {
		return Definition{}, fmt.Errorf("unmarshal steps for %s: %w", row.WorkflowID, err)
	}
	if len(row.Triggers) > 0 {
		if err := json.Unmarshal(row.Triggers, &d.Triggers); err != nil {
			return Definition{}, fmt.Errorf("unmarshal triggers for %s: %w", row.WorkflowID, err)
		}
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &d.Metadata); err != nil {
			return Definition{}, fmt.Errorf("unmarshal metadata for %s: %w", row.WorkflowID, err)
		}
	}
	return d, nil
}
