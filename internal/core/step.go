package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StepID uniquely identifies an execution step within a session.
type StepID string

// NewStepID returns a fresh step identifier.
func NewStepID() StepID {
	return StepID("step-" + uuid.NewString()[:8])
}

// StepStatus represents the lifecycle position of an ExecutionStep.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
)

// IsTerminal reports whether the status can no longer change.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// CanTransitionTo reports whether a step in status s may move to next.
func (s StepStatus) CanTransitionTo(next StepStatus) bool {
	switch s {
	case StepStatusPending:
		return next == StepStatusInProgress || next == StepStatusFailed
	case StepStatusInProgress:
		return next == StepStatusCompleted || next == StepStatusFailed
	}
	return false
}

// StepOrigin records which part of the engine created a step.
type StepOrigin string

const (
	OriginPlan       StepOrigin = "plan"
	OriginReplan     StepOrigin = "replan"
	OriginFallback   StepOrigin = "fallback"
	OriginRule       StepOrigin = "rule"
	OriginValidation StepOrigin = "validation"
	OriginHITL       StepOrigin = "hitl"
)

// ExecutionStep is one unit of routed work.
type ExecutionStep struct {
	ID          StepID          `json:"id"`
	Role        Role            `json:"role"`
	Task        string          `json:"task"`
	Mode        string          `json:"mode,omitempty"`
	Origin      StepOrigin      `json:"origin,omitempty"`
	Status      StepStatus      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Feedback    string          `json:"feedback,omitempty"`
	HITLKind    HITLKind        `json:"hitl_kind,omitempty"`
	Deferred    Role            `json:"deferred,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// NewStep creates a pending step.
func NewStep(role Role, task string, origin StepOrigin) ExecutionStep {
	return ExecutionStep{
		ID:     NewStepID(),
		Role:   role,
		Task:   task,
		Origin: origin,
		Status: StepStatusPending,
	}
}

// Validate checks the step's static fields.
func (s ExecutionStep) Validate() error {
	if s.ID == "" {
		return ErrValidation(CodeStepNotFound, "step id is required")
	}
	if !s.Role.IsStepRole() {
		return ErrValidation(CodeInvalidRole, fmt.Sprintf("step %s has invalid role %q", s.ID, s.Role))
	}
	switch s.Status {
	case StepStatusPending, StepStatusInProgress, StepStatusCompleted, StepStatusFailed:
	default:
		return ErrValidation(CodeInvalidTransition, fmt.Sprintf("step %s has invalid status %q", s.ID, s.Status))
	}
	return nil
}

// StepUpdate is a partial update merged into a step by MergeStepUpdate.
type StepUpdate struct {
	StepID StepID          `json:"step_id"`
	Status StepStatus      `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	At     time.Time       `json:"at"`
}

// sameOutcome reports whether the update carries what the step already holds.
func (u StepUpdate) sameOutcome(s ExecutionStep) bool {
	return u.Status == s.Status && u.Error == s.Error && jsonEqual(u.Result, s.Result)
}

func jsonEqual(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	var va, vb interface{}
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return string(a) == string(b)
	}
	ca, _ := json.Marshal(va)
	cb, _ := json.Marshal(vb)
	return string(ca) == string(cb)
}
