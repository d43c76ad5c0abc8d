package core

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle status of a session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionAborted   SessionStatus = "aborted"
)

// IsTerminal reports whether the session has ended.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionAborted
}

// Dispatch is one entry of the routing history.
type Dispatch struct {
	Role   Role       `json:"role"`
	Origin StepOrigin `json:"origin"`
	StepID StepID     `json:"step_id"`
}

// WorkflowState is the complete state of one session.
//
// Values are treated as immutable: every change goes through a reducer in this
// package that returns a modified copy. Slices and maps are never shared
// between the input and the output of a reducer.
type WorkflowState struct {
	SessionID        string                      `json:"session_id"`
	Query            string                      `json:"query"`
	Workspace        string                      `json:"workspace,omitempty"`
	Status           SessionStatus               `json:"status"`
	Steps            []ExecutionStep             `json:"steps"`
	CurrentStepID    StepID                      `json:"current_step_id,omitempty"`
	Confidence       float64                     `json:"confidence"`
	Reason           string                      `json:"reason"`
	Executed         []Role                      `json:"executed"`
	History          []Dispatch                  `json:"history"`
	Decisions        []RoutingDecision           `json:"decisions,omitempty"`
	Violations       []RuleViolation             `json:"violations,omitempty"`
	ValidationPassed bool                        `json:"validation_passed"`
	Iteration        int                         `json:"iteration"`
	Errors           []string                    `json:"errors,omitempty"`
	Artifacts        []Artifact                  `json:"artifacts,omitempty"`
	Validations      map[string]ValidationRecord `json:"validations,omitempty"`
	SummaryShown     bool                        `json:"summary_shown"`
	CannotProceed    bool                        `json:"cannot_proceed,omitempty"`
	Result           string                      `json:"result,omitempty"`
	Divergence       *WorkflowDivergence         `json:"divergence,omitempty"`
	CreatedAt        time.Time                   `json:"created_at"`
	UpdatedAt        time.Time                   `json:"updated_at"`
}

// Clone returns a deep copy of s.
func (s WorkflowState) Clone() WorkflowState {
	c := s
	c.Steps = cloneSlice(s.Steps)
	for i := range c.Steps {
		c.Steps[i].Result = cloneRaw(c.Steps[i].Result)
		c.Steps[i].StartedAt = cloneTime(c.Steps[i].StartedAt)
		c.Steps[i].CompletedAt = cloneTime(c.Steps[i].CompletedAt)
	}
	c.Executed = cloneSlice(s.Executed)
	c.History = cloneSlice(s.History)
	c.Decisions = cloneSlice(s.Decisions)
	c.Violations = cloneSlice(s.Violations)
	c.Errors = cloneSlice(s.Errors)
	c.Artifacts = cloneSlice(s.Artifacts)
	if s.Validations != nil {
		c.Validations = make(map[string]ValidationRecord, len(s.Validations))
		for k, v := range s.Validations {
			c.Validations[k] = v
		}
	}
	if s.Divergence != nil {
		d := *s.Divergence
		d.Trace = cloneSlice(d.Trace)
		d.Reasons = cloneSlice(d.Reasons)
		c.Divergence = &d
	}
	return c
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if in == nil {
		return nil
	}
	out := make(json.RawMessage, len(in))
	copy(out, in)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (s WorkflowState) stepIndex(id StepID) int {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// Step returns the step with the given id.
func (s WorkflowState) Step(id StepID) (ExecutionStep, bool) {
	if i := s.stepIndex(id); i >= 0 {
		return s.Steps[i], true
	}
	return ExecutionStep{}, false
}

// NextPending returns the first pending step in insertion order.
func (s WorkflowState) NextPending() (ExecutionStep, bool) {
	for _, st := range s.Steps {
		if st.Status == StepStatusPending {
			return st, true
		}
	}
	return ExecutionStep{}, false
}

// InProgress returns the step currently running, if any.
func (s WorkflowState) InProgress() (ExecutionStep, bool) {
	for _, st := range s.Steps {
		if st.Status == StepStatusInProgress {
			return st, true
		}
	}
	return ExecutionStep{}, false
}

// LastFinished returns the most recently finished step.
func (s WorkflowState) LastFinished() (ExecutionStep, bool) {
	var (
		last  ExecutionStep
		found bool
	)
	for _, st := range s.Steps {
		if !st.Status.IsTerminal() || st.CompletedAt == nil {
			continue
		}
		if !found || !st.CompletedAt.Before(*last.CompletedAt) {
			last, found = st, true
		}
	}
	return last, found
}

// HasPlan reports whether the session was started with an explicit plan.
func (s WorkflowState) HasPlan() bool {
	for _, st := range s.Steps {
		if st.Origin == OriginPlan {
			return true
		}
	}
	return false
}

// HasExecuted reports whether a worker with the role has completed a step.
func (s WorkflowState) HasExecuted(role Role) bool {
	for _, r := range s.Executed {
		if r == role {
			return true
		}
	}
	return false
}

// HistoryRoles returns the dispatched roles in order.
func (s WorkflowState) HistoryRoles() []Role {
	roles := make([]Role, len(s.History))
	for i, d := range s.History {
		roles[i] = d.Role
	}
	return roles
}

// Artifact returns the tracked artifact with the given path.
func (s WorkflowState) Artifact(path string) (Artifact, bool) {
	for _, a := range s.Artifacts {
		if a.Path == path {
			return a, true
		}
	}
	return Artifact{}, false
}

// UncheckedArtifacts returns artifacts whose current version no validator has seen.
func (s WorkflowState) UncheckedArtifacts() []Artifact {
	var out []Artifact
	for _, a := range s.Artifacts {
		if a.Unchecked() {
			out = append(out, a)
		}
	}
	return out
}

// PendingValidation returns artifacts that require validation and are not validated.
func (s WorkflowState) PendingValidation() []Artifact {
	var out []Artifact
	for _, a := range s.Artifacts {
		if a.RequiresValidation() && !a.Validated {
			out = append(out, a)
		}
	}
	return out
}

// AllValidated reports whether every artifact requiring validation has passed.
func (s WorkflowState) AllValidated() bool {
	return len(s.PendingValidation()) == 0
}

// HasDocumentation reports whether an architecture or summary artifact exists.
func (s WorkflowState) HasDocumentation() bool {
	for _, a := range s.Artifacts {
		if a.IsDocumentation() {
			return true
		}
	}
	return false
}

// ReasonChain returns the reasons of every routing decision so far.
func (s WorkflowState) ReasonChain() []string {
	out := make([]string, 0, len(s.Decisions))
	for _, d := range s.Decisions {
		out = append(out, d.String()+": "+d.Reason)
	}
	return out
}
