package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Reducer transforms a state into a new state without touching the input.
type Reducer func(WorkflowState) (WorkflowState, error)

// Apply runs reducers in order and stops at the first error.
// On error the original state is returned unchanged.
func Apply(s WorkflowState, reducers ...Reducer) (WorkflowState, error) {
	cur := s
	for _, r := range reducers {
		next, err := r(cur)
		if err != nil {
			return s, err
		}
		cur = next
	}
	return cur, nil
}

// NewWorkflowState creates the initial state of a session.
// plan steps are appended in order with origin plan.
func NewWorkflowState(sessionID, query, workspace string, plan []ExecutionStep, now time.Time) (WorkflowState, error) {
	if strings.TrimSpace(query) == "" {
		return WorkflowState{}, ErrValidation(CodeEmptyQuery, "query must not be empty")
	}
	s := WorkflowState{
		SessionID: sessionID,
		Query:     query,
		Workspace: workspace,
		Status:    SessionRunning,
		Steps:     make([]ExecutionStep, 0, len(plan)),
		Executed:  []Role{},
		History:   []Dispatch{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, st := range plan {
		if st.ID == "" {
			st.ID = NewStepID()
		}
		if st.Origin == "" {
			st.Origin = OriginPlan
		}
		st.Status = StepStatusPending
		if err := st.Validate(); err != nil {
			return WorkflowState{}, err
		}
		s.Steps = append(s.Steps, st)
	}
	return s, nil
}

// ApplyDecision records a routing decision as the current route.
func ApplyDecision(s WorkflowState, d RoutingDecision) WorkflowState {
	next := s.Clone()
	d.Confidence = ClampConfidence(d.Confidence)
	next.Confidence = d.Confidence
	next.Reason = d.Reason
	next.Decisions = append(next.Decisions, d)
	return next
}

// RecordViolation appends an entry to the rule violation log.
func RecordViolation(s WorkflowState, v RuleViolation) WorkflowState {
	next := s.Clone()
	next.Violations = append(next.Violations, v)
	return next
}

// InsertStep inserts a pending step ahead of the remaining pending steps, so it
// runs next while preserving the order of the rest of the plan.
func InsertStep(s WorkflowState, step ExecutionStep) (WorkflowState, error) {
	step.Status = StepStatusPending
	if err := step.Validate(); err != nil {
		return s, err
	}
	if s.stepIndex(step.ID) >= 0 {
		return s, ErrState(CodeInvalidTransition, fmt.Sprintf("step %s already exists", step.ID))
	}
	next := s.Clone()
	at := len(next.Steps)
	for i, st := range next.Steps {
		if st.Status == StepStatusPending {
			at = i
			break
		}
	}
	next.Steps = append(next.Steps, ExecutionStep{})
	copy(next.Steps[at+1:], next.Steps[at:])
	next.Steps[at] = step
	return next, nil
}

// MergeStepUpdate applies a status transition to a step.
// Merging an update whose outcome the step already holds is a no-op.
func MergeStepUpdate(s WorkflowState, u StepUpdate) (WorkflowState, error) {
	idx := s.stepIndex(u.StepID)
	if idx < 0 {
		return s, ErrNotFound("step", string(u.StepID))
	}
	cur := s.Steps[idx]
	if u.sameOutcome(cur) {
		return s, nil
	}
	if cur.Status.IsTerminal() {
		return s, ErrState(CodeStepTerminal,
			fmt.Sprintf("step %s is already %s", cur.ID, cur.Status))
	}
	if !cur.Status.CanTransitionTo(u.Status) {
		return s, ErrState(CodeInvalidTransition,
			fmt.Sprintf("step %s cannot move from %s to %s", cur.ID, cur.Status, u.Status))
	}
	if u.Status == StepStatusInProgress {
		if running, ok := s.InProgress(); ok {
			return s, ErrState(CodeStepInProgress,
				fmt.Sprintf("step %s is already in progress", running.ID))
		}
	}

	next := s.Clone()
	step := &next.Steps[idx]
	step.Status = u.Status
	at := u.At
	switch u.Status {
	case StepStatusInProgress:
		step.StartedAt = &at
		next.CurrentStepID = step.ID
	case StepStatusCompleted, StepStatusFailed:
		step.Result = cloneRaw(u.Result)
		step.Error = u.Error
		step.CompletedAt = &at
		if next.CurrentStepID == step.ID {
			next.CurrentStepID = ""
		}
	}
	if !u.At.IsZero() {
		next.UpdatedAt = u.At
	}
	return next, nil
}

// StartStep moves a pending step to in_progress, appends it to the routing
// history and advances the iteration counter.
func StartStep(s WorkflowState, id StepID, now time.Time) (WorkflowState, error) {
	if s.Status.IsTerminal() {
		return s, ErrState(CodeSessionTerminal, fmt.Sprintf("session is %s", s.Status))
	}
	st, ok := s.Step(id)
	if !ok {
		return s, ErrNotFound("step", string(id))
	}
	if st.Status == StepStatusInProgress {
		return s, nil
	}
	next, err := MergeStepUpdate(s, StepUpdate{StepID: id, Status: StepStatusInProgress, At: now})
	if err != nil {
		return s, err
	}
	next.Iteration++
	next.History = append(next.History, Dispatch{Role: st.Role, Origin: st.Origin, StepID: id})
	next.CannotProceed = false
	return next, nil
}

// CompleteStep marks a running step completed with a worker result.
func CompleteStep(s WorkflowState, id StepID, res WorkerResult, now time.Time) (WorkflowState, error) {
	raw := res.Raw
	if len(raw) == 0 {
		b, err := json.Marshal(res)
		if err != nil {
			return s, fmt.Errorf("encoding result of step %s: %w", id, err)
		}
		raw = b
	}
	next, err := MergeStepUpdate(s, StepUpdate{StepID: id, Status: StepStatusCompleted, Result: raw, At: now})
	if err != nil {
		return s, err
	}
	st, _ := next.Step(id)
	if st.Role.IsWorker() && !next.HasExecuted(st.Role) {
		next.Executed = append(next.Executed, st.Role)
	}
	next.CannotProceed = res.CannotProceed
	return next, nil
}

// FailStep marks a step failed with an error message.
func FailStep(s WorkflowState, id StepID, cause error, now time.Time) (WorkflowState, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	u := StepUpdate{StepID: id, Status: StepStatusFailed, Error: msg, At: now}
	if idx := s.stepIndex(id); idx >= 0 && u.sameOutcome(s.Steps[idx]) {
		return s, nil
	}
	next, err := MergeStepUpdate(s, u)
	if err != nil {
		return s, err
	}
	// next is a clone, so appending never touches the caller's Errors.
	if msg != "" {
		next.Errors = append(next.Errors, fmt.Sprintf("step %s: %s", id, msg))
	}
	return next, nil
}

// SetStepFeedback attaches validator feedback to a pending step.
func SetStepFeedback(s WorkflowState, id StepID, feedback string) (WorkflowState, error) {
	idx := s.stepIndex(id)
	if idx < 0 {
		return s, ErrNotFound("step", string(id))
	}
	if s.Steps[idx].Status != StepStatusPending {
		return s, ErrState(CodeInvalidTransition, fmt.Sprintf("step %s is %s", id, s.Steps[idx].Status))
	}
	next := s.Clone()
	next.Steps[idx].Feedback = feedback
	return next, nil
}

// RecordArtifacts tracks artifacts produced by a worker. A reported path that
// already exists becomes a new version of that artifact.
func RecordArtifacts(s WorkflowState, producer Role, refs []ArtifactRef) WorkflowState {
	if len(refs) == 0 {
		return s
	}
	next := s.Clone()
	for _, ref := range refs {
		if ref.Path == "" {
			continue
		}
		kind := ref.Kind
		if kind == "" {
			kind = ArtifactFile
		}
		found := false
		for i := range next.Artifacts {
			a := &next.Artifacts[i]
			if a.Path != ref.Path {
				continue
			}
			a.Version++
			a.Kind = kind
			a.Producer = producer
			if ref.Type != "" {
				a.Type = ref.Type
			}
			a.Validated = false
			found = true
			break
		}
		if !found {
			next.Artifacts = append(next.Artifacts, Artifact{
				Path:     ref.Path,
				Kind:     kind,
				Type:     ref.Type,
				Producer: producer,
				Version:  1,
			})
		}
	}
	next.ValidationPassed = next.ValidationPassed && next.AllValidated()
	return next
}

// MarkChecked records a validator run against the current version of each path.
// passed marks the artifacts validated.
func MarkChecked(s WorkflowState, paths []string, passed bool) WorkflowState {
	next := s.Clone()
	for _, p := range paths {
		for i := range next.Artifacts {
			a := &next.Artifacts[i]
			if a.Path != p {
				continue
			}
			a.CheckedVersion = a.Version
			if passed {
				a.Validated = true
			}
		}
	}
	next.ValidationPassed = passed && next.AllValidated()
	return next
}

// SetValidationRecord stores retry bookkeeping for an artifact key.
func SetValidationRecord(s WorkflowState, key string, rec ValidationRecord) WorkflowState {
	next := s.Clone()
	if next.Validations == nil {
		next.Validations = make(map[string]ValidationRecord)
	}
	next.Validations[key] = rec
	return next
}

// SetValidationPassed overrides the validation-passed flag.
func SetValidationPassed(s WorkflowState, passed bool) WorkflowState {
	next := s.Clone()
	next.ValidationPassed = passed
	return next
}

// AppendError appends a message to the error list.
func AppendError(s WorkflowState, msg string) WorkflowState {
	next := s.Clone()
	next.Errors = append(next.Errors, msg)
	return next
}

// MarkSummaryShown sets whether the final summary has been shown.
func MarkSummaryShown(s WorkflowState, shown bool) WorkflowState {
	next := s.Clone()
	next.SummaryShown = shown
	return next
}

// SetCannotProceed records the cannot-proceed signal.
func SetCannotProceed(s WorkflowState, v bool) WorkflowState {
	next := s.Clone()
	next.CannotProceed = v
	return next
}

// Finish moves the session to a terminal status.
func Finish(s WorkflowState, status SessionStatus, result string, now time.Time) (WorkflowState, error) {
	if !status.IsTerminal() {
		return s, ErrState(CodeInvalidTransition, fmt.Sprintf("%s is not a terminal status", status))
	}
	if s.Status.IsTerminal() {
		if s.Status == status {
			return s, nil
		}
		return s, ErrState(CodeSessionTerminal, fmt.Sprintf("session is already %s", s.Status))
	}
	next := s.Clone()
	next.Status = status
	if result != "" {
		next.Result = result
	}
	next.CurrentStepID = ""
	next.UpdatedAt = now
	return next, nil
}

// Diverge records a divergence and fails the session.
func Diverge(s WorkflowState, d *WorkflowDivergence, now time.Time) (WorkflowState, error) {
	next := s.Clone()
	dv := *d
	dv.Trace = cloneSlice(d.Trace)
	dv.Reasons = s.ReasonChain()
	next.Divergence = &dv
	next.Errors = append(next.Errors, dv.Error())
	return Finish(next, SessionFailed, "", now)
}
