package testutil

import (
	"testing"
	"time"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
)

// Plan builds one planned step per role with the task "<role> task".
func Plan(roles ...core.Role) []core.ExecutionStep {
	steps := make([]core.ExecutionStep, len(roles))
	for i, r := range roles {
		steps[i] = core.NewStep(r, string(r)+" task", core.OriginPlan)
	}
	return steps
}

// NewTestState creates a running session "s1" planned with roles.
func NewTestState(t *testing.T, query string, roles ...core.Role) core.WorkflowState {
	t.Helper()
	s, err := core.NewWorkflowState("s1", query, "", Plan(roles...), time.Now())
	if err != nil {
		t.Fatalf("creating state: %v", err)
	}
	return s
}

// RunStep starts and completes step id with res.
func RunStep(t *testing.T, s core.WorkflowState, id core.StepID, res core.WorkerResult) core.WorkflowState {
	t.Helper()
	s, err := core.StartStep(s, id, time.Now())
	if err != nil {
		t.Fatalf("starting step %s: %v", id, err)
	}
	s, err = core.CompleteStep(s, id, res, time.Now())
	if err != nil {
		t.Fatalf("completing step %s: %v", id, err)
	}
	return s
}
