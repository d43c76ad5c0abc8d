package validation

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
)

func score(v float64) *float64 { return &v }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// producedState returns a session where codesmith just completed main.go and
// the remaining plan is a responder step.
func producedState(t *testing.T) (core.WorkflowState, core.ExecutionStep) {
	t.Helper()
	plan := []core.ExecutionStep{
		core.NewStep(core.RoleCodesmith, "write code", core.OriginPlan),
		core.NewStep(core.RoleResponder, "answer", core.OriginPlan),
	}
	s, err := core.NewWorkflowState("s1", "build a cli", "", plan, t0)
	require.NoError(t, err)
	s, err = core.StartStep(s, plan[0].ID, t0)
	require.NoError(t, err)
	res := core.WorkerResult{Content: "done", Artifacts: []core.ArtifactRef{{Path: "main.go", Kind: core.ArtifactCode}}}
	s, err = core.CompleteStep(s, plan[0].ID, res, t0)
	require.NoError(t, err)
	s = core.RecordArtifacts(s, core.RoleCodesmith, res.Artifacts)
	step, _ := s.Step(plan[0].ID)
	return s, step
}

// runValidator starts and completes the next pending validator step.
func runValidator(t *testing.T, c *Controller, s core.WorkflowState, res core.WorkerResult, werr error) (core.WorkflowState, Outcome) {
	t.Helper()
	step, ok := s.NextPending()
	require.True(t, ok)
	require.Equal(t, core.RoleValidator, step.Role)
	s, err := core.StartStep(s, step.ID, t0)
	require.NoError(t, err)
	if werr != nil {
		s, err = core.FailStep(s, step.ID, werr, t0)
	} else {
		s, err = core.CompleteStep(s, step.ID, res, t0)
	}
	require.NoError(t, err)
	step, _ = s.Step(step.ID)
	s, out, err := c.AfterStep(s, step, res, werr)
	require.NoError(t, err)
	return s, out
}

// runProducer starts and completes the next pending producer step with a new
// revision of main.go.
func runProducer(t *testing.T, c *Controller, s core.WorkflowState) (core.WorkflowState, Outcome) {
	t.Helper()
	step, ok := s.NextPending()
	require.True(t, ok)
	require.Equal(t, core.RoleCodesmith, step.Role)
	s, err := core.StartStep(s, step.ID, t0)
	require.NoError(t, err)
	res := core.WorkerResult{Content: "revised", Artifacts: []core.ArtifactRef{{Path: "main.go", Kind: core.ArtifactCode}}}
	s, err = core.CompleteStep(s, step.ID, res, t0)
	require.NoError(t, err)
	s = core.RecordArtifacts(s, core.RoleCodesmith, res.Artifacts)
	step, _ = s.Step(step.ID)
	s, out, err := c.AfterStep(s, step, res, nil)
	require.NoError(t, err)
	return s, out
}

func TestController_Threshold(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		typ  string
		want float64
	}{
		{"compiled default", Config{}, "go", 0.90},
		{"compiled configured", Config{Thresholds: map[string]float64{"compiled": 0.95}}, "rust", 0.95},
		{"exact type wins", Config{Thresholds: map[string]float64{"go": 0.8, "compiled": 0.95}}, "GO", 0.8},
		{"interpreted", Config{}, "py", 0.75},
		{"custom default", Config{DefaultThreshold: 0.6}, "md", 0.6},
		{"custom compiled list", Config{CompiledTypes: []string{"zig"}}, "go", 0.75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, NewController(tt.cfg).Threshold(tt.typ), 1e-9)
		})
	}
}

func TestNewController_Defaults(t *testing.T) {
	c := NewController(Config{})
	assert.Equal(t, DefaultMaxRetries, c.MaxRetries())
	assert.Equal(t, DefaultThreshold, c.Threshold("markdown"))

	assert.Equal(t, DefaultMaxRetries, NewController(Config{MaxRetries: -1}).MaxRetries())
	assert.Equal(t, 1, NewController(Config{MaxRetries: 1}).MaxRetries())
}

func TestController_SchedulesValidatorAfterProducer(t *testing.T) {
	c := NewController(Config{MaxRetries: 3})
	s, step := producedState(t)

	next, out, err := c.AfterStep(s, step, core.WorkerResult{}, nil)
	require.NoError(t, err)
	assert.Equal(t, ActionValidate, out.Action)
	assert.Equal(t, []string{"main.go"}, out.Paths)
	require.NotNil(t, out.Step)

	pending, ok := next.NextPending()
	require.True(t, ok)
	assert.Equal(t, core.RoleValidator, pending.Role)
	assert.Equal(t, core.OriginValidation, pending.Origin)

	// A validator already queued next is reused.
	again, out, err := c.AfterStep(next, step, core.WorkerResult{}, nil)
	require.NoError(t, err)
	assert.Equal(t, ActionValidate, out.Action)
	assert.Nil(t, out.Step)
	assert.Len(t, again.Steps, len(next.Steps))
}

func TestController_NoArtifactsNoValidation(t *testing.T) {
	c := NewController(Config{})
	step := core.ExecutionStep{Role: core.RoleArchitect, Status: core.StepStatusCompleted}
	s := core.WorkflowState{Artifacts: []core.Artifact{{Path: "ARCH.md", Kind: core.ArtifactArchitecture, Version: 1}}}

	_, out, err := c.AfterStep(s, step, core.WorkerResult{}, nil)
	require.NoError(t, err)
	assert.False(t, out.Handled())
}

func TestController_PassingScore(t *testing.T) {
	c := NewController(Config{MaxRetries: 3})
	s, step := producedState(t)
	s, _, err := c.AfterStep(s, step, core.WorkerResult{}, nil)
	require.NoError(t, err)

	s, out := runValidator(t, c, s, core.WorkerResult{Score: score(0.95), Feedback: "clean"}, nil)
	assert.Equal(t, ActionPassed, out.Action)
	assert.InDelta(t, 0.90, out.Threshold, 1e-9)
	assert.True(t, s.ValidationPassed)
	assert.True(t, s.AllValidated())
	assert.Empty(t, s.UncheckedArtifacts())

	pending, ok := s.NextPending()
	require.True(t, ok)
	assert.Equal(t, core.RoleResponder, pending.Role, "plan resumes")
}

func TestController_RetryThenEscalate(t *testing.T) {
	c := NewController(Config{MaxRetries: 3})
	s, step := producedState(t)
	s, _, err := c.AfterStep(s, step, core.WorkerResult{}, nil)
	require.NoError(t, err)

	low := core.WorkerResult{Score: score(0.4), Feedback: "tests fail"}
	for attempt := 1; attempt <= 3; attempt++ {
		var out Outcome
		s, out = runValidator(t, c, s, low, nil)
		require.Equal(t, ActionRetry, out.Action, "attempt %d", attempt)
		assert.Equal(t, attempt, out.Attempt)
		require.NotNil(t, out.Step)
		assert.Equal(t, core.RoleCodesmith, out.Step.Role)
		assert.Equal(t, "tests fail", out.Step.Feedback)
		assert.False(t, s.ValidationPassed)

		s, out = runProducer(t, c, s)
		require.Equal(t, ActionValidate, out.Action)
	}

	s, out := runValidator(t, c, s, low, nil)
	require.Equal(t, ActionEscalate, out.Action)
	require.NotNil(t, out.Step)
	assert.Equal(t, core.RoleHITL, out.Step.Role)
	assert.Equal(t, core.HITLValidationEscalation, out.Step.HITLKind)
	assert.Contains(t, out.Step.Task, "main.go failed 4 times")
	assert.True(t, s.Validations["main.go"].Escalated)
	assert.Equal(t, 4, s.Validations["main.go"].Attempts)

	accepted := c.Accept(s)
	assert.True(t, accepted.AllValidated())
	assert.True(t, accepted.ValidationPassed)
}

func TestController_PassResetsFailures(t *testing.T) {
	c := NewController(Config{MaxRetries: 1})
	s, step := producedState(t)
	s, _, err := c.AfterStep(s, step, core.WorkerResult{}, nil)
	require.NoError(t, err)

	s, out := runValidator(t, c, s, core.WorkerResult{Score: score(0.1)}, nil)
	require.Equal(t, ActionRetry, out.Action)
	s, _ = runProducer(t, c, s)
	s, out = runValidator(t, c, s, core.WorkerResult{Score: score(0.99)}, nil)
	require.Equal(t, ActionPassed, out.Action)
	assert.Equal(t, 0, s.Validations["main.go"].Failures)
	assert.Equal(t, 2, s.Validations["main.go"].Attempts)
}

func TestController_ValidatorErrorIsZeroScore(t *testing.T) {
	c := NewController(Config{MaxRetries: 3})
	s, step := producedState(t)
	s, _, err := c.AfterStep(s, step, core.WorkerResult{}, nil)
	require.NoError(t, err)

	werr := core.ErrWorker(core.CodeToolFailed, "linter crashed")
	_, out := runValidator(t, c, s, core.WorkerResult{}, werr)
	assert.Equal(t, ActionRetry, out.Action)
	assert.Zero(t, out.Score)
	assert.Contains(t, out.Feedback, "linter crashed")
}

func TestController_MissingScoreFails(t *testing.T) {
	c := NewController(Config{MaxRetries: 3})
	s, step := producedState(t)
	s, _, err := c.AfterStep(s, step, core.WorkerResult{}, nil)
	require.NoError(t, err)

	_, out := runValidator(t, c, s, core.WorkerResult{Feedback: "looks fine"}, nil)
	assert.Equal(t, ActionRetry, out.Action)
	assert.Contains(t, out.Feedback, "no score")
}

func TestController_ProducerErrorRetriesProducer(t *testing.T) {
	c := NewController(Config{MaxRetries: 1})
	plan := []core.ExecutionStep{core.NewStep(core.RoleCodesmith, "write code", core.OriginPlan)}
	s, err := core.NewWorkflowState("s1", "q", "", plan, t0)
	require.NoError(t, err)

	fail := func(s core.WorkflowState) (core.WorkflowState, Outcome) {
		step, ok := s.NextPending()
		require.True(t, ok)
		s, err := core.StartStep(s, step.ID, t0)
		require.NoError(t, err)
		werr := errors.New("model refused")
		s, err = core.FailStep(s, step.ID, werr, t0)
		require.NoError(t, err)
		step, _ = s.Step(step.ID)
		s, out, err := c.AfterStep(s, step, core.WorkerResult{}, werr)
		require.NoError(t, err)
		return s, out
	}

	s, out := fail(s)
	require.Equal(t, ActionRetry, out.Action)
	assert.Equal(t, core.RoleCodesmith, out.Step.Role)
	assert.Equal(t, "write code", out.Step.Task)
	assert.Contains(t, out.Step.Feedback, "model refused")

	_, out = fail(s)
	require.Equal(t, ActionEscalate, out.Action)
	assert.Equal(t, core.HITLValidationEscalation, out.Step.HITLKind)
}

func TestController_IgnoresOtherRoles(t *testing.T) {
	c := NewController(Config{})
	s := core.WorkflowState{}
	_, out, err := c.AfterStep(s, core.ExecutionStep{Role: core.RoleResearch}, core.WorkerResult{}, errors.New("x"))
	require.NoError(t, err)
	assert.False(t, out.Handled())
}
