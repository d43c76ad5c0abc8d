// Package validation drives the produce, validate, revise loop.
//
// After a producer (architect or codesmith) finishes with unvalidated
// artifacts, the controller schedules a validator step. The validator's score
// is compared against the threshold for the artifact type. A failing score
// sends the work back to its producer with the validator's feedback until the
// retry budget is spent, after which a human is asked to decide.
package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/config"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
)

// Defaults.
const (
	DefaultThreshold         = 0.75
	DefaultCompiledThreshold = 0.90
	DefaultMaxRetries        = 3

	// CompiledKey names the threshold shared by compiled artifact types.
	CompiledKey = "compiled"
)

// Config holds thresholds and the retry budget.
type Config struct {
	Thresholds       map[string]float64
	DefaultThreshold float64
	CompiledTypes    []string
	MaxRetries       int
}

// ConfigFrom converts the validation config section.
func ConfigFrom(c config.ValidationConfig) Config {
	return Config{
		Thresholds:       c.Thresholds,
		DefaultThreshold: c.DefaultThreshold,
		CompiledTypes:    c.CompiledTypes,
		MaxRetries:       c.MaxRetries,
	}
}

// Action is what the controller did after a step.
type Action string

const (
	ActionNone     Action = "none"
	ActionValidate Action = "validate"
	ActionPassed   Action = "passed"
	ActionRetry    Action = "retry"
	ActionEscalate Action = "escalate"
)

// Outcome describes the controller's reaction to a finished step.
type Outcome struct {
	Action    Action
	Paths     []string
	Score     float64
	Threshold float64
	Feedback  string
	Attempt   int
	// Step is the step inserted to continue the loop, if any.
	Step *core.ExecutionStep
}

// Handled reports whether the controller took over routing for the step.
func (o Outcome) Handled() bool {
	return o.Action != ActionNone
}

// RetryDecision mirrors the bookkeeping of a failed validation.
type RetryDecision struct {
	ShouldRetry    bool
	AttemptNumber  int
	MaxAttempts    int
	Feedback       string
	IsFinalFailure bool
}

// Controller is stateless; bookkeeping lives in WorkflowState.Validations.
type Controller struct {
	cfg      Config
	compiled map[string]bool
}

// NewController creates a controller. Zero fields take their defaults.
func NewController(cfg Config) *Controller {
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = DefaultThreshold
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.CompiledTypes == nil {
		cfg.CompiledTypes = config.DefaultCompiledTypes
	}
	compiled := make(map[string]bool, len(cfg.CompiledTypes))
	for _, t := range cfg.CompiledTypes {
		compiled[strings.ToLower(t)] = true
	}
	return &Controller{cfg: cfg, compiled: compiled}
}

// MaxRetries returns the producer retry budget per artifact.
func (c *Controller) MaxRetries() int {
	return c.cfg.MaxRetries
}

// Threshold returns the passing score for an artifact type. An exact entry
// wins, then the compiled threshold for compiled types, then the default.
func (c *Controller) Threshold(artifactType string) float64 {
	t := strings.ToLower(artifactType)
	if v, ok := c.cfg.Thresholds[t]; ok {
		return v
	}
	if c.compiled[t] {
		if v, ok := c.cfg.Thresholds[CompiledKey]; ok {
			return v
		}
		return DefaultCompiledThreshold
	}
	return c.cfg.DefaultThreshold
}

// AfterStep reacts to a finished step. s must already contain the step's
// outcome and any artifacts it produced. workerErr is the worker's failure,
// if the step failed.
func (c *Controller) AfterStep(s core.WorkflowState, step core.ExecutionStep, res core.WorkerResult, workerErr error) (core.WorkflowState, Outcome, error) {
	switch {
	case step.Role == core.RoleValidator:
		score, feedback := 0.0, res.Feedback
		switch {
		case workerErr != nil:
			feedback = workerErr.Error()
		case res.Score == nil:
			feedback = "validator reported no score"
			if res.Feedback != "" {
				feedback += ": " + res.Feedback
			}
		default:
			score = core.ClampConfidence(*res.Score)
		}
		return c.judge(s, score, feedback)
	case step.Role.IsProducer() && workerErr != nil:
		return c.producerFailed(s, step, workerErr)
	case step.Role.IsProducer():
		return c.scheduleValidation(s)
	}
	return s, Outcome{Action: ActionNone}, nil
}

// scheduleValidation inserts a validator step for unchecked artifacts.
func (c *Controller) scheduleValidation(s core.WorkflowState) (core.WorkflowState, Outcome, error) {
	unchecked := s.UncheckedArtifacts()
	if len(unchecked) == 0 {
		return s, Outcome{Action: ActionNone}, nil
	}
	paths := artifactPaths(unchecked)
	out := Outcome{Action: ActionValidate, Paths: paths}
	if next, ok := s.NextPending(); ok && next.Role == core.RoleValidator {
		return s, out, nil
	}
	step := core.NewStep(core.RoleValidator, "Validate "+strings.Join(paths, ", "), core.OriginValidation)
	next, err := core.InsertStep(s, step)
	if err != nil {
		return s, Outcome{}, err
	}
	out.Step = &step
	return next, out, nil
}

// judge applies a validator verdict to the artifacts awaiting one.
func (c *Controller) judge(s core.WorkflowState, score float64, feedback string) (core.WorkflowState, Outcome, error) {
	targets := s.UncheckedArtifacts()
	if len(targets) == 0 {
		targets = s.PendingValidation()
	}
	if len(targets) == 0 {
		// Nothing to judge; a passing run still vouches for the session.
		passed := score >= c.cfg.DefaultThreshold
		return core.SetValidationPassed(s, passed && s.AllValidated()), Outcome{
			Action: ActionNone, Score: score, Threshold: c.cfg.DefaultThreshold, Feedback: feedback,
		}, nil
	}

	threshold := 0.0
	for _, a := range targets {
		if t := c.Threshold(a.ArtifactType()); t > threshold {
			threshold = t
		}
	}
	paths := artifactPaths(targets)
	out := Outcome{Paths: paths, Score: score, Threshold: threshold, Feedback: feedback}

	if score >= threshold {
		next := core.MarkChecked(s, paths, true)
		for _, p := range paths {
			rec := next.Validations[p]
			rec.Attempts++
			rec.Failures = 0
			rec.LastScore = score
			rec.LastFeedback = feedback
			rec.Escalated = false
			next = core.SetValidationRecord(next, p, rec)
		}
		out.Action = ActionPassed
		return next, out, nil
	}

	next := core.MarkChecked(s, paths, false)
	failures := 0
	for _, p := range paths {
		rec := next.Validations[p]
		rec.Attempts++
		rec.Failures++
		rec.LastScore = score
		rec.LastFeedback = feedback
		next = core.SetValidationRecord(next, p, rec)
		if rec.Failures > failures {
			failures = rec.Failures
		}
	}
	out.Attempt = failures

	producer := producerOf(targets)
	decision := c.retryDecision(failures, feedback)
	if decision.ShouldRetry {
		step := core.NewStep(producer, fmt.Sprintf("Revise %s (attempt %d of %d): %s",
			strings.Join(paths, ", "), failures, c.cfg.MaxRetries, feedback), core.OriginValidation)
		step.Feedback = feedback
		next, err := core.InsertStep(next, step)
		if err != nil {
			return s, Outcome{}, err
		}
		out.Action = ActionRetry
		out.Step = &step
		return next, out, nil
	}
	return c.escalate(next, paths, out)
}

// producerFailed treats a producer's worker error as a zero score for the
// work it was producing.
func (c *Controller) producerFailed(s core.WorkflowState, step core.ExecutionStep, workerErr error) (core.WorkflowState, Outcome, error) {
	key := "role:" + string(step.Role)
	feedback := workerErr.Error()

	rec := s.Validations[key]
	rec.Attempts++
	rec.Failures++
	rec.LastScore = 0
	rec.LastFeedback = feedback
	next := core.SetValidationRecord(s, key, rec)

	out := Outcome{Paths: []string{key}, Feedback: feedback, Attempt: rec.Failures, Threshold: c.cfg.DefaultThreshold}
	if c.retryDecision(rec.Failures, feedback).ShouldRetry {
		retry := core.NewStep(step.Role, step.Task, core.OriginValidation)
		retry.Mode = step.Mode
		retry.Feedback = "previous attempt failed: " + feedback
		next, err := core.InsertStep(next, retry)
		if err != nil {
			return s, Outcome{}, err
		}
		out.Action = ActionRetry
		out.Step = &retry
		return next, out, nil
	}
	return c.escalate(next, out.Paths, out)
}

func (c *Controller) retryDecision(failures int, feedback string) RetryDecision {
	d := RetryDecision{
		AttemptNumber: failures,
		MaxAttempts:   c.cfg.MaxRetries,
		Feedback:      feedback,
	}
	if failures <= c.cfg.MaxRetries {
		d.ShouldRetry = true
	} else {
		d.IsFinalFailure = true
	}
	return d
}

// escalate inserts a validation_escalation gate summarizing the failures.
func (c *Controller) escalate(s core.WorkflowState, keys []string, out Outcome) (core.WorkflowState, Outcome, error) {
	var lines []string
	next := s
	for _, k := range keys {
		rec := next.Validations[k]
		rec.Escalated = true
		next = core.SetValidationRecord(next, k, rec)
		lines = append(lines, fmt.Sprintf("%s failed %d times (last score %.2f): %s",
			k, rec.Failures, rec.LastScore, rec.LastFeedback))
	}
	step := core.NewStep(core.RoleHITL, "Validation retries exhausted:\n"+strings.Join(lines, "\n"), core.OriginValidation)
	step.HITLKind = core.HITLValidationEscalation
	next, err := core.InsertStep(next, step)
	if err != nil {
		return s, Outcome{}, err
	}
	out.Action = ActionEscalate
	out.Step = &step
	return next, out, nil
}

// Accept marks every artifact awaiting validation as validated. It is used
// when a human approves an escalation.
func (c *Controller) Accept(s core.WorkflowState) core.WorkflowState {
	pending := s.PendingValidation()
	next := core.MarkChecked(s, artifactPaths(pending), true)
	return core.SetValidationPassed(next, next.AllValidated())
}

func artifactPaths(as []core.Artifact) []string {
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = a.Path
	}
	sort.Strings(out)
	return out
}

// producerOf returns the producer responsible for revising targets.
func producerOf(targets []core.Artifact) core.Role {
	for _, a := range targets {
		if a.Producer.IsProducer() {
			return a.Producer
		}
	}
	return core.RoleCodesmith
}
