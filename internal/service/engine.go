// Package service runs sessions: it routes each cycle, enforces the rules,
// guards against loops, dispatches workers and human gates, and feeds results
// through the validation loop until the session ends.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/config"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/control"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/events"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/guard"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/logging"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/metrics"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/rules"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/validation"
)

// Defaults.
const (
	DefaultWorkerTimeout = 10 * time.Minute
	DefaultMaxSessions   = 4
	DefaultMaxReissues   = 3
)

var errSessionAborted = errors.New("session aborted")

// EngineConfig holds everything a session needs to know about its limits.
// Each session copies the config current at its start.
type EngineConfig struct {
	Guard         guard.Config
	Validation    validation.Config
	LowConfidence float64
	// MaxReissues bounds how often a gate resolved with retry is asked again.
	MaxReissues   int
	WorkerTimeout time.Duration
	MaxSessions   int
}

// DefaultEngineConfig returns the default limits.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Guard:         guard.DefaultConfig(),
		Validation:    validation.Config{MaxRetries: validation.DefaultMaxRetries},
		LowConfidence: rules.DefaultLowConfidence,
		MaxReissues:   DefaultMaxReissues,
		WorkerTimeout: DefaultWorkerTimeout,
		MaxSessions:   DefaultMaxSessions,
	}
}

// EngineConfigFrom builds the engine config from the application config.
func EngineConfigFrom(cfg *config.Config) EngineConfig {
	return EngineConfig{
		Guard: guard.Config{
			MaxConsecutive:   cfg.Engine.MaxConsecutive,
			IterationCeiling: cfg.Engine.IterationCeiling,
		},
		Validation:    validation.ConfigFrom(cfg.Validation),
		LowConfidence: cfg.HITL.LowConfidenceThreshold,
		MaxReissues:   cfg.HITL.MaxReissues,
		WorkerTimeout: cfg.Engine.WorkerTimeout,
		MaxSessions:   cfg.Engine.MaxSessions,
	}
}

// pipeline is the set of per-session components built from one config.
type pipeline struct {
	cfg       EngineConfig
	rules     *rules.Enforcer
	guard     *guard.Guard
	validator *validation.Controller
}

func newPipeline(cfg EngineConfig) *pipeline {
	if cfg.MaxReissues < 0 {
		cfg.MaxReissues = 0
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	return &pipeline{
		cfg:       cfg,
		rules:     rules.Default(cfg.LowConfidence),
		guard:     guard.New(cfg.Guard),
		validator: validation.NewController(cfg.Validation),
	}
}

// Request starts a session.
type Request struct {
	Query     string               `json:"query"`
	Workspace string               `json:"workspace,omitempty"`
	Plan      []core.ExecutionStep `json:"plan,omitempty"`
}

// SessionInfo summarizes a session known to the engine.
type SessionInfo struct {
	ID        string             `json:"id"`
	Query     string             `json:"query"`
	Status    core.SessionStatus `json:"status"`
	Iteration int                `json:"iteration"`
	Executed  []core.Role        `json:"executed"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

type session struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state core.WorkflowState
	err   error
}

func (s *session) snapshot() core.WorkflowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

func (s *session) set(st core.WorkflowState) {
	s.mu.Lock()
	s.state = st.Clone()
	s.mu.Unlock()
}

func (s *session) result() (core.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone(), s.err
}

// Engine runs sessions. Sessions share no mutable state; the engine only keeps
// a registry for lookup and cancellation.
type Engine struct {
	workers     core.WorkerProvider
	gateway     *control.Gateway
	router      Decider
	initializer core.SessionInitializer
	store       core.ConversationStore
	checkpoints core.Checkpointer
	bus         *events.EventBus
	metrics     *metrics.Metrics
	logger      *logging.Logger
	now         func() time.Time

	mu       sync.RWMutex
	pipeline *pipeline
	sessions map[string]*session
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineConfig sets the engine limits.
func WithEngineConfig(cfg EngineConfig) EngineOption {
	return func(e *Engine) { e.pipeline = newPipeline(cfg) }
}

// WithRouter replaces the keyword router.
func WithRouter(r Decider) EngineOption {
	return func(e *Engine) { e.router = r }
}

// WithSessionInitializer sets how session ids and workspaces are created.
func WithSessionInitializer(si core.SessionInitializer) EngineOption {
	return func(e *Engine) { e.initializer = si }
}

// WithConversationStore persists the query, worker results and final answer.
func WithConversationStore(st core.ConversationStore) EngineOption {
	return func(e *Engine) { e.store = st }
}

// WithCheckpointer saves the state after every transition.
func WithCheckpointer(cp core.Checkpointer) EngineOption {
	return func(e *Engine) { e.checkpoints = cp }
}

// WithEvents publishes session events on bus.
func WithEvents(bus *events.EventBus) EngineOption {
	return func(e *Engine) { e.bus = bus }
}

// WithMetrics records engine metrics.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine dispatching to workers and gating through
// gateway.
func NewEngine(workers core.WorkerProvider, gateway *control.Gateway, opts ...EngineOption) *Engine {
	e := &Engine{
		workers:  workers,
		gateway:  gateway,
		logger:   logging.NewNop(),
		now:      time.Now,
		pipeline: newPipeline(DefaultEngineConfig()),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.gateway == nil {
		e.gateway = control.New(control.DefaultConfig(), control.WithEventBus(e.bus), control.WithMetrics(e.metrics), control.WithLogger(e.logger))
	}
	if e.router == nil {
		e.router = NewRouter(nil, e.logger)
	}
	if e.initializer == nil {
		e.initializer = NewWorkspaceInitializer()
	}
	return e
}

// Config returns the config new sessions start with.
func (e *Engine) Config() EngineConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pipeline.cfg
}

// UpdateConfig replaces the config for sessions started from now on.
// Running sessions keep theirs.
func (e *Engine) UpdateConfig(cfg EngineConfig) {
	p := newPipeline(cfg)
	e.mu.Lock()
	e.pipeline = p
	e.mu.Unlock()
	e.logger.Info("engine config updated",
		"max_consecutive", p.guard.Config().MaxConsecutive,
		"iteration_ceiling", p.guard.Config().IterationCeiling,
		"worker_timeout", cfg.WorkerTimeout)
}

// Gateway returns the approval gateway sessions block on.
func (e *Engine) Gateway() *control.Gateway {
	return e.gateway
}

// Run starts a session and waits for it to end. The error is nil only when
// the session completed.
func (e *Engine) Run(ctx context.Context, req Request) (core.WorkflowState, error) {
	id, err := e.Start(ctx, req)
	if err != nil {
		return core.WorkflowState{}, err
	}
	e.mu.RLock()
	sess := e.sessions[id]
	e.mu.RUnlock()
	<-sess.done
	return sess.result()
}

// Start initializes a session and runs it in the background. The session
// lives as long as ctx.
func (e *Engine) Start(ctx context.Context, req Request) (string, error) {
	h, err := e.initializer.Initialize(ctx, req.Workspace)
	if err != nil {
		return "", fmt.Errorf("initializing session: %w", err)
	}
	s, err := core.NewWorkflowState(h.ID, req.Query, h.Workspace, req.Plan, e.now())
	if err != nil {
		return "", err
	}
	e.saveMessage(ctx, s.SessionID, core.MessageUser, "", "", s.Query)
	return e.launch(ctx, s)
}

// Resume continues a checkpointed session. A step that was running when the
// checkpoint was taken is failed and queued again.
func (e *Engine) Resume(ctx context.Context, sessionID string) (string, error) {
	if e.checkpoints == nil {
		return "", core.ErrState(core.CodeStateCorrupted, "no checkpointer configured")
	}
	e.mu.RLock()
	sess, running := e.sessions[sessionID]
	e.mu.RUnlock()
	if running {
		select {
		case <-sess.done:
		default:
			return "", core.ErrState(core.CodeStepInProgress, fmt.Sprintf("session %s is running", sessionID))
		}
	}

	saved, err := e.checkpoints.Load(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("loading checkpoint: %w", err)
	}
	s := *saved
	if s.Status.IsTerminal() {
		return "", core.ErrState(core.CodeSessionTerminal, fmt.Sprintf("session %s is %s", sessionID, s.Status))
	}
	if st, ok := s.InProgress(); ok {
		s, err = core.FailStep(s, st.ID, errors.New("interrupted"), e.now())
		if err != nil {
			return "", err
		}
		again := core.NewStep(st.Role, st.Task, st.Origin)
		again.Mode, again.Feedback = st.Mode, st.Feedback
		again.HITLKind, again.Deferred = st.HITLKind, st.Deferred
		if s, err = core.InsertStep(s, again); err != nil {
			return "", err
		}
	}
	e.logger.WithSession(sessionID).Info("resuming session", "iteration", s.Iteration)
	return e.launch(ctx, s)
}

func (e *Engine) launch(ctx context.Context, s core.WorkflowState) (string, error) {
	sctx, cancel := context.WithCancel(ctx)
	sess := &session{id: s.SessionID, cancel: cancel, done: make(chan struct{}), state: s}

	e.mu.Lock()
	if old, exists := e.sessions[s.SessionID]; exists {
		select {
		case <-old.done:
		default:
			e.mu.Unlock()
			cancel()
			return "", core.ErrState(core.CodeStepInProgress, fmt.Sprintf("session %s is already running", s.SessionID))
		}
	}
	e.sessions[s.SessionID] = sess
	p := e.pipeline
	e.mu.Unlock()

	e.metrics.SessionStarted()
	e.logger.WithSession(s.SessionID).Info("session started",
		"query_length", len(s.Query), "planned_steps", len(s.Steps))
	e.commit(sess, s)
	e.publish(events.NewStatusEvent(s.SessionID, string(core.SessionRunning), s.Iteration, "session started"))

	go func() {
		defer close(sess.done)
		defer cancel()
		final, err := e.drive(sctx, sess, p)
		sess.mu.Lock()
		sess.state = final
		sess.err = err
		sess.mu.Unlock()
	}()
	return s.SessionID, nil
}

// Wait blocks until the session ends or ctx is done.
func (e *Engine) Wait(ctx context.Context, sessionID string) (core.WorkflowState, error) {
	e.mu.RLock()
	sess, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return core.WorkflowState{}, core.ErrNotFound("session", sessionID)
	}
	select {
	case <-sess.done:
		return sess.result()
	case <-ctx.Done():
		return sess.snapshot(), ctx.Err()
	}
}

// Cancel aborts a running session. Its in-flight worker call is killed and
// pending approvals resolve as aborted.
func (e *Engine) Cancel(sessionID string) error {
	e.mu.RLock()
	sess, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return core.ErrNotFound("session", sessionID)
	}
	select {
	case <-sess.done:
		return core.ErrState(core.CodeSessionTerminal, fmt.Sprintf("session %s has ended", sessionID))
	default:
	}
	e.logger.WithSession(sessionID).Info("cancelling session")
	sess.cancel()
	e.gateway.CancelSession(sessionID)
	return nil
}

// Snapshot returns the current state of a session, falling back to its
// checkpoint when the session is not known to this engine.
func (e *Engine) Snapshot(ctx context.Context, sessionID string) (core.WorkflowState, error) {
	e.mu.RLock()
	sess, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if ok {
		return sess.snapshot(), nil
	}
	if e.checkpoints != nil {
		s, err := e.checkpoints.Load(ctx, sessionID)
		if err != nil {
			return core.WorkflowState{}, err
		}
		return *s, nil
	}
	return core.WorkflowState{}, core.ErrNotFound("session", sessionID)
}

// Sessions lists the sessions started by this engine, newest first.
func (e *Engine) Sessions() []SessionInfo {
	e.mu.RLock()
	all := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		all = append(all, s)
	}
	e.mu.RUnlock()

	out := make([]SessionInfo, 0, len(all))
	for _, sess := range all {
		s := sess.snapshot()
		out = append(out, SessionInfo{
			ID:        s.SessionID,
			Query:     s.Query,
			Status:    s.Status,
			Iteration: s.Iteration,
			Executed:  s.Executed,
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// RunBatch runs requests concurrently, at most MaxSessions at a time. Results
// are in request order; the error is the first session failure.
func (e *Engine) RunBatch(ctx context.Context, reqs []Request) ([]core.WorkflowState, error) {
	results := make([]core.WorkflowState, len(reqs))
	var g errgroup.Group
	g.SetLimit(e.Config().MaxSessions)
	for i, req := range reqs {
		g.Go(func() error {
			s, err := e.Run(ctx, req)
			results[i] = s
			if err != nil {
				return fmt.Errorf("session %d: %w", i, err)
			}
			return nil
		})
	}
	return results, g.Wait()
}

// drive runs the routing loop until the session ends.
func (e *Engine) drive(ctx context.Context, sess *session, p *pipeline) (core.WorkflowState, error) {
	s := sess.snapshot()
	logger := e.logger.WithSession(s.SessionID)

	for {
		if ctx.Err() != nil {
			return e.abort(sess, s, core.ReasonSessionCancelled)
		}

		proposed := e.router.Decide(ctx, s)
		if err := proposed.Validate(); err != nil {
			logger.Warn("router proposed an invalid decision", "error", err)
			proposed = fallback(err.Error())
		}
		next, decision, override := p.rules.EnforceAndRecord(s, proposed)
		s = core.ApplyDecision(next, decision)
		e.recordDecision(s.SessionID, proposed, decision, override)

		if decision.Role == core.RoleEnd {
			return e.complete(sess, s)
		}

		withStep, step, err := e.stepFor(s, decision)
		if err != nil {
			return e.fail(sess, s, err)
		}
		s = withStep

		if div := p.guard.CheckProposal(s, step.Role, step.Origin); div != nil {
			return e.diverge(sess, s, div)
		}

		if s, err = core.StartStep(s, step.ID, e.now()); err != nil {
			return e.fail(sess, s, err)
		}
		e.commit(sess, s)

		if step.Role == core.RoleHITL {
			s, err = e.runGate(ctx, p, s, step)
		} else {
			s, err = e.runWorker(ctx, p, s, step)
		}
		switch {
		case errors.Is(err, errSessionAborted):
			return e.abort(sess, s, strings.TrimPrefix(err.Error(), errSessionAborted.Error()+": "))
		case ctx.Err() != nil:
			return e.abort(sess, s, core.ReasonSessionCancelled)
		case err != nil:
			return e.fail(sess, s, err)
		}
		e.commit(sess, s)
	}
}

// stepFor returns the step that executes decision. A decision that names no
// step reuses the next pending step when it matches, otherwise a new step is
// inserted ahead of the rest.
func (e *Engine) stepFor(s core.WorkflowState, d core.RoutingDecision) (core.WorkflowState, core.ExecutionStep, error) {
	if d.StepID != "" {
		if st, ok := s.Step(d.StepID); ok && st.Status == core.StepStatusPending && st.Role == d.Role {
			return s, st, nil
		}
	}
	if next, ok := s.NextPending(); ok && next.Role == d.Role && next.Mode == d.Mode && next.HITLKind == d.HITLKind {
		return s, next, nil
	}
	st := core.NewStep(d.Role, taskFor(s, d), originFor(d.Source))
	st.Mode = d.Mode
	st.HITLKind = d.HITLKind
	st.Deferred = d.Deferred
	next, err := core.InsertStep(s, st)
	if err != nil {
		return s, core.ExecutionStep{}, err
	}
	return next, st, nil
}

func taskFor(s core.WorkflowState, d core.RoutingDecision) string {
	switch {
	case d.Role == core.RoleHITL && d.HITLKind == core.HITLFinalSummary:
		return summarize(s)
	case d.Role == core.RoleHITL:
		return fmt.Sprintf("%s\nQuery: %s", d.Reason, s.Query)
	case d.Role == core.RoleValidator:
		paths := make([]string, 0)
		for _, a := range s.UncheckedArtifacts() {
			paths = append(paths, a.Path)
		}
		if len(paths) == 0 {
			return "Validate the session's work"
		}
		return "Validate " + strings.Join(paths, ", ")
	case d.Mode == rules.ModeDocument:
		return "Document the work done for: " + s.Query
	default:
		return s.Query
	}
}

func originFor(src core.DecisionSource) core.StepOrigin {
	switch src {
	case core.SourceReplan:
		return core.OriginReplan
	case core.SourceFallback:
		return core.OriginFallback
	case core.SourceRule:
		return core.OriginRule
	case core.SourceValidation:
		return core.OriginValidation
	default:
		return core.OriginPlan
	}
}

// runWorker invokes the step's worker and merges the outcome.
func (e *Engine) runWorker(ctx context.Context, p *pipeline, s core.WorkflowState, step core.ExecutionStep) (core.WorkflowState, error) {
	logger := e.logger.WithSession(s.SessionID).WithRole(string(step.Role)).WithStep(string(step.ID))

	w, err := e.workers.Worker(step.Role)
	if err != nil {
		return s, fmt.Errorf("resolving %s worker: %w", step.Role, err)
	}
	task := core.Task{
		SessionID:   s.SessionID,
		StepID:      step.ID,
		Role:        step.Role,
		Description: step.Task,
		Mode:        step.Mode,
		Query:       s.Query,
		Workspace:   s.Workspace,
		Feedback:    step.Feedback,
		Artifacts:   append([]core.Artifact(nil), s.Artifacts...),
	}

	e.publish(events.NewAgentStartEvent(s.SessionID, string(step.ID), string(step.Role), firstLine(step.Task)))
	logger.Info("invoking worker", "origin", step.Origin, "mode", step.Mode)

	callCtx := ctx
	if p.cfg.WorkerTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.cfg.WorkerTimeout)
		defer cancel()
	}
	start := time.Now()
	res, workerErr := w.Invoke(callCtx, task)
	duration := time.Since(start)

	if ctx.Err() != nil {
		return s, ctx.Err()
	}

	done := events.NewAgentCompleteEvent(s.SessionID, string(step.ID), string(step.Role), string(core.StepStatusCompleted), duration)
	if workerErr != nil {
		logger.Warn("worker failed", "error", workerErr, "duration", duration)
		if s, err = core.FailStep(s, step.ID, workerErr, e.now()); err != nil {
			return s, err
		}
		done.Status = string(core.StepStatusFailed)
		done.Error = workerErr.Error()
		e.publish(events.NewErrorEvent(s.SessionID, workerErr.Error(), string(core.GetCategory(workerErr)), false))
	} else {
		if s, err = core.CompleteStep(s, step.ID, res, e.now()); err != nil {
			return s, err
		}
		s = core.RecordArtifacts(s, step.Role, res.Artifacts)
		done.Summary = firstLine(truncate(res.Content, 200))
		done.Score = res.Score
		for _, a := range res.Artifacts {
			done.Artifacts = append(done.Artifacts, a.Path)
		}
		logger.Info("worker completed", "duration", duration, "artifacts", len(res.Artifacts), "cannot_proceed", res.CannotProceed)
		e.saveMessage(ctx, s.SessionID, core.MessageWorker, step.Role, step.ID, res.Content)
	}
	e.publish(done)

	if core.HasCode(workerErr, core.CodeRetriesExhausted) {
		// The worker process cannot be reached; rerouting would not help.
		return s, fmt.Errorf("%s step %s: %w", step.Role, step.ID, workerErr)
	}

	s, outcome, err := p.validator.AfterStep(s, step, res, workerErr)
	if err != nil {
		return s, fmt.Errorf("validation loop: %w", err)
	}
	if outcome.Handled() {
		e.metrics.RecordValidation(string(outcome.Action))
		logger.Info("validation loop", "action", outcome.Action, "paths", outcome.Paths,
			"score", outcome.Score, "threshold", outcome.Threshold, "attempt", outcome.Attempt)
	}
	if workerErr != nil && !outcome.Handled() {
		// Let the router pick another role.
		s = core.SetCannotProceed(s, true)
	}
	return s, nil
}

// runGate asks a human to resolve a hitl step and applies the answer.
func (e *Engine) runGate(ctx context.Context, p *pipeline, s core.WorkflowState, step core.ExecutionStep) (core.WorkflowState, error) {
	logger := e.logger.WithSession(s.SessionID).WithStep(string(step.ID)).With("kind", step.HITLKind)

	var resp core.ApprovalResponse
	for reissues := 0; ; reissues++ {
		r, err := e.gateway.RequestApproval(ctx, core.ApprovalRequest{
			SessionID: s.SessionID,
			Kind:      step.HITLKind,
			Content:   step.Task,
		})
		if err != nil {
			return s, fmt.Errorf("requesting approval: %w", err)
		}
		resp = r
		if !resp.Retry {
			break
		}
		if reissues >= p.cfg.MaxReissues {
			logger.Warn("approval reissue budget spent, rejecting", "reissues", reissues)
			resp = core.ApprovalResponse{Reason: "reissues exhausted: " + resp.Reason, TimedOut: resp.TimedOut}
			break
		}
		logger.Info("reissuing approval request", "reissue", reissues+1)
	}

	raw, _ := json.Marshal(resp)
	var err error
	s, err = core.CompleteStep(s, step.ID, core.WorkerResult{Content: control.Outcome(resp), Raw: raw}, e.now())
	if err != nil {
		return s, err
	}
	if resp.Text != "" {
		e.saveMessage(ctx, s.SessionID, core.MessageUser, core.RoleHITL, step.ID, resp.Text)
	}
	if resp.Abort {
		reason := resp.Reason
		if reason == "" {
			reason = "aborted by human"
		}
		return s, fmt.Errorf("%w: %s", errSessionAborted, reason)
	}

	switch step.HITLKind {
	case core.HITLLowConfidence:
		if resp.Approved && step.Deferred.IsWorker() {
			st := core.NewStep(step.Deferred, s.Query, core.OriginHITL)
			st.Mode = step.Mode
			st.Feedback = resp.Text
			return core.InsertStep(s, st)
		}
		if !resp.Approved {
			st := core.NewStep(core.RoleResponder,
				fmt.Sprintf("Answer with the work done so far; %s was declined: %s", step.Deferred, s.Query), core.OriginHITL)
			st.Feedback = resp.Text
			return core.InsertStep(s, st)
		}
	case core.HITLFinalSummary:
		if !resp.Approved {
			return s, fmt.Errorf("%w: final summary rejected (%s)", errSessionAborted, control.Outcome(resp)+reasonSuffix(resp))
		}
		return core.MarkSummaryShown(s, true), nil
	case core.HITLValidationEscalation:
		if !resp.Approved {
			msg := "validation escalation rejected" + reasonSuffix(resp)
			if resp.TimedOut {
				return s, core.ErrApprovalTimeout(msg)
			}
			return s, core.ErrState(core.CodeApprovalRejected, msg)
		}
		return p.validator.Accept(s), nil
	}
	return s, nil
}

func reasonSuffix(resp core.ApprovalResponse) string {
	if resp.Reason == "" {
		return ""
	}
	return ": " + resp.Reason
}

func (e *Engine) complete(sess *session, s core.WorkflowState) (core.WorkflowState, error) {
	result := resultText(s)
	next, err := core.Finish(s, core.SessionCompleted, result, e.now())
	if err != nil {
		return e.fail(sess, s, err)
	}
	e.commit(sess, next)
	e.saveMessage(context.Background(), next.SessionID, core.MessageAssistant, "", "", result)
	e.finished(next, "")
	return next, nil
}

func (e *Engine) fail(sess *session, s core.WorkflowState, cause error) (core.WorkflowState, error) {
	e.logger.WithSession(s.SessionID).Error("session failed", "error", cause)
	next := core.AppendError(s, cause.Error())
	if st, ok := next.InProgress(); ok {
		if failed, err := core.FailStep(next, st.ID, cause, e.now()); err == nil {
			next = failed
		}
	}
	next, err := core.Finish(next, core.SessionFailed, "", e.now())
	if err != nil {
		next = s
	}
	e.commit(sess, next)
	ev := events.NewErrorEvent(s.SessionID, cause.Error(), string(core.GetCategory(cause)), true)
	ev.Reasons = next.ReasonChain()
	e.publish(ev)
	e.finished(next, cause.Error())
	return next, cause
}

func (e *Engine) diverge(sess *session, s core.WorkflowState, div *core.WorkflowDivergence) (core.WorkflowState, error) {
	next, err := core.Diverge(s, div, e.now())
	if err != nil {
		return e.fail(sess, s, err)
	}
	e.logger.WithSession(s.SessionID).Error("workflow divergence",
		"reason", div.Reason, "limit", div.Limit, "trace", rolesToStrings(div.Trace))
	e.metrics.RecordDivergence(string(div.Reason))
	e.commit(sess, next)

	ev := events.NewErrorEvent(s.SessionID, next.Divergence.Error(), string(core.ErrCatDivergence), true)
	ev.Reasons = next.Divergence.Reasons
	ev.Trace = rolesToStrings(next.Divergence.Trace)
	e.publish(ev)
	e.finished(next, next.Divergence.Error())
	return next, next.Divergence
}

func (e *Engine) abort(sess *session, s core.WorkflowState, reason string) (core.WorkflowState, error) {
	cause := core.ErrCancelled("session aborted: " + reason)
	next := s
	if st, ok := next.InProgress(); ok {
		if failed, err := core.FailStep(next, st.ID, cause, e.now()); err == nil {
			next = failed
		}
	}
	next, err := core.Finish(next, core.SessionAborted, "", e.now())
	if err != nil {
		next = s
	}
	e.logger.WithSession(s.SessionID).Warn("session aborted", "reason", reason)
	e.commit(sess, next)
	e.finished(next, reason)
	return next, cause
}

// finished emits the terminal events of a session.
func (e *Engine) finished(s core.WorkflowState, message string) {
	e.metrics.SessionFinished(string(s.Status))
	e.publish(events.NewStatusEvent(s.SessionID, string(s.Status), s.Iteration, message))
	e.publish(events.NewResultEvent(s.SessionID, string(s.Status), s.Result, rolesToStrings(s.Executed), s.Iteration))
	e.logger.WithSession(s.SessionID).Info("session finished",
		"status", s.Status, "iterations", s.Iteration, "executed", rolesToStrings(s.Executed))
}

// commit publishes a state to readers and writes its checkpoint.
func (e *Engine) commit(sess *session, s core.WorkflowState) {
	sess.set(s)
	if e.checkpoints == nil {
		return
	}
	if err := e.checkpoints.Save(context.Background(), &s); err != nil {
		e.logger.WithSession(s.SessionID).Warn("checkpoint failed", "error", err)
		e.publish(events.NewErrorEvent(s.SessionID, "checkpoint failed: "+err.Error(), string(core.GetCategory(err)), false))
	}
}

func (e *Engine) recordDecision(sessionID string, proposed, decision core.RoutingDecision, o *rules.Override) {
	e.metrics.RecordDecision(string(decision.Role), string(decision.Source))
	ev := events.NewDecisionEvent(sessionID, string(decision.Role), decision.Confidence, decision.Reason, string(decision.Source))
	ev.Mode = decision.Mode
	ev.HITLKind = string(decision.HITLKind)
	logger := e.logger.WithSession(sessionID)
	if o != nil {
		e.metrics.RecordOverride(o.Rule)
		ev.Override = &events.Override{Rule: o.Rule, ProposedRole: string(proposed.Role), ProposedConf: proposed.Confidence}
		logger.Info("rule override", "rule", o.Rule, "proposed", proposed.String(), "decision", decision.String(), "reason", o.Reason)
	} else {
		logger.Debug("routing decision", "decision", decision.String(), "reason", decision.Reason)
	}
	e.publish(ev)
}

func (e *Engine) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func (e *Engine) saveMessage(ctx context.Context, sessionID string, role core.MessageRole, worker core.Role, stepID core.StepID, content string) {
	if e.store == nil || content == "" {
		return
	}
	msg := core.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Worker:    worker,
		StepID:    stepID,
		Content:   content,
		Timestamp: e.now(),
	}
	if err := e.store.SaveMessage(context.WithoutCancel(ctx), msg); err != nil {
		e.logger.WithSession(sessionID).Warn("saving message failed", "error", err)
	}
}

// resultText returns the answer of a session: the last responder output, or
// the last producing worker's output when no responder ran.
func resultText(s core.WorkflowState) string {
	var last, answer string
	for _, st := range s.Steps {
		if st.Status != core.StepStatusCompleted || !st.Role.IsWorker() || len(st.Result) == 0 {
			continue
		}
		var res core.WorkerResult
		if err := json.Unmarshal(st.Result, &res); err != nil || res.Content == "" {
			continue
		}
		if st.Role != core.RoleValidator {
			last = res.Content
		}
		if st.Role == core.RoleResponder {
			answer = res.Content
		}
	}
	if answer != "" {
		return answer
	}
	return last
}

// summarize renders the final summary shown to a human before the session ends.
func summarize(s core.WorkflowState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n", s.Query)
	fmt.Fprintf(&b, "Executed: %s\n", strings.Join(rolesToStrings(s.Executed), ", "))
	if len(s.Artifacts) > 0 {
		b.WriteString("Artifacts:\n")
		for _, a := range s.Artifacts {
			state := "not validated"
			if a.Validated {
				state = "validated"
			} else if !a.RequiresValidation() {
				state = "no validation required"
			}
			fmt.Fprintf(&b, "  - %s (%s, v%d, %s)\n", a.Path, a.Kind, a.Version, state)
		}
	}
	if len(s.Violations) > 0 {
		fmt.Fprintf(&b, "Rule overrides: %d\n", len(s.Violations))
	}
	if res := resultText(s); res != "" {
		fmt.Fprintf(&b, "Result:\n%s\n", res)
	}
	return strings.TrimRight(b.String(), "\n")
}
