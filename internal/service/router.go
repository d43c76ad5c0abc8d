package service

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/sahilm/fuzzy"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/logging"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/protocol"
)

// FallbackConfidence is the confidence of the deterministic responder fallback.
// It sits exactly at the default oversight threshold so a fallback is never
// sent to a human on its own.
const FallbackConfidence = 0.5

// Candidate is one role an evaluator considers able to continue the session.
type Candidate struct {
	Role       core.Role `json:"role"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason"`
	Mode       string    `json:"mode,omitempty"`
}

// CapabilityEvaluator scores the roles able to continue a session once its
// plan is exhausted.
type CapabilityEvaluator interface {
	Evaluate(ctx context.Context, s core.WorkflowState) ([]Candidate, error)
}

// Decider proposes the next routing decision for a session.
type Decider interface {
	Decide(ctx context.Context, s core.WorkflowState) core.RoutingDecision
}

// Router proposes the next routing decision for a session. It never mutates
// the state it is given.
type Router struct {
	evaluator CapabilityEvaluator
	logger    *logging.Logger
}

// NewRouter creates a router. A nil evaluator means keyword scoring.
func NewRouter(evaluator CapabilityEvaluator, logger *logging.Logger) *Router {
	if evaluator == nil {
		evaluator = KeywordEvaluator{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Router{evaluator: evaluator, logger: logger}
}

// Decide returns the next decision. Sources in priority order:
//
//  1. the next pending step
//  2. a re-plan when the plan is exhausted or the last worker could not proceed
//  3. the responder fallback
func (r *Router) Decide(ctx context.Context, s core.WorkflowState) core.RoutingDecision {
	if step, ok := s.NextPending(); ok && !s.CannotProceed {
		return core.RoutingDecision{
			Role:       step.Role,
			Confidence: 1,
			Reason:     fmt.Sprintf("next %s step: %s", step.Origin, firstLine(step.Task)),
			Mode:       step.Mode,
			Source:     sourceFor(step.Origin),
			StepID:     step.ID,
			HITLKind:   step.HITLKind,
			Deferred:   step.Deferred,
		}
	}

	if !s.CannotProceed {
		if reason, done := finished(s); done {
			return core.RoutingDecision{Role: core.RoleEnd, Confidence: 1, Reason: reason, Source: core.SourcePlan}
		}
	}

	candidates, err := r.evaluator.Evaluate(ctx, s)
	if err != nil {
		r.logger.WithSession(s.SessionID).Warn("re-plan failed, falling back", "error", err)
		return fallback(fmt.Sprintf("re-plan failed: %v", err))
	}
	if best, ok := pick(s, candidates); ok {
		return core.RoutingDecision{
			Role:       best.Role,
			Confidence: core.ClampConfidence(best.Confidence),
			Reason:     best.Reason,
			Mode:       best.Mode,
			Source:     core.SourceReplan,
		}
	}
	return fallback("no role is able to continue")
}

// finished reports whether the session has nothing left to do.
func finished(s core.WorkflowState) (string, bool) {
	if len(s.Artifacts) > 0 && s.AllValidated() && len(s.UncheckedArtifacts()) == 0 {
		return "plan complete and every artifact validated", true
	}
	if last, ok := s.LastFinished(); ok && last.Role == core.RoleResponder && last.Status == core.StepStatusCompleted {
		return "responder delivered the answer", true
	}
	if s.HasPlan() && len(s.UncheckedArtifacts()) == 0 && s.AllValidated() {
		if _, pending := s.NextPending(); !pending {
			return "plan complete", true
		}
	}
	return "", false
}

// pick returns the best valid candidate. Ties go to the earlier role in the
// canonical order. The role that just failed to proceed is skipped.
func pick(s core.WorkflowState, candidates []Candidate) (Candidate, bool) {
	var blocked core.Role
	if s.CannotProceed {
		if last, ok := s.LastFinished(); ok {
			blocked = last.Role
		}
	}
	order := make(map[core.Role]int)
	for i, r := range core.StepRoles() {
		order[r] = i
	}

	var valid []Candidate
	for _, c := range candidates {
		if !c.Role.IsWorker() || c.Role == blocked {
			continue
		}
		valid = append(valid, c)
	}
	if len(valid) == 0 {
		return Candidate{}, false
	}
	sort.SliceStable(valid, func(i, j int) bool {
		if valid[i].Confidence != valid[j].Confidence {
			return valid[i].Confidence > valid[j].Confidence
		}
		return order[valid[i].Role] < order[valid[j].Role]
	})
	return valid[0], true
}

func fallback(reason string) core.RoutingDecision {
	return core.RoutingDecision{
		Role:       core.RoleResponder,
		Confidence: FallbackConfidence,
		Reason:     "fallback to responder: " + reason,
		Source:     core.SourceFallback,
	}
}

func sourceFor(origin core.StepOrigin) core.DecisionSource {
	switch origin {
	case core.OriginReplan:
		return core.SourceReplan
	case core.OriginFallback:
		return core.SourceFallback
	case core.OriginRule, core.OriginHITL:
		return core.SourceRule
	case core.OriginValidation:
		return core.SourceValidation
	default:
		return core.SourcePlan
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// keywords maps each worker role to the query terms that suggest it.
var keywords = map[core.Role][]string{
	core.RoleResearch:  {"research", "investigate", "find", "search", "compare", "analyze", "analyse", "look up", "survey"},
	core.RoleArchitect: {"design", "architecture", "architect", "structure", "plan", "diagram", "document"},
	core.RoleCodesmith: {"implement", "code", "build", "write", "fix", "refactor", "function", "program", "create", "add"},
	core.RoleResponder: {"explain", "answer", "summarize", "summarise", "what", "why", "how", "describe"},
}

// KeywordEvaluator scores roles by keyword affinity with the query. Roles that
// already ran are not proposed again. It does no I/O.
type KeywordEvaluator struct{}

// Evaluate implements CapabilityEvaluator.
func (KeywordEvaluator) Evaluate(_ context.Context, s core.WorkflowState) ([]Candidate, error) {
	query := strings.ToLower(s.Query)
	var out []Candidate

	if unchecked := s.UncheckedArtifacts(); len(unchecked) > 0 {
		out = append(out, Candidate{Role: core.RoleValidator, Confidence: 0.9, Reason: "unvalidated artifacts"})
	}

	for _, role := range []core.Role{core.RoleResearch, core.RoleArchitect, core.RoleCodesmith, core.RoleResponder} {
		if s.HasExecuted(role) {
			continue
		}
		var hits []string
		for _, kw := range keywords[role] {
			if strings.Contains(query, kw) {
				hits = append(hits, kw)
			}
		}
		if len(hits) == 0 && role != core.RoleResponder {
			continue
		}
		conf := 0.55 + 0.1*float64(len(hits))
		if conf > 0.95 {
			conf = 0.95
		}
		reason := fmt.Sprintf("query mentions %s", strings.Join(hits, ", "))
		if len(hits) == 0 {
			reason = "no specialist matched, answer directly"
		}
		out = append(out, Candidate{Role: role, Confidence: conf, Reason: reason})
	}
	return out, nil
}

// ToolCaller invokes a tool on the worker serving a role.
type ToolCaller interface {
	CallTool(ctx context.Context, role core.Role, tool string, args interface{}) (*protocol.ToolsCallResult, error)
}

// EvaluateRoutingArgs are sent to the evaluate_routing tool.
type EvaluateRoutingArgs struct {
	Query     string   `json:"query"`
	Executed  []string `json:"executed"`
	History   []string `json:"history"`
	Remaining string   `json:"remaining,omitempty"`
	Roles     []string `json:"roles"`
	Blocked   string   `json:"blocked,omitempty"`
}

// WorkerEvaluator asks a worker which role should continue the session.
type WorkerEvaluator struct {
	caller ToolCaller
	role   core.Role
	tool   string
}

// NewWorkerEvaluator creates an evaluator backed by the evaluate_routing tool
// of role's worker.
func NewWorkerEvaluator(caller ToolCaller, role core.Role, tool string) *WorkerEvaluator {
	if role == "" {
		role = core.RoleResponder
	}
	return &WorkerEvaluator{caller: caller, role: role, tool: tool}
}

// Evaluate implements CapabilityEvaluator.
func (w *WorkerEvaluator) Evaluate(ctx context.Context, s core.WorkflowState) ([]Candidate, error) {
	args := EvaluateRoutingArgs{
		Query:    s.Query,
		Executed: rolesToStrings(s.Executed),
		History:  rolesToStrings(s.HistoryRoles()),
		Roles:    rolesToStrings(core.WorkerRoles()),
	}
	if step, ok := s.NextPending(); ok {
		args.Remaining = step.Task
	}
	if s.CannotProceed {
		if last, ok := s.LastFinished(); ok {
			args.Blocked = string(last.Role)
		}
	}
	res, err := w.caller.CallTool(ctx, w.role, w.tool, args)
	if err != nil {
		return nil, fmt.Errorf("calling %s on %s: %w", w.tool, w.role, err)
	}
	if res.IsError {
		return nil, fmt.Errorf("%s on %s failed: %s", w.tool, w.role, res.Text())
	}
	return ParseCandidates(res)
}

var (
	rolePattern       = regexp.MustCompile(`(?i)"?role"?\s*[:=]\s*"?([a-z_]+)"?`)
	confidencePattern = regexp.MustCompile(`(?i)"?confidence"?\s*[:=]\s*"?([0-9]*\.?[0-9]+)\s*(%)?`)
	reasonPattern     = regexp.MustCompile(`(?im)"?reason(?:ing)?"?\s*[:=]\s*"?([^"\n]+)"?`)
)

// ParseCandidates reads an evaluate_routing reply. Structured content or a
// JSON text block may hold one candidate object or a list of them; anything
// else is scanned for role and confidence fields.
func ParseCandidates(res *protocol.ToolsCallResult) ([]Candidate, error) {
	type rawCandidate struct {
		Role       string  `json:"role"`
		Confidence float64 `json:"confidence"`
		Reason     string  `json:"reason"`
		Mode       string  `json:"mode"`
	}
	convert := func(raws []rawCandidate) ([]Candidate, error) {
		var out []Candidate
		for _, rc := range raws {
			role, ok := MatchRole(rc.Role)
			if !ok {
				continue
			}
			out = append(out, Candidate{Role: role, Confidence: rc.Confidence, Reason: rc.Reason, Mode: rc.Mode})
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("evaluator named no known role")
		}
		return out, nil
	}

	for _, raw := range [][]byte{res.StructuredContent, []byte(extractJSON(res.Text()))} {
		if len(raw) == 0 {
			continue
		}
		var one rawCandidate
		if err := json.Unmarshal(raw, &one); err == nil && one.Role != "" {
			return convert([]rawCandidate{one})
		}
		var wrapped struct {
			Candidates []rawCandidate `json:"candidates"`
		}
		if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Candidates) > 0 {
			return convert(wrapped.Candidates)
		}
		var many []rawCandidate
		if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
			return convert(many)
		}
	}

	text := res.Text()
	m := rolePattern.FindStringSubmatch(text)
	if m == nil {
		return nil, fmt.Errorf("unparseable evaluator reply: %q", truncate(text, 120))
	}
	role, ok := MatchRole(m[1])
	if !ok {
		return nil, fmt.Errorf("evaluator named unknown role %q", strings.TrimSpace(m[1]))
	}
	c := Candidate{Role: role, Confidence: FallbackConfidence}
	if cm := confidencePattern.FindStringSubmatch(text); cm != nil {
		if v, err := strconv.ParseFloat(cm[1], 64); err == nil {
			if cm[2] == "%" || v > 1 {
				v /= 100
			}
			c.Confidence = v
		}
	}
	if rm := reasonPattern.FindStringSubmatch(text); rm != nil {
		c.Reason = strings.TrimSpace(rm[1])
	}
	if c.Reason == "" {
		c.Reason = "evaluator proposed " + string(role)
	}
	return []Candidate{c}, nil
}

// MatchRole resolves a free-form role name against the worker roles. Exact
// names win; otherwise the best fuzzy match is used.
func MatchRole(name string) (core.Role, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", false
	}
	if r, err := core.ParseRole(name); err == nil {
		return r, r.IsWorker()
	}
	names := rolesToStrings(core.WorkerRoles())
	// Trim the tail so "validation" or "coder" still find their role.
	for pattern := name; len(pattern) >= 3; pattern = pattern[:len(pattern)-1] {
		if matches := fuzzy.Find(pattern, names); len(matches) > 0 {
			return core.Role(matches[0].Str), true
		}
	}
	return "", false
}

// extractJSON returns the first JSON object or array in text, unwrapping a
// fenced code block if present.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return ""
	}
	closer := byte('}')
	if text[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(text, closer)
	if end <= start {
		return ""
	}
	return text[start : end+1]
}

func rolesToStrings(roles []core.Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
