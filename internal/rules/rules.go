// Package rules holds the hard constraints evaluated on every routing cycle.
// A rule that matches replaces the proposed decision outright.
package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
)

// Rule names.
const (
	NameSafety        = "safety"
	NameDocumentation = "documentation"
	NameOversight     = "human_oversight"
)

// DefaultLowConfidence is the confidence below which a human must approve.
const DefaultLowConfidence = 0.5

// ModeDocument asks the architect to document the session's work.
const ModeDocument = "document"

// Rule inspects a proposed decision and may replace it.
type Rule interface {
	Name() string
	// Apply returns the replacement decision and a reason when the rule matches.
	Apply(s core.WorkflowState, proposed core.RoutingDecision) (core.RoutingDecision, string, bool)
}

// Override is the outcome of a matched rule.
type Override struct {
	Rule     string
	Decision core.RoutingDecision
	Reason   string
}

// Violation converts the override into an audit record.
func (o *Override) Violation(proposed core.RoutingDecision, at time.Time) core.RuleViolation {
	return core.RuleViolation{
		Rule:      o.Rule,
		Proposed:  proposed,
		Override:  o.Decision,
		Reason:    o.Reason,
		Timestamp: at,
	}
}

// Enforcer evaluates rules in order; the first match wins.
type Enforcer struct {
	rules []Rule
	now   func() time.Time
}

// NewEnforcer creates an enforcer for rules in evaluation order.
func NewEnforcer(rules ...Rule) *Enforcer {
	return &Enforcer{rules: rules, now: time.Now}
}

// Default returns the canonical order: safety, documentation, human oversight.
func Default(lowConfidence float64) *Enforcer {
	return NewEnforcer(Safety{}, Documentation{}, Oversight{Threshold: lowConfidence})
}

// Rules returns the names of the rules in evaluation order.
func (e *Enforcer) Rules() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name()
	}
	return names
}

// Enforce returns the override of the first matching rule.
func (e *Enforcer) Enforce(s core.WorkflowState, proposed core.RoutingDecision) (*Override, bool) {
	for _, r := range e.rules {
		d, reason, ok := r.Apply(s, proposed)
		if !ok {
			continue
		}
		d.Source = core.SourceRule
		d.Confidence = core.ClampConfidence(d.Confidence)
		if d.Reason == "" {
			d.Reason = reason
		}
		return &Override{Rule: r.Name(), Decision: d, Reason: reason}, true
	}
	return nil, false
}

// EnforceAndRecord enforces the rules and appends the violation to s when
// one fires. It returns the decision to execute.
func (e *Enforcer) EnforceAndRecord(s core.WorkflowState, proposed core.RoutingDecision) (core.WorkflowState, core.RoutingDecision, *Override) {
	o, ok := e.Enforce(s, proposed)
	if !ok {
		return s, proposed, nil
	}
	return core.RecordViolation(s, o.Violation(proposed, e.now())), o.Decision, o
}

// Safety forces a validator run when an artifact changed since it was last validated.
type Safety struct{}

// Name implements Rule.
func (Safety) Name() string { return NameSafety }

// Apply implements Rule.
func (Safety) Apply(s core.WorkflowState, proposed core.RoutingDecision) (core.RoutingDecision, string, bool) {
	if proposed.Role == core.RoleValidator {
		return core.RoutingDecision{}, "", false
	}
	unchecked := s.UncheckedArtifacts()
	if len(unchecked) == 0 {
		return core.RoutingDecision{}, "", false
	}
	paths := make([]string, len(unchecked))
	for i, a := range unchecked {
		paths[i] = a.Path
	}
	reason := fmt.Sprintf("unvalidated artifacts must be validated before %s: %s",
		proposed.Role, strings.Join(paths, ", "))
	return core.RoutingDecision{Role: core.RoleValidator, Confidence: 1}, reason, true
}

// Documentation requires a documentation step before the session ends.
type Documentation struct{}

// Name implements Rule.
func (Documentation) Name() string { return NameDocumentation }

// Apply implements Rule.
func (Documentation) Apply(s core.WorkflowState, proposed core.RoutingDecision) (core.RoutingDecision, string, bool) {
	if proposed.Role != core.RoleEnd || s.HasDocumentation() {
		return core.RoutingDecision{}, "", false
	}
	return core.RoutingDecision{Role: core.RoleArchitect, Confidence: 1, Mode: ModeDocument},
		"session produced no architecture or summary document", true
}

// Oversight routes uncertain decisions and the final summary to a human.
type Oversight struct {
	Threshold float64
}

// Name implements Rule.
func (Oversight) Name() string { return NameOversight }

// Apply implements Rule.
func (o Oversight) Apply(s core.WorkflowState, proposed core.RoutingDecision) (core.RoutingDecision, string, bool) {
	if proposed.Role == core.RoleHITL {
		return core.RoutingDecision{}, "", false
	}
	threshold := o.Threshold
	if threshold <= 0 {
		threshold = DefaultLowConfidence
	}
	if proposed.Confidence < threshold {
		d := core.RoutingDecision{
			Role:       core.RoleHITL,
			Confidence: 1,
			HITLKind:   core.HITLLowConfidence,
			Deferred:   proposed.Role,
			Mode:       proposed.Mode,
		}
		return d, fmt.Sprintf("confidence %.2f below %.2f for %s", proposed.Confidence, threshold, proposed.Role), true
	}
	if proposed.Role == core.RoleEnd && !s.SummaryShown {
		return core.RoutingDecision{Role: core.RoleHITL, Confidence: 1, HITLKind: core.HITLFinalSummary},
			"final summary requires human review", true
	}
	return core.RoutingDecision{}, "", false
}
