package core

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DecisionSource identifies where a routing decision came from.
type DecisionSource string

const (
	SourcePlan       DecisionSource = "plan"
	SourceReplan     DecisionSource = "replan"
	SourceFallback   DecisionSource = "fallback"
	SourceRule       DecisionSource = "rule"
	SourceValidation DecisionSource = "validation"
)

// HITLKind names the reason a session was routed to a human.
type HITLKind string

const (
	HITLLowConfidence        HITLKind = "low_confidence"
	HITLFinalSummary         HITLKind = "final_summary"
	HITLValidationEscalation HITLKind = "validation_escalation"
)

// RoutingDecision is the supervisor's choice of the next role.
type RoutingDecision struct {
	Role       Role           `json:"role"`
	Confidence float64        `json:"confidence"`
	Reason     string         `json:"reason"`
	Mode       string         `json:"mode,omitempty"`
	Source     DecisionSource `json:"source"`
	StepID     StepID         `json:"step_id,omitempty"`
	HITLKind   HITLKind       `json:"hitl_kind,omitempty"`
	// Deferred is the role awaiting human approval when Role is hitl.
	Deferred Role `json:"deferred,omitempty"`
}

// ClampConfidence forces c into [0,1]. NaN becomes 0.
func ClampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// Validate checks the decision's role and confidence.
func (d RoutingDecision) Validate() error {
	if d.Role != RoleEnd && !d.Role.IsStepRole() {
		return ErrValidation(CodeInvalidRole, fmt.Sprintf("decision has invalid role %q", d.Role))
	}
	if math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return ErrValidation(CodeInvalidConfidence, fmt.Sprintf("confidence %v outside [0,1]", d.Confidence))
	}
	if d.Role == RoleHITL && d.HITLKind == "" {
		return ErrValidation(CodeInvalidRole, "hitl decision requires a kind")
	}
	return nil
}

func (d RoutingDecision) String() string {
	if d.Role == RoleHITL {
		return fmt.Sprintf("%s(%s) conf=%.2f src=%s", d.Role, d.HITLKind, d.Confidence, d.Source)
	}
	return fmt.Sprintf("%s conf=%.2f src=%s", d.Role, d.Confidence, d.Source)
}

// RuleViolation is an audit record of a rule overriding a decision.
type RuleViolation struct {
	Rule      string          `json:"rule"`
	Proposed  RoutingDecision `json:"proposed"`
	Override  RoutingDecision `json:"override"`
	Reason    string          `json:"reason"`
	Timestamp time.Time       `json:"timestamp"`
}

// DivergenceReason classifies why the loop guard tripped.
type DivergenceReason string

const (
	DivergenceConsecutive      DivergenceReason = "consecutive repetition"
	DivergenceCycle            DivergenceReason = "repeating cycle"
	DivergenceIterationCeiling DivergenceReason = "iteration ceiling"
)

// WorkflowDivergence is fatal for a session. Trace holds the offending subsequence.
type WorkflowDivergence struct {
	Reason  DivergenceReason `json:"reason"`
	Trace   []Role           `json:"trace"`
	Limit   int              `json:"limit"`
	Reasons []string         `json:"reasons,omitempty"`
}

func (d *WorkflowDivergence) Error() string {
	parts := make([]string, len(d.Trace))
	for i, r := range d.Trace {
		parts[i] = string(r)
	}
	return fmt.Sprintf("workflow divergence: %s (limit %d): [%s]", d.Reason, d.Limit, strings.Join(parts, " -> "))
}
