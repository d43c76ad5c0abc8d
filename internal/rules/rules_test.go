package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
)

func stateWith(artifacts []core.Artifact, summaryShown bool) core.WorkflowState {
	return core.WorkflowState{SessionID: "s1", Artifacts: artifacts, SummaryShown: summaryShown}
}

var (
	uncheckedCode = core.Artifact{Path: "main.go", Kind: core.ArtifactCode, Version: 1}
	checkedCode   = core.Artifact{Path: "main.go", Kind: core.ArtifactCode, Version: 1, CheckedVersion: 1, Validated: true}
	design        = core.Artifact{Path: "ARCHITECTURE.md", Kind: core.ArtifactArchitecture, Version: 1}
)

func TestEnforcer_Enforce(t *testing.T) {
	e := Default(0.5)

	tests := []struct {
		name     string
		state    core.WorkflowState
		proposed core.RoutingDecision
		rule     string
		role     core.Role
		kind     core.HITLKind
		mode     string
	}{
		{
			name:     "pass through",
			state:    stateWith([]core.Artifact{checkedCode, design}, false),
			proposed: core.RoutingDecision{Role: core.RoleResponder, Confidence: 0.9},
		},
		{
			name:     "end without validator after code",
			state:    stateWith([]core.Artifact{uncheckedCode, design}, false),
			proposed: core.RoutingDecision{Role: core.RoleEnd, Confidence: 1},
			rule:     NameSafety,
			role:     core.RoleValidator,
		},
		{
			name:     "validator proposal is not overridden by safety",
			state:    stateWith([]core.Artifact{uncheckedCode, design}, false),
			proposed: core.RoutingDecision{Role: core.RoleValidator, Confidence: 0.9},
		},
		{
			name:     "safety wins over low confidence",
			state:    stateWith([]core.Artifact{uncheckedCode}, false),
			proposed: core.RoutingDecision{Role: core.RoleResponder, Confidence: 0.1},
			rule:     NameSafety,
			role:     core.RoleValidator,
		},
		{
			name:     "end without documentation",
			state:    stateWith([]core.Artifact{checkedCode}, false),
			proposed: core.RoutingDecision{Role: core.RoleEnd, Confidence: 1},
			rule:     NameDocumentation,
			role:     core.RoleArchitect,
			mode:     ModeDocument,
		},
		{
			name:     "low confidence",
			state:    stateWith(nil, false),
			proposed: core.RoutingDecision{Role: core.RoleCodesmith, Confidence: 0.3},
			rule:     NameOversight,
			role:     core.RoleHITL,
			kind:     core.HITLLowConfidence,
		},
		{
			name:     "threshold is exclusive",
			state:    stateWith(nil, false),
			proposed: core.RoutingDecision{Role: core.RoleCodesmith, Confidence: 0.5},
		},
		{
			name:     "final summary",
			state:    stateWith([]core.Artifact{checkedCode, design}, false),
			proposed: core.RoutingDecision{Role: core.RoleEnd, Confidence: 1},
			rule:     NameOversight,
			role:     core.RoleHITL,
			kind:     core.HITLFinalSummary,
		},
		{
			name:     "end after summary shown",
			state:    stateWith([]core.Artifact{checkedCode, design}, true),
			proposed: core.RoutingDecision{Role: core.RoleEnd, Confidence: 1},
		},
		{
			name:     "hitl proposal passes",
			state:    stateWith(nil, false),
			proposed: core.RoutingDecision{Role: core.RoleHITL, Confidence: 1, HITLKind: core.HITLValidationEscalation},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, ok := e.Enforce(tt.state, tt.proposed)
			if tt.rule == "" {
				assert.False(t, ok)
				assert.Nil(t, o)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.rule, o.Rule)
			assert.Equal(t, tt.role, o.Decision.Role)
			assert.Equal(t, tt.kind, o.Decision.HITLKind)
			assert.Equal(t, tt.mode, o.Decision.Mode)
			assert.Equal(t, core.SourceRule, o.Decision.Source)
			assert.NotEmpty(t, o.Reason)
			assert.NoError(t, o.Decision.Validate())
		})
	}
}

func TestOversight_DefersProposedRole(t *testing.T) {
	o, ok := Default(0.5).Enforce(stateWith(nil, false), core.RoutingDecision{Role: core.RoleArchitect, Confidence: 0.2, Mode: "draft"})
	require.True(t, ok)
	assert.Equal(t, core.RoleArchitect, o.Decision.Deferred)
	assert.Equal(t, "draft", o.Decision.Mode)
}

func TestEnforceAndRecord_AppendsViolation(t *testing.T) {
	e := Default(0.5)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e.now = func() time.Time { return at }

	s := stateWith([]core.Artifact{uncheckedCode, design}, false)
	proposed := core.RoutingDecision{Role: core.RoleEnd, Confidence: 1, Source: core.SourcePlan}

	next, decision, o := e.EnforceAndRecord(s, proposed)
	require.NotNil(t, o)
	assert.Equal(t, core.RoleValidator, decision.Role)
	require.Len(t, next.Violations, 1)
	v := next.Violations[0]
	assert.Equal(t, NameSafety, v.Rule)
	assert.Equal(t, proposed, v.Proposed)
	assert.Equal(t, core.RoleValidator, v.Override.Role)
	assert.Equal(t, at, v.Timestamp)
	assert.Empty(t, s.Violations, "input state is not modified")

	clean := stateWith([]core.Artifact{checkedCode, design}, true)
	next, decision, o = e.EnforceAndRecord(clean, proposed)
	assert.Nil(t, o)
	assert.Equal(t, proposed, decision)
	assert.Empty(t, next.Violations)
}

func TestEnforcer_RuleOrder(t *testing.T) {
	assert.Equal(t, []string{NameSafety, NameDocumentation, NameOversight}, Default(0.5).Rules())
}
