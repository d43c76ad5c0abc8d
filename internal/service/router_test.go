package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/protocol"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/testutil"
)

var (
	newState = testutil.NewTestState
	runStep  = testutil.RunStep
)

func TestRouter_Decide(t *testing.T) {
	r := NewRouter(nil, nil)
	ctx := context.Background()

	t.Run("pending plan step", func(t *testing.T) {
		s := newState(t, "build it", core.RoleCodesmith, core.RoleValidator)
		d := r.Decide(ctx, s)
		assert.Equal(t, core.RoleCodesmith, d.Role)
		assert.Equal(t, 1.0, d.Confidence)
		assert.Equal(t, core.SourcePlan, d.Source)
		assert.Equal(t, s.Steps[0].ID, d.StepID)
	})

	t.Run("validation step keeps its source", func(t *testing.T) {
		s := newState(t, "build it")
		s, err := core.InsertStep(s, core.NewStep(core.RoleValidator, "Validate main.go", core.OriginValidation))
		require.NoError(t, err)
		d := r.Decide(ctx, s)
		assert.Equal(t, core.RoleValidator, d.Role)
		assert.Equal(t, core.SourceValidation, d.Source)
	})

	t.Run("end when every artifact is validated", func(t *testing.T) {
		s := newState(t, "build it")
		s = core.RecordArtifacts(s, core.RoleCodesmith, []core.ArtifactRef{testutil.Code("main.go")})
		s = core.MarkChecked(s, []string{"main.go"}, true)
		d := r.Decide(ctx, s)
		assert.Equal(t, core.RoleEnd, d.Role)
		assert.Equal(t, 1.0, d.Confidence)
	})

	t.Run("no end while an artifact awaits validation", func(t *testing.T) {
		s := newState(t, "build it")
		s = core.RecordArtifacts(s, core.RoleCodesmith, []core.ArtifactRef{testutil.Code("main.go")})
		d := r.Decide(ctx, s)
		assert.Equal(t, core.RoleValidator, d.Role)
		assert.Equal(t, 0.9, d.Confidence)
		assert.Equal(t, core.SourceReplan, d.Source)
	})

	t.Run("end after the responder answered", func(t *testing.T) {
		s := newState(t, "explain it", core.RoleResponder)
		s = runStep(t, s, s.Steps[0].ID, core.WorkerResult{Content: "answer"})
		d := r.Decide(ctx, s)
		assert.Equal(t, core.RoleEnd, d.Role)
	})

	t.Run("blocked role is skipped", func(t *testing.T) {
		s := newState(t, "research the topic", core.RoleResearch)
		s, err := core.StartStep(s, s.Steps[0].ID, time.Now())
		require.NoError(t, err)
		s, err = core.FailStep(s, s.Steps[0].ID, errors.New("offline"), time.Now())
		require.NoError(t, err)
		s = core.SetCannotProceed(s, true)

		d := r.Decide(ctx, s)
		assert.Equal(t, core.RoleResponder, d.Role)
		assert.Equal(t, core.SourceReplan, d.Source)
	})

	t.Run("cannot proceed ignores the pending plan", func(t *testing.T) {
		s := newState(t, "research the topic", core.RoleResearch, core.RoleArchitect)
		s = runStep(t, s, s.Steps[0].ID, core.WorkerResult{Content: "stuck", CannotProceed: true})
		d := r.Decide(ctx, s)
		assert.Empty(t, d.StepID)
		assert.NotEqual(t, core.RoleResearch, d.Role)
	})
}

func TestRouter_KeywordReplan(t *testing.T) {
	r := NewRouter(nil, nil)
	tests := []struct {
		name  string
		query string
		role  core.Role
	}{
		{"ties go to the earlier role", "design and implement a parser", core.RoleArchitect},
		{"code request", "implement a parser", core.RoleCodesmith},
		{"research request", "research and compare queues", core.RoleResearch},
		{"nothing matches", "hello there", core.RoleResponder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.Decide(context.Background(), newState(t, tt.query))
			assert.Equal(t, tt.role, d.Role)
			assert.GreaterOrEqual(t, d.Confidence, FallbackConfidence)
			assert.NoError(t, d.Validate())
		})
	}
}

func TestKeywordEvaluator_SkipsExecutedRoles(t *testing.T) {
	s := newState(t, "implement a parser", core.RoleCodesmith)
	s = runStep(t, s, s.Steps[0].ID, core.WorkerResult{Content: "done"})

	cands, err := KeywordEvaluator{}.Evaluate(context.Background(), s)
	require.NoError(t, err)
	for _, c := range cands {
		assert.NotEqual(t, core.RoleCodesmith, c.Role)
		assert.LessOrEqual(t, c.Confidence, 0.95)
	}
	assert.Contains(t, cands, Candidate{Role: core.RoleResponder, Confidence: 0.55, Reason: "no specialist matched, answer directly"})
}

func TestRouter_EvaluatorFailureFallsBack(t *testing.T) {
	failing := evaluatorFunc(func(core.WorkflowState) ([]Candidate, error) {
		return nil, errors.New("worker crashed")
	})
	d := NewRouter(failing, nil).Decide(context.Background(), newState(t, "anything"))
	assert.Equal(t, core.RoleResponder, d.Role)
	assert.Equal(t, FallbackConfidence, d.Confidence)
	assert.Equal(t, core.SourceFallback, d.Source)
	assert.Contains(t, d.Reason, "worker crashed")

	invalid := evaluatorFunc(func(core.WorkflowState) ([]Candidate, error) {
		return []Candidate{{Role: core.RoleHITL, Confidence: 1}, {Role: "janitor", Confidence: 1}}, nil
	})
	d = NewRouter(invalid, nil).Decide(context.Background(), newState(t, "anything"))
	assert.Equal(t, core.SourceFallback, d.Source)
}

func TestRouter_ClampsConfidence(t *testing.T) {
	eager := evaluatorFunc(func(core.WorkflowState) ([]Candidate, error) {
		return []Candidate{{Role: core.RoleArchitect, Confidence: 3}}, nil
	})
	d := NewRouter(eager, nil).Decide(context.Background(), newState(t, "anything"))
	assert.Equal(t, core.RoleArchitect, d.Role)
	assert.Equal(t, 1.0, d.Confidence)
}

func TestParseCandidates(t *testing.T) {
	tests := []struct {
		name    string
		res     protocol.ToolsCallResult
		want    []Candidate
		wantErr bool
	}{
		{
			name: "structured object",
			res: protocol.ToolsCallResult{
				StructuredContent: json.RawMessage(`{"role":"validator","confidence":0.9,"reason":"check"}`),
			},
			want: []Candidate{{Role: core.RoleValidator, Confidence: 0.9, Reason: "check"}},
		},
		{
			name: "wrapped list",
			res: protocol.ToolsCallResult{
				Content: protocol.TextContent(`{"candidates":[{"role":"architect","confidence":0.7,"reason":"design first"}]}`),
			},
			want: []Candidate{{Role: core.RoleArchitect, Confidence: 0.7, Reason: "design first"}},
		},
		{
			name: "fenced list",
			res: protocol.ToolsCallResult{
				Content: protocol.TextContent("Here you go:\n```json\n[{\"role\":\"research\",\"confidence\":0.7},{\"role\":\"architect\",\"confidence\":0.6}]\n```"),
			},
			want: []Candidate{{Role: core.RoleResearch, Confidence: 0.7}, {Role: core.RoleArchitect, Confidence: 0.6}},
		},
		{
			name: "free text with percentage",
			res:  protocol.ToolsCallResult{Content: protocol.TextContent("Role: Codesmith\nConfidence: 80%")},
			want: []Candidate{{Role: core.RoleCodesmith, Confidence: 0.8, Reason: "evaluator proposed codesmith"}},
		},
		{
			name: "free text with reason",
			res:  protocol.ToolsCallResult{Content: protocol.TextContent("role = responder\nconfidence = 0.6\nreason: just answer")},
			want: []Candidate{{Role: core.RoleResponder, Confidence: 0.6, Reason: "just answer"}},
		},
		{
			name:    "unknown role",
			res:     protocol.ToolsCallResult{Content: protocol.TextContent("Role: banana")},
			wantErr: true,
		},
		{
			name:    "no role at all",
			res:     protocol.ToolsCallResult{Content: protocol.TextContent("I am not sure")},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCandidates(&tt.res)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchRole(t *testing.T) {
	tests := []struct {
		name string
		want core.Role
		ok   bool
	}{
		{"codesmith", core.RoleCodesmith, true},
		{" Validator ", core.RoleValidator, true},
		{"validation", core.RoleValidator, true},
		{"coder", core.RoleCodesmith, true},
		{"Researcher", core.RoleResearch, true},
		{"hitl", "", false},
		{"xyz", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := MatchRole(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"truncated text", 9, "truncated..."},
		{"héllo", 2, "h..."},
		{"日本語", 4, "日..."},
		{"日本語", 6, "日本..."},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

type fakeCaller struct {
	role core.Role
	tool string
	args EvaluateRoutingArgs
	res  *protocol.ToolsCallResult
	err  error
}

func (f *fakeCaller) CallTool(_ context.Context, role core.Role, tool string, args interface{}) (*protocol.ToolsCallResult, error) {
	f.role, f.tool = role, tool
	f.args = args.(EvaluateRoutingArgs)
	return f.res, f.err
}

func TestWorkerEvaluator(t *testing.T) {
	caller := &fakeCaller{res: &protocol.ToolsCallResult{
		Content: protocol.TextContent(`{"role":"architect","confidence":0.8,"reason":"needs a design"}`),
	}}
	ev := NewWorkerEvaluator(caller, "", "evaluate_routing")

	s := newState(t, "design a cache", core.RoleResearch, core.RoleCodesmith)
	s = runStep(t, s, s.Steps[0].ID, core.WorkerResult{Content: "notes"})

	cands, err := ev.Evaluate(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []Candidate{{Role: core.RoleArchitect, Confidence: 0.8, Reason: "needs a design"}}, cands)

	assert.Equal(t, core.RoleResponder, caller.role)
	assert.Equal(t, "evaluate_routing", caller.tool)
	assert.Equal(t, "design a cache", caller.args.Query)
	assert.Equal(t, []string{"research"}, caller.args.Executed)
	assert.Equal(t, []string{"research"}, caller.args.History)
	assert.Equal(t, "codesmith task", caller.args.Remaining)
	assert.Len(t, caller.args.Roles, len(core.WorkerRoles()))

	caller.res = &protocol.ToolsCallResult{IsError: true, Content: protocol.TextContent("model unavailable")}
	_, err = ev.Evaluate(context.Background(), s)
	assert.ErrorContains(t, err, "model unavailable")

	caller.err = errors.New("pipe closed")
	_, err = ev.Evaluate(context.Background(), s)
	assert.ErrorContains(t, err, "pipe closed")
}
