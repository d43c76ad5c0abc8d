package service

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
)

func TestParsePlan(t *testing.T) {
	doc := `
query: build a rate limiter
steps:
  - role: research
    task: survey existing limiters
  - role: codesmith
    task: implement a token bucket
    mode: tdd
`
	pf, err := ParsePlan([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "build a rate limiter", pf.Query)

	steps, err := pf.ExecutionSteps()
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, core.RoleResearch, steps[0].Role)
	assert.Equal(t, "survey existing limiters", steps[0].Task)
	assert.Equal(t, core.OriginPlan, steps[0].Origin)
	assert.Equal(t, core.StepStatusPending, steps[0].Status)
	assert.Equal(t, "tdd", steps[1].Mode)
	assert.NotEqual(t, steps[0].ID, steps[1].ID)
}

func TestParsePlan_BareList(t *testing.T) {
	pf, err := ParsePlan([]byte("- role: architect\n  task: sketch modules\n"))
	require.NoError(t, err)
	assert.Empty(t, pf.Query)
	require.Len(t, pf.Steps, 1)
	assert.Equal(t, "architect", pf.Steps[0].Role)
}

func TestParsePlan_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown field", "steps:\n  - role: research\n    task: x\n    owner: me\n"},
		{"gate role", "steps:\n  - role: hitl\n    task: ask\n"},
		{"unknown role", "steps:\n  - role: janitor\n    task: sweep\n"},
		{"missing task", "steps:\n  - role: research\n"},
		{"not yaml", "steps: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlan([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, core.IsCategory(err, core.ErrCatValidation))
		})
	}
}

func TestLoadPlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("steps:\n  - role: responder\n    task: answer\n"), 0o600))

	pf, err := LoadPlan(path)
	require.NoError(t, err)
	require.Len(t, pf.Steps, 1)

	_, err = LoadPlan(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
