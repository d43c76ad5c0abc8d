package service

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
)

// PlanFile is the on-disk form of an explicit plan.
//
//	query: build a rate limiter
//	steps:
//	  - role: research
//	    task: survey existing limiters
//	  - role: codesmith
//	    task: implement a token bucket
type PlanFile struct {
	Query     string     `yaml:"query,omitempty"`
	Workspace string     `yaml:"workspace,omitempty"`
	Steps     []PlanStep `yaml:"steps"`
}

// PlanStep is one planned step.
type PlanStep struct {
	Role string `yaml:"role"`
	Task string `yaml:"task"`
	Mode string `yaml:"mode,omitempty"`
}

// LoadPlan reads a plan file.
func LoadPlan(path string) (*PlanFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	return ParsePlan(data)
}

// ParsePlan decodes a plan document. A bare list of steps is accepted too.
func ParsePlan(data []byte) (*PlanFile, error) {
	var pf PlanFile
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("-")) {
		if err := yaml.Unmarshal(data, &pf.Steps); err != nil {
			return nil, core.ErrValidation(core.CodeInvalidPlan, "parsing plan").WithCause(err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&pf); err != nil {
			return nil, core.ErrValidation(core.CodeInvalidPlan, "parsing plan").WithCause(err)
		}
	}
	if _, err := pf.ExecutionSteps(); err != nil {
		return nil, err
	}
	return &pf, nil
}

// ExecutionSteps converts the plan into pending steps.
func (pf *PlanFile) ExecutionSteps() ([]core.ExecutionStep, error) {
	steps := make([]core.ExecutionStep, 0, len(pf.Steps))
	for i, ps := range pf.Steps {
		role, err := core.ParseRole(ps.Role)
		if err != nil || !role.IsWorker() {
			return nil, core.ErrValidation(core.CodeInvalidPlan,
				fmt.Sprintf("step %d: role %q cannot be planned", i+1, ps.Role))
		}
		task := strings.TrimSpace(ps.Task)
		if task == "" {
			return nil, core.ErrValidation(core.CodeInvalidPlan, fmt.Sprintf("step %d: task is required", i+1))
		}
		st := core.NewStep(role, task, core.OriginPlan)
		st.Mode = ps.Mode
		steps = append(steps, st)
	}
	return steps, nil
}
