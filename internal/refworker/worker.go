// Package refworker implements the built-in worker processes started by
// "autoagent worker --role <role>". They answer deterministically so a
// supervisor can be exercised end to end without an external agent.
package refworker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/adapters/worker"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/logging"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/protocol"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/service"
)

// DefaultScore is the validator score when none is configured.
const DefaultScore = 0.9

// Config configures a reference worker.
type Config struct {
	Role core.Role
	// Score is what the validator reports for every artifact.
	Score float64
	// DryRun skips writing files into the workspace.
	DryRun  bool
	Version string
}

// Worker serves one role's tools.
type Worker struct {
	cfg    Config
	logger *logging.Logger
}

// New validates cfg and creates a worker.
func New(cfg Config, logger *logging.Logger) (*Worker, error) {
	if !cfg.Role.IsWorker() {
		return nil, core.ErrValidation(core.CodeInvalidRole, fmt.Sprintf("%q is not a worker role", cfg.Role))
	}
	if cfg.Score < 0 || cfg.Score > 1 {
		return nil, core.ErrValidation(core.CodeInvalidConfig, fmt.Sprintf("score %.2f outside [0,1]", cfg.Score))
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Worker{cfg: cfg, logger: logger.WithRole(string(cfg.Role))}, nil
}

// Server builds the protocol server with the role's step tool, plus
// evaluate_routing on the responder.
func (w *Worker) Server() (*protocol.Server, error) {
	s := protocol.NewServer(protocol.Implementation{
		Name:    "autoagent-" + string(w.cfg.Role),
		Version: w.cfg.Version,
	}, w.logger)

	tool := worker.DefaultTool(w.cfg.Role)
	desc := fmt.Sprintf("Run a %s step", w.cfg.Role)
	if err := protocol.AddTypedTool(s, tool, desc, w.handleTask); err != nil {
		return nil, err
	}
	if w.cfg.Role == core.RoleResponder {
		if err := protocol.AddTypedTool(s, worker.ToolEvaluateRouting,
			"Propose the role that should continue the session", w.handleEvaluate); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Serve answers requests on stdin and stdout until input closes.
func (w *Worker) Serve(ctx context.Context) error {
	s, err := w.Server()
	if err != nil {
		return err
	}
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

func (w *Worker) handleTask(ctx context.Context, task core.Task) (*protocol.ToolsCallResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := w.logger.WithSession(task.SessionID).WithStep(string(task.StepID))
	logger.Debug("task received", "mode", task.Mode, "artifacts", len(task.Artifacts))

	var (
		res core.WorkerResult
		err error
	)
	switch w.cfg.Role {
	case core.RoleResearch:
		res = w.research(task)
	case core.RoleArchitect:
		res, err = w.design(task)
	case core.RoleCodesmith:
		res, err = w.generate(task)
	case core.RoleValidator:
		res = w.validate(task)
	case core.RoleResponder:
		res = w.respond(task)
	}
	if err != nil {
		logger.Warn("task failed", "error", err)
		return &protocol.ToolsCallResult{Content: protocol.TextContent(err.Error()), IsError: true}, nil
	}
	return result(res)
}

func result(res core.WorkerResult) (*protocol.ToolsCallResult, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return &protocol.ToolsCallResult{
		Content:           protocol.TextContent(res.Content),
		StructuredContent: data,
	}, nil
}

func (w *Worker) research(task core.Task) core.WorkerResult {
	return core.WorkerResult{
		Content: fmt.Sprintf("Research notes for %q: %s", task.Query, firstNonEmpty(task.Description, "no task given")),
	}
}

func (w *Worker) design(task core.Task) (core.WorkerResult, error) {
	name, heading, kind := "ARCHITECTURE.md", "Architecture", core.ArtifactArchitecture
	if task.Mode == "document" {
		name, heading, kind = "DOCUMENTATION.md", "Documentation", core.ArtifactSummary
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n", heading, task.Query)
	for _, a := range task.Artifacts {
		fmt.Fprintf(&b, "\n- %s (%s, v%d)", a.Path, a.Kind, a.Version)
	}
	if err := w.write(task.Workspace, name, b.String()); err != nil {
		return core.WorkerResult{}, err
	}
	return core.WorkerResult{
		Content:   fmt.Sprintf("%s written to %s", heading, name),
		Artifacts: []core.ArtifactRef{{Path: name, Kind: kind, Type: "markdown"}},
	}, nil
}

func (w *Worker) generate(task core.Task) (core.WorkerResult, error) {
	const name = "main.go"
	body := "package main\n\nfunc main() {}\n"
	if task.Feedback != "" {
		body = "// Revised: " + oneLine(task.Feedback) + "\n" + body
	}
	if err := w.write(task.Workspace, name, body); err != nil {
		return core.WorkerResult{}, err
	}
	return core.WorkerResult{
		Content:   "generated " + name,
		Artifacts: []core.ArtifactRef{{Path: name, Kind: core.ArtifactCode, Type: "go"}},
	}, nil
}

func (w *Worker) validate(task core.Task) core.WorkerResult {
	score := w.cfg.Score
	var checked []string
	for _, a := range task.Artifacts {
		if a.RequiresValidation() {
			checked = append(checked, a.Path)
		}
	}
	res := core.WorkerResult{
		Content: fmt.Sprintf("validated %d artifact(s) with score %.2f", len(checked), score),
		Score:   &score,
	}
	if len(checked) > 0 && score < 1 {
		res.Feedback = fmt.Sprintf("review %s: score %.2f", strings.Join(checked, ", "), score)
	}
	return res
}

func (w *Worker) respond(task core.Task) core.WorkerResult {
	var b strings.Builder
	fmt.Fprintf(&b, "Answer to %q.", task.Query)
	if len(task.Artifacts) > 0 {
		b.WriteString(" Produced:")
		for _, a := range task.Artifacts {
			fmt.Fprintf(&b, " %s", a.Path)
		}
	}
	return core.WorkerResult{Content: b.String()}
}

// routingOrder is the sequence the evaluator walks when proposing a role.
var routingOrder = []core.Role{
	core.RoleResearch,
	core.RoleArchitect,
	core.RoleCodesmith,
	core.RoleValidator,
	core.RoleResponder,
}

type routingProposal struct {
	Role       string  `json:"role"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// handleEvaluate proposes the first role in routingOrder that has not run
// and is not blocked.
func (w *Worker) handleEvaluate(_ context.Context, args service.EvaluateRoutingArgs) (*protocol.ToolsCallResult, error) {
	done := make(map[string]bool, len(args.Executed))
	for _, r := range args.Executed {
		done[r] = true
	}
	p := routingProposal{Role: string(core.RoleResponder), Confidence: 0.9, Reason: "all roles have run"}
	for _, r := range routingOrder {
		name := string(r)
		if done[name] || name == args.Blocked {
			continue
		}
		p = routingProposal{Role: name, Confidence: 0.8, Reason: name + " has not run yet"}
		break
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return &protocol.ToolsCallResult{Content: protocol.TextContent(string(data)), StructuredContent: data}, nil
}

func (w *Worker) write(workspace, name, content string) error {
	if w.cfg.DryRun || workspace == "" {
		return nil
	}
	path := filepath.Join(workspace, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func oneLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
