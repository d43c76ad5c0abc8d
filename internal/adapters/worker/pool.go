// Package worker runs role workers as child processes speaking the worker
// protocol, one long-lived process per role.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/config"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/diagnostics"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/logging"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/metrics"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/protocol"
)

// ToolEvaluateRouting is the tool asked to propose the next role during a re-plan.
const ToolEvaluateRouting = "evaluate_routing"

// DefaultTool returns the step tool name served by a role's worker.
func DefaultTool(role core.Role) string {
	switch role {
	case core.RoleResearch:
		return "research"
	case core.RoleArchitect:
		return "design"
	case core.RoleCodesmith:
		return "generate_code"
	case core.RoleValidator:
		return "validate"
	case core.RoleResponder:
		return "respond"
	default:
		return string(role)
	}
}

// SpecsFromConfig builds process specs for the enabled workers. A worker
// without a command runs self with "worker --role <role>".
func SpecsFromConfig(workers config.WorkersConfig, self string) ([]Spec, error) {
	var specs []Spec
	for name, wc := range workers {
		if !wc.Enabled {
			continue
		}
		role, err := core.ParseRole(name)
		if err != nil || !role.IsWorker() {
			return nil, fmt.Errorf("workers.%s: not a worker role", name)
		}
		spec := Spec{
			Role:    role,
			Command: wc.Command,
			Args:    append([]string(nil), wc.Args...),
			Env:     append([]string(nil), wc.Env...),
			Dir:     wc.Dir,
			Tool:    wc.Tool,
		}
		if spec.Command == "" {
			if self == "" {
				return nil, fmt.Errorf("workers.%s: command is required", name)
			}
			spec.Command = self
			spec.Args = []string{"worker", "--role", string(role)}
		}
		if spec.Tool == "" {
			spec.Tool = DefaultTool(role)
		}
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Role < specs[j].Role })
	return specs, nil
}

// Option configures a Pool.
type Option func(*Pool)

// WithRetryPolicy sets the transport retry policy.
func WithRetryPolicy(p *RetryPolicy) Option {
	return func(pool *Pool) {
		if p != nil {
			pool.retry = p
		}
	}
}

// WithLogger sets the pool logger.
func WithLogger(l *logging.Logger) Option {
	return func(pool *Pool) {
		if l != nil {
			pool.logger = l
		}
	}
}

// WithMetrics records worker calls.
func WithMetrics(m *metrics.Metrics) Option {
	return func(pool *Pool) {
		pool.metrics = m
	}
}

// WithPreflight runs host checks before every spawn.
func WithPreflight(p *diagnostics.Preflight) Option {
	return func(pool *Pool) {
		pool.preflight = p
	}
}

// slot serializes access to one role's process.
type slot struct {
	spec  Spec
	sem   chan struct{}
	proc  *process
	spawn int
}

// Pool owns one worker process per role. Calls to the same role are
// serialized; different roles run independently.
type Pool struct {
	retry     *RetryPolicy
	logger    *logging.Logger
	metrics   *metrics.Metrics
	preflight *diagnostics.Preflight

	mu     sync.Mutex
	slots  map[core.Role]*slot
	closed bool
}

// NewPool creates a pool for specs. Processes start lazily on first use.
func NewPool(specs []Spec, opts ...Option) (*Pool, error) {
	p := &Pool{
		retry:  DefaultRetryPolicy(),
		logger: logging.NewNop(),
		slots:  make(map[core.Role]*slot, len(specs)),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, s := range specs {
		if !s.Role.IsWorker() {
			return nil, fmt.Errorf("role %q cannot run a worker", s.Role)
		}
		if s.Command == "" {
			return nil, fmt.Errorf("worker %s: command is required", s.Role)
		}
		if _, dup := p.slots[s.Role]; dup {
			return nil, fmt.Errorf("worker %s configured twice", s.Role)
		}
		if s.Tool == "" {
			s.Tool = DefaultTool(s.Role)
		}
		p.slots[s.Role] = &slot{spec: s, sem: make(chan struct{}, 1)}
	}
	return p, nil
}

// Worker returns the worker serving role.
func (p *Pool) Worker(role core.Role) (core.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[role]
	if !ok {
		return nil, core.ErrNotFound("worker", string(role))
	}
	return &roleWorker{pool: p, slot: s}, nil
}

// Roles lists the configured roles.
func (p *Pool) Roles() []core.Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	roles := make([]core.Role, 0, len(p.slots))
	for r := range p.slots {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// CallTool invokes a named tool on role's worker, retrying transport failures.
func (p *Pool) CallTool(ctx context.Context, role core.Role, tool string, args interface{}) (*protocol.ToolsCallResult, error) {
	p.mu.Lock()
	s, ok := p.slots[role]
	closed := p.closed
	p.mu.Unlock()
	if !ok {
		return nil, core.ErrNotFound("worker", string(role))
	}
	if closed {
		return nil, core.ErrWorker(core.CodeWorkerUnavailable, "worker pool is closed")
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding %s arguments: %w", tool, err)
	}
	logger := p.logger.WithRole(string(role)).With("tool", tool)

	start := time.Now()
	var res *protocol.ToolsCallResult
	err = p.retry.ExecuteWithNotify(ctx, func(ctx context.Context) error {
		var callErr error
		res, callErr = p.callOnce(ctx, s, tool, raw)
		return callErr
	}, func(attempt int, err error, delay time.Duration) {
		logger.Warn("worker call failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	})
	p.metrics.ObserveWorkerCall(string(role), time.Since(start), err)

	if err != nil {
		var exhausted *RetryExhaustedError
		if errors.As(err, &exhausted) {
			return nil, core.ErrWorker(core.CodeRetriesExhausted,
				fmt.Sprintf("%s worker unavailable after %d attempts", role, exhausted.Attempts)).WithCause(exhausted.LastErr)
		}
		return nil, err
	}
	return res, nil
}

func (p *Pool) callOnce(ctx context.Context, s *slot, tool string, args json.RawMessage) (*protocol.ToolsCallResult, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.sem }()

	proc, err := p.ensureProcess(ctx, s)
	if err != nil {
		return nil, err
	}
	if !proc.hasTool(tool) {
		return nil, core.ErrWorker(core.CodeToolFailed,
			fmt.Sprintf("%s worker does not provide tool %q", s.spec.Role, tool))
	}

	res, err := proc.client.CallTool(ctx, tool, args)
	switch {
	case err == nil:
		return res, nil
	case ctx.Err() != nil:
		// The call cannot be abandoned mid-stream; drop the process.
		p.logger.WithRole(string(s.spec.Role)).Info("cancelling in-flight worker call", "pid", proc.pid())
		proc.kill()
		s.proc = nil
		return nil, ctx.Err()
	}

	var rpc *protocol.Error
	if errors.As(err, &rpc) {
		return nil, core.ErrWorker(core.CodeToolFailed, rpc.Message).
			WithDetail("rpc_code", rpc.Code).WithCause(rpc)
	}
	if core.IsCategory(err, core.ErrCatTransport) {
		proc.kill()
		s.proc = nil
	}
	return nil, err
}

// ensureProcess returns the live process for s, spawning one if needed.
// Callers hold s.sem.
func (p *Pool) ensureProcess(ctx context.Context, s *slot) (*process, error) {
	if s.proc != nil && s.proc.alive() {
		return s.proc, nil
	}
	if s.proc != nil {
		s.proc.kill()
		s.proc = nil
	}
	if p.preflight != nil {
		if err := p.preflight.Run(ctx).Err(); err != nil {
			return nil, err
		}
	}

	logger := p.logger.WithRole(string(s.spec.Role))
	proc, err := spawn(ctx, s.spec, logger)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if core.GetCategory(err) == core.ErrCatInternal {
			err = core.ErrTransport(core.CodeProcessExited, fmt.Sprintf("%s worker failed to start", s.spec.Role)).WithCause(err)
		}
		return nil, err
	}
	if s.spawn > 0 {
		p.metrics.RecordWorkerRestart(string(s.spec.Role))
		logger.Info("worker process restarted", "pid", proc.pid())
	}
	s.spawn++
	s.proc = proc
	return proc, nil
}

// Status describes one role's process.
type Status struct {
	Role    core.Role `json:"role"`
	Command string    `json:"command"`
	Running bool      `json:"running"`
	PID     int       `json:"pid,omitempty"`
	Spawns  int       `json:"spawns"`
}

// Status reports every configured worker. Roles with a call in flight are
// reported without blocking.
func (p *Pool) Status() []Status {
	p.mu.Lock()
	slots := make([]*slot, 0, len(p.slots))
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	p.mu.Unlock()

	out := make([]Status, 0, len(slots))
	for _, s := range slots {
		st := Status{Role: s.spec.Role, Command: s.spec.Command}
		select {
		case s.sem <- struct{}{}:
			st.Spawns = s.spawn
			if s.proc != nil && s.proc.alive() {
				st.Running = true
				st.PID = s.proc.pid()
			}
			<-s.sem
		default:
			st.Running = true
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}

// Close shuts every worker down, waiting for in-flight calls to finish.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	slots := make([]*slot, 0, len(p.slots))
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	p.mu.Unlock()

	var g errgroup.Group
	for _, s := range slots {
		s := s
		g.Go(func() error {
			s.sem <- struct{}{}
			defer func() { <-s.sem }()
			if s.proc != nil {
				s.proc.close()
				s.proc = nil
			}
			return nil
		})
	}
	return g.Wait()
}

// roleWorker adapts a pool slot to core.Worker.
type roleWorker struct {
	pool *Pool
	slot *slot
}

// Invoke sends task to the role's step tool and decodes the reply.
func (w *roleWorker) Invoke(ctx context.Context, task core.Task) (core.WorkerResult, error) {
	res, err := w.pool.CallTool(ctx, w.slot.spec.Role, w.slot.spec.Tool, task)
	if err != nil {
		return core.WorkerResult{}, err
	}
	return DecodeResult(res)
}

// DecodeResult converts a tool reply into a WorkerResult. Structured content
// is preferred; plain text becomes the result content.
func DecodeResult(res *protocol.ToolsCallResult) (core.WorkerResult, error) {
	text := res.Text()
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return core.WorkerResult{}, core.ErrWorker(core.CodeToolFailed, text)
	}

	var out core.WorkerResult
	if len(res.StructuredContent) > 0 && string(res.StructuredContent) != "null" {
		if err := json.Unmarshal(res.StructuredContent, &out); err != nil {
			return core.WorkerResult{}, core.ErrWorker(core.CodeMalformedResponse,
				"worker returned malformed structured content").WithCause(err)
		}
		out.Raw = append(json.RawMessage(nil), res.StructuredContent...)
	}
	if out.Content == "" {
		out.Content = strings.TrimSpace(text)
	}
	if out.Score != nil && (*out.Score < 0 || *out.Score > 1) {
		return core.WorkerResult{}, core.ErrWorker(core.CodeMalformedResponse,
			fmt.Sprintf("validator score %.3f outside [0,1]", *out.Score))
	}
	return out, nil
}

// SelfCommand returns the running executable, used as the default worker command.
func SelfCommand() string {
	exe, err := os.Executable()
	if err != nil {
		return os.Args[0]
	}
	return exe
}
