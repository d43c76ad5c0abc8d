package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/diagnostics"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/logging"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/protocol"
)

// Environment variables set on every managed worker.
const (
	EnvManaged = "AUTOAGENT_MANAGED"
	EnvRole    = "AUTOAGENT_ROLE"
)

// shutdownGrace is how long a worker may take to exit after its input closes.
const shutdownGrace = 3 * time.Second

// Spec describes how to start the worker process for one role.
type Spec struct {
	Role    core.Role
	Command string
	Args    []string
	Env     []string
	Dir     string
	// Tool is the tools/call name used for step tasks.
	Tool string
}

// process is one running worker with its protocol client.
type process struct {
	role   core.Role
	cmd    *exec.Cmd
	client *protocol.Client
	stderr io.WriteCloser
	logger *logging.Logger

	exited  chan struct{}
	waitErr error
	tools   map[string]bool
}

// spawn starts the worker and completes the initialize handshake.
func spawn(ctx context.Context, spec Spec, logger *logging.Logger) (*process, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Env = append(cmd.Env, EnvManaged+"=true", EnvRole+"="+string(spec.Role))
	configureProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr := logger.LineWriter(slog.LevelDebug, "worker stderr")
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		_ = stderr.Close()
		return nil, core.ErrWorker(core.CodeWorkerUnavailable,
			fmt.Sprintf("starting %s worker", spec.Role)).WithCause(err)
	}

	p := &process{
		role:   spec.Role,
		cmd:    cmd,
		client: protocol.NewClient(stdout, stdin, logger),
		stderr: stderr,
		logger: logger.With("pid", cmd.Process.Pid),
		exited: make(chan struct{}),
	}
	go p.wait()
	p.logger.Debug("worker process started", "command", spec.Command)

	if _, err := p.client.Initialize(ctx, protocol.Implementation{Name: "autoagent", Version: "1"}); err != nil {
		p.kill()
		return nil, fmt.Errorf("initializing %s worker: %w", spec.Role, err)
	}
	tools, err := p.client.ListTools(ctx)
	if err != nil {
		p.kill()
		return nil, fmt.Errorf("listing %s worker tools: %w", spec.Role, err)
	}
	p.tools = make(map[string]bool, len(tools))
	for _, t := range tools {
		p.tools[t.Name] = true
	}
	return p, nil
}

// wait reaps the process once its output has been fully read.
func (p *process) wait() {
	<-p.client.Done()
	p.waitErr = p.cmd.Wait()
	_ = p.stderr.Close()
	p.logger.Debug("worker process exited", "error", p.waitErr)
	close(p.exited)
}

func (p *process) alive() bool {
	select {
	case <-p.exited:
		return false
	case <-p.client.Done():
		return false
	default:
		return true
	}
}

func (p *process) hasTool(name string) bool {
	return p.tools[name]
}

// close asks the worker to exit and escalates to signals after a grace period.
func (p *process) close() {
	_ = p.client.Close()
	select {
	case <-p.exited:
		return
	case <-time.After(shutdownGrace):
	}
	terminate(p.cmd, p.exited, shutdownGrace)
}

// kill terminates the worker and everything it started.
func (p *process) kill() {
	if err := diagnostics.KillProcessTree(context.Background(), p.cmd.Process.Pid); err != nil {
		p.logger.Warn("killing worker process tree", "error", err)
		_ = p.cmd.Process.Kill()
	}
	_ = p.client.Close()
}

func (p *process) pid() int {
	return p.cmd.Process.Pid
}
