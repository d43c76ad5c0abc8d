package core

import (
	"context"
	"encoding/json"
	"time"
)

// Task is what the engine hands a worker for one step.
type Task struct {
	SessionID   string     `json:"session_id"`
	StepID      StepID     `json:"step_id"`
	Role        Role       `json:"role"`
	Description string     `json:"description"`
	Mode        string     `json:"mode,omitempty"`
	Query       string     `json:"query"`
	Workspace   string     `json:"workspace,omitempty"`
	Feedback    string     `json:"feedback,omitempty"`
	Artifacts   []Artifact `json:"artifacts,omitempty"`
}

// WorkerResult is a worker's report for one task.
type WorkerResult struct {
	Content       string          `json:"content"`
	Score         *float64        `json:"score,omitempty"`
	Feedback      string          `json:"feedback,omitempty"`
	Artifacts     []ArtifactRef   `json:"artifacts,omitempty"`
	CannotProceed bool            `json:"cannot_proceed,omitempty"`
	Raw           json.RawMessage `json:"-"`
}

// Worker performs tasks for one role.
type Worker interface {
	Invoke(ctx context.Context, task Task) (WorkerResult, error)
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context, task Task) (WorkerResult, error)

// Invoke calls f.
func (f WorkerFunc) Invoke(ctx context.Context, task Task) (WorkerResult, error) {
	return f(ctx, task)
}

// WorkerProvider resolves the worker serving a role.
type WorkerProvider interface {
	Worker(role Role) (Worker, error)
}

// WorkerInvocation describes one protocol call issued to a worker process.
type WorkerInvocation struct {
	Worker        Role            `json:"worker"`
	Method        string          `json:"method"`
	Tool          string          `json:"tool,omitempty"`
	Arguments     json.RawMessage `json:"arguments,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	IssuedAt      time.Time       `json:"issued_at"`
}
