// Package testutil provides scripted workers and in-memory stores for tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
)

// Reply is one scripted worker answer.
type Reply struct {
	Result core.WorkerResult
	Err    error
	// Delay holds the reply back; a cancelled context wins.
	Delay time.Duration
}

// MockWorker implements core.Worker with scripted replies.
type MockWorker struct {
	role       core.Role
	invokeFunc func(context.Context, core.Task) (core.WorkerResult, error)
	onInvoke   func(core.Task)

	mu      sync.Mutex
	replies []Reply
	calls   []core.Task
}

// NewMockWorker creates a worker that answers "<role> done".
func NewMockWorker(role core.Role) *MockWorker {
	return &MockWorker{role: role}
}

// WithReplies scripts the answers in order. The last reply repeats.
func (m *MockWorker) WithReplies(replies ...Reply) *MockWorker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, replies...)
	return m
}

// WithInvokeFunc replaces the scripted replies with f.
func (m *MockWorker) WithInvokeFunc(f func(context.Context, core.Task) (core.WorkerResult, error)) *MockWorker {
	m.invokeFunc = f
	return m
}

// Invoke implements core.Worker.
func (m *MockWorker) Invoke(ctx context.Context, task core.Task) (core.WorkerResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, task)
	var reply Reply
	scripted := len(m.replies) > 0
	if scripted {
		reply = m.replies[0]
		if len(m.replies) > 1 {
			m.replies = m.replies[1:]
		}
	}
	m.mu.Unlock()

	if m.onInvoke != nil {
		m.onInvoke(task)
	}
	if m.invokeFunc != nil {
		return m.invokeFunc(ctx, task)
	}
	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-ctx.Done():
			return core.WorkerResult{}, ctx.Err()
		}
	}
	if !scripted {
		return core.WorkerResult{Content: fmt.Sprintf("%s done", m.role)}, nil
	}
	return reply.Result, reply.Err
}

// Calls returns the tasks received so far.
func (m *MockWorker) Calls() []core.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Task, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many tasks were received.
func (m *MockWorker) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// MockWorkers implements core.WorkerProvider and records dispatch order.
type MockWorkers struct {
	mu         sync.Mutex
	workers    map[core.Role]*MockWorker
	dispatched []core.Role
}

// NewMockWorkers creates a provider with a default worker for every role.
func NewMockWorkers() *MockWorkers {
	m := &MockWorkers{workers: make(map[core.Role]*MockWorker)}
	for _, r := range core.WorkerRoles() {
		m.Set(NewMockWorker(r))
	}
	return m
}

// Set installs w for its role.
func (m *MockWorkers) Set(w *MockWorker) *MockWorker {
	w.onInvoke = func(task core.Task) {
		m.mu.Lock()
		m.dispatched = append(m.dispatched, task.Role)
		m.mu.Unlock()
	}
	m.mu.Lock()
	m.workers[w.role] = w
	m.mu.Unlock()
	return w
}

// Get returns the worker of a role.
func (m *MockWorkers) Get(role core.Role) *MockWorker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workers[role]
}

// Worker implements core.WorkerProvider.
func (m *MockWorkers) Worker(role core.Role) (core.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[role]
	if !ok {
		return nil, core.ErrNotFound("worker", string(role))
	}
	return w, nil
}

// Dispatched returns the roles invoked, in order.
func (m *MockWorkers) Dispatched() []core.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Role, len(m.dispatched))
	copy(out, m.dispatched)
	return out
}

// MemoryStore implements core.ConversationStore in memory.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string][]core.Message
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string][]core.Message)}
}

// SaveMessage implements core.ConversationStore.
func (s *MemoryStore) SaveMessage(_ context.Context, msg core.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)
	return nil
}

// LoadHistory implements core.ConversationStore.
func (s *MemoryStore) LoadHistory(_ context.Context, sessionID string, limit int) ([]core.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]core.Message, len(all))
	copy(out, all)
	return out, nil
}

// GetStats implements core.ConversationStore.
func (s *MemoryStore) GetStats(_ context.Context, sessionID string) (core.ConversationStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := core.ConversationStats{SessionID: sessionID, ByRole: make(map[core.MessageRole]int)}
	for i, m := range s.messages[sessionID] {
		stats.TotalMessages++
		stats.ByRole[m.Role]++
		ts := m.Timestamp
		if i == 0 {
			stats.FirstMessage = &ts
		}
		stats.LastMessage = &ts
	}
	return stats, nil
}

// MemoryCheckpointer implements core.Checkpointer in memory.
type MemoryCheckpointer struct {
	mu     sync.Mutex
	states map[string]core.WorkflowState
	saves  int
}

// NewMemoryCheckpointer creates an empty checkpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{states: make(map[string]core.WorkflowState)}
}

// Save implements core.Checkpointer.
func (c *MemoryCheckpointer) Save(_ context.Context, s *core.WorkflowState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[s.SessionID] = s.Clone()
	c.saves++
	return nil
}

// Load implements core.Checkpointer.
func (c *MemoryCheckpointer) Load(_ context.Context, sessionID string) (*core.WorkflowState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[sessionID]
	if !ok {
		return nil, core.ErrNotFound("checkpoint", sessionID)
	}
	clone := s.Clone()
	return &clone, nil
}

// Saves returns how many checkpoints were written.
func (c *MemoryCheckpointer) Saves() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves
}

// Sessions returns the ids with a checkpoint, sorted.
func (c *MemoryCheckpointer) Sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.states))
	for id := range c.states {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Score returns a pointer to v for WorkerResult.Score.
func Score(v float64) *float64 {
	return &v
}

// Code returns a code artifact reference.
func Code(path string) core.ArtifactRef {
	return core.ArtifactRef{Path: path, Kind: core.ArtifactCode}
}

// Doc returns an architecture artifact reference.
func Doc(path string) core.ArtifactRef {
	return core.ArtifactRef{Path: path, Kind: core.ArtifactArchitecture}
}
