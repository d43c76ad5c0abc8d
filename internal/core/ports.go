package core

import (
	"context"
	"time"
)

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	MessageUser      MessageRole = "user"
	MessageWorker    MessageRole = "worker"
	MessageAssistant MessageRole = "assistant"
	MessageSystem    MessageRole = "system"
)

// Message is one entry of a session's conversation log.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Role      MessageRole `json:"role"`
	Worker    Role        `json:"worker,omitempty"`
	StepID    StepID      `json:"step_id,omitempty"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// ConversationStats summarizes a session's conversation log.
type ConversationStats struct {
	SessionID     string              `json:"session_id"`
	TotalMessages int                 `json:"total_messages"`
	ByRole        map[MessageRole]int `json:"by_role"`
	FirstMessage  *time.Time          `json:"first_message,omitempty"`
	LastMessage   *time.Time          `json:"last_message,omitempty"`
}

// ConversationStore persists conversation messages.
type ConversationStore interface {
	// SaveMessage appends a message to its session's log.
	SaveMessage(ctx context.Context, msg Message) error

	// LoadHistory returns up to limit most recent messages in chronological order.
	// A limit <= 0 returns the whole log.
	LoadHistory(ctx context.Context, sessionID string, limit int) ([]Message, error)

	// GetStats summarizes a session's log.
	GetStats(ctx context.Context, sessionID string) (ConversationStats, error)
}

// Checkpointer persists WorkflowState snapshots.
type Checkpointer interface {
	// Save writes the state atomically.
	Save(ctx context.Context, state *WorkflowState) error

	// Load returns the last saved state, or a not_found error.
	Load(ctx context.Context, sessionID string) (*WorkflowState, error)
}

// SessionHandle identifies an initialized session.
type SessionHandle struct {
	ID        string    `json:"id"`
	Workspace string    `json:"workspace"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionInitializer bootstraps a session for a workspace.
type SessionInitializer interface {
	Initialize(ctx context.Context, workspace string) (SessionHandle, error)
}
