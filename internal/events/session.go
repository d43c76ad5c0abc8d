package events

import "time"

// Event type constants for session events.
const (
	TypeStatus          = "status"
	TypeDecision        = "supervisor_decision"
	TypeAgentStart      = "agent_start"
	TypeAgentComplete   = "agent_complete"
	TypeApprovalRequest = "approval_request"
	TypeResult          = "result"
	TypeError           = "error"
)

// AllTypes lists every session event type.
func AllTypes() []string {
	return []string{TypeStatus, TypeDecision, TypeAgentStart, TypeAgentComplete, TypeApprovalRequest, TypeResult, TypeError}
}

// StatusEvent reports a session lifecycle change.
type StatusEvent struct {
	BaseEvent
	Status    string `json:"status"`
	Iteration int    `json:"iteration"`
	Message   string `json:"message,omitempty"`
}

// NewStatusEvent creates a new status event.
func NewStatusEvent(sessionID, status string, iteration int, message string) StatusEvent {
	return StatusEvent{
		BaseEvent: NewBaseEvent(TypeStatus, sessionID),
		Status:    status,
		Iteration: iteration,
		Message:   message,
	}
}

// Override describes a rule that replaced the proposed decision.
type Override struct {
	Rule         string  `json:"rule"`
	ProposedRole string  `json:"proposed_role"`
	ProposedConf float64 `json:"proposed_confidence"`
}

// DecisionEvent is emitted for every decision the engine executes.
type DecisionEvent struct {
	BaseEvent
	Role       string    `json:"role"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason"`
	Source     string    `json:"source"`
	Mode       string    `json:"mode,omitempty"`
	HITLKind   string    `json:"hitl_kind,omitempty"`
	Override   *Override `json:"override,omitempty"`
}

// NewDecisionEvent creates a new supervisor decision event.
func NewDecisionEvent(sessionID, role string, confidence float64, reason, source string) DecisionEvent {
	return DecisionEvent{
		BaseEvent:  NewBaseEvent(TypeDecision, sessionID),
		Role:       role,
		Confidence: confidence,
		Reason:     reason,
		Source:     source,
	}
}

// AgentStartEvent is emitted when a worker step starts.
type AgentStartEvent struct {
	BaseEvent
	StepID string `json:"step_id"`
	Role   string `json:"role"`
	Task   string `json:"task"`
	Mode   string `json:"mode,omitempty"`
}

// NewAgentStartEvent creates a new agent start event.
func NewAgentStartEvent(sessionID, stepID, role, task string) AgentStartEvent {
	return AgentStartEvent{
		BaseEvent: NewBaseEvent(TypeAgentStart, sessionID),
		StepID:    stepID,
		Role:      role,
		Task:      task,
	}
}

// AgentCompleteEvent is emitted when a worker step finishes.
type AgentCompleteEvent struct {
	BaseEvent
	StepID    string        `json:"step_id"`
	Role      string        `json:"role"`
	Status    string        `json:"status"`
	Summary   string        `json:"summary,omitempty"`
	Score     *float64      `json:"score,omitempty"`
	Artifacts []string      `json:"artifacts,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// NewAgentCompleteEvent creates a new agent complete event.
func NewAgentCompleteEvent(sessionID, stepID, role, status string, duration time.Duration) AgentCompleteEvent {
	return AgentCompleteEvent{
		BaseEvent: NewBaseEvent(TypeAgentComplete, sessionID),
		StepID:    stepID,
		Role:      role,
		Status:    status,
		Duration:  duration,
	}
}

// ApprovalRequestEvent is emitted when a session waits for a human.
type ApprovalRequestEvent struct {
	BaseEvent
	RequestID string        `json:"request_id"`
	Kind      string        `json:"kind"`
	Content   string        `json:"content"`
	Timeout   time.Duration `json:"timeout"`
	Policy    string        `json:"policy"`
}

// NewApprovalRequestEvent creates a new approval request event.
func NewApprovalRequestEvent(sessionID, requestID, kind, content string, timeout time.Duration, policy string) ApprovalRequestEvent {
	return ApprovalRequestEvent{
		BaseEvent: NewBaseEvent(TypeApprovalRequest, sessionID),
		RequestID: requestID,
		Kind:      kind,
		Content:   content,
		Timeout:   timeout,
		Policy:    policy,
	}
}

// ResultEvent is emitted once when a session reaches a terminal status.
type ResultEvent struct {
	BaseEvent
	Status     string   `json:"status"`
	Result     string   `json:"result,omitempty"`
	Executed   []string `json:"executed"`
	Iterations int      `json:"iterations"`
}

// NewResultEvent creates a new result event.
func NewResultEvent(sessionID, status, result string, executed []string, iterations int) ResultEvent {
	return ResultEvent{
		BaseEvent:  NewBaseEvent(TypeResult, sessionID),
		Status:     status,
		Result:     result,
		Executed:   executed,
		Iterations: iterations,
	}
}

// ErrorEvent reports a failure. Reasons is the chain of routing reasons that
// led to it.
type ErrorEvent struct {
	BaseEvent
	Message  string   `json:"message"`
	Category string   `json:"category"`
	Fatal    bool     `json:"fatal"`
	Reasons  []string `json:"reasons,omitempty"`
	Trace    []string `json:"trace,omitempty"`
}

// NewErrorEvent creates a new error event.
func NewErrorEvent(sessionID, message, category string, fatal bool) ErrorEvent {
	return ErrorEvent{
		BaseEvent: NewBaseEvent(TypeError, sessionID),
		Message:   message,
		Category:  category,
		Fatal:     fatal,
	}
}
