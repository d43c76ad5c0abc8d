package core

import (
	"fmt"
	"strings"
	"time"
)

// TimeoutPolicy decides how an unanswered approval request resolves.
type TimeoutPolicy string

const (
	PolicyAutoApprove TimeoutPolicy = "auto_approve"
	PolicyAutoReject  TimeoutPolicy = "auto_reject"
	PolicyAutoAbort   TimeoutPolicy = "auto_abort"
	PolicyRetry       TimeoutPolicy = "retry"
)

// ParseTimeoutPolicy converts a string to a TimeoutPolicy.
func ParseTimeoutPolicy(s string) (TimeoutPolicy, error) {
	p := TimeoutPolicy(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PolicyAutoApprove, PolicyAutoReject, PolicyAutoAbort, PolicyRetry:
		return p, nil
	}
	return "", ErrValidation(CodeInvalidConfig, fmt.Sprintf("unknown timeout policy %q", s))
}

// Reasons attached to synthesized approval responses.
const (
	ReasonAutoApprovedTimeout = "auto_approved_timeout"
	ReasonAutoRejectedTimeout = "auto_rejected_timeout"
	ReasonAutoAbortedTimeout  = "auto_aborted_timeout"
	ReasonRetryTimeout        = "retry_timeout"
	ReasonSessionCancelled    = "session_cancelled"
	ReasonRequestCancelled    = "cancelled"
)

// ApprovalRequest asks a human to approve a routing step.
type ApprovalRequest struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Kind      HITLKind      `json:"kind"`
	Content   string        `json:"content"`
	Timeout   time.Duration `json:"timeout"`
	Policy    TimeoutPolicy `json:"policy"`
	CreatedAt time.Time     `json:"created_at"`
}

// ApprovalResponse resolves an ApprovalRequest.
type ApprovalResponse struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
	Text     string `json:"text,omitempty"`
	Abort    bool   `json:"abort,omitempty"`
	Retry    bool   `json:"retry,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// TimeoutResponse synthesizes the response dictated by policy p.
func TimeoutResponse(p TimeoutPolicy) ApprovalResponse {
	switch p {
	case PolicyAutoApprove:
		return ApprovalResponse{Approved: true, Reason: ReasonAutoApprovedTimeout, TimedOut: true}
	case PolicyAutoAbort:
		return ApprovalResponse{Reason: ReasonAutoAbortedTimeout, Abort: true, TimedOut: true}
	case PolicyRetry:
		return ApprovalResponse{Reason: ReasonRetryTimeout, Retry: true, TimedOut: true}
	default:
		return ApprovalResponse{Reason: ReasonAutoRejectedTimeout, TimedOut: true}
	}
}

// AbortResponse is returned for requests cut short by session cancellation.
func AbortResponse() ApprovalResponse {
	return ApprovalResponse{Reason: ReasonSessionCancelled, Abort: true}
}
