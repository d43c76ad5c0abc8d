package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestDomainError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("root")
	err := ErrWorker(CodeToolFailed, "tool blew up").WithCause(cause)

	if err.Unwrap() != cause {
		t.Fatalf("expected cause to be unwrapped")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to match cause")
	}
	if !errors.Is(err, &DomainError{Category: ErrCatWorker, Code: CodeToolFailed}) {
		t.Fatalf("expected errors.Is to match category and code")
	}
}

func TestErrorFactories_Retryable(t *testing.T) {
	if !ErrTransport(CodeBrokenPipe, "m").Retryable {
		t.Fatalf("transport errors should be retryable")
	}
	if ErrWorker(CodeToolFailed, "m").Retryable {
		t.Fatalf("worker errors should not be retryable")
	}
	if ErrState(CodeStepTerminal, "m").Retryable {
		t.Fatalf("state errors should not be retryable")
	}
}

func TestGetCategory(t *testing.T) {
	wrapped := fmt.Errorf("calling worker: %w", ErrTransport(CodeBrokenPipe, "pipe"))
	if !IsRetryable(wrapped) {
		t.Errorf("expected wrapped transport error to be retryable")
	}
	if got := GetCategory(wrapped); got != ErrCatTransport {
		t.Errorf("GetCategory() = %s, want transport", got)
	}
	div := fmt.Errorf("session: %w", &WorkflowDivergence{Reason: DivergenceIterationCeiling, Limit: 25})
	if got := GetCategory(div); got != ErrCatDivergence {
		t.Errorf("GetCategory() = %s, want divergence", got)
	}
	if got := GetCategory(errors.New("plain")); got != ErrCatInternal {
		t.Errorf("GetCategory() = %s, want internal", got)
	}
}

func TestTimeoutResponse(t *testing.T) {
	tests := []struct {
		policy   TimeoutPolicy
		approved bool
		abort    bool
		retry    bool
		reason   string
	}{
		{PolicyAutoApprove, true, false, false, ReasonAutoApprovedTimeout},
		{PolicyAutoReject, false, false, false, ReasonAutoRejectedTimeout},
		{PolicyAutoAbort, false, true, false, ReasonAutoAbortedTimeout},
		{PolicyRetry, false, false, true, ReasonRetryTimeout},
	}
	for _, tt := range tests {
		got := TimeoutResponse(tt.policy)
		if got.Approved != tt.approved || got.Abort != tt.abort || got.Retry != tt.retry || got.Reason != tt.reason {
			t.Errorf("TimeoutResponse(%s) = %+v", tt.policy, got)
		}
		if !got.TimedOut {
			t.Errorf("TimeoutResponse(%s) should be marked as timed out", tt.policy)
		}
	}
}

func TestParseTimeoutPolicy(t *testing.T) {
	if p, err := ParseTimeoutPolicy("AUTO_REJECT"); err != nil || p != PolicyAutoReject {
		t.Fatalf("ParseTimeoutPolicy() = %v, %v", p, err)
	}
	if _, err := ParseTimeoutPolicy("maybe"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("calling worker: %w", ErrWorker(CodeRetriesExhausted, "gone"))
	if !HasCode(err, CodeRetriesExhausted) {
		t.Errorf("expected wrapped error to carry %s", CodeRetriesExhausted)
	}
	if HasCode(err, CodeToolFailed) {
		t.Errorf("unexpected code match")
	}
	if HasCode(errors.New("plain"), CodeRetriesExhausted) {
		t.Errorf("plain errors carry no code")
	}
}
