package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatTransport       ErrorCategory = "transport"        // Broken pipe, malformed protocol data
	ErrCatWorker          ErrorCategory = "worker"           // Worker reported a tool failure
	ErrCatDivergence      ErrorCategory = "divergence"       // Loop guard or iteration ceiling
	ErrCatApprovalTimeout ErrorCategory = "approval_timeout" // HITL resolved by policy
	ErrCatValidation      ErrorCategory = "validation"       // Invalid input
	ErrCatState           ErrorCategory = "state"            // Illegal state transition
	ErrCatNotFound        ErrorCategory = "not_found"        // Resource not found
	ErrCatCancelled       ErrorCategory = "cancelled"        // Session cancelled
	ErrCatInternal        ErrorCategory = "internal"         // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches another DomainError by category and code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrTransport creates a transport error. Transport errors are retried by the worker pool.
func ErrTransport(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTransport,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrWorker creates a worker error.
func ErrWorker(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatWorker,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrState creates a state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatState,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      "NOT_FOUND",
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// ErrApprovalTimeout creates an error for a gate a timeout policy resolved
// against the session.
func ErrApprovalTimeout(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatApprovalTimeout,
		Code:      CodeApprovalRejected,
		Message:   message,
		Retryable: false,
	}
}

// ErrCancelled creates a cancellation error.
func ErrCancelled(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatCancelled,
		Code:      CodeSessionCancelled,
		Message:   message,
		Retryable: false,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	var div *WorkflowDivergence
	if errors.As(err, &div) {
		return ErrCatDivergence
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// HasCode checks if err wraps a DomainError with code.
func HasCode(err error, code string) bool {
	var domErr *DomainError
	return errors.As(err, &domErr) && domErr.Code == code
}

// Predefined error codes
const (
	CodeStepNotFound      = "STEP_NOT_FOUND"
	CodeStepTerminal      = "STEP_TERMINAL"
	CodeStepInProgress    = "STEP_IN_PROGRESS"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeInvalidRole       = "INVALID_ROLE"
	CodeInvalidConfidence = "INVALID_CONFIDENCE"
	CodeSessionTerminal   = "SESSION_TERMINAL"
	CodeSessionCancelled  = "SESSION_CANCELLED"
	CodeStateCorrupted    = "STATE_CORRUPTED"
	CodeApprovalRejected  = "APPROVAL_REJECTED"

	CodeEmptyQuery     = "EMPTY_QUERY"
	CodeInvalidConfig  = "INVALID_CONFIG"
	CodeInvalidPlan    = "INVALID_PLAN"
	CodeInvalidMessage = "INVALID_MESSAGE"

	CodeBrokenPipe        = "BROKEN_PIPE"
	CodeMalformedResponse = "MALFORMED_RESPONSE"
	CodeProcessExited     = "PROCESS_EXITED"
	CodeRetriesExhausted  = "RETRIES_EXHAUSTED"
	CodeToolFailed        = "TOOL_FAILED"
	CodeWorkerUnavailable = "WORKER_UNAVAILABLE"
)
