package types

import "fmt"

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Validation error codes, raised at workflow creation. The workflow is never
// persisted when one of these occurs.
const (
	ErrDuplicateID       ErrorCode = "DUPLICATE_ID"
	ErrUnknownDependency ErrorCode = "UNKNOWN_DEPENDENCY"
	ErrCycleDetected     ErrorCode = "CYCLE_DETECTED"
	ErrInvalidSpec       ErrorCode = "INVALID_SPEC"
)

// Agent error codes, raised during step execution and recovered via the
// retry policy up to the configured limit.
const (
	ErrUnknownAgent   ErrorCode = "UNKNOWN_AGENT"
	ErrAgentTimeout   ErrorCode = "AGENT_TIMEOUT"
	ErrAgentExecution ErrorCode = "AGENT_EXECUTION"
)

// Engine error codes.
const (
	ErrIllegalTransition ErrorCode = "ILLEGAL_TRANSITION"
	ErrWorkflowNotFound  ErrorCode = "WORKFLOW_NOT_FOUND"
	ErrStepNotFound      ErrorCode = "STEP_NOT_FOUND"
	ErrAlreadyRunning    ErrorCode = "ALREADY_RUNNING"
	ErrWorkflowTimeout   ErrorCode = "WORKFLOW_TIMEOUT"
	ErrCancelled         ErrorCode = "CANCELLED"
	ErrInternal          ErrorCode = "INTERNAL_ERROR"
)

// Transport error codes used by the API layer.
const (
	ErrAuthentication ErrorCode = "AUTHENTICATION"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
