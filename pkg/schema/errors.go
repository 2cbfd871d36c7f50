package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeExecution        = "EXECUTION_ERROR"
	ErrCodeTimeout          = "TIMEOUT_ERROR"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeConfig           = "CONFIG_ERROR"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeImmutable        = "IMMUTABLE_SETTING"
	ErrCodeMigration        = "MIGRATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeCycleDetected    = "CYCLE_DETECTED"
	ErrCodeStepFailed       = "STEP_FAILED"
	ErrCodeRetryExhausted   = "RETRY_EXHAUSTED"
	ErrCodeStore            = "STORE_ERROR"
	ErrCodeToolUnavailable  = "TOOL_UNAVAILABLE"
	ErrCodeCircuitOpen      = "CIRCUIT_OPEN"
)

// nonRetryable lists codes that must never be retried, even under a Retry strategy.
var nonRetryable = map[string]bool{
	ErrCodeValidation:       true,
	ErrCodeToolUnavailable:  true,
	ErrCodePermissionDenied: true,
	ErrCodeImmutable:        true,
	ErrCodeCycleDetected:    true,
	ErrCodeCancelled:        true,
	ErrCodeCircuitOpen:      true,
	ErrCodeConfig:           true,
}

// RuntimeError is the structured error type for all runtime operations.
type RuntimeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *RuntimeError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RuntimeError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error code allows another attempt.
func (e *RuntimeError) IsRetryable() bool {
	return RetryableCode(e.Code)
}

// RetryableCode reports whether a failure with code may be retried.
// The empty code (a plain error) is retryable.
func RetryableCode(code string) bool {
	return !nonRetryable[code]
}

// NewError creates a new RuntimeError.
func NewError(code, message string) *RuntimeError {
	return &RuntimeError{Code: code, Message: message}
}

// NewErrorf creates a new RuntimeError with a formatted message.
func NewErrorf(code, format string, args ...any) *RuntimeError {
	return &RuntimeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *RuntimeError) WithStep(stepID string) *RuntimeError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *RuntimeError) WithCause(err error) *RuntimeError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *RuntimeError) WithDetails(details map[string]any) *RuntimeError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first RuntimeError in err's chain, or "".
func CodeOf(err error) string {
	var rtErr *RuntimeError
	if errors.As(err, &rtErr) {
		return rtErr.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
