package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeConflict   = "CONFLICT"
	ErrCodeAuth       = "AUTH_ERROR"
	ErrCodeExecution  = "EXECUTION_ERROR"
	ErrCodeStore      = "STORE_ERROR"
	ErrCodeQueue      = "QUEUE_ERROR"
)

// HooklineError is the structured error type for all hookline operations.
type HooklineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *HooklineError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *HooklineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new HooklineError.
func NewError(code, message string) *HooklineError {
	return &HooklineError{Code: code, Message: message}
}

// NewErrorf creates a new HooklineError with a formatted message.
func NewErrorf(code, format string, args ...any) *HooklineError {
	return &HooklineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *HooklineError) WithStep(stepID string) *HooklineError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *HooklineError) WithCause(err error) *HooklineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *HooklineError) WithDetails(details map[string]any) *HooklineError {
	e.Details = details
	return e
}

// IsNotFound reports whether err is a HooklineError with code NOT_FOUND.
func IsNotFound(err error) bool {
	he, ok := err.(*HooklineError)
	return ok && he.Code == ErrCodeNotFound
}
