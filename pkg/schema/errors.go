package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeStructural = "STRUCTURAL_ERROR"
	ErrCodeCycle      = "CYCLE_DETECTED"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeState      = "STATE_ERROR"
	ErrCodeCatalog    = "CATALOG_ERROR"
	ErrCodeExpression = "EXPRESSION_ERROR"
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeStore      = "STORE_ERROR"
)

// StudyError is the structured error type for all studygraph operations.
type StudyError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Command string         `json:"command,omitempty"`
	Cause   error          `json:"-"`
}

func (e *StudyError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("[%s] command %s: %s", e.Code, e.Command, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *StudyError) Unwrap() error {
	return e.Cause
}

// NewError creates a new StudyError.
func NewError(code, message string) *StudyError {
	return &StudyError{Code: code, Message: message}
}

// NewErrorf creates a new StudyError with a formatted message.
func NewErrorf(code, format string, args ...any) *StudyError {
	return &StudyError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCommand attaches a command name to the error.
func (e *StudyError) WithCommand(name string) *StudyError {
	e.Command = name
	return e
}

// WithCause attaches an underlying cause.
func (e *StudyError) WithCause(err error) *StudyError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *StudyError) WithDetails(details map[string]any) *StudyError {
	e.Details = details
	return e
}

// CodeOf returns the structured code of err, or "" for foreign errors.
func CodeOf(err error) string {
	if se, ok := err.(*StudyError); ok {
		return se.Code
	}
	return ""
}
