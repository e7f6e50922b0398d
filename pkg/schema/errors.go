package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeLocked            = "LOCKED"
	ErrCodeGraph             = "GRAPH_ERROR"
	ErrCodeIterationLimit    = "ITERATION_LIMIT"
	ErrCodeHandlerFault      = "HANDLER_FAULT"
	ErrCodeExpired           = "EXPIRED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeActionUnavailable = "ACTION_UNAVAILABLE"
	ErrCodeActionFailed      = "ACTION_FAILED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeIsolation         = "ISOLATION_ERROR"
	ErrCodePathDenied        = "PATH_DENIED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
)

// ConvoError is the structured error type for all engine operations.
type ConvoError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ConvoError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ConvoError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ConvoError.
func NewError(code, message string) *ConvoError {
	return &ConvoError{Code: code, Message: message}
}

// NewErrorf creates a new ConvoError with a formatted message.
func NewErrorf(code, format string, args ...any) *ConvoError {
	return &ConvoError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *ConvoError) WithNode(nodeID string) *ConvoError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *ConvoError) WithCause(err error) *ConvoError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ConvoError) WithDetails(details map[string]any) *ConvoError {
	e.Details = details
	return e
}

// IsRetryable reports whether an action failing with this error may be retried.
func (e *ConvoError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodePathDenied, ErrCodeActionUnavailable,
		ErrCodeCircuitOpen, ErrCodeExpression, ErrCodeInterpolation:
		return false
	}
	return true
}

// IsCode reports whether err is (or wraps) a ConvoError with the given code.
func IsCode(err error, code string) bool {
	var ce *ConvoError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == code
}

// AsConvoError converts any error into a ConvoError, wrapping foreign errors
// under fallbackCode.
func AsConvoError(err error, fallbackCode string) *ConvoError {
	if err == nil {
		return nil
	}
	var ce *ConvoError
	if errors.As(err, &ce) {
		return ce
	}
	return NewError(fallbackCode, err.Error()).WithCause(err)
}
