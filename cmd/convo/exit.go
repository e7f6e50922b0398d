package main

import (
	"errors"
	"fmt"

	"github.com/rendis/convo/pkg/schema"
)

// Exit codes.
const (
	exitRuntime    = 1
	exitValidation = 2
	exitNotFound   = 3
	exitBusy       = 4
	exitInputParse = 5
)

// ExitError is an error that carries a specific process exit code.
// Cobra's RunE returns this to signal the desired exit code to main.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// exitError creates a new ExitError with the given code and formatted message.
func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// exitCode maps an error returned by a command to the process exit code.
func exitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var ce *schema.ConvoError
	if errors.As(err, &ce) {
		switch ce.Code {
		case schema.ErrCodeValidation, schema.ErrCodeGraph, schema.ErrCodeExpression, schema.ErrCodeActionUnavailable:
			return exitValidation
		case schema.ErrCodeNotFound:
			return exitNotFound
		case schema.ErrCodeConflict, schema.ErrCodeLocked, schema.ErrCodeInvalidTransition, schema.ErrCodeExpired:
			return exitBusy
		}
	}
	return exitRuntime
}
