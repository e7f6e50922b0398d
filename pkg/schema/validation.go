package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single graph validation problem with location context.
type ValidationIssue struct {
	Path     string             `json:"path"`
	NodeID   string             `json:"node_id,omitempty"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	return fmt.Sprintf("%s %s: %s", i.Severity, i.Path, i.Message)
}

// ValidationResult aggregates all issues found while validating a graph.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors. Warnings are acceptable.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// AddNodeError appends an error located at a node.
func (r *ValidationResult) AddNodeError(nodeID, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: nodePath(nodeID), NodeID: nodeID, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddNodeWarning appends a warning located at a node.
func (r *ValidationResult) AddNodeWarning(nodeID, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: nodePath(nodeID), NodeID: nodeID, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError converts the result to a ConvoError if invalid, nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		parts := make([]string, 0, len(r.Errors))
		for _, issue := range r.Errors {
			parts = append(parts, issue.Message)
		}
		msg = fmt.Sprintf("graph invalid with %d errors: %s", len(r.Errors), strings.Join(parts, "; "))
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}

func nodePath(nodeID string) string {
	return "nodes[" + nodeID + "]"
}
