package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_AddNodeError(t *testing.T) {
	r := &ValidationResult{}
	r.AddNodeError("ask", ErrCodeGraph, "edge target missing")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "nodes[ask]", r.Errors[0].Path)
	assert.Equal(t, "ask", r.Errors[0].NodeID)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_WarningsKeepValid(t *testing.T) {
	r := &ValidationResult{}
	r.AddNodeWarning("orphan", ErrCodeGraph, "unreachable node")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeValidation, "err1")

	r2 := &ValidationResult{}
	r2.AddNodeError("b", ErrCodeGraph, "err2")
	r2.AddWarning("/edges/0", ErrCodeValidation, "warn2")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 1)
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	r.AddNodeError("a", ErrCodeGraph, "missing trigger")
	r.AddNodeError("b", ErrCodeGraph, "dangling edge")
	r.AddWarning("/", ErrCodeValidation, "warn")

	err := r.ToError()
	require.Error(t, err)

	var ce *ConvoError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrCodeValidation, ce.Code)
	assert.Contains(t, ce.Message, "2 errors")
	assert.Contains(t, ce.Message, "dangling edge")
	assert.Equal(t, 2, ce.Details["error_count"])
	assert.Equal(t, 1, ce.Details["warning_count"])
}
