package actions

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/rendis/convo/internal/isolation"
	"github.com/rendis/convo/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shellScriptAction(t *testing.T, limits isolation.Limits) *ScriptAction {
	t.Helper()
	if _, err := exec.LookPath("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
	return NewScriptAction(ScriptConfig{
		Isolator:     isolation.NewProcessIsolator(limits),
		Interpreters: map[string]Interpreter{"sh": {Command: []string{"/bin/sh"}}},
	})
}

func TestScript_JSONStdoutBecomesResult(t *testing.T) {
	a := shellScriptAction(t, isolation.Limits{})

	out, err := a.Execute(context.Background(), ActionInput{
		Params:   map[string]any{"language": "sh", "code": `read -r line; printf '{"echo": %s}' "$line"`},
		Bindings: map[string]any{"variables": map[string]any{"n": 1.0}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"variables": map[string]any{"n": 1.0}}, out.Data["echo"])
	assert.Equal(t, 0, out.Data["exit_code"])
}

func TestScript_PlainStdout(t *testing.T) {
	a := shellScriptAction(t, isolation.Limits{})

	out, err := a.Execute(context.Background(), ActionInput{
		Params: map[string]any{"language": "sh", "code": "echo hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Data["stdout"])
}

func TestScript_Failures(t *testing.T) {
	a := shellScriptAction(t, isolation.Limits{Timeout: 100 * time.Millisecond})

	_, err := a.Execute(context.Background(), ActionInput{Params: map[string]any{"language": "sh", "code": "exit 2"}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeActionFailed))

	_, err = a.Execute(context.Background(), ActionInput{Params: map[string]any{"language": "sh", "code": "sleep 5"}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeTimeout))

	_, err = a.Execute(context.Background(), ActionInput{Params: map[string]any{"language": "ruby", "code": "puts 1"}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = a.Execute(context.Background(), ActionInput{Params: map[string]any{"language": "sh"}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
