package actions

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/rendis/convo/internal/isolation"
	"github.com/rendis/convo/pkg/schema"
)

// Interpreter describes how to run one script language.
type Interpreter struct {
	Command  []string `yaml:"command" json:"command"`
	FileName string   `yaml:"file_name" json:"file_name"`
}

// DefaultInterpreters maps language names to interpreters found on most hosts.
func DefaultInterpreters() map[string]Interpreter {
	return map[string]Interpreter{
		"sh":     {Command: []string{"/bin/sh"}, FileName: "main.sh"},
		"python": {Command: []string{"python3", "-I"}, FileName: "main.py"},
		"node":   {Command: []string{"node"}, FileName: "main.js"},
	}
}

// ScriptConfig configures the script.run action.
type ScriptConfig struct {
	Isolator     isolation.Isolator
	Interpreters map[string]Interpreter
}

const scriptInputSchema = `{
  "type": "object",
  "properties": {
    "language": {"type": "string"},
    "code": {"type": "string"},
    "workdir": {"type": "string"}
  },
  "required": ["language", "code"]
}`

// ScriptAction implements "script.run". The script never runs in process:
// it is handed to an isolation.Isolator with the run context as JSON on
// stdin. Stdout that parses as a JSON object becomes the result; any other
// stdout is returned under "stdout".
type ScriptAction struct {
	isolator     isolation.Isolator
	interpreters map[string]Interpreter
}

// NewScriptAction creates the script.run action.
func NewScriptAction(cfg ScriptConfig) *ScriptAction {
	if cfg.Isolator == nil {
		cfg.Isolator = isolation.NewProcessIsolator(isolation.Limits{})
	}
	if cfg.Interpreters == nil {
		cfg.Interpreters = DefaultInterpreters()
	}
	return &ScriptAction{isolator: cfg.Isolator, interpreters: cfg.Interpreters}
}

func (a *ScriptAction) Name() string { return "script.run" }

func (a *ScriptAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Run a script in an isolated process with read-only context bindings on stdin.",
		InputSchema: json.RawMessage(scriptInputSchema),
	}
}

func (a *ScriptAction) Validate(params map[string]any) error {
	if stringParam(params, "code", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "script.run: missing required param 'code'")
	}
	lang := stringParam(params, "language", "")
	if _, ok := a.interpreters[lang]; !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "script.run: unsupported language %q (available: %s)",
			lang, strings.Join(a.languages(), ", "))
	}
	return nil
}

func (a *ScriptAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	if err := a.Validate(params); err != nil {
		return nil, err
	}
	interp := a.interpreters[stringParam(params, "language", "")]

	res, err := a.isolator.Run(ctx, isolation.Job{
		Interpreter: interp.Command,
		FileName:    interp.FileName,
		Source:      stringParam(params, "code", ""),
		Bindings:    input.Bindings,
		WorkDir:     stringParam(params, "workdir", ""),
	})
	if err != nil {
		return nil, err
	}

	data := map[string]any{
		"exit_code":   res.ExitCode,
		"stderr":      string(res.Stderr),
		"duration_ms": res.Duration.Milliseconds(),
	}

	if res.Killed {
		return nil, schema.NewError(schema.ErrCodeTimeout, "script.run: script killed after deadline").WithDetails(data)
	}
	if res.ExitCode != 0 {
		return nil, schema.NewErrorf(schema.ErrCodeActionFailed, "script.run: exited with code %d", res.ExitCode).WithDetails(data)
	}

	var obj map[string]any
	if len(res.Stdout) > 0 && json.Unmarshal(res.Stdout, &obj) == nil {
		for k, v := range obj {
			data[k] = v
		}
	} else {
		data["stdout"] = strings.TrimRight(string(res.Stdout), "\n")
	}
	return &ActionOutput{Data: data}, nil
}

func (a *ScriptAction) languages() []string {
	out := make([]string, 0, len(a.interpreters))
	for k := range a.interpreters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
