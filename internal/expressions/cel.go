package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/rendis/convo/internal/state"
	"github.com/rendis/convo/pkg/schema"
)

// CELEngine evaluates Common Expression Language conditions against the
// context namespaces. Compiled programs are cached.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine whose environment declares the four
// context namespaces as map(string, dyn):
//   - globals:   graph-level constants
//   - input:     trigger seed and merged replies
//   - output:    values produced by nodes
//   - variables: user variables (reserved keys hidden)
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable(state.NSGlobals, mapType),
		cel.Variable(state.NSInput, mapType),
		cel.Variable(state.NSOutput, mapType),
		cel.Variable(state.NSVariables, mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, programs: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return schema.LanguageCEL }

// Evaluate runs a CEL expression. The result is the native Go value.
func (e *CELEngine) Evaluate(_ context.Context, expression string, c *state.Context) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.programs.getOrCompile(expression, e.compile)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(c.Namespaces())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return prg, nil
}

var _ Engine = (*CELEngine)(nil)
