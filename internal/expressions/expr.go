package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/convo/internal/state"
	"github.com/rendis/convo/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions. It backs set_variable
// expressions and branch conditions declared with language: expr.
// Namespaces are top-level identifiers: variables.count + 1.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

// NewExprEngine creates a new expr-lang engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return schema.LanguageExpr }

func (e *ExprEngine) Evaluate(_ context.Context, expression string, c *state.Context) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	prg, err := e.programs.getOrCompile(expression, compileExpr)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, c.Namespaces())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// compileExpr compiles against an untyped environment so one program serves
// every run regardless of the concrete variable types.
func compileExpr(expression string) (*vm.Program, error) {
	env := map[string]any{
		state.NSGlobals:   map[string]any{},
		state.NSInput:     map[string]any{},
		state.NSOutput:    map[string]any{},
		state.NSVariables: map[string]any{},
	}
	prg, err := expr.Compile(expression, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
