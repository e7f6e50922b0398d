package expressions

import (
	"context"

	"github.com/rendis/convo/internal/state"
	"github.com/rendis/convo/pkg/schema"
)

// Engine evaluates an expression against a run context.
// Three implementations: CEL and expr-lang (conditions, computed values),
// GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, c *state.Context) (any, error)
}

// Conditions evaluates branch and switch conditions in the language the
// node declares. The empty language selects the built-in grammar.
type Conditions struct {
	cel  *CELEngine
	expr *ExprEngine
}

// NewConditions builds the condition evaluator with its CEL and expr-lang
// engines.
func NewConditions() (*Conditions, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Conditions{cel: celEngine, expr: NewExprEngine()}, nil
}

// Evaluate returns the truth value of expression.
func (c *Conditions) Evaluate(ctx context.Context, language, expression string, st *state.Context) (bool, error) {
	switch language {
	case schema.LanguageDefault:
		return Evaluate(expression, st)
	case schema.LanguageCEL:
		out, err := c.cel.Evaluate(ctx, expression, st)
		if err != nil {
			return false, err
		}
		return IsTruthy(out), nil
	case schema.LanguageExpr:
		out, err := c.expr.Evaluate(ctx, expression, st)
		if err != nil {
			return false, err
		}
		return IsTruthy(out), nil
	}
	return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition language %q", language)
}

// Expr exposes the expr-lang engine for computed values.
func (c *Conditions) Expr() *ExprEngine { return c.expr }

// Check compiles expression in language without evaluating it.
func (c *Conditions) Check(language, expression string) error {
	if expression == "" {
		return schema.NewError(schema.ErrCodeValidation, "empty condition")
	}
	switch language {
	case schema.LanguageDefault:
		_, err := Compile(expression)
		return err
	case schema.LanguageCEL:
		_, err := c.cel.programs.getOrCompile(expression, c.cel.compile)
		return err
	case schema.LanguageExpr:
		_, err := c.expr.programs.getOrCompile(expression, compileExpr)
		return err
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "unknown condition language %q", language)
}
