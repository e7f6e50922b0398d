package expressions

import (
	"context"
	"encoding/json"

	"github.com/itchyny/gojq"
	"github.com/rendis/convo/internal/state"
	"github.com/rendis/convo/pkg/schema"
)

// GoJQEngine runs jq queries over the context namespaces. It backs the
// transform node: `.input.items | map(.sku)`.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

// NewGoJQEngine creates a new jq engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache[*gojq.Code]()}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs the query with the namespaces object as input. A single
// output is returned as is; several are collected into a slice.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, c *state.Context) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	code, err := e.programs.getOrCompile(expression, compileJQ)
	if err != nil {
		return nil, err
	}

	input, err := normalizeForJQ(c.Namespaces())
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExpression, "context is not JSON-representable").WithCause(err)
	}

	iter := code.RunWithContext(ctx, input)
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func compileJQ(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// Sandbox: empty environment blocks $ENV.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return code, nil
}

// normalizeForJQ converts the namespaces to the plain JSON types gojq
// accepts ([]string and int32 are not among them).
func normalizeForJQ(v map[string]any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var _ Engine = (*GoJQEngine)(nil)

// Check compiles a jq query without running it.
func (e *GoJQEngine) Check(expression string) error {
	if expression == "" {
		return schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	_, err := e.programs.getOrCompile(expression, compileJQ)
	return err
}
