// Package validation checks graph documents before they are stored or run.
package validation

import (
	"github.com/rendis/convo/internal/expressions"
	"github.com/rendis/convo/pkg/schema"
)

// GraphValidator runs the validation pipeline:
//  1. Document (JSON Schema for the graph and each node config)
//  2. Structure (node ids, trigger, edge endpoints, reachability)
//  3. Semantics (per-kind config and edge checks, expression compilation,
//     registered actions and kinds)
type GraphValidator struct {
	jsonSchema *JSONSchemaValidator
	semantic   semanticChecker
}

// Option configures a GraphValidator.
type Option func(*GraphValidator)

// WithActions enables action existence checks.
func WithActions(lookup ActionLookup) Option {
	return func(v *GraphValidator) { v.semantic.actions = lookup }
}

// WithKinds enables node kind checks.
func WithKinds(lookup KindLookup) Option {
	return func(v *GraphValidator) { v.semantic.kinds = lookup }
}

// NewGraphValidator creates a GraphValidator. Conditions and jq queries are
// always compiled; action and kind checks need their options.
func NewGraphValidator(opts ...Option) (*GraphValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	conds, err := expressions.NewConditions()
	if err != nil {
		return nil, err
	}
	v := &GraphValidator{
		jsonSchema: jsv,
		semantic: semanticChecker{
			conditions: conds,
			queries:    expressions.NewGoJQEngine(),
		},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate runs the pipeline and returns every issue found. Document errors
// short-circuit: structure and semantics are skipped.
func (v *GraphValidator) Validate(g *schema.Graph) *schema.ValidationResult {
	if g == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "graph is nil")
		return r
	}

	result := v.validateDocument(g)
	if !result.Valid() {
		return result
	}
	result.Merge(validateStructure(g))
	result.Merge(v.semantic.validateSemantic(g))
	return result
}

// ValidateGraph returns the pipeline result as an error, nil when valid.
func (v *GraphValidator) ValidateGraph(g *schema.Graph) error {
	return v.Validate(g).ToError()
}

// ValidateInput validates a run seed against the graph's declared input
// schema, metadata.input_schema, if it has one.
func (v *GraphValidator) ValidateInput(g *schema.Graph, input map[string]any) error {
	raw, ok := inputSchema(g)
	if !ok {
		return nil
	}
	return v.jsonSchema.ValidateInput(input, raw)
}

func (v *GraphValidator) validateDocument(g *schema.Graph) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err := v.jsonSchema.ValidateGraph(g); err != nil {
		for _, msg := range violations(err) {
			result.AddError("/", schema.ErrCodeValidation, msg)
		}
		return result
	}
	for _, n := range g.Nodes {
		if err := v.jsonSchema.ValidateConfig(n); err != nil {
			for _, msg := range violations(err) {
				result.AddNodeError(n.ID, schema.ErrCodeValidation, "config "+msg)
			}
		}
	}
	if _, ok := g.Metadata[metadataInputSchema]; ok {
		raw, _ := inputSchema(g)
		if _, err := v.jsonSchema.getOrCompile(raw); err != nil {
			result.AddError("metadata."+metadataInputSchema, schema.ErrCodeValidation, err.Error())
		}
	}
	return result
}
