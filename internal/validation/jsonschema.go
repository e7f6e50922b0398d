package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/convo/pkg/schema"
)

const schemaBase = "https://convo.dev/schemas/"

// graphSchemaJSON is the JSON Schema for graph documents. Node configs are
// checked separately against configSchemas.
const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://convo.dev/schemas/graph.json",
  "type": "object",
  "required": ["id", "nodes"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "version": { "type": "string" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/edge" }
    },
    "globals": { "type": ["object", "null"] },
    "metadata": { "type": ["object", "null"] }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "kind"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "kind": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "config": { "type": ["object", "null"] }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "label": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

const durationPattern = `^[0-9]+(ns|us|µs|ms|s|m|h)$`

const actionSchemaJSON = `{
  "type": "object",
  "properties": {
    "action": { "type": "string", "minLength": 1 },
    "params": { "type": "object" },
    "result_var": { "type": "string" },
    "timeout": { "type": "string", "pattern": "` + durationPattern + `" },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": { "type": "integer", "minimum": 0 },
        "backoff": { "type": "string", "enum": ["none", "linear", "exponential", "constant"] },
        "delay": { "type": "string", "pattern": "` + durationPattern + `" },
        "max_delay": { "type": "string", "pattern": "` + durationPattern + `" }
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false%s
}`

// configSchemas holds the JSON Schema of each built-in node kind's config.
var configSchemas = map[schema.NodeKind]string{
	schema.KindTrigger: `{"type": "object"}`,
	schema.KindEnd:     `{"type": "object"}`,
	schema.KindBranch: `{
  "type": "object",
  "required": ["condition"],
  "properties": {
    "condition": { "type": "string", "minLength": 1 },
    "language": { "enum": ["", "cel", "expr"] }
  },
  "additionalProperties": false
}`,
	schema.KindSwitch: `{
  "type": "object",
  "properties": {
    "value": { "type": "string" },
    "cases": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["label", "condition"],
        "properties": {
          "label": { "type": "string", "minLength": 1 },
          "condition": { "type": "string", "minLength": 1 }
        },
        "additionalProperties": false
      }
    },
    "language": { "enum": ["", "cel", "expr"] }
  },
  "anyOf": [
    { "required": ["value"], "properties": { "value": { "minLength": 1 } } },
    { "required": ["cases"], "properties": { "cases": { "minItems": 1 } } }
  ],
  "additionalProperties": false
}`,
	schema.KindLoop: `{
  "type": "object",
  "required": ["items"],
  "properties": {
    "items": { "type": ["string", "array"] },
    "item_var": { "type": "string", "pattern": "^[A-Za-z][A-Za-z0-9_]*$" },
    "index_var": { "type": "string", "pattern": "^[A-Za-z][A-Za-z0-9_]*$" },
    "max_items": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": false
}`,
	schema.KindWaitTimer: `{
  "type": "object",
  "properties": {
    "seconds": { "type": "integer", "minimum": 0 },
    "duration": { "type": "string", "pattern": "` + durationPattern + `" }
  },
  "additionalProperties": false
}`,
	schema.KindWaitReply: `{
  "type": "object",
  "properties": {
    "variable": { "type": "string" },
    "reply_field": { "type": "string" },
    "mapping": { "type": "object", "additionalProperties": { "type": "string" } },
    "prompt": { "type": "string" },
    "timeout_seconds": { "type": "integer", "minimum": 0 },
    "on_timeout": { "enum": ["", "terminate", "goto"] },
    "timeout_target": { "type": "string" }
  },
  "additionalProperties": false
}`,
	schema.KindSetVariable: `{
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "value": {},
    "mode": { "enum": ["", "set", "append", "increment"] },
    "expression": { "type": "string" }
  },
  "additionalProperties": false
}`,
	schema.KindTransform: `{
  "type": "object",
  "required": ["query", "target"],
  "properties": {
    "query": { "type": "string", "minLength": 1 },
    "target": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`,
	schema.KindSendMessage: `{
  "type": "object",
  "properties": {
    "text": { "type": "string" },
    "media_url": { "type": "string" },
    "buttons": { "type": "array", "items": { "type": "string" } }
  },
  "anyOf": [
    { "required": ["text"] },
    { "required": ["media_url"] }
  ],
  "additionalProperties": false
}`,
	schema.KindAction:      fmt.Sprintf(actionSchemaJSON, `, "required": ["action"]`),
	schema.KindHTTPRequest: fmt.Sprintf(actionSchemaJSON, ""),
	schema.KindScript:      fmt.Sprintf(actionSchemaJSON, ""),
	schema.KindMCPCall:     fmt.Sprintf(actionSchemaJSON, ""),
}

// JSONSchemaValidator checks graph documents, node configs and run inputs
// against JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	graphSchema   *jsonschema.Schema
	configSchemas map[schema.NodeKind]*jsonschema.Schema

	// mu guards the cache of dynamically compiled input schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the graph and node config schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	graphURL := schemaBase + "graph.json"
	if err := addResource(c, graphURL, graphSchemaJSON); err != nil {
		return nil, err
	}
	graphSchema, err := c.Compile(graphURL)
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}

	configs := make(map[schema.NodeKind]*jsonschema.Schema, len(configSchemas))
	for kind, src := range configSchemas {
		url := schemaBase + "config/" + string(kind) + ".json"
		if err := addResource(c, url, src); err != nil {
			return nil, err
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s config schema: %w", kind, err)
		}
		configs[kind] = compiled
	}

	return &JSONSchemaValidator{
		graphSchema:   graphSchema,
		configSchemas: configs,
		cache:         make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateGraph validates a graph document against the graph schema.
func (v *JSONSchemaValidator) ValidateGraph(g *schema.Graph) error {
	if g == nil {
		return schema.NewError(schema.ErrCodeValidation, "graph is nil")
	}
	doc, err := toJSONValue(g)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize graph").WithCause(err)
	}
	if err := v.graphSchema.Validate(doc); err != nil {
		return toConvoError(err)
	}
	return nil
}

// ValidateConfig validates a node's config block against the schema of its
// kind. Kinds without a schema are accepted as is.
func (v *JSONSchemaValidator) ValidateConfig(node schema.Node) error {
	compiled, ok := v.configSchemas[node.Kind]
	if !ok {
		return nil
	}
	raw := string(node.Config)
	if raw == "" || raw == "null" {
		raw = "{}"
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "config is not valid JSON: %s", err.Error()).
			WithNode(node.ID).WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toConvoError(err).WithNode(node.ID)
	}
	return nil
}

// ValidateInput validates input data against a JSON Schema provided as raw bytes.
// The schema is compiled and cached for subsequent calls with the same schema.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toConvoError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	url := fmt.Sprintf("convo://input-schema/%d", len(v.cache))
	c := newCompiler()
	if err := addResource(c, url, key); err != nil {
		return nil, err
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

func addResource(c *jsonschema.Compiler, url, src string) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return fmt.Errorf("unmarshal schema %s: %w", url, err)
	}
	if err := c.AddResource(url, doc); err != nil {
		return fmt.Errorf("add schema resource %s: %w", url, err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toConvoError converts a jsonschema.ValidationError into a ConvoError whose
// details list every leaf violation.
func toConvoError(err error) *schema.ConvoError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

// violations extracts the violation list from a toConvoError result.
func violations(err error) []string {
	ce, ok := err.(*schema.ConvoError)
	if !ok {
		return []string{err.Error()}
	}
	if list, ok := ce.Details["violations"].([]string); ok {
		return list
	}
	return []string{ce.Message}
}

const metadataInputSchema = "input_schema"

// inputSchema returns the graph's metadata.input_schema encoded as JSON.
func inputSchema(g *schema.Graph) ([]byte, bool) {
	v, ok := g.Metadata[metadataInputSchema]
	if !ok || v == nil {
		return nil, false
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return raw, true
}
