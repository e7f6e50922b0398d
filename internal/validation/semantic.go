package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/convo/internal/state"
	"github.com/rendis/convo/pkg/schema"
)

// ActionLookup checks whether an action name is registered.
type ActionLookup interface {
	Has(name string) bool
}

// KindLookup checks whether a node kind has a registered handler.
type KindLookup interface {
	Has(kind schema.NodeKind) bool
}

// ConditionChecker compiles a condition without evaluating it.
type ConditionChecker interface {
	Check(language, expression string) error
}

// QueryChecker compiles a jq query without running it.
type QueryChecker interface {
	Check(expression string) error
}

// semanticChecker holds the optional lookups used by per-node checks. A nil
// lookup skips the checks that need it.
type semanticChecker struct {
	actions    ActionLookup
	kinds      KindLookup
	conditions ConditionChecker
	queries    QueryChecker
}

// validateSemantic checks each node's config against what its handler will
// do with it, and each node's outgoing edges against its kind.
func (c *semanticChecker) validateSemantic(g *schema.Graph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		ids[n.ID] = true
	}
	outgoing := make(map[string][]schema.Edge, len(g.Nodes))
	for _, e := range g.Edges {
		outgoing[e.Source] = append(outgoing[e.Source], e)
	}

	for _, n := range g.Nodes {
		if c.kinds != nil && !c.kinds.Has(n.Kind) {
			result.AddNodeError(n.ID, schema.ErrCodeValidation, fmt.Sprintf("no handler registered for kind %q", n.Kind))
			continue
		}
		edges := outgoing[n.ID]
		checkDuplicateLabels(n, edges, result)

		switch n.Kind {
		case schema.KindBranch:
			c.checkBranch(n, edges, result)
		case schema.KindSwitch:
			c.checkSwitch(n, edges, result)
		case schema.KindLoop:
			checkLoop(n, edges, result)
		case schema.KindWaitTimer:
			checkWaitTimer(n, result)
		case schema.KindWaitReply:
			checkWaitReply(n, edges, ids, result)
		case schema.KindSetVariable:
			c.checkSetVariable(n, result)
		case schema.KindTransform:
			c.checkTransform(n, result)
		case schema.KindAction, schema.KindHTTPRequest, schema.KindScript, schema.KindMCPCall:
			c.checkAction(n, result)
		}
	}
	return result
}

// checkDuplicateLabels warns when two edges leave a node with the same label;
// only the first is ever followed.
func checkDuplicateLabels(n schema.Node, edges []schema.Edge, result *schema.ValidationResult) {
	seen := make(map[string]bool, len(edges))
	for _, e := range edges {
		label := strings.ToLower(strings.TrimSpace(e.Label))
		if seen[label] {
			what := fmt.Sprintf("label %q", e.Label)
			if label == "" {
				what = "no label"
			}
			result.AddNodeWarning(n.ID, schema.ErrCodeGraph,
				fmt.Sprintf("several edges with %s, only the first is followed", what))
		}
		seen[label] = true
	}
}

func (c *semanticChecker) checkBranch(n schema.Node, edges []schema.Edge, result *schema.ValidationResult) {
	cfg, ok := decodeInto[schema.BranchConfig](n, result)
	if !ok {
		return
	}
	c.checkCondition(n, cfg.Language, cfg.Condition, result)
	if !hasLabel(edges, schema.LabelTrue) && !hasLabel(edges, schema.LabelDefault) && !hasLabel(edges, "") {
		result.AddNodeWarning(n.ID, schema.ErrCodeGraph, `branch has no "true" edge`)
	}
	if !hasLabel(edges, schema.LabelFalse) && !hasLabel(edges, schema.LabelDefault) && !hasLabel(edges, "") {
		result.AddNodeWarning(n.ID, schema.ErrCodeGraph, `branch has no "false" edge, a false condition ends the run`)
	}
}

func (c *semanticChecker) checkSwitch(n schema.Node, edges []schema.Edge, result *schema.ValidationResult) {
	cfg, ok := decodeInto[schema.SwitchConfig](n, result)
	if !ok {
		return
	}
	for _, sc := range cfg.Cases {
		c.checkCondition(n, cfg.Language, sc.Condition, result)
		if !hasLabel(edges, sc.Label) {
			result.AddNodeWarning(n.ID, schema.ErrCodeGraph, fmt.Sprintf("case %q has no matching edge", sc.Label))
		}
	}
	if !hasLabel(edges, schema.LabelDefault) {
		result.AddNodeWarning(n.ID, schema.ErrCodeGraph, `switch has no "default" edge`)
	}
}

func (c *semanticChecker) checkCondition(n schema.Node, language, expression string, result *schema.ValidationResult) {
	if c.conditions == nil {
		return
	}
	if err := c.conditions.Check(language, expression); err != nil {
		ce := schema.AsConvoError(err, schema.ErrCodeExpression)
		result.AddNodeError(n.ID, ce.Code, ce.Message)
	}
}

func checkLoop(n schema.Node, edges []schema.Edge, result *schema.ValidationResult) {
	if _, ok := decodeInto[schema.LoopConfig](n, result); !ok {
		return
	}
	if !hasLabel(edges, schema.LabelBody) {
		result.AddNodeError(n.ID, schema.ErrCodeGraph, `loop has no "body" edge`)
	}
	if !hasLabel(edges, schema.LabelDone) {
		result.AddNodeWarning(n.ID, schema.ErrCodeGraph, `loop has no "done" edge, the enclosing loop or the run continues after it`)
	}
}

func checkWaitTimer(n schema.Node, result *schema.ValidationResult) {
	cfg, ok := decodeInto[schema.WaitTimerConfig](n, result)
	if !ok {
		return
	}
	if cfg.Duration != "" {
		if _, err := time.ParseDuration(cfg.Duration); err != nil {
			result.AddNodeError(n.ID, schema.ErrCodeValidation, fmt.Sprintf("invalid duration %q", cfg.Duration))
		}
	}
}

func checkWaitReply(n schema.Node, edges []schema.Edge, ids map[string]bool, result *schema.ValidationResult) {
	cfg, ok := decodeInto[schema.WaitReplyConfig](n, result)
	if !ok {
		return
	}
	if cfg.Variable != "" {
		checkVariableName(n, cfg.Variable, result)
	}
	switch cfg.OnTimeout {
	case schema.OnTimeoutGoto:
		if cfg.TimeoutTarget == "" {
			result.AddNodeError(n.ID, schema.ErrCodeValidation, "on_timeout goto needs a timeout_target")
		} else if !ids[cfg.TimeoutTarget] {
			result.AddNodeError(n.ID, schema.ErrCodeGraph, fmt.Sprintf("timeout_target references non-existent node %q", cfg.TimeoutTarget))
		}
	case schema.OnTimeoutTerminate:
		if hasLabel(edges, schema.LabelTimeout) {
			result.AddNodeWarning(n.ID, schema.ErrCodeGraph, `"timeout" edge is ignored when on_timeout is terminate`)
		}
	}
	if cfg.TimeoutSeconds == 0 && (cfg.OnTimeout != "" || hasLabel(edges, schema.LabelTimeout)) {
		result.AddNodeWarning(n.ID, schema.ErrCodeValidation, "timeout handling is configured but timeout_seconds is 0")
	}
}

func (c *semanticChecker) checkSetVariable(n schema.Node, result *schema.ValidationResult) {
	cfg, ok := decodeInto[schema.SetVariableConfig](n, result)
	if !ok {
		return
	}
	checkVariableName(n, cfg.Name, result)
	if cfg.Expression != "" && cfg.Value != nil {
		result.AddNodeWarning(n.ID, schema.ErrCodeValidation, "value is ignored when expression is set")
	}
	if cfg.Expression != "" && c.conditions != nil {
		if err := c.conditions.Check(schema.LanguageExpr, cfg.Expression); err != nil {
			ce := schema.AsConvoError(err, schema.ErrCodeExpression)
			result.AddNodeError(n.ID, ce.Code, ce.Message)
		}
	}
}

func (c *semanticChecker) checkTransform(n schema.Node, result *schema.ValidationResult) {
	cfg, ok := decodeInto[schema.TransformConfig](n, result)
	if !ok {
		return
	}
	checkVariableName(n, cfg.Target, result)
	if c.queries != nil {
		if err := c.queries.Check(cfg.Query); err != nil {
			ce := schema.AsConvoError(err, schema.ErrCodeExpression)
			result.AddNodeError(n.ID, ce.Code, ce.Message)
		}
	}
}

// fixedActions are the actions behind the dedicated action node kinds.
var fixedActions = map[schema.NodeKind]string{
	schema.KindHTTPRequest: "http.request",
	schema.KindScript:      "script.run",
	schema.KindMCPCall:     "mcp.call",
}

func (c *semanticChecker) checkAction(n schema.Node, result *schema.ValidationResult) {
	cfg, ok := decodeInto[schema.ActionConfig](n, result)
	if !ok {
		return
	}
	name := cfg.Action
	if fixed, isFixed := fixedActions[n.Kind]; isFixed {
		name = fixed
	}
	if c.actions != nil && name != "" && !c.actions.Has(name) {
		result.AddNodeError(n.ID, schema.ErrCodeActionUnavailable, fmt.Sprintf("action %q not registered", name))
	}
	if cfg.ResultVar != "" {
		checkVariableName(n, cfg.ResultVar, result)
	}
	if cfg.Timeout != "" {
		if _, err := time.ParseDuration(cfg.Timeout); err != nil {
			result.AddNodeError(n.ID, schema.ErrCodeValidation, fmt.Sprintf("invalid timeout %q", cfg.Timeout))
		}
	}
}

func checkVariableName(n schema.Node, name string, result *schema.ValidationResult) {
	name = strings.TrimPrefix(strings.TrimSpace(name), state.NSVariables+".")
	if state.IsReserved(name) {
		result.AddNodeError(n.ID, schema.ErrCodeValidation,
			fmt.Sprintf("variable %q uses the reserved prefix %q", name, state.ReservedPrefix))
	}
}

func hasLabel(edges []schema.Edge, label string) bool {
	for _, e := range edges {
		if strings.EqualFold(strings.TrimSpace(e.Label), label) {
			return true
		}
	}
	return false
}

// decode unmarshals a node's config block.
func decode[T any](n schema.Node) (T, error) {
	var cfg T
	if len(n.Config) == 0 || string(n.Config) == "null" {
		return cfg, nil
	}
	err := json.Unmarshal(n.Config, &cfg)
	return cfg, err
}

func decodeInto[T any](n schema.Node, result *schema.ValidationResult) (T, bool) {
	cfg, err := decode[T](n)
	if err != nil {
		result.AddNodeError(n.ID, schema.ErrCodeValidation, fmt.Sprintf("invalid %s config: %s", n.Kind, err.Error()))
		return cfg, false
	}
	return cfg, true
}
