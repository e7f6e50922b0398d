package nodes

import (
	"context"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/convo/internal/actions"
	"github.com/rendis/convo/internal/expressions"
	"github.com/rendis/convo/internal/state"
	"github.com/rendis/convo/pkg/schema"
)

// errorOutput folds an action failure into node output.
func errorOutput(err error) map[string]any {
	ce := schema.AsConvoError(err, schema.ErrCodeActionFailed)
	e := map[string]any{"code": ce.Code, "message": ce.Message}
	if len(ce.Details) > 0 {
		e["details"] = ce.Details
	}
	return map[string]any{"error": e}
}

// folded builds the result of a failed action node: the run moves on.
func folded(in *Input, err error) *StepResult {
	return &StepResult{NextNodeID: nextUnconditional(in.Edges), Output: errorOutput(err)}
}

// succeeded clears any error left by an earlier action node.
func succeeded(in *Input, out map[string]any) *StepResult {
	if out == nil {
		out = map[string]any{}
	}
	out["error"] = nil
	return &StepResult{NextNodeID: nextUnconditional(in.Edges), Output: out}
}

// Set-variable modes.
const (
	ModeSet       = "set"
	ModeAppend    = "append"
	ModeIncrement = "increment"
)

type exprEvaluator interface {
	Evaluate(ctx context.Context, expression string, c *state.Context) (any, error)
}

type setVariableHandler struct {
	expr exprEvaluator
}

func (h *setVariableHandler) Kind() schema.NodeKind { return schema.KindSetVariable }

func (h *setVariableHandler) Handle(ctx context.Context, in *Input) (*StepResult, error) {
	cfg, err := decodeConfig[schema.SetVariableConfig](in.Node)
	if err != nil {
		return folded(in, err), nil
	}

	var value any
	if cfg.Expression != "" {
		value, err = h.expr.Evaluate(ctx, cfg.Expression, in.State)
		if err != nil {
			return folded(in, err), nil
		}
	} else {
		value = expressions.InterpolateValue(cfg.Value, in.State)
	}

	current, _ := in.State.Variable(cfg.Name)
	switch cfg.Mode {
	case "", ModeSet:
	case ModeAppend:
		value = appendValue(current, value)
	case ModeIncrement:
		value, err = incrementValue(current, value)
		if err != nil {
			return folded(in, err), nil
		}
	default:
		return folded(in, schema.NewErrorf(schema.ErrCodeValidation, "set_variable: unknown mode %q", cfg.Mode)), nil
	}

	if err := in.State.SetVariable(cfg.Name, value); err != nil {
		return folded(in, err), nil
	}
	return succeeded(in, nil), nil
}

func appendValue(current, value any) any {
	switch cur := current.(type) {
	case nil:
		return []any{value}
	case []any:
		out := make([]any, len(cur), len(cur)+1)
		copy(out, cur)
		return append(out, value)
	default:
		if list, ok := toList(cur); ok {
			return append(list, value)
		}
		return []any{cur, value}
	}
}

func incrementValue(current, delta any) (any, error) {
	step := 1.0
	if delta != nil {
		d, ok := toNumber(delta)
		if !ok {
			return nil, schema.NewError(schema.ErrCodeValidation, "set_variable: increment value is not a number")
		}
		step = d
	}
	base := 0.0
	if current != nil {
		b, ok := toNumber(current)
		if !ok {
			return nil, schema.NewError(schema.ErrCodeValidation, "set_variable: current value is not a number")
		}
		base = b
	}
	return base + step, nil
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

type transformHandler struct {
	jq exprEvaluator
}

func (h *transformHandler) Kind() schema.NodeKind { return schema.KindTransform }

func (h *transformHandler) Handle(ctx context.Context, in *Input) (*StepResult, error) {
	cfg, err := decodeConfig[schema.TransformConfig](in.Node)
	if err != nil {
		return folded(in, err), nil
	}
	result, err := h.jq.Evaluate(ctx, cfg.Query, in.State)
	if err != nil {
		return folded(in, err), nil
	}
	if cfg.Target != "" {
		if err := in.State.SetVariable(cfg.Target, result); err != nil {
			return folded(in, err), nil
		}
	}
	return succeeded(in, map[string]any{"result": result}), nil
}

type sendMessageHandler struct{}

func (sendMessageHandler) Kind() schema.NodeKind { return schema.KindSendMessage }

func (sendMessageHandler) Handle(_ context.Context, in *Input) (*StepResult, error) {
	cfg, err := decodeConfig[schema.SendMessageConfig](in.Node)
	if err != nil {
		return folded(in, err), nil
	}
	eff := &Effect{
		Kind:  EffectMessage,
		Text:  expressions.Interpolate(cfg.Text, in.State),
		Media: expressions.Interpolate(cfg.MediaURL, in.State),
	}
	for _, b := range cfg.Buttons {
		eff.Buttons = append(eff.Buttons, expressions.Interpolate(b, in.State))
	}
	if eff.Text == "" && eff.Media == "" {
		return folded(in, schema.NewError(schema.ErrCodeValidation, "send_message needs text or media_url")), nil
	}

	res := succeeded(in, map[string]any{"message": eff.Text})
	res.Effect = eff
	return res, nil
}

// actionHandler serves every node kind backed by a registered action.
// fixed names the action for http_request, script and mcp_call; the generic
// action kind reads it from config.
type actionHandler struct {
	kind    schema.NodeKind
	fixed   string
	invoker *actions.Invoker
}

func (h *actionHandler) Kind() schema.NodeKind { return h.kind }

func (h *actionHandler) Handle(ctx context.Context, in *Input) (*StepResult, error) {
	cfg, err := decodeConfig[schema.ActionConfig](in.Node)
	if err != nil {
		return folded(in, err), nil
	}
	name := h.fixed
	if name == "" {
		name = cfg.Action
	}
	if name == "" {
		return folded(in, schema.NewError(schema.ErrCodeValidation, "action node needs an action name")), nil
	}

	var timeout time.Duration
	if cfg.Timeout != "" {
		timeout, err = time.ParseDuration(cfg.Timeout)
		if err != nil {
			return folded(in, schema.NewErrorf(schema.ErrCodeValidation, "invalid timeout %q", cfg.Timeout)), nil
		}
	}

	out, err := h.invoker.Invoke(ctx, actions.Call{
		Action: name,
		Input: actions.ActionInput{
			Params:   expressions.InterpolateMap(cfg.Params, in.State),
			Bindings: in.State.Namespaces(),
			RunID:    in.RunID,
			NodeID:   in.Node.ID,
		},
		Timeout: timeout,
		Retry:   cfg.Retry,
	})
	if err != nil {
		return folded(in, err), nil
	}

	data := map[string]any{}
	if out != nil {
		maps.Copy(data, out.Data)
	}
	if cfg.ResultVar != "" {
		if err := in.State.SetVariable(cfg.ResultVar, maps.Clone(data)); err != nil {
			return folded(in, err), nil
		}
	}
	return succeeded(in, data), nil
}
