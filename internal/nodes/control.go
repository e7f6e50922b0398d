package nodes

import (
	"context"
	"reflect"
	"strings"

	"github.com/rendis/convo/internal/expressions"
	"github.com/rendis/convo/internal/state"
	"github.com/rendis/convo/pkg/schema"
)

// triggerHandler is the entry point; it only follows its edge.
type triggerHandler struct{}

func (triggerHandler) Kind() schema.NodeKind { return schema.KindTrigger }

func (triggerHandler) Handle(_ context.Context, in *Input) (*StepResult, error) {
	return &StepResult{NextNodeID: nextUnconditional(in.Edges)}, nil
}

// endHandler marks a terminal node.
type endHandler struct{}

func (endHandler) Kind() schema.NodeKind { return schema.KindEnd }

func (endHandler) Handle(context.Context, *Input) (*StepResult, error) {
	return &StepResult{}, nil
}

// conditionEvaluator is satisfied by *expressions.Conditions.
type conditionEvaluator interface {
	Evaluate(ctx context.Context, language, expression string, st *state.Context) (bool, error)
}

type branchHandler struct {
	conditions conditionEvaluator
}

func (h *branchHandler) Kind() schema.NodeKind { return schema.KindBranch }

func (h *branchHandler) Handle(ctx context.Context, in *Input) (*StepResult, error) {
	cfg, err := decodeConfig[schema.BranchConfig](in.Node)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Condition) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "branch node needs a condition").WithNode(in.Node.ID)
	}
	ok, err := h.conditions.Evaluate(ctx, cfg.Language, cfg.Condition, in.State)
	if err != nil {
		return nil, schema.AsConvoError(err, schema.ErrCodeExpression).WithNode(in.Node.ID)
	}
	label := schema.LabelFalse
	if ok {
		label = schema.LabelTrue
	}
	return &StepResult{
		NextNodeID: nextLabeled(in.Edges, label),
		Output:     map[string]any{"result": ok},
	}, nil
}

type switchHandler struct {
	conditions conditionEvaluator
}

func (h *switchHandler) Kind() schema.NodeKind { return schema.KindSwitch }

func (h *switchHandler) Handle(ctx context.Context, in *Input) (*StepResult, error) {
	cfg, err := decodeConfig[schema.SwitchConfig](in.Node)
	if err != nil {
		return nil, err
	}

	var matched string
	switch {
	case cfg.Value != "":
		matched = strings.TrimSpace(expressions.Interpolate(cfg.Value, in.State))
	case len(cfg.Cases) > 0:
		for _, c := range cfg.Cases {
			ok, err := h.conditions.Evaluate(ctx, cfg.Language, c.Condition, in.State)
			if err != nil {
				return nil, schema.AsConvoError(err, schema.ErrCodeExpression).WithNode(in.Node.ID)
			}
			if ok {
				matched = c.Label
				break
			}
		}
	default:
		return nil, schema.NewError(schema.ErrCodeValidation, "switch node needs a value or cases").WithNode(in.Node.ID)
	}

	return &StepResult{
		NextNodeID: nextLabeled(in.Edges, matched),
		Output:     map[string]any{"matched": matched},
	}, nil
}

// loopHandler runs only on first arrival at a loop node. Later arrivals are
// handled by the orchestrator from the frame on top of the loop stack.
type loopHandler struct{}

func (loopHandler) Kind() schema.NodeKind { return schema.KindLoop }

func (loopHandler) Handle(_ context.Context, in *Input) (*StepResult, error) {
	cfg, err := decodeConfig[schema.LoopConfig](in.Node)
	if err != nil {
		return nil, err
	}
	items, err := resolveItems(cfg.Items, in.State)
	if err != nil {
		return nil, schema.AsConvoError(err, schema.ErrCodeValidation).WithNode(in.Node.ID)
	}
	if cfg.MaxItems > 0 && len(items) > cfg.MaxItems {
		items = items[:cfg.MaxItems]
	}

	if len(items) == 0 {
		done, _ := FindEdge(in.Edges, schema.LabelDone)
		return &StepResult{NextNodeID: done, Output: map[string]any{"count": 0}}, nil
	}

	body, ok := FindEdge(in.Edges, schema.LabelBody)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeGraph, "loop node %s has no %q edge", in.Node.ID, schema.LabelBody).WithNode(in.Node.ID)
	}
	in.State.PushFrame(state.LoopFrame{
		LoopNodeID: in.Node.ID,
		Items:      items,
		ItemVar:    cfg.ItemVar,
		IndexVar:   cfg.IndexVar,
	})
	return &StepResult{NextNodeID: body, Output: map[string]any{"count": len(items)}}, nil
}

// resolveItems accepts an inline list, a context path or a {{path}} template.
func resolveItems(spec any, st *state.Context) ([]any, error) {
	switch v := spec.(type) {
	case nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "loop node needs items")
	case string:
		path := strings.TrimSpace(v)
		if strings.HasPrefix(path, "{{") && strings.HasSuffix(path, "}}") {
			path = strings.TrimSpace(path[2 : len(path)-2])
		}
		val, ok := st.Lookup(path)
		if !ok {
			return nil, nil
		}
		list, ok := toList(val)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "loop items %q is not a list", path)
		}
		return list, nil
	default:
		list, ok := toList(expressions.InterpolateValue(v, st))
		if !ok {
			return nil, schema.NewError(schema.ErrCodeValidation, "loop items must be a list or a context path")
		}
		return list, nil
	}
}

func toList(v any) ([]any, bool) {
	if list, ok := v.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
