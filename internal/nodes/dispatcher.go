package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/rendis/convo/internal/channel"
	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/pkg/schema"
)

// EffectDispatcher routes nodes to their handlers and applies the effects
// handlers request.
type EffectDispatcher struct {
	registry *Registry
	sender   channel.Sender
	logger   *slog.Logger
}

// NewEffectDispatcher creates a dispatcher. sender may be nil, in which case
// message effects fail and are reported by the orchestrator.
func NewEffectDispatcher(registry *Registry, sender channel.Sender, logger *slog.Logger) *EffectDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EffectDispatcher{registry: registry, sender: sender, logger: logger}
}

// Registry returns the handler registry.
func (d *EffectDispatcher) Registry() *Registry { return d.registry }

// Dispatch runs the handler for in.Node and never returns nil. Handler
// errors and panics become StepResult.Fault.
func (d *EffectDispatcher) Dispatch(ctx context.Context, in *Input) (res *StepResult) {
	h, ok := d.registry.Get(in.Node.Kind)
	if !ok {
		return &StepResult{Fault: schema.NewErrorf(schema.ErrCodeGraph, "no handler for node kind %q", in.Node.Kind).WithNode(in.Node.ID)}
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "node handler panicked",
				slog.String("kind", string(in.Node.Kind)),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())))
			res = &StepResult{Fault: schema.NewErrorf(schema.ErrCodeHandlerFault, "handler panic: %v", r).WithNode(in.Node.ID)}
		}
	}()

	res, err := h.Handle(ctx, in)
	if err != nil {
		return &StepResult{Fault: schema.AsConvoError(err, schema.ErrCodeHandlerFault).WithNode(in.Node.ID)}
	}
	if res == nil {
		res = &StepResult{}
	}
	return res
}

// Apply performs a requested side effect for run.
func (d *EffectDispatcher) Apply(ctx context.Context, run *store.Run, nodeID string, eff *Effect) error {
	if eff == nil {
		return nil
	}
	switch eff.Kind {
	case EffectMessage:
		if d.sender == nil {
			return schema.NewError(schema.ErrCodeActionUnavailable, "no channel sender configured")
		}
		return d.sender.Send(ctx, channel.Message{
			RunID:        run.ID,
			NodeID:       nodeID,
			Conversation: run.Conversation,
			Text:         eff.Text,
			MediaURL:     eff.Media,
			Buttons:      eff.Buttons,
		})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown effect kind %q", eff.Kind)
	}
}
