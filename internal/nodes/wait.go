package nodes

import (
	"context"
	"strings"
	"time"

	"github.com/rendis/convo/internal/expressions"
	"github.com/rendis/convo/internal/state"
	"github.com/rendis/convo/pkg/schema"
)

// DefaultReplyField is the input key a wait_reply node reads the reply from.
const DefaultReplyField = "text"

type waitTimerHandler struct{}

func (waitTimerHandler) Kind() schema.NodeKind { return schema.KindWaitTimer }

// Handle always suspends. NextNodeID is where the run continues once the
// timer fires.
func (waitTimerHandler) Handle(_ context.Context, in *Input) (*StepResult, error) {
	cfg, err := decodeConfig[schema.WaitTimerConfig](in.Node)
	if err != nil {
		return nil, err
	}
	seconds := cfg.Seconds
	if cfg.Duration != "" {
		d, err := time.ParseDuration(cfg.Duration)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "wait_timer: invalid duration %q", cfg.Duration).
				WithNode(in.Node.ID).WithCause(err)
		}
		seconds = int(d.Round(time.Second) / time.Second)
	}
	if seconds < 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "wait_timer: seconds must not be negative").WithNode(in.Node.ID)
	}
	return &StepResult{
		NextNodeID:     nextUnconditional(in.Edges),
		Suspend:        true,
		SuspendKind:    schema.WaitKindTimer,
		SuspendSeconds: seconds,
		Output:         map[string]any{"wait_seconds": seconds},
	}, nil
}

// waitReplyHandler suspends on first arrival and records the reply on the
// arrival that follows a resume.
type waitReplyHandler struct{}

func (waitReplyHandler) Kind() schema.NodeKind { return schema.KindWaitReply }

func (waitReplyHandler) Handle(_ context.Context, in *Input) (*StepResult, error) {
	cfg, err := decodeConfig[schema.WaitReplyConfig](in.Node)
	if err != nil {
		return nil, err
	}
	if cfg.OnTimeout == schema.OnTimeoutGoto && cfg.TimeoutTarget == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "wait_reply: on_timeout goto needs a timeout_target").WithNode(in.Node.ID)
	}

	if in.State.AwaitingReply() != in.Node.ID {
		in.State.SetAwaitingReply(in.Node.ID)
		res := &StepResult{
			Suspend:        true,
			SuspendKind:    schema.WaitKindReply,
			SuspendSeconds: cfg.TimeoutSeconds,
			OnTimeout:      cfg.OnTimeout,
			TimeoutTarget:  cfg.TimeoutTarget,
		}
		if cfg.Prompt != "" {
			res.Effect = &Effect{Kind: EffectMessage, Text: expressions.Interpolate(cfg.Prompt, in.State)}
		}
		return res, nil
	}

	in.State.ClearAwaitingReply()
	field := cfg.ReplyField
	if field == "" {
		field = DefaultReplyField
	}
	raw, _ := in.State.Lookup(state.NSInput + "." + field)
	reply := strings.TrimSpace(expressions.Stringify(raw))

	value := reply
	mapped, matched := cfg.Mapping[reply]
	if !matched {
		for k, v := range cfg.Mapping {
			if strings.EqualFold(k, reply) {
				mapped, matched = v, true
				break
			}
		}
	}
	if matched {
		value = mapped
	}

	out := map[string]any{"reply": reply, "value": value, "matched": matched}
	if cfg.Variable != "" {
		if err := in.State.SetVariable(cfg.Variable, value); err != nil {
			return nil, schema.AsConvoError(err, schema.ErrCodeValidation).WithNode(in.Node.ID)
		}
	}

	// The timeout edge belongs to the timer; a reply never follows it.
	edges := withoutLabel(in.Edges, schema.LabelTimeout)
	next, found := FindEdge(edges, value)
	if !found {
		next, found = FindEdge(edges, schema.LabelDefault)
	}
	if !found {
		next = nextUnconditional(edges)
	}
	return &StepResult{NextNodeID: next, Output: out}, nil
}
