package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/convo/internal/lock"
	"github.com/rendis/convo/internal/logging"
	"github.com/rendis/convo/internal/nodes"
	"github.com/rendis/convo/internal/state"
	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/internal/telemetry"
	"github.com/rendis/convo/pkg/schema"
)

// drive runs the step-loop from run.Pointer until the run suspends, ends or
// exceeds MaxSteps. run must be RUNNING. The returned error is reserved for
// persistence failures; every other failure ends the run in ERROR.
func (e *Engine) drive(ctx context.Context, run *store.Run, idx *GraphIndex, st *state.Context) error {
	for steps := 0; ; steps++ {
		if run.Pointer == "" {
			next, err := e.continueLoop(idx, st)
			if err != nil {
				return e.fail(ctx, run, st, err)
			}
			if next == "" {
				return e.finish(ctx, run, st, schema.RunStatusCompleted, nil)
			}
			run.Pointer = next
		}

		if steps >= e.cfg.MaxSteps {
			return e.fail(ctx, run, st, schema.NewErrorf(schema.ErrCodeIterationLimit,
				"run exceeded %d steps without suspending", e.cfg.MaxSteps).WithNode(run.Pointer))
		}
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, run, st, schema.NewError(schema.ErrCodeTimeout, "step-loop cancelled").
				WithNode(run.Pointer).WithCause(err))
		}

		node, ok := idx.Node(run.Pointer)
		if !ok {
			return e.fail(ctx, run, st, schema.NewErrorf(schema.ErrCodeGraph,
				"pointer references unknown node %q", run.Pointer).WithNode(run.Pointer))
		}

		if node.Kind == schema.KindLoop && st.FrameDepth(node.ID) >= 0 {
			if err := e.reenterLoop(ctx, run, idx, st, node); err != nil || run.Status != schema.RunStatusRunning {
				return err
			}
			continue
		}

		suspended, err := e.step(ctx, run, idx, st, node)
		if err != nil || suspended || run.Status != schema.RunStatusRunning {
			return err
		}
	}
}

// step dispatches one node and moves the pointer. It reports whether the run
// suspended.
func (e *Engine) step(ctx context.Context, run *store.Run, idx *GraphIndex, st *state.Context, node *schema.Node) (bool, error) {
	nodeCtx := logging.WithNodeID(ctx, node.ID)
	started := time.Now()
	res := e.dispatcher.Dispatch(nodeCtx, &nodes.Input{
		Node:         *node,
		Edges:        idx.Edges(node.ID),
		State:        st,
		RunID:        run.ID,
		GraphID:      run.GraphID,
		Conversation: run.Conversation,
	})
	elapsed := time.Since(started)

	if res.Fault != nil {
		e.publish(ctx, run, schema.EventNodeExecuted, node.ID, e.nodePayload(node, elapsed, nil, st, res.Fault))
		return false, e.fail(nodeCtx, run, st, res.Fault)
	}

	st.MergeOutput(res.Output)

	if res.Effect != nil {
		if err := e.dispatcher.Apply(nodeCtx, run, node.ID, res.Effect); err != nil {
			e.logger.WarnContext(nodeCtx, "effect failed", slog.String("effect", string(res.Effect.Kind)), slog.String("error", err.Error()))
			e.publish(ctx, run, schema.EventEffectFailed, node.ID, map[string]any{
				telemetry.PayloadKind:  string(res.Effect.Kind),
				telemetry.PayloadError: err.Error(),
			})
		}
	}

	var outErr error
	if errOut, ok := res.Output["error"]; ok && errOut != nil {
		outErr = foldedError(errOut)
		e.logger.DebugContext(nodeCtx, "node error folded into output", slog.String("error", outErr.Error()))
	}

	if res.Suspend {
		if err := e.suspend(nodeCtx, run, idx, st, node, res); err != nil || run.Status != schema.RunStatusWaiting {
			return false, err
		}
		e.publish(ctx, run, schema.EventNodeExecuted, node.ID, e.nodePayload(node, elapsed, res.Output, st, outErr))
		e.publishWaiting(ctx, run)
		e.armTimer(ctx, run)
		return true, nil
	}

	next := res.NextNodeID
	if node.Kind == schema.KindEnd {
		next = ""
	}
	if next == "" && st.InLoop() {
		var err error
		if next, err = e.continueLoop(idx, st); err != nil {
			return false, e.fail(nodeCtx, run, st, err)
		}
	}
	run.Pointer = next

	if err := e.persist(ctx, run, st); err != nil {
		return false, err
	}
	e.publish(ctx, run, schema.EventNodeExecuted, node.ID, e.nodePayload(node, elapsed, res.Output, st, outErr))
	return false, nil
}

// foldedError rebuilds the error an action handler folded into its output.
func foldedError(v any) error {
	m, ok := v.(map[string]any)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeActionFailed, "%v", v)
	}
	code, _ := m["code"].(string)
	if code == "" {
		code = schema.ErrCodeActionFailed
	}
	msg, _ := m["message"].(string)
	return schema.NewError(code, msg)
}

func (e *Engine) nodePayload(node *schema.Node, elapsed time.Duration, output map[string]any, st *state.Context, err error) map[string]any {
	payload := map[string]any{
		telemetry.PayloadKind:       string(node.Kind),
		telemetry.PayloadDurationMs: elapsed.Milliseconds(),
		"output":                    state.CopyMap(output),
		"variables":                 state.CopyMap(st.PublicVariables()),
	}
	if err != nil {
		payload[telemetry.PayloadError] = err.Error()
	}
	return payload
}

// reenterLoop handles arrival at a loop node that already owns a frame: the
// body edge led back here. Nested frames the body left behind are dropped.
func (e *Engine) reenterLoop(ctx context.Context, run *store.Run, idx *GraphIndex, st *state.Context, node *schema.Node) error {
	st.UnwindTo(node.ID)
	frame, more := st.AdvanceFrame()

	var next string
	if more {
		body, ok := idx.Labeled(node.ID, schema.LabelBody)
		if !ok {
			return e.fail(ctx, run, st, schema.NewErrorf(schema.ErrCodeGraph,
				"loop node %s has no %q edge", node.ID, schema.LabelBody).WithNode(node.ID))
		}
		next = body
	} else {
		st.PopFrame()
		next, _ = idx.Labeled(node.ID, schema.LabelDone)
	}
	run.Pointer = next

	if err := e.persist(ctx, run, st); err != nil {
		return err
	}
	e.publish(ctx, run, schema.EventNodeExecuted, node.ID, map[string]any{
		telemetry.PayloadKind:       string(node.Kind),
		telemetry.PayloadDurationMs: int64(0),
		"iteration":                 frame.IterationsExecuted,
		"remaining":                 more,
	})
	return nil
}

// continueLoop ends the current body traversal of the innermost frame. It
// returns the next pointer: the body edge while items remain, else the done
// edge. A loop with no done edge hands over to the enclosing frame. An empty
// result with no frames left means the run is complete.
func (e *Engine) continueLoop(idx *GraphIndex, st *state.Context) (string, error) {
	for {
		top, ok := st.TopFrame()
		if !ok {
			return "", nil
		}
		if _, more := st.AdvanceFrame(); more {
			body, ok := idx.Labeled(top.LoopNodeID, schema.LabelBody)
			if !ok {
				return "", schema.NewErrorf(schema.ErrCodeGraph,
					"loop node %s has no %q edge", top.LoopNodeID, schema.LabelBody).WithNode(top.LoopNodeID)
			}
			return body, nil
		}
		st.PopFrame()
		if done, ok := idx.Labeled(top.LoopNodeID, schema.LabelDone); ok {
			return done, nil
		}
	}
}

// suspend parks the run. A timer wait advances the pointer past the wait
// node; a reply wait keeps it on the node so the reply is handled there.
func (e *Engine) suspend(ctx context.Context, run *store.Run, idx *GraphIndex, st *state.Context, node *schema.Node, res *nodes.StepResult) error {
	wait := &store.WaitState{
		Kind:   res.SuspendKind,
		NodeID: node.ID,
		Token:  e.newID(),
	}
	if res.SuspendSeconds > 0 || wait.Kind == schema.WaitKindTimer {
		at := e.now().Add(time.Duration(res.SuspendSeconds) * time.Second)
		wait.ResumeAt = &at
	}

	switch wait.Kind {
	case schema.WaitKindReply:
		run.Pointer = node.ID
		wait.OnTimeout = res.OnTimeout
		wait.TimeoutTarget = res.TimeoutTarget
		if wait.OnTimeout == schema.OnTimeoutGoto {
			if _, ok := idx.Node(wait.TimeoutTarget); !ok {
				return e.fail(ctx, run, st, schema.NewErrorf(schema.ErrCodeGraph,
					"timeout target %q does not exist", wait.TimeoutTarget).WithNode(node.ID))
			}
		}
	default:
		wait.Kind = schema.WaitKindTimer
		run.Pointer = res.NextNodeID
	}

	if err := e.fsm.Transition(ctx, run, schema.RunStatusWaiting); err != nil {
		return e.fail(ctx, run, st, err)
	}
	run.Wait = wait
	if err := e.persist(ctx, run, st); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "run waiting", slog.String("wait_kind", string(wait.Kind)))
	return nil
}

func (e *Engine) publishWaiting(ctx context.Context, run *store.Run) {
	payload := map[string]any{
		"wait_kind": string(run.Wait.Kind),
		"wait_node": run.Wait.NodeID,
	}
	if run.Wait.ResumeAt != nil {
		payload["resume_at"] = run.Wait.ResumeAt.UTC().Format(time.RFC3339)
	}
	if run.Wait.OnTimeout != "" {
		payload["on_timeout"] = run.Wait.OnTimeout
	}
	e.publish(ctx, run, schema.EventRunWaiting, run.Wait.NodeID, payload)
}

// armTimer schedules the resume timer of a WAITING run, if it needs one.
func (e *Engine) armTimer(ctx context.Context, run *store.Run) {
	if run.Wait == nil || run.Wait.ResumeAt == nil {
		return
	}
	delay := run.Wait.ResumeAt.Sub(e.now())
	if err := e.timers.Schedule(run.ID, run.Wait.Token, delay, e.onTimer(run.ID)); err != nil {
		e.logger.WarnContext(ctx, "timer not scheduled, run left to the expiry sweep", slog.String("error", err.Error()))
		return
	}
	e.publish(ctx, run, schema.EventTimerScheduled, run.Wait.NodeID, map[string]any{
		"wait_kind": string(run.Wait.Kind),
		"delay_ms":  max(delay, 0).Milliseconds(),
	})
}

// onTimer builds the callback for a run's resume timer. The callback takes
// the conversation mutex like Resume does, then acts only if the run is
// still parked on the suspension that armed the timer.
func (e *Engine) onTimer(runID string) func(ctx context.Context, token string) {
	return func(ctx context.Context, token string) {
		ctx = logging.WithRunID(ctx, runID)
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			e.logger.WarnContext(ctx, "timer fired for unreadable run", slog.String("error", err.Error()))
			return
		}
		key := lock.ConversationKey(run.Conversation)
		token, ok, err := lock.Acquire(ctx, e.mutex, key, e.cfg.LockTTL, e.cfg.TimerLockWait)
		if err != nil || !ok {
			e.logger.WarnContext(ctx, "timer could not take the conversation lock, run left to the expiry sweep")
			return
		}
		defer e.hold(key, token).release()

		run, err = e.store.GetRun(ctx, runID)
		if err != nil {
			e.logger.WarnContext(ctx, "reload run on timer", slog.String("error", err.Error()))
			return
		}
		if run.Status != schema.RunStatusWaiting || run.Wait == nil || run.Wait.Token != token {
			e.logger.DebugContext(ctx, "stale timer ignored", slog.String("status", string(run.Status)))
			return
		}
		ctx = runContext(ctx, run)
		e.publish(ctx, run, schema.EventTimerFired, run.Wait.NodeID, map[string]any{"wait_kind": string(run.Wait.Kind)})

		if err := e.resumeFromTimer(ctx, run); err != nil {
			e.logger.ErrorContext(ctx, "timer resume failed", slog.String("error", err.Error()))
		}
	}
}

// resumeFromTimer continues a run whose timer fired. A timer wait resumes at
// the persisted pointer. A reply timeout either completes the run or jumps to
// the timeout target, or to the wait node's "timeout" edge when it has one.
// Timer resumes do not count as interactions.
func (e *Engine) resumeFromTimer(ctx context.Context, run *store.Run) error {
	st, err := state.Decode(run.Context)
	if err != nil {
		return err
	}
	if !e.now().Before(run.ExpiresAt) {
		return e.expireLocked(ctx, run)
	}
	_, idx, err := e.loadGraph(ctx, run.GraphID)
	if err != nil {
		_, err = e.failLoaded(ctx, run, st, err)
		return err
	}

	wait := *run.Wait
	payload := map[string]any{"wait_kind": string(wait.Kind), "reason": "timer"}
	if wait.Kind == schema.WaitKindReply {
		payload["reason"] = "reply_timeout"
		target := wait.TimeoutTarget
		if wait.OnTimeout != schema.OnTimeoutGoto {
			target, _ = idx.Labeled(wait.NodeID, schema.LabelTimeout)
		}
		if target == "" || wait.OnTimeout == schema.OnTimeoutTerminate {
			st.ClearAwaitingReply()
			return e.finish(ctx, run, st, schema.RunStatusCompleted, map[string]any{"reason": "reply_timeout"})
		}
		st.ClearAwaitingReply()
		run.Pointer = target
	}

	if err := e.reenter(ctx, run, st, payload); err != nil {
		return err
	}
	return e.drive(ctx, run, idx, st)
}

// finish moves the run to a terminal status, persists it and publishes the
// matching lifecycle event.
func (e *Engine) finish(ctx context.Context, run *store.Run, st *state.Context, to schema.RunStatus, extra map[string]any) error {
	from := run.Status
	if err := e.fsm.Transition(ctx, run, to); err != nil {
		return err
	}
	now := e.now()
	run.CompletedAt = &now
	run.Wait = nil
	if to == schema.RunStatusCompleted {
		run.Pointer = ""
	}
	if err := e.persist(ctx, run, st); err != nil {
		return err
	}

	payload := map[string]any{
		telemetry.PayloadElapsedMs: now.Sub(run.StartedAt).Milliseconds(),
	}
	if to == schema.RunStatusCompleted {
		payload["output"] = state.CopyMap(st.Output)
	}
	if run.Error != "" {
		payload[telemetry.PayloadError] = run.Error
	}
	for k, v := range extra {
		payload[k] = v
	}
	if to == schema.RunStatusCompleted {
		e.logger.InfoContext(ctx, "run completed")
	}
	e.publish(ctx, run, TransitionEvent(from, to), "", payload)
	return nil
}

// fail ends the run in ERROR with cause recorded on it.
func (e *Engine) fail(ctx context.Context, run *store.Run, st *state.Context, cause error) error {
	ce := schema.AsConvoError(cause, schema.ErrCodeHandlerFault)
	run.Error = ce.Error()
	e.logger.ErrorContext(ctx, "run failed", slog.String("code", ce.Code), slog.String("error", ce.Message))
	return e.finish(ctx, run, st, schema.RunStatusError, map[string]any{"code": ce.Code})
}

// persist writes the run with its current context.
func (e *Engine) persist(ctx context.Context, run *store.Run, st *state.Context) error {
	raw, err := st.Encode()
	if err != nil {
		return err
	}
	run.Context = raw
	run.UpdatedAt = e.now()
	// Persist even when the caller's context is gone so the run never lags
	// behind what was already published.
	if err := e.store.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		return storeError("update run", err)
	}
	return nil
}
