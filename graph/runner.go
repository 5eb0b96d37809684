package graph

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tessellate-ai/agentgraph-go/graph/event"
)

// MessageValidator checks an inbound message before a run starts. Runners
// always validate the state history; a custom validator adds domain checks
// on top.
type MessageValidator func(msg Message) error

// Runner executes graphs. A single runner is safe for concurrent runs; all
// per-run state lives on the message.
type Runner struct {
	retry      RetryPolicy
	sleep      sleeper
	validator  MessageValidator
	maxSteps   int
	metrics    *Metrics
	checkpoint CheckpointConfig
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithDefaultRetryPolicy sets the policy used when a graph declares none.
func WithDefaultRetryPolicy(p RetryPolicy) RunnerOption {
	return func(r *Runner) { r.retry = p }
}

// WithMessageValidator adds a validator applied on every execute and
// resume ingress.
func WithMessageValidator(v MessageValidator) RunnerOption {
	return func(r *Runner) { r.validator = v }
}

// WithMaxSteps bounds the number of node dispatches per run. Guards cyclic
// graphs against runaway loops. Defaults to 1000.
func WithMaxSteps(n int) RunnerOption {
	return func(r *Runner) { r.maxSteps = n }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// withSleeper replaces real backoff delays, for tests.
func withSleeper(s sleeper) RunnerOption {
	return func(r *Runner) { r.sleep = s }
}

// NewRunner creates a runner with defaults: three-attempt exponential
// retry, 1000-step budget.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		retry:    DefaultRetryPolicy(),
		maxSteps: 1000,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs msg through g from the entry point.
//
// A READY message is promoted to RUNNING; a RUNNING message (a nested run
// entering a subgraph) proceeds as-is. WAITING messages must go through
// Resume, and terminal messages are rejected. The returned message is
// COMPLETED, WAITING (paused for human input) or, together with an error,
// FAILED or CANCELLED.
func (r *Runner) Execute(ctx context.Context, g *Graph, msg Message) (Message, error) {
	if g == nil {
		return Message{}, NewValidationError("MISSING_GRAPH", "execute requires a graph")
	}
	if err := r.admit(msg); err != nil {
		return Message{}, err
	}

	switch {
	case msg.State.IsTerminal():
		return Message{}, NewValidationError("TERMINAL_MESSAGE", "message is in a terminal state").
			WithContext("state", string(msg.State))
	case msg.State == StateWaiting:
		return Message{}, NewValidationError("USE_RESUME", "waiting messages resume, not execute")
	}

	runID := msg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	msg = msg.WithGraphContext(g.id, g.entry, runID)
	recordIntentVector(ctx, g.vectors, msg, g.cache.IntentTTL)

	if msg.State == StateReady {
		var err error
		msg, err = msg.Transition(StateRunning, "execution started", g.entry)
		if err != nil {
			return Message{}, err
		}
	}

	idem := NewIdempotencyManager(g.idempotency, g.cache)
	idem.bindIntent(msg)
	if cached, ok := idem.ProbeIntent(ctx, msg); ok && cached.State == StateCompleted {
		return cached, nil
	}

	r.publish(ctx, g, event.TopicGraph(g.id, "started"), event.GraphStarted, msg, nil)
	r.metrics.graphStarted(g.id)

	return r.runLoop(ctx, g, msg, g.entry, idem)
}

// Resume continues a WAITING run with external input folded into msg.
//
// Messages paused inside nested subgraphs carry a checkpoint frame stack;
// Resume pops the outermost frame, re-enters the child run, and either
// propagates a renewed pause or folds the child's completion back into the
// parent flow and continues it.
func (r *Runner) Resume(ctx context.Context, g *Graph, msg Message) (Message, error) {
	if g == nil {
		return Message{}, NewValidationError("MISSING_GRAPH", "resume requires a graph")
	}
	if msg.State != StateWaiting {
		return Message{}, NewValidationError("NOT_WAITING", "only waiting messages can resume").
			WithContext("state", string(msg.State))
	}
	if err := r.admit(msg); err != nil {
		return Message{}, err
	}

	recordIntentVector(ctx, g.vectors, msg, g.cache.IntentTTL)

	frames, dropped := decodeFrameStack(msg)
	if dropped > 0 {
		r.publish(ctx, g, event.TopicGraph(g.id, "warning"), event.FrameDropped, msg, map[string]any{
			"droppedFrames": dropped,
		})
	}
	if len(frames) > 0 {
		return r.resumeNested(ctx, g, msg, frames)
	}

	msg, err := msg.Transition(StateRunning, "resumed with external input", msg.NodeID)
	if err != nil {
		return Message{}, err
	}
	r.publish(ctx, g, event.TopicGraph(g.id, "resumed"), event.GraphResumed, msg, nil)

	idem := NewIdempotencyManager(g.idempotency, g.cache)
	idem.bindIntent(msg)
	return r.continueAfter(ctx, g, msg, msg.NodeID, idem)
}

// resumeNested re-enters the child run described by the outermost frame.
func (r *Runner) resumeNested(ctx context.Context, g *Graph, msg Message, frames []CheckpointFrame) (Message, error) {
	frame := frames[0]
	rest := frames[1:]

	node, ok := g.Node(frame.ParentNodeID)
	if !ok {
		return Message{}, NewLookupError("UNKNOWN_PARENT_NODE", "checkpoint frame names an unknown node").
			WithContext("nodeId", frame.ParentNodeID)
	}
	sub, ok := node.(*SubgraphNode)
	if !ok {
		return Message{}, NewValidationError("NOT_A_SUBGRAPH", "checkpoint frame's parent node is not a subgraph").
			WithContext("nodeId", frame.ParentNodeID)
	}
	child := sub.Child()
	if child == nil || child.ID() != frame.ChildGraphID {
		return Message{}, NewValidationError("SUBGRAPH_MISMATCH", "checkpoint frame does not match the child graph").
			WithContext("expected", frame.ChildGraphID)
	}

	childMsg := withFrameStack(msg, rest)
	childMsg = childMsg.WithGraphContext(frame.ChildGraphID, frame.ChildNodeID, frame.ChildRunID)

	result, err := r.Resume(ctx, child, childMsg)
	if err != nil {
		return Message{}, err
	}

	switch result.State {
	case StateWaiting:
		// The child paused again. Refresh this level's frame and push it
		// back on top of whatever deeper stack the child produced.
		frame.ChildNodeID = result.NodeID
		stack := append([]CheckpointFrame{frame}, frameStack(result)...)
		out := withFrameStack(result, stack)
		out = out.WithGraphContext(frame.ParentGraphID, frame.ParentNodeID, frame.ParentRunID)
		return out, nil

	case StateCompleted:
		parent := msg.WithGraphContext(frame.ParentGraphID, frame.ParentNodeID, frame.ParentRunID)
		parent = withFrameStack(parent, nil)
		folded, err := sub.foldCompleted(parent, result)
		if err != nil {
			return Message{}, err
		}
		// The parent was parked in WAITING while the child ran; promote it
		// back to RUNNING before the flow continues.
		folded, err = folded.Transition(StateRunning, "subgraph completed", frame.ParentNodeID)
		if err != nil {
			return Message{}, err
		}
		idem := NewIdempotencyManager(g.idempotency, g.cache)
		idem.bindIntent(msg)
		return r.continueAfter(ctx, g, folded, frame.ParentNodeID, idem)

	default:
		return Message{}, NewExecutionError("SUBGRAPH_UNEXPECTED_STATE", "child resume ended in unexpected state").
			WithContext("state", string(result.State))
	}
}

// continueAfter picks up the flow at the edge leaving nodeID.
func (r *Runner) continueAfter(ctx context.Context, g *Graph, msg Message, nodeID string, idem *IdempotencyManager) (Message, error) {
	edge := g.nextEdge(nodeID, msg)
	if edge == nil {
		return r.finishExhausted(ctx, g, msg, nodeID, idem)
	}
	msg = msg.WithGraphContext(g.id, edge.To, msg.RunID)
	return r.runLoop(ctx, g, msg, edge.To, idem)
}

// admit runs history validation plus the configured validator.
func (r *Runner) admit(msg Message) error {
	if err := msg.ValidateHistory(); err != nil {
		return err
	}
	if r.validator != nil {
		if err := r.validator(msg); err != nil {
			return NewValidationError("MESSAGE_REJECTED", "message failed validation").WithCause(err)
		}
	}
	return nil
}

// runLoop advances the message node by node until the run pauses, ends or
// fails.
func (r *Runner) runLoop(ctx context.Context, g *Graph, msg Message, nodeID string, idem *IdempotencyManager) (Message, error) {
	policy := r.retry
	if g.retry != nil {
		policy = *g.retry
	}
	if !g.retryEnabled {
		policy.MaxAttempts = 1
	}
	mws := chain(g.middleware)
	steps := 0
	lastCheckpoint := time.Now()

	for {
		if ctx.Err() != nil {
			return r.cancelRun(ctx, g, msg, nodeID)
		}
		steps++
		if r.maxSteps > 0 && steps > r.maxSteps {
			return r.failRun(ctx, g, msg, nodeID,
				NewExecutionError("STEP_BUDGET_EXCEEDED", "run exceeded the step budget").
					WithContext("nodeId", nodeID))
		}

		node, ok := g.Node(nodeID)
		if !ok {
			return r.failRun(ctx, g, msg, nodeID,
				NewLookupError("UNKNOWN_NODE", "edge routed to unknown node").
					WithContext("nodeId", nodeID))
		}

		msg = msg.WithGraphContext(g.id, nodeID, msg.RunID)

		if cached, ok := idem.ProbeStep(ctx, msg, nodeID); ok {
			r.metrics.stepCacheHit(g.id)
			// A cached step is treated as if the node had just produced it:
			// after hooks still run before edge selection.
			next, err := mws.after(ctx, nodeID, cached.WithGraphContext(g.id, nodeID, msg.RunID))
			if err != nil {
				return r.failRun(ctx, g, msg, nodeID, err)
			}
			msg = next
		} else {
			next, err := r.dispatchStep(ctx, g, node, msg, policy, mws, idem)
			if err != nil {
				r.checkpointOnError(ctx, g, msg, steps)
				return r.failRun(ctx, g, msg, nodeID, err)
			}
			msg = next
			if err := msg.ValidateHistory(); err != nil {
				return r.failRun(ctx, g, msg, nodeID, err)
			}
			idem.SaveStep(ctx, msg, nodeID)
			r.maybeCheckpoint(ctx, g, msg, steps, &lastCheckpoint)
		}

		if msg.State == StateWaiting {
			r.publish(ctx, g, event.TopicHITL(g.id, nodeID), event.HITLRequested, msg, map[string]any{
				"depth": SubgraphDepth(msg),
			})
			return msg, nil
		}
		if msg.State.IsTerminal() {
			return r.finishTerminal(ctx, g, msg, idem)
		}

		edge := g.nextEdge(nodeID, msg)
		if edge == nil {
			return r.finishExhausted(ctx, g, msg, nodeID, idem)
		}
		nodeID = edge.To
	}
}

// dispatchStep runs one node with middleware, retry, timeout and events
// around it.
func (r *Runner) dispatchStep(ctx context.Context, g *Graph, node Node, msg Message,
	policy RetryPolicy, mws chain, idem *IdempotencyManager) (Message, error) {
	nodeID := node.ID()
	r.publish(ctx, g, event.TopicNode(g.id, nodeID, "started"), event.NodeStarted, msg, nil)
	r.metrics.nodeStarted(g.id, nodeID)
	start := time.Now()

	prepared, err := mws.before(ctx, nodeID, msg)
	if err != nil {
		return r.settleFailure(ctx, g, node, msg, err, policy, mws, idem, start)
	}

	out, attempts, err := executeWithRetry(ctx, policy, r.sleep, func(ctx context.Context, attempt int) (Message, error) {
		return runWithTimeout(ctx, g.nodeTimeout, nodeID, func(ctx context.Context) (Message, error) {
			return r.invokeNode(ctx, g, node, prepared, attempt, idem)
		})
	})
	if err != nil {
		r.metrics.nodeRetried(g.id, nodeID, attempts-1)
		return r.settleFailure(ctx, g, node, prepared, err, policy, mws, idem, start)
	}
	if attempts > 1 {
		r.metrics.nodeRetried(g.id, nodeID, attempts-1)
	}

	out, err = mws.after(ctx, nodeID, out)
	if err != nil {
		return r.settleFailure(ctx, g, node, prepared, err, policy, mws, idem, start)
	}

	r.emitToolCalls(ctx, g, msg, out, nodeID)
	r.publish(ctx, g, event.TopicNode(g.id, nodeID, "completed"), event.NodeCompleted, out, map[string]any{
		"attempts": attempts,
	})
	r.metrics.nodeCompleted(g.id, nodeID, time.Since(start))
	return out, nil
}

// settleFailure gives middleware the chance to override a failed step.
func (r *Runner) settleFailure(ctx context.Context, g *Graph, node Node, msg Message,
	stepErr error, policy RetryPolicy, mws chain, idem *IdempotencyManager, start time.Time) (Message, error) {
	nodeID := node.ID()
	action := mws.onError(ctx, nodeID, msg, stepErr)
	switch action.Kind {
	case ActionSkip:
		r.publish(ctx, g, event.TopicNode(g.id, nodeID, "skipped"), event.NodeSkipped, msg, map[string]any{
			"error": stepErr.Error(),
		})
		return msg, nil

	case ActionFallback:
		r.publish(ctx, g, event.TopicNode(g.id, nodeID, "completed"), event.NodeCompleted, action.Fallback, map[string]any{
			"fallback": true,
		})
		return action.Fallback, nil

	case ActionRetry:
		out, err := runWithTimeout(ctx, g.nodeTimeout, nodeID, func(ctx context.Context) (Message, error) {
			return r.invokeNode(ctx, g, node, msg, 1, idem)
		})
		if err != nil {
			break
		}
		r.emitToolCalls(ctx, g, msg, out, nodeID)
		r.publish(ctx, g, event.TopicNode(g.id, nodeID, "completed"), event.NodeCompleted, out, nil)
		r.metrics.nodeCompleted(g.id, nodeID, time.Since(start))
		return out, nil
	}

	r.publish(ctx, g, event.TopicNode(g.id, nodeID, "failed"), event.NodeFailed, msg, map[string]any{
		"error": stepErr.Error(),
	})
	r.metrics.nodeFailed(g.id, nodeID)
	return Message{}, stepErr
}

// invokeNode dispatches by node kind. Tool nodes go through resolution,
// the tool-call cache and the listener lifecycle; subgraph nodes reuse this
// runner; everything else runs directly.
func (r *Runner) invokeNode(ctx context.Context, g *Graph, node Node, msg Message, attempt int, idem *IdempotencyManager) (Message, error) {
	switch n := node.(type) {
	case *ToolNode:
		return r.invokeToolNode(ctx, g, n, msg, attempt, idem)
	case *SubgraphNode:
		return n.RunWithRunner(ctx, msg, r)
	default:
		return node.Run(ctx, msg)
	}
}

// invokeToolNode resolves, caches and executes a tool with the listener
// lifecycle around the invocation.
func (r *Runner) invokeToolNode(ctx context.Context, g *Graph, n *ToolNode, msg Message, attempt int, idem *IdempotencyManager) (Message, error) {
	t, err := n.resolve(msg)
	if err != nil {
		return Message{}, err
	}
	params := n.params(msg)

	if cached, ok := idem.ProbeToolCall(ctx, msg, n.ID(), t.Name(), params); ok {
		r.metrics.toolCacheHit(g.id)
		return cached.WithGraphContext(g.id, n.ID(), msg.RunID), nil
	}

	tc := n.toolContext(msg)
	start := time.Now()
	result, err := invokeToolWithListeners(ctx, g.listeners, t, params, tc, attempt)
	elapsed := time.Since(start)
	if err != nil {
		if _, ok := AsError(err); !ok {
			err = NewToolError("TOOL_EXECUTION", err.Error()).
				WithContext("tool", t.Name()).
				WithCause(err)
		}
		return Message{}, err
	}

	out, err := n.apply(msg, t, params, result, attempt, elapsed)
	if err != nil {
		return Message{}, err
	}
	idem.SaveToolCall(ctx, out, n.ID(), t.Name(), params)
	return out, nil
}

// emitToolCalls publishes one tool-call event per record the step added.
func (r *Runner) emitToolCalls(ctx context.Context, g *Graph, before, after Message, nodeID string) {
	if g.toolBus == nil {
		return
	}
	added := len(after.ToolCalls) - len(before.ToolCalls)
	if added <= 0 {
		return
	}
	for _, tc := range after.ToolCalls[len(after.ToolCalls)-added:] {
		_ = g.toolBus.PublishToolCall(ctx, event.ToolCallEvent{
			ToolCall:  tc,
			Message:   after,
			EmittedBy: nodeID,
			GraphID:   g.id,
			RunID:     after.RunID,
			Timestamp: time.Now().UTC(),
		})
	}
}

// finishTerminal closes out a run that a node moved to a terminal state.
func (r *Runner) finishTerminal(ctx context.Context, g *Graph, msg Message, idem *IdempotencyManager) (Message, error) {
	switch msg.State {
	case StateCompleted:
		idem.SaveIntent(ctx, msg)
		r.publish(ctx, g, event.TopicGraph(g.id, "completed"), event.GraphCompleted, msg, nil)
		r.metrics.graphCompleted(g.id)
		return msg, nil
	case StateFailed:
		r.publish(ctx, g, event.TopicGraph(g.id, "failed"), event.GraphFailed, msg, nil)
		r.metrics.graphFailed(g.id)
		return msg, NewExecutionError("RUN_FAILED", "a node moved the run to FAILED").
			WithContext("nodeId", msg.NodeID)
	default:
		r.publish(ctx, g, event.TopicGraph(g.id, "cancelled"), event.GraphCancelled, msg, nil)
		return msg, NewCancelledError("RUN_CANCELLED", "a node moved the run to CANCELLED").
			WithContext("nodeId", msg.NodeID)
	}
}

// finishExhausted completes a run whose path ran out of edges.
func (r *Runner) finishExhausted(ctx context.Context, g *Graph, msg Message, nodeID string, idem *IdempotencyManager) (Message, error) {
	out, err := msg.Transition(StateCompleted, "no more nodes", nodeID)
	if err != nil {
		return Message{}, err
	}
	idem.SaveIntent(ctx, out)
	r.publish(ctx, g, event.TopicGraph(g.id, "completed"), event.GraphCompleted, out, nil)
	r.metrics.graphCompleted(g.id)
	return out, nil
}

// failRun transitions the run to FAILED, records a diagnostic tool-call
// entry, and publishes the failure.
func (r *Runner) failRun(ctx context.Context, g *Graph, msg Message, nodeID string, stepErr error) (Message, error) {
	if ge, ok := AsError(stepErr); ok && ge.Kind == KindCancelled {
		return r.cancelRun(ctx, g, msg, nodeID)
	}

	report := ToolCall{
		Name:  "error_report",
		OK:    false,
		Error: stepErr.Error(),
	}
	failed := msg.WithToolCall(report)
	failed, err := failed.Transition(StateFailed, stepErr.Error(), nodeID)
	if err != nil {
		// The message was already terminal or otherwise untransitionable;
		// surface the original failure.
		return msg, stepErr
	}
	r.publish(ctx, g, event.TopicGraph(g.id, "failed"), event.GraphFailed, failed, map[string]any{
		"error":  stepErr.Error(),
		"nodeId": nodeID,
	})
	r.metrics.graphFailed(g.id)
	return failed, stepErr
}

// cancelRun transitions the run to CANCELLED after context cancellation.
func (r *Runner) cancelRun(ctx context.Context, g *Graph, msg Message, nodeID string) (Message, error) {
	cancelled, err := msg.Transition(StateCancelled, "context cancelled", nodeID)
	if err != nil {
		cancelled = msg
	}
	r.publish(ctx, g, event.TopicGraph(g.id, "cancelled"), event.GraphCancelled, cancelled, nil)
	return cancelled, NewCancelledError("RUN_CANCELLED", "context cancelled").
		WithContext("nodeId", nodeID)
}

// publish sends a lifecycle event, best-effort.
func (r *Runner) publish(ctx context.Context, g *Graph, topic, name string, msg Message, meta map[string]any) {
	if g.bus == nil {
		return
	}
	_ = g.bus.Publish(ctx, event.Event{
		Topic:     topic,
		Name:      name,
		GraphID:   g.id,
		NodeID:    msg.NodeID,
		RunID:     msg.RunID,
		Message:   msg,
		Meta:      meta,
		Timestamp: time.Now().UTC(),
	})
}
