package graph

import (
	"context"
	"time"

	"github.com/tessellate-ai/agentgraph-go/graph/tool"
)

// ToolInvocationContext describes one tool invocation as seen by listeners.
type ToolInvocationContext struct {
	// Tool is the resolved tool about to run (or that ran).
	Tool tool.Tool

	// ToolContext is the execution scope handed to the tool.
	ToolContext tool.Context

	// Params are the parameters the tool receives.
	Params map[string]any

	// Attempt is the 1-based retry attempt this invocation belongs to.
	Attempt int
}

// ToolListener observes tool invocations performed by the runner.
//
// Hooks are called in registration order. OnComplete always fires exactly
// once per invocation, after OnSuccess or OnFailure, even when the tool
// panics. Listener panics are swallowed: observation must never change a
// run's outcome.
type ToolListener interface {
	// OnInvoke fires before the tool executes.
	OnInvoke(ctx context.Context, ic ToolInvocationContext)

	// OnSuccess fires whenever execution returns a result, OK or not; a
	// domain failure is still a result.
	OnSuccess(ctx context.Context, ic ToolInvocationContext, result tool.Result, elapsed time.Duration)

	// OnFailure fires when execution itself fails with an error or a
	// panic.
	OnFailure(ctx context.Context, ic ToolInvocationContext, err error, elapsed time.Duration)

	// OnComplete fires last, regardless of outcome.
	OnComplete(ctx context.Context, ic ToolInvocationContext)
}

// ToolListenerFuncs adapts optional functions into a ToolListener.
type ToolListenerFuncs struct {
	Invoke   func(ctx context.Context, ic ToolInvocationContext)
	Success  func(ctx context.Context, ic ToolInvocationContext, result tool.Result, elapsed time.Duration)
	Failure  func(ctx context.Context, ic ToolInvocationContext, err error, elapsed time.Duration)
	Complete func(ctx context.Context, ic ToolInvocationContext)
}

// OnInvoke implements ToolListener.
func (l ToolListenerFuncs) OnInvoke(ctx context.Context, ic ToolInvocationContext) {
	if l.Invoke != nil {
		l.Invoke(ctx, ic)
	}
}

// OnSuccess implements ToolListener.
func (l ToolListenerFuncs) OnSuccess(ctx context.Context, ic ToolInvocationContext, result tool.Result, elapsed time.Duration) {
	if l.Success != nil {
		l.Success(ctx, ic, result, elapsed)
	}
}

// OnFailure implements ToolListener.
func (l ToolListenerFuncs) OnFailure(ctx context.Context, ic ToolInvocationContext, err error, elapsed time.Duration) {
	if l.Failure != nil {
		l.Failure(ctx, ic, err, elapsed)
	}
}

// OnComplete implements ToolListener.
func (l ToolListenerFuncs) OnComplete(ctx context.Context, ic ToolInvocationContext) {
	if l.Complete != nil {
		l.Complete(ctx, ic)
	}
}

// notify runs fn and swallows panics.
func notify(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

// invokeToolWithListeners executes t with the full listener lifecycle
// around it. A panic inside the tool is converted to a tool error after
// the failure hooks have fired.
func invokeToolWithListeners(ctx context.Context, listeners []ToolListener, t tool.Tool,
	params map[string]any, tc tool.Context, attempt int) (result tool.Result, err error) {
	ic := ToolInvocationContext{Tool: t, ToolContext: tc, Params: params, Attempt: attempt}

	for _, l := range listeners {
		l := l
		notify(func() { l.OnInvoke(ctx, ic) })
	}

	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		if rec := recover(); rec != nil {
			err = NewToolError("TOOL_PANIC", "tool panicked during execution").
				WithContext("tool", t.Name())
			result = tool.Result{}
		}
		if err != nil {
			for _, l := range listeners {
				l := l
				notify(func() { l.OnFailure(ctx, ic, err, elapsed) })
			}
		} else {
			for _, l := range listeners {
				l := l
				notify(func() { l.OnSuccess(ctx, ic, result, elapsed) })
			}
		}
		for _, l := range listeners {
			l := l
			notify(func() { l.OnComplete(ctx, ic) })
		}
	}()

	result, err = t.Execute(ctx, params, tc)
	return result, err
}
