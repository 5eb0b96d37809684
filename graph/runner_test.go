package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tessellate-ai/agentgraph-go/graph/event"
	"github.com/tessellate-ai/agentgraph-go/graph/store"
	"github.com/tessellate-ai/agentgraph-go/graph/tool"
)

func appendNode(id, suffix string) Node {
	return NewNodeFunc(id, func(_ context.Context, msg Message) (Message, error) {
		return msg.WithContent(msg.Content + suffix), nil
	})
}

func waitingNode(id string) Node {
	return NewNodeFunc(id, func(_ context.Context, msg Message) (Message, error) {
		return msg.Transition(StateWaiting, "needs approval", id)
	})
}

func TestRunner_LinearRun(t *testing.T) {
	bus := event.NewInMemoryBus(event.Options{HistorySize: 100})
	g, err := NewBuilder("pipeline").
		AddNode(appendNode("a", "-a")).
		AddNode(appendNode("b", "-b")).
		AddNode(NewOutputNode("out", nil)).
		Connect("a", "b").
		Connect("b", "out").
		WithEntryPoint("a").
		WithEventBus(bus).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	out, err := NewRunner().Execute(context.Background(), g, NewMessage("start", "user"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.State != StateCompleted {
		t.Errorf("state = %s, want COMPLETED", out.State)
	}
	if out.Content != "start-a-b" {
		t.Errorf("content = %q", out.Content)
	}
	if out.RunID == "" || out.GraphID != "pipeline" {
		t.Errorf("run scope missing: %+v", out)
	}
	if out.Metadata[MetaIsOutput] != true {
		t.Error("output marker missing")
	}

	names := []string{}
	for _, ev := range bus.Replay("*") {
		names = append(names, ev.Name)
	}
	want := []string{
		event.GraphStarted,
		event.NodeStarted, event.NodeCompleted,
		event.NodeStarted, event.NodeCompleted,
		event.NodeStarted, event.NodeCompleted,
		event.GraphCompleted,
	}
	if len(names) != len(want) {
		t.Fatalf("events = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (all: %v)", i, names[i], want[i], names)
		}
	}
}

func TestRunner_NoRouteCompletes(t *testing.T) {
	g, err := NewBuilder("g").
		AddNode(appendNode("only", "-done")).
		WithEntryPoint("only").
		Build()
	if err != nil {
		t.Fatal(err)
	}
	out, err := NewRunner().Execute(context.Background(), g, NewMessage("x", "u"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.State != StateCompleted {
		t.Errorf("state = %s", out.State)
	}
	last := out.StateHistory[len(out.StateHistory)-1]
	if last.Reason != "no more nodes" {
		t.Errorf("completion reason = %q", last.Reason)
	}
}

func TestRunner_IngressRejections(t *testing.T) {
	g, _ := NewBuilder("g").AddNode(passNode("a")).WithEntryPoint("a").Build()
	r := NewRunner()
	ctx := context.Background()

	t.Run("terminal message", func(t *testing.T) {
		msg := NewMessage("x", "u")
		msg, _ = msg.Transition(StateRunning, "", "")
		msg, _ = msg.Transition(StateCompleted, "", "")
		_, err := r.Execute(ctx, g, msg)
		if ge, ok := AsError(err); !ok || ge.Code != "TERMINAL_MESSAGE" {
			t.Errorf("expected TERMINAL_MESSAGE, got %v", err)
		}
	})

	t.Run("waiting message needs resume", func(t *testing.T) {
		msg := NewMessage("x", "u")
		msg, _ = msg.Transition(StateRunning, "", "")
		msg, _ = msg.Transition(StateWaiting, "", "")
		_, err := r.Execute(ctx, g, msg)
		if ge, ok := AsError(err); !ok || ge.Code != "USE_RESUME" {
			t.Errorf("expected USE_RESUME, got %v", err)
		}
	})

	t.Run("resume rejects non-waiting", func(t *testing.T) {
		_, err := r.Resume(ctx, g, NewMessage("x", "u"))
		if ge, ok := AsError(err); !ok || ge.Code != "NOT_WAITING" {
			t.Errorf("expected NOT_WAITING, got %v", err)
		}
	})

	t.Run("corrupt history rejected", func(t *testing.T) {
		msg := NewMessage("x", "u")
		msg.StateHistory = append(msg.StateHistory, StateTransition{From: StateReady, To: StateCompleted})
		msg.State = StateCompleted
		_, err := r.Execute(ctx, g, msg)
		if err == nil {
			t.Error("illegal history must be rejected on ingress")
		}
	})

	t.Run("custom validator", func(t *testing.T) {
		strict := NewRunner(WithMessageValidator(func(msg Message) error {
			if msg.Content == "" {
				return errors.New("empty content")
			}
			return nil
		}))
		_, err := strict.Execute(ctx, g, NewMessage("", "u"))
		if ge, ok := AsError(err); !ok || ge.Code != "MESSAGE_REJECTED" {
			t.Errorf("expected MESSAGE_REJECTED, got %v", err)
		}
	})
}

func TestRunner_RetryThenSuccess(t *testing.T) {
	flaky := &tool.MockTool{
		ToolName: "flaky",
		Errs:     []error{errors.New("transient 1"), errors.New("transient 2")},
		Responses: []tool.Result{
			tool.Ok("recovered"), tool.Ok("recovered"), tool.Ok("recovered"),
		},
	}
	g, err := NewBuilder("g").
		AddNode(NewToolNode("t", NewStaticResolver(flaky))).
		WithEntryPoint("t").
		WithRetryPolicy(RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: 10 * time.Millisecond,
			Strategy:       BackoffExponential,
		}).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	sleeper := &fakeSleeper{}
	r := NewRunner(withSleeper(sleeper.sleep))
	out, err := r.Execute(context.Background(), g, NewMessage("go", "u"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.State != StateCompleted {
		t.Errorf("state = %s", out.State)
	}
	if flaky.CallCount() != 3 {
		t.Errorf("tool calls = %d, want 3", flaky.CallCount())
	}
	if len(sleeper.delays) != 2 ||
		sleeper.delays[0] != 10*time.Millisecond ||
		sleeper.delays[1] != 20*time.Millisecond {
		t.Errorf("delays = %v, want [10ms 20ms]", sleeper.delays)
	}
	if out.Data[DataToolResult] != "recovered" {
		t.Errorf("tool result = %v", out.Data[DataToolResult])
	}
	// The successful attempt is recorded with its attempt number.
	record := out.ToolCalls[len(out.ToolCalls)-1]
	if record.Attempt != 3 {
		t.Errorf("attempt = %d, want 3", record.Attempt)
	}
}

func TestRunner_FailureAfterBudget(t *testing.T) {
	dead := &tool.MockTool{ToolName: "dead", Err: errors.New("always broken")}
	bus := event.NewInMemoryBus(event.Options{HistorySize: 100})
	g, err := NewBuilder("g").
		AddNode(NewToolNode("t", NewStaticResolver(dead))).
		WithEntryPoint("t").
		WithRetryPolicy(RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond}).
		WithEventBus(bus).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	r := NewRunner(withSleeper((&fakeSleeper{}).sleep))
	out, err := r.Execute(context.Background(), g, NewMessage("go", "u"))
	if err == nil {
		t.Fatal("expected failure")
	}
	if out.State != StateFailed {
		t.Errorf("state = %s, want FAILED", out.State)
	}
	if dead.CallCount() != 2 {
		t.Errorf("tool calls = %d, want 2", dead.CallCount())
	}
	// The failed run carries a diagnostic record.
	last := out.ToolCalls[len(out.ToolCalls)-1]
	if last.Name != "error_report" || last.OK {
		t.Errorf("expected error_report record, got %+v", last)
	}
	events := bus.Replay("graph." + "g" + ".failed")
	if len(events) != 1 {
		t.Errorf("expected one graph.failed event, got %d", len(events))
	}
}

func TestRunner_RetryDisabled(t *testing.T) {
	dead := &tool.MockTool{ToolName: "dead", Err: errors.New("broken")}
	g, err := NewBuilder("g").
		AddNode(NewToolNode("t", NewStaticResolver(dead))).
		WithEntryPoint("t").
		WithRetryPolicy(RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Millisecond}).
		WithRetryEnabled(false).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	_, err = NewRunner(withSleeper((&fakeSleeper{}).sleep)).Execute(context.Background(), g, NewMessage("x", "u"))
	if err == nil {
		t.Fatal("expected failure")
	}
	if dead.CallCount() != 1 {
		t.Errorf("tool calls = %d, want 1 with retry disabled", dead.CallCount())
	}
}

func TestRunner_MiddlewareVerdicts(t *testing.T) {
	boom := NewNodeFunc("boom", func(context.Context, Message) (Message, error) {
		return Message{}, NewValidationError("BAD", "always fails")
	})

	t.Run("skip keeps the flow alive", func(t *testing.T) {
		g, err := NewBuilder("g").
			AddNode(boom).
			AddNode(NewOutputNode("out", nil)).
			Connect("boom", "out").
			WithEntryPoint("boom").
			WithMiddleware(MiddlewareFuncs{
				Error: func(context.Context, string, Message, error) ErrorAction { return Skip() },
			}).
			Build()
		if err != nil {
			t.Fatal(err)
		}
		out, err := NewRunner().Execute(context.Background(), g, NewMessage("x", "u"))
		if err != nil {
			t.Fatalf("skip verdict should rescue the run: %v", err)
		}
		if out.State != StateCompleted {
			t.Errorf("state = %s", out.State)
		}
	})

	t.Run("fallback substitutes the step result", func(t *testing.T) {
		g, err := NewBuilder("g").
			AddNode(boom).
			WithEntryPoint("boom").
			WithMiddleware(MiddlewareFuncs{
				Error: func(_ context.Context, _ string, msg Message, _ error) ErrorAction {
					return Fallback(msg.WithContent("substituted"))
				},
			}).
			Build()
		if err != nil {
			t.Fatal(err)
		}
		out, err := NewRunner().Execute(context.Background(), g, NewMessage("x", "u"))
		if err != nil {
			t.Fatalf("fallback verdict should rescue the run: %v", err)
		}
		if out.Content != "substituted" {
			t.Errorf("content = %q", out.Content)
		}
	})

	t.Run("before hook shapes the node input", func(t *testing.T) {
		seen := ""
		g, err := NewBuilder("g").
			AddNode(NewNodeFunc("n", func(_ context.Context, msg Message) (Message, error) {
				seen = msg.Content
				return msg, nil
			})).
			WithEntryPoint("n").
			WithMiddleware(MiddlewareFuncs{
				Before: func(_ context.Context, _ string, msg Message) (Message, error) {
					return msg.WithContent("shaped"), nil
				},
			}).
			Build()
		if err != nil {
			t.Fatal(err)
		}
		if _, err := NewRunner().Execute(context.Background(), g, NewMessage("raw", "u")); err != nil {
			t.Fatal(err)
		}
		if seen != "shaped" {
			t.Errorf("node saw %q, want shaped", seen)
		}
	})
}

func TestRunner_StepCacheShortCircuits(t *testing.T) {
	calls := 0
	g, err := NewBuilder("g").
		AddNode(NewNodeFunc("expensive", func(_ context.Context, msg Message) (Message, error) {
			calls++
			return msg.WithData("result", calls), nil
		})).
		WithEntryPoint("expensive").
		WithIdempotencyStore(store.NewMemIdempotencyStore[Message](100)).
		WithCachePolicy(DefaultCachePolicy()).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	r := NewRunner()
	first := NewMessage("same ask", "u")
	if _, err := r.Execute(context.Background(), g, first); err != nil {
		t.Fatal(err)
	}
	// Same content, new message: shares the intent signature.
	second := NewMessage("same ask", "u")
	out, err := r.Execute(context.Background(), g, second)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("node ran %d times, want 1 (cache hit)", calls)
	}
	if out.State != StateCompleted {
		t.Errorf("state = %s", out.State)
	}
}

func TestRunner_IntentReplayServesCachedRun(t *testing.T) {
	calls := 0
	g, err := NewBuilder("g").
		AddNode(NewNodeFunc("answer", func(_ context.Context, msg Message) (Message, error) {
			calls++
			return msg.WithContent("the answer"), nil
		})).
		WithEntryPoint("answer").
		WithIdempotencyStore(store.NewMemIdempotencyStore[Message](100)).
		WithCachePolicy(CachePolicy{IntentTTL: time.Hour}).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	r := NewRunner()
	first, err := r.Execute(context.Background(), g, NewMessage("same ask", "u"))
	if err != nil {
		t.Fatal(err)
	}
	// The run rewrote the content; the final result must still be cached
	// under the inbound signature so the repeat request finds it.
	second, err := r.Execute(context.Background(), g, NewMessage("same ask", "u"))
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("node ran %d times, want 1 (intent replay)", calls)
	}
	if second.State != StateCompleted || second.Content != first.Content {
		t.Errorf("replay = %s %q, want %s %q", second.State, second.Content, first.State, first.Content)
	}
}

func TestRunner_StepCacheRunsAfterHooks(t *testing.T) {
	afterRuns := 0
	g, err := NewBuilder("g").
		AddNode(appendNode("n", "-done")).
		WithEntryPoint("n").
		WithIdempotencyStore(store.NewMemIdempotencyStore[Message](100)).
		WithCachePolicy(CachePolicy{StepTTL: time.Minute}).
		WithMiddleware(MiddlewareFuncs{
			After: func(_ context.Context, _ string, msg Message) (Message, error) {
				afterRuns++
				return msg.WithData("stamp", afterRuns), nil
			},
		}).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	r := NewRunner()
	if _, err := r.Execute(context.Background(), g, NewMessage("same ask", "u")); err != nil {
		t.Fatal(err)
	}
	out, err := r.Execute(context.Background(), g, NewMessage("same ask", "u"))
	if err != nil {
		t.Fatal(err)
	}
	// A cached step counts as node output: the after hooks run on it too.
	if afterRuns != 2 {
		t.Errorf("after hook ran %d times, want once per run", afterRuns)
	}
	if out.Data["stamp"] != 2 {
		t.Errorf("stamp = %v, want the second run's", out.Data["stamp"])
	}
}

func TestRunner_HITLPauseAndResume(t *testing.T) {
	bus := event.NewInMemoryBus(event.Options{HistorySize: 100})
	g, err := NewBuilder("approval").
		AddNode(appendNode("draft", "-drafted")).
		AddNode(waitingNode("review")).
		AddNode(NewOutputNode("publish", nil)).
		Connect("draft", "review").
		Connect("review", "publish").
		WithEntryPoint("draft").
		WithEventBus(bus).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	r := NewRunner()
	paused, err := r.Execute(context.Background(), g, NewMessage("doc", "user"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if paused.State != StateWaiting || paused.NodeID != "review" {
		t.Fatalf("expected pause at review, got %s at %s", paused.State, paused.NodeID)
	}
	if n := len(bus.Replay("hitl.approval.review.requested")); n != 1 {
		t.Errorf("hitl events = %d, want 1", n)
	}

	resumed, err := r.Resume(context.Background(), g, paused.WithData("approved", true))
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.State != StateCompleted {
		t.Errorf("state = %s, want COMPLETED", resumed.State)
	}
	if resumed.Content != "doc-drafted" {
		t.Errorf("content = %q", resumed.Content)
	}
	if resumed.RunID != paused.RunID || resumed.CorrelationID != paused.CorrelationID {
		t.Error("resume must preserve run identity")
	}
}

func TestRunner_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g, err := NewBuilder("g").
		AddNode(NewNodeFunc("first", func(_ context.Context, msg Message) (Message, error) {
			cancel()
			return msg, nil
		})).
		AddNode(passNode("second")).
		Connect("first", "second").
		WithEntryPoint("first").
		Build()
	if err != nil {
		t.Fatal(err)
	}

	out, err := NewRunner().Execute(ctx, g, NewMessage("x", "u"))
	if err == nil || KindOf(err) != KindCancelled {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if out.State != StateCancelled {
		t.Errorf("state = %s, want CANCELLED", out.State)
	}
}

func TestRunner_StepBudget(t *testing.T) {
	g, err := NewBuilder("loop").
		AddNode(passNode("a")).
		AddNode(passNode("b")).
		Connect("a", "b").
		Connect("b", "a").
		WithEntryPoint("a").
		WithAllowCycles(true).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	_, err = NewRunner(WithMaxSteps(10)).Execute(context.Background(), g, NewMessage("x", "u"))
	if ge, ok := AsError(err); !ok || ge.Code != "STEP_BUDGET_EXCEEDED" {
		t.Errorf("expected STEP_BUDGET_EXCEEDED, got %v", err)
	}
}

func TestRunner_ToolCallEvents(t *testing.T) {
	toolBus := event.NewInMemoryToolCallBus(16)
	events, stop, err := toolBus.SubscribeToolCalls(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	mock := &tool.MockTool{ToolName: "calc", Responses: []tool.Result{tool.Ok(9)}}
	g, err := NewBuilder("g").
		AddNode(NewToolNode("t", NewStaticResolver(mock))).
		WithEntryPoint("t").
		WithToolCallBus(toolBus).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	out, err := NewRunner().Execute(context.Background(), g, NewMessage("x", "u"))
	if err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if ev.EmittedBy != "t" || ev.RunID != out.RunID {
			t.Errorf("unexpected event scope: %+v", ev)
		}
		record, ok := ev.ToolCall.(ToolCall)
		if !ok || record.Name != "calc" {
			t.Errorf("unexpected tool call payload: %+v", ev.ToolCall)
		}
	case <-time.After(time.Second):
		t.Fatal("no tool call event delivered")
	}
}
