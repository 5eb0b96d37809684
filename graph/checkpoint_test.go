package graph

import (
	"context"
	"testing"

	"github.com/tessellate-ai/agentgraph-go/graph/store"
)

func checkpointedGraph(t *testing.T, cps store.CheckpointStore[Message]) *Graph {
	t.Helper()
	g, err := NewBuilder("pipeline").
		AddNode(appendNode("a", "-a")).
		AddNode(appendNode("b", "-b")).
		AddNode(appendNode("c", "-c")).
		Connect("a", "b").
		Connect("b", "c").
		WithEntryPoint("a").
		WithCheckpointStore(cps).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestRunner_Checkpointing(t *testing.T) {
	ctx := context.Background()

	t.Run("snapshots every n nodes", func(t *testing.T) {
		cps := store.NewMemCheckpointStore[Message]()
		g := checkpointedGraph(t, cps)
		r := NewRunner(WithCheckpointing(CheckpointConfig{EveryNodes: 1}))

		out, err := r.Execute(ctx, g, NewMessage("start", "u"))
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		latest, err := cps.LoadLatest(ctx, out.RunID)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if latest.Step != 3 || latest.NodeID != "c" {
			t.Errorf("latest = step %d at %s", latest.Step, latest.NodeID)
		}
		if latest.Message.Content != "start-a-b-c" {
			t.Errorf("snapshot content = %q", latest.Message.Content)
		}
	})

	t.Run("every two nodes skips odd steps", func(t *testing.T) {
		cps := store.NewMemCheckpointStore[Message]()
		g := checkpointedGraph(t, cps)
		r := NewRunner(WithCheckpointing(CheckpointConfig{EveryNodes: 2}))

		out, err := r.Execute(ctx, g, NewMessage("start", "u"))
		if err != nil {
			t.Fatal(err)
		}
		latest, err := cps.LoadLatest(ctx, out.RunID)
		if err != nil {
			t.Fatal(err)
		}
		if latest.Step != 2 || latest.NodeID != "b" {
			t.Errorf("latest = step %d at %s", latest.Step, latest.NodeID)
		}
	})

	t.Run("no store means no snapshots", func(t *testing.T) {
		g, err := NewBuilder("g").AddNode(passNode("a")).WithEntryPoint("a").Build()
		if err != nil {
			t.Fatal(err)
		}
		r := NewRunner(WithCheckpointing(CheckpointConfig{EveryNodes: 1}))
		if _, err := r.Execute(ctx, g, NewMessage("x", "u")); err != nil {
			t.Fatalf("checkpointing without a store must be inert: %v", err)
		}
	})

	t.Run("snapshot on error preserves the last good message", func(t *testing.T) {
		cps := store.NewMemCheckpointStore[Message]()
		g, err := NewBuilder("g").
			AddNode(appendNode("ok", "-ok")).
			AddNode(NewNodeFunc("boom", func(context.Context, Message) (Message, error) {
				return Message{}, NewValidationError("BAD", "broken")
			})).
			Connect("ok", "boom").
			WithEntryPoint("ok").
			WithCheckpointStore(cps).
			Build()
		if err != nil {
			t.Fatal(err)
		}
		r := NewRunner(WithCheckpointing(CheckpointConfig{OnError: true}))

		out, err := r.Execute(ctx, g, NewMessage("start", "u"))
		if err == nil {
			t.Fatal("expected run failure")
		}
		latest, err := cps.LoadLatest(ctx, out.RunID)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if latest.Message.State != StateRunning || latest.Message.Content != "start-ok" {
			t.Errorf("snapshot = %s %q", latest.Message.State, latest.Message.Content)
		}
	})
}

func TestRunner_ResumeFromCheckpoint(t *testing.T) {
	ctx := context.Background()

	t.Run("continues after the snapshotted node", func(t *testing.T) {
		cps := store.NewMemCheckpointStore[Message]()
		g := checkpointedGraph(t, cps)
		r := NewRunner()

		base := NewMessage("start", "u").WithGraphContext("pipeline", "b", "run-7")
		base, err := base.Transition(StateRunning, "", "a")
		if err != nil {
			t.Fatal(err)
		}
		base = base.WithContent("start-a-b")
		if err := cps.Save(ctx, store.Checkpoint[Message]{
			RunID: "run-7", GraphID: "pipeline", NodeID: "b", Step: 2, Message: base,
		}); err != nil {
			t.Fatal(err)
		}

		out, err := r.ResumeFromCheckpoint(ctx, g, "run-7")
		if err != nil {
			t.Fatalf("resume: %v", err)
		}
		if out.State != StateCompleted {
			t.Errorf("state = %s", out.State)
		}
		// Only the node after the snapshot runs again.
		if out.Content != "start-a-b-c" {
			t.Errorf("content = %q", out.Content)
		}
	})

	t.Run("waiting snapshot returned as-is", func(t *testing.T) {
		cps := store.NewMemCheckpointStore[Message]()
		g := checkpointedGraph(t, cps)

		msg := NewMessage("x", "u").WithGraphContext("pipeline", "b", "run-8")
		msg, _ = msg.Transition(StateRunning, "", "a")
		msg, _ = msg.Transition(StateWaiting, "needs approval", "b")
		if err := cps.Save(ctx, store.Checkpoint[Message]{RunID: "run-8", NodeID: "b", Step: 2, Message: msg}); err != nil {
			t.Fatal(err)
		}

		out, err := NewRunner().ResumeFromCheckpoint(ctx, g, "run-8")
		if err != nil {
			t.Fatalf("resume: %v", err)
		}
		if out.State != StateWaiting {
			t.Errorf("state = %s, want WAITING for the caller to Resume", out.State)
		}
	})

	t.Run("missing checkpoint", func(t *testing.T) {
		g := checkpointedGraph(t, store.NewMemCheckpointStore[Message]())
		_, err := NewRunner().ResumeFromCheckpoint(ctx, g, "never-ran")
		if ge, ok := AsError(err); !ok || ge.Code != "CHECKPOINT_NOT_FOUND" {
			t.Errorf("expected CHECKPOINT_NOT_FOUND, got %v", err)
		}
	})

	t.Run("no checkpoint store", func(t *testing.T) {
		g, err := NewBuilder("g").AddNode(passNode("a")).WithEntryPoint("a").Build()
		if err != nil {
			t.Fatal(err)
		}
		_, err = NewRunner().ResumeFromCheckpoint(ctx, g, "run-9")
		if ge, ok := AsError(err); !ok || ge.Code != "NO_CHECKPOINT_STORE" {
			t.Errorf("expected NO_CHECKPOINT_STORE, got %v", err)
		}
	})

	t.Run("terminal snapshot rejected", func(t *testing.T) {
		cps := store.NewMemCheckpointStore[Message]()
		g := checkpointedGraph(t, cps)
		msg := NewMessage("x", "u")
		msg, _ = msg.Transition(StateRunning, "", "")
		msg, _ = msg.Transition(StateCompleted, "", "")
		if err := cps.Save(ctx, store.Checkpoint[Message]{RunID: "run-10", Message: msg}); err != nil {
			t.Fatal(err)
		}
		_, err := NewRunner().ResumeFromCheckpoint(ctx, g, "run-10")
		if ge, ok := AsError(err); !ok || ge.Code != "TERMINAL_MESSAGE" {
			t.Errorf("expected TERMINAL_MESSAGE, got %v", err)
		}
	})
}

func TestCheckpointConfig_Enabled(t *testing.T) {
	if (CheckpointConfig{}).enabled() {
		t.Error("zero config must be disabled")
	}
	if !(CheckpointConfig{OnError: true}).enabled() {
		t.Error("OnError alone must enable checkpointing")
	}
}
