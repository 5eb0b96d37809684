package graph

import (
	"context"
	"strings"
	"testing"
)

func passNode(id string) Node {
	return NewNodeFunc(id, func(_ context.Context, msg Message) (Message, error) {
		return msg, nil
	})
}

func TestBuilder_Validation(t *testing.T) {
	t.Run("valid linear graph builds", func(t *testing.T) {
		g, err := NewBuilder("g1").
			AddNode(passNode("a")).
			AddNode(passNode("b")).
			Connect("a", "b").
			WithEntryPoint("a").
			Build()
		if err != nil {
			t.Fatalf("build failed: %v", err)
		}
		if g.ID() != "g1" || g.EntryPoint() != "a" {
			t.Errorf("unexpected graph identity: %s/%s", g.ID(), g.EntryPoint())
		}
	})

	t.Run("missing entry point", func(t *testing.T) {
		_, err := NewBuilder("g").AddNode(passNode("a")).Build()
		if err == nil || !strings.Contains(err.Error(), "MISSING_ENTRY") {
			t.Errorf("expected MISSING_ENTRY, got %v", err)
		}
	})

	t.Run("entry point not a node", func(t *testing.T) {
		_, err := NewBuilder("g").AddNode(passNode("a")).WithEntryPoint("ghost").Build()
		if err == nil || !strings.Contains(err.Error(), "UNKNOWN_ENTRY") {
			t.Errorf("expected UNKNOWN_ENTRY, got %v", err)
		}
	})

	t.Run("edge endpoints must exist", func(t *testing.T) {
		_, err := NewBuilder("g").
			AddNode(passNode("a")).
			Connect("a", "ghost").
			WithEntryPoint("a").
			Build()
		if err == nil || !strings.Contains(err.Error(), "UNKNOWN_EDGE_TARGET") {
			t.Errorf("expected UNKNOWN_EDGE_TARGET, got %v", err)
		}
	})

	t.Run("duplicate node rejected", func(t *testing.T) {
		_, err := NewBuilder("g").
			AddNode(passNode("a")).
			AddNode(passNode("a")).
			WithEntryPoint("a").
			Build()
		if err == nil || !strings.Contains(err.Error(), "DUPLICATE_NODE") {
			t.Errorf("expected DUPLICATE_NODE, got %v", err)
		}
	})

	t.Run("cycle rejected by default", func(t *testing.T) {
		_, err := NewBuilder("g").
			AddNode(passNode("a")).
			AddNode(passNode("b")).
			Connect("a", "b").
			Connect("b", "a").
			WithEntryPoint("a").
			Build()
		if err == nil || !strings.Contains(err.Error(), "CYCLE_DETECTED") {
			t.Errorf("expected CYCLE_DETECTED, got %v", err)
		}
	})

	t.Run("cycle allowed when opted in", func(t *testing.T) {
		_, err := NewBuilder("g").
			AddNode(passNode("a")).
			AddNode(passNode("b")).
			Connect("a", "b").
			Connect("b", "a").
			WithEntryPoint("a").
			WithAllowCycles(true).
			Build()
		if err != nil {
			t.Errorf("cyclic graph with AllowCycles should build: %v", err)
		}
	})

	t.Run("all problems reported together", func(t *testing.T) {
		_, err := NewBuilder("").
			AddNode(passNode("a")).
			Connect("a", "ghost").
			Build()
		if err == nil {
			t.Fatal("expected errors")
		}
		for _, want := range []string{"MISSING_GRAPH_ID", "MISSING_ENTRY", "UNKNOWN_EDGE_TARGET"} {
			if !strings.Contains(err.Error(), want) {
				t.Errorf("aggregated error missing %s: %v", want, err)
			}
		}
	})
}

func TestGraph_EdgeSelection(t *testing.T) {
	build := func(edges ...Edge) *Graph {
		b := NewBuilder("g").
			AddNode(passNode("a")).
			AddNode(passNode("low")).
			AddNode(passNode("high")).
			AddNode(passNode("fb")).
			WithEntryPoint("a")
		for _, e := range edges {
			b.AddEdge(e)
		}
		g, err := b.Build()
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		return g
	}

	always := func(Message) bool { return true }
	never := func(Message) bool { return false }

	t.Run("ascending priority, first match wins", func(t *testing.T) {
		g := build(
			Edge{From: "a", To: "high", Priority: 10, Condition: always},
			Edge{From: "a", To: "low", Priority: 1, Condition: always},
		)
		e := g.nextEdge("a", Message{})
		if e == nil || e.To != "low" {
			t.Errorf("expected lowest priority edge, got %+v", e)
		}
	})

	t.Run("fallback only after regulars decline", func(t *testing.T) {
		g := build(
			Edge{From: "a", To: "low", Priority: 1, Condition: never},
			Edge{From: "a", To: "fb", Fallback: true},
		)
		e := g.nextEdge("a", Message{})
		if e == nil || e.To != "fb" {
			t.Errorf("expected fallback edge, got %+v", e)
		}
	})

	t.Run("lowest priority fallback wins", func(t *testing.T) {
		g := build(
			Edge{From: "a", To: "high", Priority: 5, Fallback: true},
			Edge{From: "a", To: "fb", Priority: 1, Fallback: true},
		)
		e := g.nextEdge("a", Message{})
		if e == nil || e.To != "fb" {
			t.Errorf("expected the priority-1 fallback, got %+v", e)
		}
	})

	t.Run("fallback ignored when a regular matches", func(t *testing.T) {
		g := build(
			Edge{From: "a", To: "low", Priority: 1, Condition: always},
			Edge{From: "a", To: "fb", Fallback: true},
		)
		e := g.nextEdge("a", Message{})
		if e == nil || e.To != "low" {
			t.Errorf("expected regular edge, got %+v", e)
		}
	})

	t.Run("nil when nothing matches", func(t *testing.T) {
		g := build(Edge{From: "a", To: "low", Condition: never})
		if e := g.nextEdge("a", Message{}); e != nil {
			t.Errorf("expected no edge, got %+v", e)
		}
	})

	t.Run("condition sees the message", func(t *testing.T) {
		g := build(
			Edge{From: "a", To: "high", Priority: 1, Condition: func(m Message) bool {
				s, _ := m.DataString("route")
				return s == "high"
			}},
			Edge{From: "a", To: "fb", Fallback: true},
		)
		msg := NewMessage("x", "u").WithData("route", "high")
		if e := g.nextEdge("a", msg); e == nil || e.To != "high" {
			t.Errorf("conditional routing failed: %+v", e)
		}
		if e := g.nextEdge("a", Message{}); e == nil || e.To != "fb" {
			t.Errorf("fallback routing failed: %+v", e)
		}
	})

	t.Run("wildcard edge leaves every node", func(t *testing.T) {
		g := build(Edge{From: WildcardFrom, To: "fb", Fallback: true})
		if e := g.nextEdge("low", Message{}); e == nil || e.To != "fb" {
			t.Errorf("wildcard edge not selected from low: %+v", e)
		}
		// Never routes a node to itself.
		if e := g.nextEdge("fb", Message{}); e != nil {
			t.Errorf("wildcard edge must not self-route: %+v", e)
		}
	})
}
