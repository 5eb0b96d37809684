package event

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryToolCallBus(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		bus := NewInMemoryToolCallBus(8)
		defer bus.Close()

		ch, stop, err := bus.SubscribeToolCalls(ctx)
		if err != nil {
			t.Fatal(err)
		}
		defer stop()

		sent := ToolCallEvent{
			ToolCall:  map[string]any{"name": "calc"},
			EmittedBy: "worker",
			GraphID:   "g",
			RunID:     "run-1",
			Timestamp: time.Now().UTC(),
		}
		if err := bus.PublishToolCall(ctx, sent); err != nil {
			t.Fatal(err)
		}
		select {
		case got := <-ch:
			if got.EmittedBy != "worker" || got.RunID != "run-1" {
				t.Errorf("event = %+v", got)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	})

	t.Run("fan out to every subscriber", func(t *testing.T) {
		bus := NewInMemoryToolCallBus(8)
		defer bus.Close()

		a, stopA, _ := bus.SubscribeToolCalls(ctx)
		defer stopA()
		b, stopB, _ := bus.SubscribeToolCalls(ctx)
		defer stopB()

		_ = bus.PublishToolCall(ctx, ToolCallEvent{EmittedBy: "n"})
		for _, ch := range []<-chan ToolCallEvent{a, b} {
			select {
			case got := <-ch:
				if got.EmittedBy != "n" {
					t.Errorf("event = %+v", got)
				}
			case <-time.After(time.Second):
				t.Fatal("subscriber starved")
			}
		}
	})

	t.Run("closed bus", func(t *testing.T) {
		bus := NewInMemoryToolCallBus(8)
		ch, _, err := bus.SubscribeToolCalls(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if err := bus.Close(); err != nil {
			t.Fatal(err)
		}
		if _, open := <-ch; open {
			t.Error("close must close subscriber channels")
		}
		if err := bus.PublishToolCall(ctx, ToolCallEvent{}); err != ErrBusClosed {
			t.Errorf("publish after close = %v", err)
		}
	})
}

func TestBusToolCallBridge(t *testing.T) {
	ctx := context.Background()
	inner := NewInMemoryBus(Options{})
	defer inner.Close()
	bridge := NewBusToolCallBridge(inner)

	ch, stop, err := bridge.SubscribeToolCalls(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	sent := ToolCallEvent{
		ToolCall:  map[string]any{"name": "calc", "ok": true},
		Metadata:  map[string]any{"cost": 0.01},
		EmittedBy: "worker",
		GraphID:   "g",
		RunID:     "run-1",
		Timestamp: time.Now().UTC(),
	}
	if err := bridge.PublishToolCall(ctx, sent); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-ch:
		if got.EmittedBy != "worker" || got.GraphID != "g" || got.RunID != "run-1" {
			t.Errorf("scope lost across the bridge: %+v", got)
		}
		tc, ok := got.ToolCall.(map[string]any)
		if !ok || tc["name"] != "calc" {
			t.Errorf("tool call payload = %+v", got.ToolCall)
		}
		if got.Metadata["cost"] != 0.01 {
			t.Errorf("metadata = %+v", got.Metadata)
		}
	case <-time.After(time.Second):
		t.Fatal("bridged event not delivered")
	}

	t.Run("bridged events share the lifecycle bus", func(t *testing.T) {
		raw, stopRaw, err := inner.Subscribe(ctx, ToolCallTopic)
		if err != nil {
			t.Fatal(err)
		}
		defer stopRaw()
		_ = bridge.PublishToolCall(ctx, ToolCallEvent{EmittedBy: "n"})
		select {
		case ev := <-raw:
			if ev.Topic != ToolCallTopic || ev.NodeID != "n" {
				t.Errorf("raw bridged event = %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("raw subscriber saw nothing")
		}
	})
}
