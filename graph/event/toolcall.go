package event

import (
	"context"
	"errors"
	"sync"
)

// ErrBusClosed is returned when publishing to or subscribing on a closed bus.
var ErrBusClosed = errors.New("event bus closed")

// InMemoryToolCallBus is a process-local ToolCallBus. Same delivery policy
// as InMemoryBus: per-subscriber buffers, drop-oldest on overflow.
type InMemoryToolCallBus struct {
	mu      sync.Mutex
	buffer  int
	subs    map[int]chan ToolCallEvent
	nextSub int
	closed  bool
}

// NewInMemoryToolCallBus creates a tool-call bus. A non-positive buffer
// falls back to 256.
func NewInMemoryToolCallBus(buffer int) *InMemoryToolCallBus {
	if buffer <= 0 {
		buffer = 256
	}
	return &InMemoryToolCallBus{buffer: buffer, subs: make(map[int]chan ToolCallEvent)}
}

// PublishToolCall implements ToolCallBus.
func (b *InMemoryToolCallBus) PublishToolCall(_ context.Context, ev ToolCallEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, ch := range b.subs {
		for {
			select {
			case ch <- ev:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
	return nil
}

// SubscribeToolCalls implements ToolCallBus.
func (b *InMemoryToolCallBus) SubscribeToolCalls(_ context.Context) (<-chan ToolCallEvent, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, ErrBusClosed
	}
	id := b.nextSub
	b.nextSub++
	ch := make(chan ToolCallEvent, b.buffer)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel, nil
}

// Close implements ToolCallBus.
func (b *InMemoryToolCallBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}

// ToolCallTopic is the topic used when bridging tool-call events onto a
// generic lifecycle Bus.
const ToolCallTopic = "tool.calls"

// BusToolCallBridge adapts a generic Bus into a ToolCallBus by publishing
// typed events under ToolCallTopic. Useful to carry tool-call traffic over
// the Redis Streams or Kafka backends without a second broker connection.
type BusToolCallBridge struct {
	bus Bus
}

// NewBusToolCallBridge wraps bus. The caller retains ownership of bus;
// Close on the bridge is a no-op.
func NewBusToolCallBridge(bus Bus) *BusToolCallBridge {
	return &BusToolCallBridge{bus: bus}
}

// PublishToolCall implements ToolCallBus.
func (a *BusToolCallBridge) PublishToolCall(ctx context.Context, ev ToolCallEvent) error {
	return a.bus.Publish(ctx, Event{
		Topic:     ToolCallTopic,
		Name:      "tool.call.emitted",
		GraphID:   ev.GraphID,
		RunID:     ev.RunID,
		NodeID:    ev.EmittedBy,
		Message:   ev.Message,
		Meta:      map[string]any{"toolCall": ev.ToolCall, "metadata": ev.Metadata},
		Timestamp: ev.Timestamp,
	})
}

// SubscribeToolCalls implements ToolCallBus by re-typing bridged events.
func (a *BusToolCallBridge) SubscribeToolCalls(ctx context.Context) (<-chan ToolCallEvent, func(), error) {
	inner, cancel, err := a.bus.Subscribe(ctx, ToolCallTopic)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan ToolCallEvent, cap(inner))
	go func() {
		defer close(out)
		for ev := range inner {
			tce := ToolCallEvent{
				Message:   ev.Message,
				EmittedBy: ev.NodeID,
				GraphID:   ev.GraphID,
				RunID:     ev.RunID,
				Timestamp: ev.Timestamp,
			}
			if ev.Meta != nil {
				tce.ToolCall = ev.Meta["toolCall"]
				if md, ok := ev.Meta["metadata"].(map[string]any); ok {
					tce.Metadata = md
				}
			}
			out <- tce
		}
	}()
	return out, cancel, nil
}

// Close implements ToolCallBus.
func (a *BusToolCallBridge) Close() error { return nil }
