package event

import (
	"context"
	"sync"
)

// InMemoryBus is a process-local Bus with wildcard subscriptions and an
// optional bounded replay history.
//
// Delivery is drop-oldest: when a subscriber's buffer is full, the oldest
// buffered event is discarded to make room, so slow subscribers never stall
// a run. Use Replay to recover recent history after reconnecting.
type InMemoryBus struct {
	mu      sync.RWMutex
	opts    Options
	subs    map[int]*memSub
	nextSub int
	history []Event
	closed  bool
}

type memSub struct {
	pattern string
	ch      chan Event
}

// NewInMemoryBus creates a bus with the given options.
func NewInMemoryBus(opts Options) *InMemoryBus {
	return &InMemoryBus{
		opts: opts.withDefaults(),
		subs: make(map[int]*memSub),
	}
}

// Publish implements Bus.
func (b *InMemoryBus) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}

	if b.opts.HistorySize > 0 {
		b.history = append(b.history, ev)
		if len(b.history) > b.opts.HistorySize {
			b.history = b.history[len(b.history)-b.opts.HistorySize:]
		}
	}

	for _, sub := range b.subs {
		if !MatchTopic(sub.pattern, ev.Topic) {
			continue
		}
		for {
			select {
			case sub.ch <- ev:
			default:
				// Buffer full: drop the oldest event and retry.
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
	return nil
}

// Subscribe implements Bus.
func (b *InMemoryBus) Subscribe(_ context.Context, pattern string) (<-chan Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, ErrBusClosed
	}

	id := b.nextSub
	b.nextSub++
	sub := &memSub{pattern: pattern, ch: make(chan Event, b.opts.SubscriberBuffer)}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel, nil
}

// Replay returns the retained history matching pattern, oldest first.
// History must be enabled via Options.HistorySize.
func (b *InMemoryBus) Replay(pattern string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, ev := range b.history {
		if MatchTopic(pattern, ev.Topic) {
			out = append(out, ev)
		}
	}
	return out
}

// Close implements Bus.
func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	return nil
}
