package event

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStreamsBus is a Bus backed by Redis Streams.
//
// Each topic maps to one stream ("{prefix}{topic}"); publications are
// XADDed as a single JSON payload field, and subscriptions read through a
// consumer group so events survive subscriber restarts. Per-event TTL is
// enforced with approximate MINID trimming (stream ids are
// millisecond-timestamped). Events that cannot be decoded, or that a
// subscriber fails to absorb within the configured delivery retry budget,
// are moved to the dead-letter stream when one is configured, otherwise
// acknowledged and dropped.
//
// Subscribe requires a concrete topic: Redis Streams have no server-side
// pattern matching.
type RedisStreamsBus struct {
	client   redis.UniversalClient
	prefix   string
	group    string
	consumer string
	opts     Options

	mu     sync.Mutex
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
	closed bool
}

// NewRedisStreamsBus creates a bus over an existing Redis client. group
// names the consumer group used by every subscription of this bus instance;
// distinct services should use distinct groups to each receive the full
// event flow.
func NewRedisStreamsBus(client redis.UniversalClient, group string, opts Options) *RedisStreamsBus {
	if group == "" {
		group = "agentgraph"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisStreamsBus{
		client:   client,
		prefix:   "agentgraph:events:",
		group:    group,
		consumer: fmt.Sprintf("%s-%d", group, time.Now().UnixNano()),
		opts:     opts.withDefaults(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (b *RedisStreamsBus) stream(topic string) string { return b.prefix + topic }

// Publish implements Bus.
func (b *RedisStreamsBus) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: b.stream(ev.Topic),
		Values: map[string]any{"event": string(payload)},
	}
	if b.opts.EventTTL > 0 {
		args.MinID = strconv.FormatInt(time.Now().Add(-b.opts.EventTTL).UnixMilli(), 10)
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// Subscribe implements Bus. pattern must be a concrete topic.
func (b *RedisStreamsBus) Subscribe(ctx context.Context, pattern string) (<-chan Event, func(), error) {
	if strings.Contains(pattern, "*") {
		return nil, nil, fmt.Errorf("redis streams bus requires a concrete topic, got pattern %q", pattern)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, ErrBusClosed
	}
	b.mu.Unlock()

	stream := b.stream(pattern)
	if err := b.ensureGroup(ctx, stream); err != nil {
		return nil, nil, err
	}

	subCtx, cancel := context.WithCancel(b.ctx)
	ch := make(chan Event, b.opts.SubscriberBuffer)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(ch)
		b.poll(subCtx, stream, ch)
	}()

	return ch, cancel, nil
}

func (b *RedisStreamsBus) ensureGroup(ctx context.Context, stream string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, b.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (b *RedisStreamsBus) poll(ctx context.Context, stream string, ch chan<- Event) {
	for {
		if ctx.Err() != nil {
			return
		}
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  []string{stream, ">"},
			Count:    32,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			// Transient read failure; back off briefly and retry.
			select {
			case <-ctx.Done():
				return
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				b.deliver(ctx, stream, m, ch)
			}
		}
	}
}

func (b *RedisStreamsBus) deliver(ctx context.Context, stream string, m redis.XMessage, ch chan<- Event) {
	raw, _ := m.Values["event"].(string)
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		b.deadLetter(ctx, raw)
		_ = b.client.XAck(ctx, stream, b.group, m.ID).Err()
		return
	}

	attempts := b.opts.Retry.MaxAttempts
	if attempts < 1 {
		// No delivery retry configured: block until the subscriber drains.
		select {
		case <-ctx.Done():
			return
		case ch <- ev:
			_ = b.client.XAck(ctx, stream, b.group, m.ID).Err()
		}
		return
	}

	// Hand off to the subscriber, backing off while its buffer is full. An
	// event the subscriber cannot absorb within the retry budget is
	// dead-lettered instead of stalling the poll loop.
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case ch <- ev:
			_ = b.client.XAck(ctx, stream, b.group, m.ID).Err()
			return
		default:
		}
		if attempt >= attempts {
			b.deadLetter(ctx, raw)
			_ = b.client.XAck(ctx, stream, b.group, m.ID).Err()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.opts.Retry.backoff(attempt)):
		}
	}
}

func (b *RedisStreamsBus) deadLetter(ctx context.Context, raw string) {
	if b.opts.DeadLetterTopic == "" {
		return
	}
	_ = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream(b.opts.DeadLetterTopic),
		Values: map[string]any{"event": raw},
	}).Err()
}

// Close implements Bus. The underlying client stays open; the caller owns
// its lifecycle.
func (b *RedisStreamsBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
	return nil
}
