package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaBus is a Bus backed by a Kafka topic via franz-go.
//
// All lifecycle events travel on one Kafka topic; the event topic is carried
// as the record key so that related events of a run stay ordered within a
// partition, and subscribers filter by pattern client-side. Each Subscribe
// call runs its own consumer group member, so one subscription per group
// sees the full flow.
//
// Events that cannot be decoded are produced to the dead-letter topic when
// one is configured, otherwise dropped.
type KafkaBus struct {
	client  *kgo.Client
	topic   string
	brokers []string
	group   string
	opts    Options

	mu     sync.Mutex
	subs   []*kafkaSub
	closed bool
}

type kafkaSub struct {
	client *kgo.Client
	cancel context.CancelFunc
	done   chan struct{}
}

// KafkaConfig configures a KafkaBus.
type KafkaConfig struct {
	// Brokers are the seed broker addresses.
	Brokers []string
	// Topic carries all lifecycle events. Required.
	Topic string
	// Group is the consumer group prefix for subscriptions. Defaults to
	// "agentgraph".
	Group string
}

// NewKafkaBus connects a producer client and returns the bus. Consumers are
// created lazily per subscription.
func NewKafkaBus(cfg KafkaConfig, opts Options) (*KafkaBus, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka bus requires a topic")
	}
	if cfg.Group == "" {
		cfg.Group = "agentgraph"
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("connect kafka: %w", err)
	}
	return &KafkaBus{client: client, topic: cfg.Topic, opts: opts.withDefaults(), brokers: cfg.Brokers, group: cfg.Group}, nil
}

// Publish implements Bus. The publish is synchronous: it returns once the
// broker acknowledges the record.
func (b *KafkaBus) Publish(ctx context.Context, ev Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.mu.Unlock()

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	record := &kgo.Record{
		Topic: b.topic,
		Key:   []byte(ev.Topic),
		Value: payload,
	}
	if err := b.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce: %w", err)
	}
	return nil
}

// Subscribe implements Bus. Wildcard patterns are supported; filtering
// happens client-side against the record key.
func (b *KafkaBus) Subscribe(ctx context.Context, pattern string) (<-chan Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, ErrBusClosed
	}

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(b.brokers...),
		kgo.ConsumeTopics(b.topic),
		kgo.ConsumerGroup(fmt.Sprintf("%s-%d", b.group, time.Now().UnixNano())),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect kafka consumer: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	ch := make(chan Event, b.opts.SubscriberBuffer)
	sub := &kafkaSub{client: consumer, cancel: cancel, done: make(chan struct{})}
	b.subs = append(b.subs, sub)

	go func() {
		defer close(sub.done)
		defer close(ch)
		defer consumer.Close()
		b.consume(subCtx, consumer, pattern, ch)
	}()

	stop := func() {
		cancel()
		<-sub.done
	}
	return ch, stop, nil
}

func (b *KafkaBus) consume(ctx context.Context, client *kgo.Client, pattern string, ch chan<- Event) {
	for {
		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(_ string, _ int32, err error) {
			// Fetch errors are transient from the bus's point of view;
			// the next poll retries.
			_ = err
		})
		fetches.EachRecord(func(record *kgo.Record) {
			if !MatchTopic(pattern, string(record.Key)) {
				return
			}
			var ev Event
			if err := json.Unmarshal(record.Value, &ev); err != nil {
				b.deadLetter(ctx, record.Value)
				return
			}
			select {
			case <-ctx.Done():
			case ch <- ev:
			}
		})
	}
}

func (b *KafkaBus) deadLetter(ctx context.Context, payload []byte) {
	if b.opts.DeadLetterTopic == "" {
		return
	}
	b.client.Produce(ctx, &kgo.Record{
		Topic: b.opts.DeadLetterTopic,
		Value: payload,
	}, nil)
}

// Close implements Bus. It stops all subscriptions and closes the producer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
	b.client.Close()
	return nil
}
