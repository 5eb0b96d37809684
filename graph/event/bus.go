package event

import (
	"context"
	"time"
)

// Bus is the lifecycle event bus contract shared by the in-memory, Redis
// Streams and Kafka backends.
//
// Publish must not stall the publishing run: implementations either accept
// the event quickly or fail fast with an error the runner will log and
// ignore. Subscribe returns a receive channel plus a cancel function that
// releases the subscription; the channel is closed on cancel or bus close.
type Bus interface {
	// Publish delivers ev to every matching subscriber.
	Publish(ctx context.Context, ev Event) error

	// Subscribe registers interest in topics matching pattern (see
	// MatchTopic). Broker-backed buses may restrict patterns to concrete
	// topics.
	Subscribe(ctx context.Context, pattern string) (<-chan Event, func(), error)

	// Close releases backend resources and closes all subscriptions.
	Close() error
}

// ToolCallEvent is one typed tool-call publication, emitted for every tool
// call present on a message after a node completes.
type ToolCallEvent struct {
	// ToolCall is the tool-call record from the message (opaque here to
	// keep the package independent of the graph package).
	ToolCall any `json:"toolCall"`

	// Message is the message that carried the call.
	Message any `json:"message,omitempty"`

	// EmittedBy is the node id that produced the call.
	EmittedBy string `json:"emittedBy"`

	GraphID  string         `json:"graphId,omitempty"`
	RunID    string         `json:"runId,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// ToolCallBus is the typed channel for tool-call events.
type ToolCallBus interface {
	PublishToolCall(ctx context.Context, ev ToolCallEvent) error
	SubscribeToolCalls(ctx context.Context) (<-chan ToolCallEvent, func(), error)
	Close() error
}

// RetryStrategy selects the delay sequence used when redelivering an event
// to a failing downstream consumer.
type RetryStrategy string

const (
	RetryFixed       RetryStrategy = "fixed"
	RetryExponential RetryStrategy = "exponential"
)

// DeliveryRetry configures redelivery for broker-backed buses.
type DeliveryRetry struct {
	// MaxAttempts bounds delivery attempts per event. Zero disables retry.
	MaxAttempts int

	// Delay is the base delay between attempts.
	Delay time.Duration

	// Strategy selects fixed or exponential spacing.
	Strategy RetryStrategy
}

func (r DeliveryRetry) backoff(attempt int) time.Duration {
	if r.Strategy == RetryExponential {
		return r.Delay * (1 << (attempt - 1))
	}
	return r.Delay
}

// Options configures a bus backend. Not every backend honours every field;
// see the backend constructors.
type Options struct {
	// HistorySize bounds the replayable in-memory history per topic.
	// Zero disables history.
	HistorySize int

	// DeadLetterTopic receives events that exhausted delivery retries.
	// Empty disables dead-lettering.
	DeadLetterTopic string

	// Retry configures redelivery on consumer failure.
	Retry DeliveryRetry

	// EventTTL bounds event retention where the backend supports it
	// (stream trimming, topic retention). Zero keeps the backend default.
	EventTTL time.Duration

	// SubscriberBuffer is the per-subscription channel capacity. When a
	// subscriber falls behind, the oldest buffered event is dropped first.
	SubscriberBuffer int
}

func (o Options) withDefaults() Options {
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 256
	}
	return o
}
