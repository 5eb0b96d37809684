package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tessellate-ai/agentgraph-go/graph/store"
)

// CachePolicy sets the lifetimes of the three idempotency layers. A zero
// TTL disables that layer.
type CachePolicy struct {
	// ToolCallTTL caches individual tool invocations keyed by tool name
	// and parameters.
	ToolCallTTL time.Duration

	// StepTTL caches whole node steps keyed by intent signature and node.
	StepTTL time.Duration

	// IntentTTL caches final run results keyed by intent signature.
	IntentTTL time.Duration
}

// DefaultCachePolicy enables step and tool-call caching for five minutes
// and intent caching for an hour.
func DefaultCachePolicy() CachePolicy {
	return CachePolicy{
		ToolCallTTL: 5 * time.Minute,
		StepTTL:     5 * time.Minute,
		IntentTTL:   time.Hour,
	}
}

// IntentSignature derives the stable identity of what a message is asking
// for. Precedence:
//  1. Metadata["intentSignature"] verbatim.
//  2. Metadata["intent"] verbatim.
//  3. SHA-256 of the first 100 characters of Content.
//  4. The message ID (last resort, never caches across messages).
func IntentSignature(msg Message) string {
	if sig, ok := msg.MetaString(MetaIntentSignature); ok && sig != "" {
		return sig
	}
	if intent, ok := msg.MetaString(MetaIntent); ok && intent != "" {
		return intent
	}
	if msg.Content != "" {
		content := msg.Content
		if len(content) > 100 {
			content = content[:100]
		}
		sum := sha256.Sum256([]byte(content))
		return hex.EncodeToString(sum[:])
	}
	return msg.ID
}

// IdempotencyManager layers step, tool-call and intent caching over an
// IdempotencyStore.
//
// Caching is best-effort: store failures degrade to cache misses and
// dropped saves, never to failed runs. A nil store disables every layer.
type IdempotencyManager struct {
	store     store.IdempotencyStore[Message]
	policy    CachePolicy
	intentSig string
}

// NewIdempotencyManager creates a manager. store may be nil.
func NewIdempotencyManager(s store.IdempotencyStore[Message], policy CachePolicy) *IdempotencyManager {
	return &IdempotencyManager{store: s, policy: policy}
}

func (m *IdempotencyManager) stepKey(msg Message, nodeID string) string {
	return fmt.Sprintf("step:%s:%s:%s", msg.GraphID, IntentSignature(msg), nodeID)
}

// bindIntent pins the intent signature to the message that entered the
// runner. The run's final result must be saved under the key the next
// identical request will probe; recomputing the signature from the outbound
// message would key it by the transformed content instead.
func (m *IdempotencyManager) bindIntent(msg Message) {
	if m == nil {
		return
	}
	m.intentSig = IntentSignature(msg)
}

func (m *IdempotencyManager) intentKey(msg Message) string {
	sig := m.intentSig
	if sig == "" {
		sig = IntentSignature(msg)
	}
	return fmt.Sprintf("intent:%s:%s", msg.GraphID, sig)
}

func (m *IdempotencyManager) toolKey(msg Message, nodeID, toolName string, params map[string]any) string {
	sum := sha256.New()
	if data, err := json.Marshal(params); err == nil {
		sum.Write(data)
	}
	return fmt.Sprintf("tool:%s:%s:%s:%s:%s",
		msg.GraphID, IntentSignature(msg), nodeID, toolName, hex.EncodeToString(sum.Sum(nil)))
}

// ProbeStep returns a previously cached result for this node and intent.
func (m *IdempotencyManager) ProbeStep(ctx context.Context, msg Message, nodeID string) (Message, bool) {
	if m == nil || m.store == nil || m.policy.StepTTL <= 0 {
		return Message{}, false
	}
	cached, ok, err := m.store.Get(ctx, m.stepKey(msg, nodeID))
	if err != nil || !ok {
		return Message{}, false
	}
	return cached, true
}

// SaveStep records a completed node step.
func (m *IdempotencyManager) SaveStep(ctx context.Context, msg Message, nodeID string) {
	if m == nil || m.store == nil || m.policy.StepTTL <= 0 {
		return
	}
	_ = m.store.Save(ctx, m.stepKey(msg, nodeID), msg, m.policy.StepTTL)
}

// ProbeToolCall returns a previously cached tool invocation result.
func (m *IdempotencyManager) ProbeToolCall(ctx context.Context, msg Message, nodeID, toolName string, params map[string]any) (Message, bool) {
	if m == nil || m.store == nil || m.policy.ToolCallTTL <= 0 {
		return Message{}, false
	}
	cached, ok, err := m.store.Get(ctx, m.toolKey(msg, nodeID, toolName, params))
	if err != nil || !ok {
		return Message{}, false
	}
	return cached, true
}

// SaveToolCall records a completed tool invocation.
func (m *IdempotencyManager) SaveToolCall(ctx context.Context, msg Message, nodeID, toolName string, params map[string]any) {
	if m == nil || m.store == nil || m.policy.ToolCallTTL <= 0 {
		return
	}
	_ = m.store.Save(ctx, m.toolKey(msg, nodeID, toolName, params), msg, m.policy.ToolCallTTL)
}

// ProbeIntent returns a previously cached final result for the intent.
func (m *IdempotencyManager) ProbeIntent(ctx context.Context, msg Message) (Message, bool) {
	if m == nil || m.store == nil || m.policy.IntentTTL <= 0 {
		return Message{}, false
	}
	cached, ok, err := m.store.Get(ctx, m.intentKey(msg))
	if err != nil || !ok {
		return Message{}, false
	}
	return cached, true
}

// SaveIntent records a completed run result for the intent.
func (m *IdempotencyManager) SaveIntent(ctx context.Context, msg Message) {
	if m == nil || m.store == nil || m.policy.IntentTTL <= 0 {
		return
	}
	_ = m.store.Save(ctx, m.intentKey(msg), msg, m.policy.IntentTTL)
}

// recordIntentVector copies an inbound intent embedding into the vector
// cache. The key defaults to the correlation id, overridable via
// Metadata["intentKey"]; the entry identifies the requester and graph and
// expires with the intent cache. Vectors arrive either as []float64 or,
// after a JSON round-trip, as []any of float64. Best-effort like the rest
// of the cache layers.
func recordIntentVector(ctx context.Context, cache store.VectorCache, msg Message, ttl time.Duration) {
	if cache == nil {
		return
	}
	raw, ok := msg.Metadata[MetaIntentVector]
	if !ok {
		return
	}
	var vector []float64
	switch v := raw.(type) {
	case []float64:
		vector = v
	case []any:
		vector = make([]float64, 0, len(v))
		for _, item := range v {
			f, ok := item.(float64)
			if !ok {
				return
			}
			vector = append(vector, f)
		}
	default:
		return
	}
	if len(vector) == 0 {
		return
	}
	key := msg.CorrelationID
	if k, ok := msg.MetaString(MetaIntentKey); ok && k != "" {
		key = k
	}
	_ = cache.Put(ctx, key, vector, map[string]string{
		"correlationId": msg.CorrelationID,
		"from":          msg.From,
		"graphId":       msg.GraphID,
	}, ttl)
}
