// Package graph provides the core graph execution engine for agentgraph-go.
package graph

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExecutionState represents the lifecycle state of a Message as it moves
// through the runner.
//
// The state machine:
//
//	READY   → RUNNING, CANCELLED
//	RUNNING → WAITING, COMPLETED, FAILED, CANCELLED
//	WAITING → RUNNING, CANCELLED
//
// COMPLETED, FAILED and CANCELLED are terminal: a terminal message may be
// inspected but never re-entered into the runner.
type ExecutionState string

const (
	// StateReady indicates a message that has not yet entered a runner.
	StateReady ExecutionState = "READY"

	// StateRunning indicates a message currently advancing through a graph.
	StateRunning ExecutionState = "RUNNING"

	// StateWaiting indicates a paused run awaiting external input (HITL).
	StateWaiting ExecutionState = "WAITING"

	// StateCompleted indicates a successfully finished run.
	StateCompleted ExecutionState = "COMPLETED"

	// StateFailed indicates a run that ended with an unrecovered failure.
	StateFailed ExecutionState = "FAILED"

	// StateCancelled indicates a run cancelled before reaching completion.
	StateCancelled ExecutionState = "CANCELLED"
)

// legalTransitions is the edge table of the execution state machine.
// Terminal states have no outgoing edges. Same-state transitions are not
// listed anywhere, so READY→READY and RUNNING→RUNNING are rejected.
var legalTransitions = map[ExecutionState][]ExecutionState{
	StateReady:   {StateRunning, StateCancelled},
	StateRunning: {StateWaiting, StateCompleted, StateFailed, StateCancelled},
	StateWaiting: {StateRunning, StateCancelled},
}

// IsTerminal reports whether the state has no outgoing transitions.
func (s ExecutionState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// CanTransitionTo reports whether the state machine permits moving from s
// to next.
func (s ExecutionState) CanTransitionTo(next ExecutionState) bool {
	for _, t := range legalTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is one of the six known states.
func (s ExecutionState) Valid() bool {
	switch s {
	case StateReady, StateRunning, StateWaiting, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// StateTransition is one entry in a message's append-only state history.
type StateTransition struct {
	From      ExecutionState `json:"from"`
	To        ExecutionState `json:"to"`
	Reason    string         `json:"reason,omitempty"`
	NodeID    string         `json:"nodeId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ToolCall is a structured record of one tool invocation, appended onto a
// message by tool nodes and adapters.
type ToolCall struct {
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Result     any            `json:"result,omitempty"`
	OK         bool           `json:"ok"`
	DurationMS int64          `json:"durationMs"`
	Attempt    int            `json:"attempt"`
	Error      string         `json:"error,omitempty"`
}

// Reserved metadata keys. User code must not overwrite these; the runner and
// the subgraph checkpoint protocol own them.
const (
	// MetaIntentSignature overrides the derived intent signature.
	MetaIntentSignature = "intentSignature"

	// MetaIntent is the fallback intent used when no explicit signature is set.
	MetaIntent = "intent"

	// MetaIntentVector holds an optional numeric embedding recorded to the
	// vector cache on every execute/resume ingress.
	MetaIntentVector = "intentVector"

	// MetaIntentKey overrides the vector-cache key (defaults to correlation id).
	MetaIntentKey = "intentKey"

	// MetaSubgraphStack holds the stacked subgraph checkpoint frames
	// (outermost first) while a nested run is paused.
	MetaSubgraphStack = "__subgraph_stack"

	// MetaSubgraphContext holds a single decoded checkpoint frame when a
	// caller supplies one out of band.
	MetaSubgraphContext = "__subgraph_context"

	// MetaIsOutput marks a message finalized by an OutputNode.
	MetaIsOutput = "isOutput"
)

// Message is the typed envelope that flows through a graph.
//
// Messages are value-typed: every mutation helper returns a new message and
// never modifies the receiver. The correlation id is preserved across every
// transformation; the run id is assigned on first entry to the runner if
// absent.
type Message struct {
	// ID uniquely identifies this message value.
	ID string `json:"id"`

	// CorrelationID ties together every message derived from one request.
	CorrelationID string `json:"correlationId"`

	// RunID identifies the runner invocation currently carrying the message.
	RunID string `json:"runId,omitempty"`

	// GraphID and NodeID scope the message to its current position.
	GraphID string `json:"graphId,omitempty"`
	NodeID  string `json:"nodeId,omitempty"`

	// Content is the primary textual payload.
	Content string `json:"content"`

	// Data carries structured values produced and consumed by nodes.
	Data map[string]any `json:"data,omitempty"`

	// Metadata carries out-of-band values. Keys listed in the Meta*
	// constants are reserved for the runner.
	Metadata map[string]any `json:"metadata,omitempty"`

	// From labels the origin of the message (user, node id, agent name).
	From string `json:"from,omitempty"`

	// ToolCalls is the ordered record of tool invocations so far.
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`

	// State is the current execution state.
	State ExecutionState `json:"state"`

	// StateHistory is the append-only record of state transitions. The
	// first entry is a synthetic transition into the first observed state.
	StateHistory []StateTransition `json:"stateHistory,omitempty"`

	// CreatedAt records when the envelope was first constructed.
	CreatedAt time.Time `json:"createdAt"`
}

// NewMessage creates a READY message with fresh identity and a seeded
// state history.
func NewMessage(content, from string) Message {
	now := time.Now().UTC()
	return Message{
		ID:            uuid.NewString(),
		CorrelationID: uuid.NewString(),
		Content:       content,
		From:          from,
		State:         StateReady,
		StateHistory: []StateTransition{
			{From: StateReady, To: StateReady, Reason: "created", Timestamp: now},
		},
		CreatedAt: now,
	}
}

// clone returns a copy of the message with its maps and slices duplicated so
// that mutations on the copy never show through to the original. Values held
// inside Data and Metadata are shared; callers treat them as immutable.
func (m Message) clone() Message {
	out := m
	if m.Data != nil {
		out.Data = make(map[string]any, len(m.Data))
		for k, v := range m.Data {
			out.Data[k] = v
		}
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(out.ToolCalls, m.ToolCalls)
	}
	if m.StateHistory != nil {
		out.StateHistory = make([]StateTransition, len(m.StateHistory))
		copy(out.StateHistory, m.StateHistory)
	}
	return out
}

// WithContent returns a copy carrying the given content.
func (m Message) WithContent(content string) Message {
	out := m.clone()
	out.Content = content
	return out
}

// WithFrom returns a copy with a new origin label.
func (m Message) WithFrom(from string) Message {
	out := m.clone()
	out.From = from
	return out
}

// WithData returns a copy with one data entry set.
func (m Message) WithData(key string, value any) Message {
	out := m.clone()
	if out.Data == nil {
		out.Data = make(map[string]any, 1)
	}
	out.Data[key] = value
	return out
}

// WithDataMap returns a copy with every entry of data merged over the
// existing data map.
func (m Message) WithDataMap(data map[string]any) Message {
	out := m.clone()
	if out.Data == nil {
		out.Data = make(map[string]any, len(data))
	}
	for k, v := range data {
		out.Data[k] = v
	}
	return out
}

// WithMetadata returns a copy with one metadata entry set.
func (m Message) WithMetadata(key string, value any) Message {
	out := m.clone()
	if out.Metadata == nil {
		out.Metadata = make(map[string]any, 1)
	}
	out.Metadata[key] = value
	return out
}

// WithoutMetadata returns a copy with the given metadata key removed.
func (m Message) WithoutMetadata(key string) Message {
	out := m.clone()
	delete(out.Metadata, key)
	return out
}

// WithToolCall returns a copy with the record appended to ToolCalls.
func (m Message) WithToolCall(tc ToolCall) Message {
	out := m.clone()
	out.ToolCalls = append(out.ToolCalls, tc)
	return out
}

// WithGraphContext returns a copy re-scoped to the given graph, node and run
// identifiers. Re-stamping is not a state transition and never appears in
// the state history.
func (m Message) WithGraphContext(graphID, nodeID, runID string) Message {
	out := m.clone()
	out.GraphID = graphID
	out.NodeID = nodeID
	out.RunID = runID
	return out
}

// Transition returns a copy moved to the target state with the move recorded
// in the state history. Illegal transitions are rejected with a validation
// error carrying the offending pair in context.
func (m Message) Transition(target ExecutionState, reason, nodeID string) (Message, error) {
	if !target.Valid() {
		return Message{}, NewValidationError("INVALID_STATE", "unknown execution state").
			WithContext("state", string(target))
	}
	if !m.State.CanTransitionTo(target) {
		return Message{}, NewValidationError("ILLEGAL_TRANSITION",
			fmt.Sprintf("illegal state transition %s → %s", m.State, target)).
			WithContext("from", string(m.State)).
			WithContext("to", string(target)).
			WithContext("nodeId", nodeID)
	}
	out := m.clone()
	out.StateHistory = append(out.StateHistory, StateTransition{
		From:      m.State,
		To:        target,
		Reason:    reason,
		NodeID:    nodeID,
		Timestamp: time.Now().UTC(),
	})
	out.State = target
	return out, nil
}

// ValidateHistory walks the state history and verifies that every recorded
// pair is a legal edge of the state machine. The leading synthetic entry
// (same→same at index zero) is permitted; it marks the first observed state.
func (m Message) ValidateHistory() error {
	for i, tr := range m.StateHistory {
		if i == 0 && tr.From == tr.To {
			continue
		}
		if !tr.From.CanTransitionTo(tr.To) {
			return NewValidationError("ILLEGAL_HISTORY",
				fmt.Sprintf("state history entry %d records illegal transition %s → %s", i, tr.From, tr.To)).
				WithContext("index", fmt.Sprintf("%d", i)).
				WithContext("from", string(tr.From)).
				WithContext("to", string(tr.To))
		}
	}
	if n := len(m.StateHistory); n > 0 {
		if last := m.StateHistory[n-1].To; last != m.State {
			return NewValidationError("HISTORY_DIVERGED",
				fmt.Sprintf("message state %s does not match last history entry %s", m.State, last))
		}
	}
	return nil
}

// DataString returns Data[key] as a string, with ok reporting presence and
// type match.
func (m Message) DataString(key string) (string, bool) {
	v, ok := m.Data[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// MetaString returns Metadata[key] as a string.
func (m Message) MetaString(key string) (string, bool) {
	v, ok := m.Metadata[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
