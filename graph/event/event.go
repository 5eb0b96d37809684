// Package event provides the lifecycle event bus and the typed tool-call
// event channel used by the graph runner, with in-memory, Redis Streams and
// Kafka backends sharing one publish/subscribe contract.
package event

import (
	"fmt"
	"strings"
	"time"
)

// Lifecycle event names carried in Event.Name.
const (
	GraphStarted   = "graph.started"
	GraphResumed   = "graph.resumed"
	GraphCompleted = "graph.completed"
	GraphFailed    = "graph.failed"
	GraphCancelled = "graph.cancelled"
	NodeStarted    = "node.started"
	NodeCompleted  = "node.completed"
	NodeFailed     = "node.failed"
	NodeSkipped    = "node.skipped"
	HITLRequested  = "hitl.requested"
	FrameDropped   = "subgraph.frame.dropped"
)

// Event is one lifecycle publication. It carries the current message (as an
// opaque value, kept independent of the graph package) plus the enrichment
// fields subscribers filter on.
type Event struct {
	// Topic is the routing key the event was published under.
	Topic string `json:"topic"`

	// Name is the lifecycle event name (GraphStarted, NodeCompleted, ...).
	Name string `json:"event"`

	GraphID string `json:"graphId,omitempty"`
	NodeID  string `json:"nodeId,omitempty"`
	RunID   string `json:"runId,omitempty"`

	// Message is the message flowing through the graph at publication
	// time. JSON-serializable by contract.
	Message any `json:"message,omitempty"`

	// Meta carries additional structured data (durations, errors, ...).
	Meta map[string]any `json:"meta,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// TopicGraph builds the topic for a graph-level event:
// "graph.{id}.{started|completed|failed}".
func TopicGraph(graphID, phase string) string {
	return fmt.Sprintf("graph.%s.%s", graphID, phase)
}

// TopicNode builds the topic for a node-level event:
// "node.{graphId}.{nodeId}.{started|completed}".
func TopicNode(graphID, nodeID, phase string) string {
	return fmt.Sprintf("node.%s.%s.%s", graphID, nodeID, phase)
}

// TopicHITL builds the topic for a human-in-the-loop pause:
// "hitl.{graphId}.{nodeId}.requested".
func TopicHITL(graphID, nodeID string) string {
	return fmt.Sprintf("hitl.%s.%s.requested", graphID, nodeID)
}

// MatchTopic reports whether topic matches pattern. Patterns are
// dot-separated; a "*" segment matches exactly one topic segment, and a
// trailing "*" matches any remainder. The bare pattern "*" matches
// everything.
func MatchTopic(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	pp := strings.Split(pattern, ".")
	tp := strings.Split(topic, ".")
	for i, seg := range pp {
		if seg == "*" && i == len(pp)-1 {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if seg != "*" && seg != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}
