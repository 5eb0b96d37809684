package graph

import (
	"context"

	"github.com/google/uuid"
)

// CheckpointFrame records where a paused run sits inside a parent graph.
//
// When a subgraph's child run pauses for human input, one frame per nesting
// level is stacked under the reserved metadata key MetaSubgraphStack,
// outermost first. Resume pops the outermost frame, re-enters the child
// run, and repackages the stack if the child pauses again.
//
// Frames survive JSON round-trips: a message that has been serialized and
// deserialized carries its stack as decoded maps, which frameFromAny
// re-types on ingest.
type CheckpointFrame struct {
	// ParentNodeID is the subgraph node inside the parent graph.
	ParentNodeID string `json:"parentNodeId"`

	// ParentGraphID and ParentRunID scope the paused parent run.
	ParentGraphID string `json:"parentGraphId"`
	ParentRunID   string `json:"parentRunId"`

	// ChildGraphID identifies the graph the child run executes.
	ChildGraphID string `json:"childGraphId"`

	// ChildNodeID is where the child run paused.
	ChildNodeID string `json:"childNodeId"`

	// ChildRunID identifies the paused child run.
	ChildRunID string `json:"childRunId"`

	// Depth is the frame's 1-based nesting level, outermost first.
	Depth int `json:"depth"`

	// OutputMapping maps parent data keys to the child data keys they are
	// filled from when the child run completes.
	OutputMapping map[string]string `json:"outputMapping,omitempty"`
}

// toMap renders the frame in the shape a JSON round-trip produces, so
// native and rehydrated stacks are interchangeable.
func (f CheckpointFrame) toMap() map[string]any {
	m := map[string]any{
		"parentNodeId":  f.ParentNodeID,
		"parentGraphId": f.ParentGraphID,
		"parentRunId":   f.ParentRunID,
		"childGraphId":  f.ChildGraphID,
		"childNodeId":   f.ChildNodeID,
		"childRunId":    f.ChildRunID,
		"depth":         f.Depth,
	}
	if len(f.OutputMapping) > 0 {
		mapping := make(map[string]any, len(f.OutputMapping))
		for k, v := range f.OutputMapping {
			mapping[k] = v
		}
		m["outputMapping"] = mapping
	}
	return m
}

// frameFromAny re-types one stack element. Accepts a native CheckpointFrame
// or the map form a JSON decode produces. Elements missing the parent node
// id do not conform and are rejected.
func frameFromAny(raw any) (CheckpointFrame, bool) {
	switch v := raw.(type) {
	case CheckpointFrame:
		if v.ParentNodeID == "" {
			return CheckpointFrame{}, false
		}
		return v, true
	case map[string]any:
		str := func(key string) string {
			s, _ := v[key].(string)
			return s
		}
		f := CheckpointFrame{
			ParentNodeID:  str("parentNodeId"),
			ParentGraphID: str("parentGraphId"),
			ParentRunID:   str("parentRunId"),
			ChildGraphID:  str("childGraphId"),
			ChildNodeID:   str("childNodeId"),
			ChildRunID:    str("childRunId"),
		}
		if f.ParentNodeID == "" {
			return CheckpointFrame{}, false
		}
		switch d := v["depth"].(type) {
		case float64:
			f.Depth = int(d)
		case int:
			f.Depth = d
		}
		if rawMapping, ok := v["outputMapping"].(map[string]any); ok {
			f.OutputMapping = make(map[string]string, len(rawMapping))
			for k, mv := range rawMapping {
				if s, ok := mv.(string); ok {
					f.OutputMapping[k] = s
				}
			}
		}
		return f, true
	}
	return CheckpointFrame{}, false
}

// decodeFrameStack decodes the subgraph stack from the message, outermost
// first, and reports how many elements did not conform and were dropped.
// The protocol prefers a shallower resume over a poisoned one, but drops
// are surfaced to the caller so they can be warned about.
func decodeFrameStack(msg Message) ([]CheckpointFrame, int) {
	raw, ok := msg.Metadata[MetaSubgraphStack]
	if !ok {
		return nil, 0
	}
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case []CheckpointFrame:
		out := make([]CheckpointFrame, 0, len(v))
		for _, f := range v {
			if f.ParentNodeID != "" {
				out = append(out, f)
			}
		}
		return out, len(v) - len(out)
	case []map[string]any:
		items = make([]any, len(v))
		for i, m := range v {
			items[i] = m
		}
	default:
		return nil, 1
	}
	out := make([]CheckpointFrame, 0, len(items))
	for _, item := range items {
		if f, ok := frameFromAny(item); ok {
			out = append(out, f)
		}
	}
	return out, len(items) - len(out)
}

func frameStack(msg Message) []CheckpointFrame {
	frames, _ := decodeFrameStack(msg)
	return frames
}

// withFrameStack returns a copy carrying the stack, stored in JSON-shaped
// map form with depth renumbered from the outermost frame. An empty stack
// removes the key.
func withFrameStack(msg Message, frames []CheckpointFrame) Message {
	if len(frames) == 0 {
		return msg.WithoutMetadata(MetaSubgraphStack)
	}
	encoded := make([]any, len(frames))
	for i, f := range frames {
		f.Depth = i + 1
		encoded[i] = f.toMap()
	}
	return msg.WithMetadata(MetaSubgraphStack, encoded)
}

// SubgraphDepth reports how many nested runs are paused inside msg: zero
// for an ordinary message, one per stacked frame otherwise.
func SubgraphDepth(msg Message) int {
	return len(frameStack(msg))
}

// SubgraphNode runs a child graph as a single node of the parent.
//
// The child run gets its own run id; the parent's message flows in as the
// child's input. When the child completes, the output mapping fills each
// parent data key from the named child data key. When the child pauses
// (WAITING), the node stacks a checkpoint frame describing the parent
// position and returns the paused message, which propagates the pause all
// the way out to the caller.
type SubgraphNode struct {
	id            string
	child         *Graph
	outputMapping map[string]string
	runner        *Runner
}

// NewSubgraphNode creates a subgraph node. outputMapping may be nil, in
// which case the child's content alone carries its result.
func NewSubgraphNode(id string, child *Graph, outputMapping map[string]string) *SubgraphNode {
	return &SubgraphNode{id: id, child: child, outputMapping: outputMapping}
}

// ID implements Node.
func (n *SubgraphNode) ID() string { return n.id }

// Child returns the nested graph.
func (n *SubgraphNode) Child() *Graph { return n.child }

// Run implements Node using a default runner. The graph runner calls
// RunWithRunner instead so nested runs inherit its configuration.
func (n *SubgraphNode) Run(ctx context.Context, msg Message) (Message, error) {
	r := n.runner
	if r == nil {
		r = NewRunner()
	}
	return n.RunWithRunner(ctx, msg, r)
}

// RunWithRunner executes the child graph with the given runner and folds
// the result back onto the parent message.
func (n *SubgraphNode) RunWithRunner(ctx context.Context, msg Message, r *Runner) (Message, error) {
	if n.child == nil {
		return Message{}, NewValidationError("MISSING_SUBGRAPH", "subgraph node has no child graph").
			WithContext("nodeId", n.id)
	}

	parentGraphID := msg.GraphID
	parentRunID := msg.RunID
	childRunID := uuid.NewString()

	childMsg := msg.WithGraphContext(n.child.ID(), "", childRunID)
	childMsg = childMsg.WithoutMetadata(MetaSubgraphStack)

	result, err := r.Execute(ctx, n.child, childMsg)
	if err != nil {
		return Message{}, err
	}

	switch result.State {
	case StateWaiting:
		frame := CheckpointFrame{
			ParentNodeID:  n.id,
			ParentGraphID: parentGraphID,
			ParentRunID:   parentRunID,
			ChildGraphID:  n.child.ID(),
			ChildNodeID:   result.NodeID,
			ChildRunID:    result.RunID,
			OutputMapping: n.outputMapping,
		}
		stack := append([]CheckpointFrame{frame}, frameStack(result)...)
		out := withFrameStack(result, stack)
		// The paused message stays scoped to the parent run so the caller
		// resumes against the graph it started.
		out = out.WithGraphContext(parentGraphID, n.id, parentRunID)
		return out, nil

	case StateCompleted:
		return n.foldCompleted(msg, result)

	default:
		return Message{}, NewExecutionError("SUBGRAPH_UNEXPECTED_STATE",
			"child run ended in unexpected state").
			WithContext("nodeId", n.id).
			WithContext("state", string(result.State))
	}
}

// foldCompleted merges a completed child result onto the parent message:
// content is adopted, mapped data entries are copied, tool-call records are
// appended, and the parent's run scope and state are preserved.
func (n *SubgraphNode) foldCompleted(parent Message, child Message) (Message, error) {
	out := parent.WithContent(child.Content)
	for parentKey, childKey := range n.outputMapping {
		if v, ok := child.Data[childKey]; ok {
			out = out.WithData(parentKey, v)
		}
	}
	if len(n.outputMapping) == 0 && len(child.Data) > 0 {
		out = out.WithDataMap(child.Data)
	}
	if extra := len(child.ToolCalls) - len(parent.ToolCalls); extra > 0 {
		for _, tc := range child.ToolCalls[len(child.ToolCalls)-extra:] {
			out = out.WithToolCall(tc)
		}
	}
	return out, nil
}
