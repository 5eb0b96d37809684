package graph

import (
	"context"
	"time"

	"github.com/tessellate-ai/agentgraph-go/graph/tool"
)

// DataToolParams is the data key holding explicit tool parameters. When
// absent, the tool receives the message's whole data map.
const DataToolParams = "tool_params"

// DataToolResult is the data key where a tool node writes its result value.
const DataToolResult = "tool_result"

// ToolNode resolves and invokes a tool, recording the invocation on the
// message.
//
// On success the result value lands in Data under DataToolResult, the
// result's metadata entries are merged into the message metadata, and a
// ToolCall record is appended. A failed result (Result.OK == false) or an
// execution error fails the step with a tool error, which the retry
// supervisor treats as recoverable.
type ToolNode struct {
	id       string
	resolver ToolResolver
}

// NewToolNode creates a tool node using the given resolver.
func NewToolNode(id string, resolver ToolResolver) *ToolNode {
	return &ToolNode{id: id, resolver: resolver}
}

// ID implements Node.
func (n *ToolNode) ID() string { return n.id }

// Resolver exposes the resolver for build-time validation.
func (n *ToolNode) Resolver() ToolResolver { return n.resolver }

// params extracts the parameter map the tool should receive.
func (n *ToolNode) params(msg Message) map[string]any {
	if raw, ok := msg.Data[DataToolParams]; ok {
		if m, ok := raw.(map[string]any); ok {
			return m
		}
	}
	return msg.Data
}

// toolContext builds the invocation context from the message's run scope.
func (n *ToolNode) toolContext(msg Message) tool.Context {
	return tool.Context{
		GraphID:       msg.GraphID,
		NodeID:        n.id,
		RunID:         msg.RunID,
		CorrelationID: msg.CorrelationID,
	}
}

// Run implements Node. Runners invoke resolve/execute through the listener
// path instead; Run exists so a ToolNode also works standalone.
func (n *ToolNode) Run(ctx context.Context, msg Message) (Message, error) {
	t, err := n.resolve(msg)
	if err != nil {
		return Message{}, err
	}
	params := n.params(msg)

	start := time.Now()
	result, err := t.Execute(ctx, params, n.toolContext(msg))
	elapsed := time.Since(start)
	if err != nil {
		return Message{}, err
	}
	return n.apply(msg, t, params, result, 1, elapsed)
}

// resolve wraps resolver errors so a missing resolver and a failed lookup
// both surface as lookup failures tagged with the node.
func (n *ToolNode) resolve(msg Message) (tool.Tool, error) {
	if n.resolver == nil {
		return nil, NewLookupError("MISSING_RESOLVER", "tool node has no resolver").
			WithContext("nodeId", n.id)
	}
	t, err := n.resolver.Resolve(msg)
	if err != nil {
		if ge, ok := AsError(err); ok {
			return nil, ge.WithContext("nodeId", n.id)
		}
		return nil, err
	}
	return t, nil
}

// apply folds a tool result into the message: result value, metadata and
// the invocation record. A failed result returns a tool error instead.
func (n *ToolNode) apply(msg Message, t tool.Tool, params map[string]any, result tool.Result, attempt int, elapsed time.Duration) (Message, error) {
	record := ToolCall{
		Name:       t.Name(),
		Arguments:  params,
		Result:     result.Value,
		OK:         result.OK,
		DurationMS: elapsed.Milliseconds(),
		Attempt:    attempt,
		Error:      result.Error,
	}
	out := msg.WithToolCall(record)

	if !result.OK {
		return Message{}, NewToolError("TOOL_FAILED", result.Error).
			WithContext("tool", t.Name()).
			WithContext("nodeId", n.id)
	}

	out = out.WithData(DataToolResult, result.Value)
	for k, v := range result.Metadata {
		out = out.WithMetadata(k, v)
	}
	return out, nil
}
