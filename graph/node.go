package graph

import (
	"context"
	"fmt"
)

// Node represents a processing unit in a graph.
//
// Each node receives the current message, performs its computation, and
// returns the transformed message. Nodes never mutate their input: message
// helpers return copies, and the runner treats the returned value as the
// sole successor.
type Node interface {
	// ID returns the node's identifier, unique within its graph.
	ID() string

	// Run executes the node's logic. A returned error fails the step and
	// hands control to the retry supervisor and middleware chain.
	Run(ctx context.Context, msg Message) (Message, error)
}

// NodeFunc adapts a plain function into a Node.
//
// Example:
//
//	upper := graph.NewNodeFunc("upper", func(ctx context.Context, msg graph.Message) (graph.Message, error) {
//	    return msg.WithContent(strings.ToUpper(msg.Content)), nil
//	})
type NodeFunc struct {
	id string
	fn func(ctx context.Context, msg Message) (Message, error)
}

// NewNodeFunc wraps fn as a node with the given id.
func NewNodeFunc(id string, fn func(ctx context.Context, msg Message) (Message, error)) *NodeFunc {
	return &NodeFunc{id: id, fn: fn}
}

// ID implements Node.
func (n *NodeFunc) ID() string { return n.id }

// Run implements Node.
func (n *NodeFunc) Run(ctx context.Context, msg Message) (Message, error) {
	return n.fn(ctx, msg)
}

// Agent produces a response message from an input message. Implementations
// wrap model calls, rule engines, or any other decision process.
type Agent interface {
	// Process returns the agent's response to msg. The response's content
	// and data are adopted by the calling AgentNode; its identity and
	// run-scoped fields are not.
	Process(ctx context.Context, msg Message) (Message, error)
}

// AgentFunc adapts a plain function into an Agent.
type AgentFunc func(ctx context.Context, msg Message) (Message, error)

// Process implements Agent.
func (f AgentFunc) Process(ctx context.Context, msg Message) (Message, error) {
	return f(ctx, msg)
}

// AgentNode runs an Agent as a graph node.
//
// The agent's reply is merged back onto the flowing message: content, data
// entries, From and tool-call records are adopted from the reply, while the
// message's identity, correlation id, run scope, state and metadata stamped
// by the runner are preserved. This keeps agents unaware of the execution
// machinery around them.
type AgentNode struct {
	id    string
	agent Agent
}

// NewAgentNode creates a node that delegates to agent.
func NewAgentNode(id string, agent Agent) *AgentNode {
	return &AgentNode{id: id, agent: agent}
}

// ID implements Node.
func (n *AgentNode) ID() string { return n.id }

// Run implements Node.
func (n *AgentNode) Run(ctx context.Context, msg Message) (Message, error) {
	if n.agent == nil {
		return Message{}, NewExecutionError("AGENT_MISSING", "agent node has no agent").
			WithContext("nodeId", n.id)
	}
	reply, err := n.agent.Process(ctx, msg)
	if err != nil {
		return Message{}, err
	}

	out := msg.WithContent(reply.Content)
	if reply.From != "" {
		out = out.WithFrom(reply.From)
	}
	if len(reply.Data) > 0 {
		out = out.WithDataMap(reply.Data)
	}
	for _, tc := range reply.ToolCalls {
		out = out.WithToolCall(tc)
	}
	return out, nil
}

// OutputSelector extracts the final content from a message. Used by
// OutputNode to decide what the run's answer is.
type OutputSelector func(msg Message) string

// OutputNode finalizes a run: it selects the output content, marks the
// message as output, and moves it to COMPLETED. Graphs typically route
// their last edge into an output node.
type OutputNode struct {
	id       string
	selector OutputSelector
}

// NewOutputNode creates an output node. A nil selector uses the message
// content as-is.
func NewOutputNode(id string, selector OutputSelector) *OutputNode {
	return &OutputNode{id: id, selector: selector}
}

// ID implements Node.
func (n *OutputNode) ID() string { return n.id }

// Run implements Node.
func (n *OutputNode) Run(_ context.Context, msg Message) (Message, error) {
	content := msg.Content
	if n.selector != nil {
		content = n.selector(msg)
	}
	out := msg.WithContent(content).WithMetadata(MetaIsOutput, true)
	out, err := out.Transition(StateCompleted, fmt.Sprintf("output produced by %s", n.id), n.id)
	if err != nil {
		return Message{}, err
	}
	return out, nil
}
