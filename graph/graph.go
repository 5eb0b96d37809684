package graph

import (
	"time"

	"github.com/tessellate-ai/agentgraph-go/graph/event"
	"github.com/tessellate-ai/agentgraph-go/graph/store"
	"github.com/tessellate-ai/agentgraph-go/graph/tool"
)

// Graph is an immutable directed graph of nodes plus the collaborators a
// runner needs to execute it: idempotency store, event buses, middleware,
// tool listeners and retry policy.
//
// Build graphs with NewBuilder; a built graph is safe for concurrent runs.
type Graph struct {
	id          string
	entry       string
	nodes       map[string]Node
	order       []string
	edges       []Edge
	allowCycles bool
	strict      bool

	idempotency store.IdempotencyStore[Message]
	vectors     store.VectorCache
	checkpoints store.CheckpointStore[Message]
	bus         event.Bus
	toolBus     event.ToolCallBus
	middleware  []Middleware
	listeners   []ToolListener
	registry    *tool.Registry

	retry        *RetryPolicy
	retryEnabled bool
	cache        CachePolicy
	nodeTimeout  time.Duration

	warnings []string
}

// ID returns the graph identifier.
func (g *Graph) ID() string { return g.id }

// EntryPoint returns the id of the node where execution begins.
func (g *Graph) EntryPoint() string { return g.entry }

// Node returns the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns the node ids in insertion order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Edges returns a copy of the edge list.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// nextEdge selects the outgoing edge to follow from nodeID given msg.
//
// Regular edges (own plus wildcard) are evaluated in ascending priority,
// insertion order breaking ties; the first match wins. If none match, the
// lowest-priority fallback edge wins, again with insertion order breaking
// ties. A nil return means the path is exhausted and the run completes.
func (g *Graph) nextEdge(nodeID string, msg Message) *Edge {
	var regular []*Edge
	var fallback *Edge
	for i := range g.edges {
		e := &g.edges[i]
		if e.From != nodeID && e.From != WildcardFrom {
			continue
		}
		// Wildcard edges never route a node to itself.
		if e.From == WildcardFrom && e.To == nodeID {
			continue
		}
		if e.Fallback {
			if fallback == nil || e.Priority < fallback.Priority {
				fallback = e
			}
			continue
		}
		regular = append(regular, e)
	}

	var best *Edge
	for _, e := range regular {
		if !e.matches(msg) {
			continue
		}
		if best == nil || e.Priority < best.Priority {
			best = e
		}
	}
	if best != nil {
		return best
	}
	return fallback
}

// Builder assembles a Graph. Methods return the builder for chaining; Build
// validates the assembled graph and freezes it.
type Builder struct {
	g    *Graph
	errs []error
}

// NewBuilder starts a graph with the given id.
func NewBuilder(id string) *Builder {
	return &Builder{g: &Graph{
		id:           id,
		nodes:        make(map[string]Node),
		retryEnabled: true,
		strict:       false,
	}}
}

// AddNode registers a node. Duplicate ids are a build error.
func (b *Builder) AddNode(n Node) *Builder {
	if n == nil || n.ID() == "" {
		b.errs = append(b.errs, NewValidationError("INVALID_NODE", "node is nil or has empty id"))
		return b
	}
	if _, exists := b.g.nodes[n.ID()]; exists {
		b.errs = append(b.errs, NewValidationError("DUPLICATE_NODE", "duplicate node id").
			WithContext("nodeId", n.ID()))
		return b
	}
	b.g.nodes[n.ID()] = n
	b.g.order = append(b.g.order, n.ID())
	return b
}

// AddEdge registers an edge.
func (b *Builder) AddEdge(e Edge) *Builder {
	b.g.edges = append(b.g.edges, e)
	return b
}

// Connect adds an unconditional edge from one node to another.
func (b *Builder) Connect(from, to string) *Builder {
	return b.AddEdge(Edge{From: from, To: to})
}

// ConnectIf adds a conditional edge with the given priority.
func (b *Builder) ConnectIf(from, to string, priority int, cond Predicate) *Builder {
	return b.AddEdge(Edge{From: from, To: to, Priority: priority, Condition: cond})
}

// ConnectFallback adds a fallback edge, taken only when every regular edge
// from the node declined.
func (b *Builder) ConnectFallback(from, to string) *Builder {
	return b.AddEdge(Edge{From: from, To: to, Fallback: true})
}

// WithEntryPoint sets the node where execution begins.
func (b *Builder) WithEntryPoint(nodeID string) *Builder {
	b.g.entry = nodeID
	return b
}

// WithAllowCycles permits cyclic graphs. Without it, Build rejects any
// cycle reachable over regular or fallback edges.
func (b *Builder) WithAllowCycles(allow bool) *Builder {
	b.g.allowCycles = allow
	return b
}

// WithStrictValidation promotes resolver validation warnings to build
// errors.
func (b *Builder) WithStrictValidation(strict bool) *Builder {
	b.g.strict = strict
	return b
}

// WithIdempotencyStore attaches the store consulted for tool-call, step and
// intent caching.
func (b *Builder) WithIdempotencyStore(s store.IdempotencyStore[Message]) *Builder {
	b.g.idempotency = s
	return b
}

// WithVectorCache attaches the cache that records intent vectors on
// execute/resume ingress.
func (b *Builder) WithVectorCache(c store.VectorCache) *Builder {
	b.g.vectors = c
	return b
}

// WithCheckpointStore attaches durable run snapshots used by
// checkpoint-enabled runners.
func (b *Builder) WithCheckpointStore(s store.CheckpointStore[Message]) *Builder {
	b.g.checkpoints = s
	return b
}

// WithEventBus attaches the lifecycle event bus.
func (b *Builder) WithEventBus(bus event.Bus) *Builder {
	b.g.bus = bus
	return b
}

// WithToolCallBus attaches the tool-call event bus.
func (b *Builder) WithToolCallBus(bus event.ToolCallBus) *Builder {
	b.g.toolBus = bus
	return b
}

// WithMiddleware appends middleware. Hooks run in registration order.
func (b *Builder) WithMiddleware(mw ...Middleware) *Builder {
	b.g.middleware = append(b.g.middleware, mw...)
	return b
}

// WithToolListener appends a tool listener notified around every tool
// invocation the runner performs.
func (b *Builder) WithToolListener(l ...ToolListener) *Builder {
	b.g.listeners = append(b.g.listeners, l...)
	return b
}

// WithToolRegistry sets the registry used to validate tool resolvers at
// build time. Defaults to the shared registry.
func (b *Builder) WithToolRegistry(r *tool.Registry) *Builder {
	b.g.registry = r
	return b
}

// WithRetryPolicy sets the retry policy applied to failed node executions.
func (b *Builder) WithRetryPolicy(p RetryPolicy) *Builder {
	b.g.retry = &p
	return b
}

// WithRetryEnabled toggles the retry supervisor. Enabled by default.
func (b *Builder) WithRetryEnabled(enabled bool) *Builder {
	b.g.retryEnabled = enabled
	return b
}

// WithCachePolicy sets TTLs for the idempotency layers.
func (b *Builder) WithCachePolicy(p CachePolicy) *Builder {
	b.g.cache = p
	return b
}

// WithNodeTimeout bounds each node execution. Zero means no limit.
func (b *Builder) WithNodeTimeout(d time.Duration) *Builder {
	b.g.nodeTimeout = d
	return b
}

// Build validates the graph and returns it. All accumulated construction
// and validation errors are reported; the first is returned with the rest
// attached as context.
func (b *Builder) Build() (*Graph, error) {
	if err := b.g.validate(b.errs); err != nil {
		return nil, err
	}
	return b.g, nil
}
