package graph

import (
	"errors"
	"fmt"
)

// toolResolverHolder is implemented by nodes that resolve tools at runtime.
// Validation inspects these nodes to surface resolution problems at build
// time instead of mid-run.
type toolResolverHolder interface {
	Resolver() ToolResolver
}

// validate checks structural integrity and resolver health. Construction
// errors gathered by the builder are folded in. In strict mode resolver
// warnings are errors; otherwise they are retained on the graph and
// retrievable via Warnings.
func (g *Graph) validate(priorErrs []error) error {
	errs := append([]error(nil), priorErrs...)

	if g.id == "" {
		errs = append(errs, NewValidationError("MISSING_GRAPH_ID", "graph id is required"))
	}
	if len(g.nodes) == 0 {
		errs = append(errs, NewValidationError("EMPTY_GRAPH", "graph has no nodes"))
	}
	if g.entry == "" {
		errs = append(errs, NewValidationError("MISSING_ENTRY", "graph has no entry point"))
	} else if _, ok := g.nodes[g.entry]; !ok {
		errs = append(errs, NewValidationError("UNKNOWN_ENTRY", "entry point is not a node").
			WithContext("nodeId", g.entry))
	}

	for i, e := range g.edges {
		if e.From != WildcardFrom {
			if _, ok := g.nodes[e.From]; !ok {
				errs = append(errs, NewValidationError("UNKNOWN_EDGE_SOURCE",
					fmt.Sprintf("edge %d leaves unknown node %q", i, e.From)))
			}
		}
		if _, ok := g.nodes[e.To]; !ok {
			errs = append(errs, NewValidationError("UNKNOWN_EDGE_TARGET",
				fmt.Sprintf("edge %d enters unknown node %q", i, e.To)))
		}
	}

	if !g.allowCycles {
		if cycle := g.findCycle(); cycle != nil {
			errs = append(errs, NewValidationError("CYCLE_DETECTED",
				fmt.Sprintf("graph contains a cycle: %v", cycle)))
		}
	}

	errs = append(errs, g.validateResolvers()...)

	return errors.Join(errs...)
}

// findCycle runs a colored DFS over every edge kind (regular, fallback and
// wildcard all count as reachability) and returns one cycle as a node path,
// or nil.
func (g *Graph) findCycle() []string {
	adj := make(map[string][]string, len(g.nodes))
	for _, e := range g.edges {
		if e.From == WildcardFrom {
			for _, id := range g.order {
				if id != e.To {
					adj[id] = append(adj[id], e.To)
				}
			}
			continue
		}
		adj[e.From] = append(adj[e.From], e.To)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				// Found a back edge; slice the cycle out of the stack.
				for i, s := range stack {
					if s == next {
						cycle = append(append([]string(nil), stack[i:]...), next)
						return true
					}
				}
				cycle = []string{next, next}
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range g.order {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// validateResolvers asks each tool-resolving node to validate itself.
// Error-level entries always fail the build; warning-level entries fail
// only in strict mode. Validation is skipped entirely when the configured
// registry has no tools, so unit tests that never register tools can build
// graphs freely.
func (g *Graph) validateResolvers() []error {
	registry := g.registry
	if registry == nil {
		registry = toolRegistryDefault()
	}
	if registry.Len() == 0 {
		return nil
	}

	var errs []error
	for _, id := range g.order {
		holder, ok := g.nodes[id].(toolResolverHolder)
		if !ok {
			continue
		}
		resolver := holder.Resolver()
		if resolver == nil {
			errs = append(errs, NewValidationError("MISSING_RESOLVER", "tool node has no resolver").
				WithContext("nodeId", id))
			continue
		}
		for _, entry := range resolver.Validate(registry) {
			if entry.Level == ValidationError || g.strict {
				errs = append(errs, NewValidationError("RESOLVER_INVALID", entry.Message).
					WithContext("nodeId", id).
					WithContext("resolver", resolver.DisplayName()))
				continue
			}
			g.warnings = append(g.warnings, fmt.Sprintf("node %s: %s", id, entry.Message))
		}
	}
	return errs
}

// Warnings returns non-fatal resolver findings collected at build time.
func (g *Graph) Warnings() []string {
	out := make([]string, len(g.warnings))
	copy(out, g.warnings)
	return out
}
