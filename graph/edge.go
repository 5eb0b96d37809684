package graph

// Edge represents a directed connection between two nodes.
//
// Edges define control flow. They can be:
//   - Conditional: traversed when Condition(msg) returns true.
//   - Unconditional: always eligible (Condition = nil, Fallback = false).
//   - Fallback: only considered after every regular edge declined.
//
// Selection among a node's outgoing edges is deterministic:
//  1. Regular edges are evaluated in ascending Priority order (insertion
//     order breaks ties); the first whose condition passes wins.
//  2. If no regular edge matched, the first fallback edge wins.
//  3. If nothing matched, the run completes ("no more nodes").
//
// An edge with From == "*" matches any source node and participates in
// selection from every node.
type Edge struct {
	// From is the source node ID, or "*" for a wildcard edge.
	From string

	// To is the destination node ID.
	To string

	// Priority orders regular edges during selection. Lower runs first.
	Priority int

	// Fallback marks the edge as a fallback, consulted only after every
	// regular edge declined. Conditions on fallback edges are ignored.
	Fallback bool

	// Condition is an optional predicate over the current message. A nil
	// condition always passes.
	Condition Predicate
}

// Predicate evaluates a message to determine whether an edge should be
// traversed. Predicates should be pure: deterministic and side-effect free.
//
// Common patterns:
//   - Data presence: msg.Data["score"] != nil.
//   - Content match: strings.Contains(msg.Content, "approved").
//   - Threshold: msg.Data["confidence"].(float64) > 0.8.
type Predicate func(msg Message) bool

// matches reports whether the edge's condition passes for msg. Fallback
// edges never match here; they are selected separately.
func (e Edge) matches(msg Message) bool {
	if e.Fallback {
		return false
	}
	return e.Condition == nil || e.Condition(msg)
}

// WildcardFrom marks an edge that leaves every node.
const WildcardFrom = "*"
