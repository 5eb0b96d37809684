package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MetadataMerge selects how branch metadata folds back into the parent
// message after a parallel fan-out.
type MetadataMerge int

const (
	// MergeNamespace prefixes each branch's keys with "{branchID}.".
	// Lossless; the default.
	MergeNamespace MetadataMerge = iota

	// MergeLastWrite lets the last branch (sorted by branch id) win
	// conflicting keys.
	MergeLastWrite

	// MergeFirstWrite lets the first branch win conflicting keys.
	MergeFirstWrite

	// MergeCustom delegates to ParallelNode's custom merge function.
	MergeCustom
)

// ParallelBranch is one labelled branch of a fan-out.
type ParallelBranch struct {
	ID   string
	Node Node
}

// ParallelNode runs several branches concurrently over deep copies of the
// incoming message and folds the results back into one message.
//
// Each branch receives its own copy produced by a JSON round-trip, so
// branches can never observe each other's writes. Branch contents land in
// Data under the node's id as a branch-id→content map; branch metadata is
// folded per the configured merge strategy.
//
// With FailFast, the first branch error cancels the remaining branches and
// fails the step. Without it, failed branches are recorded under
// "{id}_errors" and the step succeeds as long as at least one branch did.
type ParallelNode struct {
	id         string
	branches   []ParallelBranch
	failFast   bool
	metaMerge  MetadataMerge
	customMeta func(branches map[string]map[string]any) map[string]any
}

// ParallelOption configures a ParallelNode.
type ParallelOption func(*ParallelNode)

// WithFailFast cancels every branch on the first failure.
func WithFailFast() ParallelOption {
	return func(n *ParallelNode) { n.failFast = true }
}

// WithMetadataMerge selects the metadata folding strategy.
func WithMetadataMerge(m MetadataMerge) ParallelOption {
	return func(n *ParallelNode) { n.metaMerge = m }
}

// WithCustomMetadataMerge installs a custom folding function and selects
// MergeCustom.
func WithCustomMetadataMerge(fn func(branches map[string]map[string]any) map[string]any) ParallelOption {
	return func(n *ParallelNode) {
		n.metaMerge = MergeCustom
		n.customMeta = fn
	}
}

// NewParallelNode creates a fan-out over the given branches.
func NewParallelNode(id string, branches []ParallelBranch, opts ...ParallelOption) *ParallelNode {
	n := &ParallelNode{id: id, branches: branches}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ID implements Node.
func (n *ParallelNode) ID() string { return n.id }

// deepCopyMessage isolates a branch's message via a JSON round-trip.
func deepCopyMessage(msg Message) (Message, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Message{}, NewExecutionError("COPY_FAILED", "message is not JSON-serializable").WithCause(err)
	}
	var out Message
	if err := json.Unmarshal(data, &out); err != nil {
		return Message{}, NewExecutionError("COPY_FAILED", "message copy failed to decode").WithCause(err)
	}
	return out, nil
}

type branchOutcome struct {
	id  string
	msg Message
	err error
}

// Run implements Node.
func (n *ParallelNode) Run(ctx context.Context, msg Message) (Message, error) {
	if len(n.branches) == 0 {
		return Message{}, NewValidationError("EMPTY_PARALLEL", "parallel node has no branches").
			WithContext("nodeId", n.id)
	}
	for _, b := range n.branches {
		if b.ID == "" || b.Node == nil {
			return Message{}, NewValidationError("INVALID_BRANCH", "branch needs an id and a node").
				WithContext("nodeId", n.id)
		}
	}

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make([]branchOutcome, len(n.branches))
	var wg sync.WaitGroup
	for i, b := range n.branches {
		copyMsg, err := deepCopyMessage(msg)
		if err != nil {
			return Message{}, err
		}
		wg.Add(1)
		go func(i int, b ParallelBranch, in Message) {
			defer wg.Done()
			out, err := b.Node.Run(branchCtx, in)
			outcomes[i] = branchOutcome{id: b.ID, msg: out, err: err}
			if err != nil && n.failFast {
				cancel()
			}
		}(i, b, copyMsg)
	}
	wg.Wait()

	return n.fold(msg, outcomes)
}

// fold assembles the parent result from the branch outcomes.
func (n *ParallelNode) fold(msg Message, outcomes []branchOutcome) (Message, error) {
	sorted := append([]branchOutcome(nil), outcomes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].id < sorted[j].id })

	results := make(map[string]any, len(sorted))
	branchMeta := make(map[string]map[string]any, len(sorted))
	errs := make(map[string]any)
	succeeded := 0

	for _, o := range sorted {
		if o.err != nil {
			if n.failFast {
				return Message{}, o.err
			}
			errs[o.id] = o.err.Error()
			continue
		}
		succeeded++
		results[o.id] = o.msg.Content
		if len(o.msg.Metadata) > 0 {
			branchMeta[o.id] = o.msg.Metadata
		}
	}
	if succeeded == 0 {
		return Message{}, NewExecutionError("ALL_BRANCHES_FAILED", "every parallel branch failed").
			WithContext("nodeId", n.id)
	}

	out := msg.WithData(n.id, results)
	if len(errs) > 0 {
		out = out.WithData(n.id+"_errors", errs)
	}
	return n.foldMetadata(out, branchMeta), nil
}

// foldMetadata applies the configured merge strategy, skipping reserved
// runner keys so branches cannot corrupt the checkpoint protocol.
func (n *ParallelNode) foldMetadata(msg Message, branches map[string]map[string]any) Message {
	if len(branches) == 0 {
		return msg
	}
	reserved := map[string]bool{
		MetaSubgraphStack:   true,
		MetaSubgraphContext: true,
	}

	ids := make([]string, 0, len(branches))
	for id := range branches {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := msg
	switch n.metaMerge {
	case MergeCustom:
		if n.customMeta == nil {
			return msg
		}
		for k, v := range n.customMeta(branches) {
			if !reserved[k] {
				out = out.WithMetadata(k, v)
			}
		}
	case MergeLastWrite:
		for _, id := range ids {
			for k, v := range branches[id] {
				if !reserved[k] {
					out = out.WithMetadata(k, v)
				}
			}
		}
	case MergeFirstWrite:
		for i := len(ids) - 1; i >= 0; i-- {
			for k, v := range branches[ids[i]] {
				if !reserved[k] {
					out = out.WithMetadata(k, v)
				}
			}
		}
	default: // MergeNamespace
		for _, id := range ids {
			for k, v := range branches[id] {
				if !reserved[k] {
					out = out.WithMetadata(id+"."+k, v)
				}
			}
		}
	}
	return out
}

// MergeStrategy selects how MergeNode reduces branch results to one value.
type MergeStrategy string

const (
	// MergeVote picks the strict-majority value; ties fall to the value
	// of the first branch in sorted branch-id order.
	MergeVote MergeStrategy = "vote"

	// MergeAverage averages numeric branch values.
	MergeAverage MergeStrategy = "average"

	// MergeSum sums numeric branch values.
	MergeSum MergeStrategy = "sum"

	// MergeMin and MergeMax take numeric extremes.
	MergeMin MergeStrategy = "min"
	MergeMax MergeStrategy = "max"

	// MergeFirst and MergeLast pick by sorted branch-id order.
	MergeFirst MergeStrategy = "first"
	MergeLast  MergeStrategy = "last"

	// MergeConcat joins stringified values with newlines.
	MergeConcat MergeStrategy = "concat"
)

// MergeNode reduces a fan-out's branch results to a single content value.
//
// It reads the branch-id→value map written by the ParallelNode named by
// source, applies the strategy, and writes the winner as the message
// content plus Data["merged"].
type MergeNode struct {
	id       string
	source   string
	strategy MergeStrategy
}

// NewMergeNode creates a merge node reading the output of the parallel
// node with id source.
func NewMergeNode(id, source string, strategy MergeStrategy) *MergeNode {
	return &MergeNode{id: id, source: source, strategy: strategy}
}

// ID implements Node.
func (n *MergeNode) ID() string { return n.id }

// Run implements Node.
func (n *MergeNode) Run(_ context.Context, msg Message) (Message, error) {
	raw, ok := msg.Data[n.source]
	if !ok {
		return Message{}, NewLookupError("MERGE_SOURCE_MISSING", "no parallel results to merge").
			WithContext("nodeId", n.id).
			WithContext("source", n.source)
	}
	branches, ok := toBranchMap(raw)
	if !ok || len(branches) == 0 {
		return Message{}, NewValidationError("MERGE_SOURCE_INVALID", "parallel results have an unexpected shape").
			WithContext("nodeId", n.id)
	}

	ids := make([]string, 0, len(branches))
	for id := range branches {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	merged, err := n.reduce(ids, branches)
	if err != nil {
		return Message{}, err
	}

	out := msg.WithData("merged", merged)
	out = out.WithContent(fmt.Sprintf("%v", merged))
	return out, nil
}

func toBranchMap(raw any) (map[string]any, bool) {
	switch v := raw.(type) {
	case map[string]any:
		return v, true
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, s := range v {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

func (n *MergeNode) reduce(ids []string, branches map[string]any) (any, error) {
	switch n.strategy {
	case MergeVote:
		counts := make(map[string]int, len(ids))
		for _, id := range ids {
			counts[fmt.Sprintf("%v", branches[id])]++
		}
		best := fmt.Sprintf("%v", branches[ids[0]])
		for _, id := range ids {
			key := fmt.Sprintf("%v", branches[id])
			if counts[key] > counts[best] {
				best = key
			}
		}
		return best, nil

	case MergeAverage, MergeSum, MergeMin, MergeMax:
		nums, err := numericValues(ids, branches)
		if err != nil {
			return nil, err
		}
		switch n.strategy {
		case MergeAverage:
			total := 0.0
			for _, f := range nums {
				total += f
			}
			return total / float64(len(nums)), nil
		case MergeSum:
			total := 0.0
			for _, f := range nums {
				total += f
			}
			return total, nil
		case MergeMin:
			best := nums[0]
			for _, f := range nums[1:] {
				if f < best {
					best = f
				}
			}
			return best, nil
		default:
			best := nums[0]
			for _, f := range nums[1:] {
				if f > best {
					best = f
				}
			}
			return best, nil
		}

	case MergeFirst:
		return branches[ids[0]], nil
	case MergeLast:
		return branches[ids[len(ids)-1]], nil

	case MergeConcat:
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = fmt.Sprintf("%v", branches[id])
		}
		return strings.Join(parts, "\n"), nil
	}

	return nil, NewValidationError("UNKNOWN_STRATEGY", "unknown merge strategy").
		WithContext("strategy", string(n.strategy))
}

func numericValues(ids []string, branches map[string]any) ([]float64, error) {
	out := make([]float64, 0, len(ids))
	for _, id := range ids {
		switch v := branches[id].(type) {
		case float64:
			out = append(out, v)
		case int:
			out = append(out, float64(v))
		case int64:
			out = append(out, float64(v))
		default:
			return nil, NewValidationError("NON_NUMERIC_BRANCH", "numeric merge over non-numeric value").
				WithContext("branch", id)
		}
	}
	return out, nil
}
