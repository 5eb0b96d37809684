package graph

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func contentBranch(id, content string) ParallelBranch {
	return ParallelBranch{ID: id, Node: NewNodeFunc(id, func(_ context.Context, msg Message) (Message, error) {
		return msg.WithContent(content), nil
	})}
}

func failingBranch(id string) ParallelBranch {
	return ParallelBranch{ID: id, Node: NewNodeFunc(id, func(context.Context, Message) (Message, error) {
		return Message{}, errors.New(id + " exploded")
	})}
}

func TestParallelNode_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("results land under the node id", func(t *testing.T) {
		n := NewParallelNode("fan", []ParallelBranch{
			contentBranch("a", "alpha"),
			contentBranch("b", "beta"),
		})
		out, err := n.Run(ctx, NewMessage("seed", "u"))
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		results, ok := out.Data["fan"].(map[string]any)
		if !ok {
			t.Fatalf("results = %T", out.Data["fan"])
		}
		if results["a"] != "alpha" || results["b"] != "beta" {
			t.Errorf("results = %v", results)
		}
	})

	t.Run("branches run on isolated copies", func(t *testing.T) {
		mutator := ParallelBranch{ID: "m", Node: NewNodeFunc("m", func(_ context.Context, msg Message) (Message, error) {
			msg.Data["shared"] = "mutated"
			return msg.WithContent("done"), nil
		})}
		observer := ParallelBranch{ID: "o", Node: NewNodeFunc("o", func(_ context.Context, msg Message) (Message, error) {
			if msg.Data["shared"] != "original" {
				return Message{}, errors.New("saw another branch's write")
			}
			return msg.WithContent("clean"), nil
		})}
		n := NewParallelNode("fan", []ParallelBranch{mutator, observer})
		seed := NewMessage("seed", "u").WithData("shared", "original")
		out, err := n.Run(ctx, seed)
		if err != nil {
			t.Fatalf("isolation violated: %v", err)
		}
		if out.Data["shared"] != "original" {
			t.Errorf("parent data mutated: %v", out.Data["shared"])
		}
	})

	t.Run("partial failure records errors and succeeds", func(t *testing.T) {
		n := NewParallelNode("fan", []ParallelBranch{
			contentBranch("good", "fine"),
			failingBranch("bad"),
		})
		out, err := n.Run(ctx, NewMessage("seed", "u"))
		if err != nil {
			t.Fatalf("partial mode must tolerate one failure: %v", err)
		}
		errsMap, ok := out.Data["fan_errors"].(map[string]any)
		if !ok || errsMap["bad"] == nil {
			t.Errorf("errors map = %v", out.Data["fan_errors"])
		}
		results := out.Data["fan"].(map[string]any)
		if results["good"] != "fine" {
			t.Errorf("results = %v", results)
		}
		if _, present := results["bad"]; present {
			t.Error("failed branch must not contribute a result")
		}
	})

	t.Run("fail fast surfaces the branch error", func(t *testing.T) {
		n := NewParallelNode("fan", []ParallelBranch{
			contentBranch("good", "fine"),
			failingBranch("bad"),
		}, WithFailFast())
		_, err := n.Run(ctx, NewMessage("seed", "u"))
		if err == nil || !strings.Contains(err.Error(), "bad exploded") {
			t.Errorf("expected branch error, got %v", err)
		}
	})

	t.Run("all branches failed", func(t *testing.T) {
		n := NewParallelNode("fan", []ParallelBranch{failingBranch("x"), failingBranch("y")})
		_, err := n.Run(ctx, NewMessage("seed", "u"))
		if ge, ok := AsError(err); !ok || ge.Code != "ALL_BRANCHES_FAILED" {
			t.Errorf("expected ALL_BRANCHES_FAILED, got %v", err)
		}
	})

	t.Run("empty and invalid branches rejected", func(t *testing.T) {
		if _, err := NewParallelNode("fan", nil).Run(ctx, NewMessage("s", "u")); err == nil {
			t.Error("empty fan-out must fail")
		}
		bad := NewParallelNode("fan", []ParallelBranch{{ID: "", Node: passNode("n")}})
		if _, err := bad.Run(ctx, NewMessage("s", "u")); err == nil {
			t.Error("branch without id must fail")
		}
	})
}

func TestParallelNode_MetadataMerge(t *testing.T) {
	ctx := context.Background()
	metaBranch := func(id, key string, value any) ParallelBranch {
		return ParallelBranch{ID: id, Node: NewNodeFunc(id, func(_ context.Context, msg Message) (Message, error) {
			return msg.WithContent(id).WithMetadata(key, value), nil
		})}
	}

	t.Run("namespace is the default", func(t *testing.T) {
		n := NewParallelNode("fan", []ParallelBranch{
			metaBranch("a", "score", 1),
			metaBranch("b", "score", 2),
		})
		out, err := n.Run(ctx, NewMessage("seed", "u"))
		if err != nil {
			t.Fatal(err)
		}
		if out.Metadata["a.score"] == nil || out.Metadata["b.score"] == nil {
			t.Errorf("namespaced keys missing: %v", out.Metadata)
		}
	})

	t.Run("last write wins", func(t *testing.T) {
		n := NewParallelNode("fan", []ParallelBranch{
			metaBranch("a", "score", "from-a"),
			metaBranch("b", "score", "from-b"),
		}, WithMetadataMerge(MergeLastWrite))
		out, err := n.Run(ctx, NewMessage("seed", "u"))
		if err != nil {
			t.Fatal(err)
		}
		if out.Metadata["score"] != "from-b" {
			t.Errorf("score = %v, want from-b", out.Metadata["score"])
		}
	})

	t.Run("first write wins", func(t *testing.T) {
		n := NewParallelNode("fan", []ParallelBranch{
			metaBranch("a", "score", "from-a"),
			metaBranch("b", "score", "from-b"),
		}, WithMetadataMerge(MergeFirstWrite))
		out, err := n.Run(ctx, NewMessage("seed", "u"))
		if err != nil {
			t.Fatal(err)
		}
		if out.Metadata["score"] != "from-a" {
			t.Errorf("score = %v, want from-a", out.Metadata["score"])
		}
	})

	t.Run("custom merge", func(t *testing.T) {
		n := NewParallelNode("fan", []ParallelBranch{
			metaBranch("a", "score", 1),
			metaBranch("b", "score", 2),
		}, WithCustomMetadataMerge(func(branches map[string]map[string]any) map[string]any {
			return map[string]any{"branchCount": len(branches)}
		}))
		out, err := n.Run(ctx, NewMessage("seed", "u"))
		if err != nil {
			t.Fatal(err)
		}
		if out.Metadata["branchCount"] != 2 {
			t.Errorf("branchCount = %v", out.Metadata["branchCount"])
		}
	})

	t.Run("reserved keys protected", func(t *testing.T) {
		n := NewParallelNode("fan", []ParallelBranch{
			metaBranch("a", MetaSubgraphStack, []any{"forged"}),
		}, WithMetadataMerge(MergeLastWrite))
		out, err := n.Run(ctx, NewMessage("seed", "u"))
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := out.Metadata[MetaSubgraphStack]; ok {
			t.Error("branch must not inject the subgraph stack")
		}
	})
}

func TestMergeNode_Run(t *testing.T) {
	ctx := context.Background()
	withResults := func(results map[string]any) Message {
		return NewMessage("seed", "u").WithData("fan", results)
	}

	t.Run("vote majority", func(t *testing.T) {
		n := NewMergeNode("m", "fan", MergeVote)
		out, err := n.Run(ctx, withResults(map[string]any{"a": "yes", "b": "no", "c": "yes"}))
		if err != nil {
			t.Fatal(err)
		}
		if out.Data["merged"] != "yes" || out.Content != "yes" {
			t.Errorf("merged = %v", out.Data["merged"])
		}
	})

	t.Run("vote tie falls to first sorted branch", func(t *testing.T) {
		n := NewMergeNode("m", "fan", MergeVote)
		out, err := n.Run(ctx, withResults(map[string]any{"b": "late", "a": "early"}))
		if err != nil {
			t.Fatal(err)
		}
		if out.Data["merged"] != "early" {
			t.Errorf("merged = %v, want early", out.Data["merged"])
		}
	})

	t.Run("numeric reductions", func(t *testing.T) {
		results := map[string]any{"a": 2, "b": 4.0, "c": int64(6)}
		cases := []struct {
			strategy MergeStrategy
			want     float64
		}{
			{MergeAverage, 4},
			{MergeSum, 12},
			{MergeMin, 2},
			{MergeMax, 6},
		}
		for _, tc := range cases {
			t.Run(string(tc.strategy), func(t *testing.T) {
				out, err := NewMergeNode("m", "fan", tc.strategy).Run(ctx, withResults(results))
				if err != nil {
					t.Fatal(err)
				}
				if out.Data["merged"] != tc.want {
					t.Errorf("merged = %v, want %v", out.Data["merged"], tc.want)
				}
			})
		}
	})

	t.Run("non-numeric value fails numeric merge", func(t *testing.T) {
		_, err := NewMergeNode("m", "fan", MergeSum).Run(ctx, withResults(map[string]any{"a": "text"}))
		if ge, ok := AsError(err); !ok || ge.Code != "NON_NUMERIC_BRANCH" {
			t.Errorf("expected NON_NUMERIC_BRANCH, got %v", err)
		}
	})

	t.Run("first and last by sorted id", func(t *testing.T) {
		results := map[string]any{"b": "second", "a": "first"}
		out, _ := NewMergeNode("m", "fan", MergeFirst).Run(ctx, withResults(results))
		if out.Data["merged"] != "first" {
			t.Errorf("first = %v", out.Data["merged"])
		}
		out, _ = NewMergeNode("m", "fan", MergeLast).Run(ctx, withResults(results))
		if out.Data["merged"] != "second" {
			t.Errorf("last = %v", out.Data["merged"])
		}
	})

	t.Run("concat joins with newlines", func(t *testing.T) {
		out, err := NewMergeNode("m", "fan", MergeConcat).Run(ctx, withResults(map[string]any{"a": "one", "b": 2}))
		if err != nil {
			t.Fatal(err)
		}
		if out.Data["merged"] != "one\n2" {
			t.Errorf("merged = %q", out.Data["merged"])
		}
	})

	t.Run("missing source", func(t *testing.T) {
		_, err := NewMergeNode("m", "fan", MergeVote).Run(ctx, NewMessage("seed", "u"))
		if ge, ok := AsError(err); !ok || ge.Code != "MERGE_SOURCE_MISSING" {
			t.Errorf("expected MERGE_SOURCE_MISSING, got %v", err)
		}
	})

	t.Run("unknown strategy", func(t *testing.T) {
		_, err := NewMergeNode("m", "fan", MergeStrategy("mystery")).Run(ctx, withResults(map[string]any{"a": 1}))
		if ge, ok := AsError(err); !ok || ge.Code != "UNKNOWN_STRATEGY" {
			t.Errorf("expected UNKNOWN_STRATEGY, got %v", err)
		}
	})
}
