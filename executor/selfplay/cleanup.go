package selfplay

import (
	"context"
	"fmt"
	"slices"

	"github.com/brensch/deepsearch/executor/mcts"
)

// Stateful collaborators are saved into and restored from checkpoints.
type Stateful interface {
	StateDict() ([]byte, error)
	LoadStateDict([]byte) error
}

// CacheStrategy manages the inference server's KV cache.
type CacheStrategy interface {
	Stateful
	UseKVCache() bool
	CleanUpCacheForContext(ctx context.Context, session string, contextID []int32) error
}

// ClearCacheFor walks the subtree under root depth first and releases the
// context id of every expanded node exactly once. Graft links are followed,
// so positions searched after committed moves are covered. It returns the
// number of releases issued.
func ClearCacheFor(ctx context.Context, strategy CacheStrategy, session string, tree *mcts.Tree, root mcts.NodeID) (int, error) {
	if strategy == nil || !strategy.UseKVCache() || root == mcts.NoNode {
		return 0, nil
	}

	type frame struct {
		node      mcts.NodeID
		contextID []int32
	}
	seen := make(map[mcts.ContextKey]struct{})
	stack := []frame{{root, slices.Clone(tree.Node(root).Tokens)}}
	released := 0
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		k := mcts.KeyOf(f.contextID)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if err := strategy.CleanUpCacheForContext(ctx, session, f.contextID); err != nil {
			return released, fmt.Errorf("clean up context: %w", err)
		}
		released++

		for _, child := range tree.Children(f.node) {
			if len(tree.Children(child)) == 0 {
				continue
			}
			cid := append(slices.Clone(f.contextID), tree.Node(child).Tokens...)
			stack = append(stack, frame{child, cid})
		}
	}
	return released, nil
}
