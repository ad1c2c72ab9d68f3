package mcts

import (
	"fmt"

	"github.com/chewxy/math32"
)

// NodeID addresses a node inside a Tree arena.
type NodeID int32

const (
	// NoNode marks an absent parent, child or graft link.
	NoNode NodeID = -1
	// RootAction is the action token recorded on roots.
	RootAction int32 = -1
)

// Action is a run of tokens taken as a single move. Most actions are one token long.
type Action []int32

// Key identifies an action among its siblings. Multi-token actions are keyed by their first token.
func (a Action) Key() int32 {
	if len(a) == 0 {
		return RootAction
	}
	return a[0]
}

// Node represents one decision point in the search tree.
//
// Tokens holds the tokens this node appends to its parent's history (the full
// context for a root). Children are kept in insertion order; selection ties are
// broken by that order.
type Node struct {
	Tokens     []int32  `json:"tokens"`
	Parent     NodeID   `json:"parent"`
	Action     Action   `json:"action"`
	Prior      float32  `json:"prior"`
	VisitCount int      `json:"visit_count"`
	ValueSum   float32  `json:"value_sum"`
	Children   []NodeID `json:"children,omitempty"`

	// GraftedTo points at the continuation root created when this node was
	// committed as a real move. The continuation owns the children from then on.
	GraftedTo NodeID `json:"grafted_to"`
	// GraftedFrom is the committed child a continuation root replaced. Its
	// parent chain still describes the positions that led here.
	GraftedFrom NodeID `json:"grafted_from"`
}

// Tree is an arena of nodes. A tree belongs to exactly one search instance.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// NewTree creates an empty arena.
func NewTree() *Tree {
	return &Tree{Nodes: make([]Node, 0, 64)}
}

// Node returns a pointer to the node. The pointer is invalidated by the next
// allocation in the arena.
func (t *Tree) Node(id NodeID) *Node {
	return &t.Nodes[id]
}

// Len reports the number of allocated nodes.
func (t *Tree) Len() int { return len(t.Nodes) }

func (t *Tree) alloc(n Node) NodeID {
	t.Nodes = append(t.Nodes, n)
	return NodeID(len(t.Nodes) - 1)
}

// NewRoot allocates a parentless node holding the full context.
func (t *Tree) NewRoot(tokens []int32, visitCount int) NodeID {
	return t.alloc(Node{
		Tokens:      append([]int32(nil), tokens...),
		Parent:      NoNode,
		Action:      Action{RootAction},
		VisitCount:  visitCount,
		GraftedTo:   NoNode,
		GraftedFrom: NoNode,
	})
}

// IsExpanded reports whether the node has any children.
func (t *Tree) IsExpanded(id NodeID) bool {
	return len(t.Nodes[id].Children) > 0
}

// Child returns the child reached by the action with the given key.
func (t *Tree) Child(id NodeID, key int32) (NodeID, bool) {
	for _, c := range t.Nodes[id].Children {
		if t.Nodes[c].Action.Key() == key {
			return c, true
		}
	}
	return NoNode, false
}

// MeanValue is ValueSum/VisitCount, or the prior for unvisited nodes.
func (t *Tree) MeanValue(id NodeID) float32 {
	n := &t.Nodes[id]
	if n.VisitCount == 0 {
		return n.Prior
	}
	return n.ValueSum / float32(n.VisitCount)
}

// UCB scores a child for selection from its parent.
// U = Q + C * sqrt(N_parent) / (N_child + 1) * P
func (t *Tree) UCB(parent, child NodeID, c float32) float32 {
	p := &t.Nodes[parent]
	ch := &t.Nodes[child]
	q := t.MeanValue(child)
	return q + c*(math32.Sqrt(float32(p.VisitCount))/float32(ch.VisitCount+1))*ch.Prior
}

// SelectBestChild returns the child with the highest UCB score. The first
// child seen wins ties.
func (t *Tree) SelectBestChild(id NodeID, c float32) (NodeID, error) {
	if !t.IsExpanded(id) {
		return NoNode, fmt.Errorf("%w: select on unexpanded node %d", ErrInvalidState, id)
	}
	best := NoNode
	bestScore := math32.Inf(-1)
	for _, child := range t.Nodes[id].Children {
		if u := t.UCB(id, child, c); best == NoNode || u > bestScore {
			best = child
			bestScore = u
		}
	}
	return best, nil
}

// Expand adds one child per (action, prob) pair. Actions already present are
// left untouched, so repeated expansion never resets accumulated statistics.
func (t *Tree) Expand(id NodeID, policy []float32, actions []Action) {
	n := min(len(policy), len(actions))
	for i := 0; i < n; i++ {
		action := actions[i]
		if len(action) == 0 {
			continue
		}
		if _, ok := t.Child(id, action.Key()); ok {
			continue
		}
		child := t.alloc(Node{
			Tokens:      append([]int32(nil), action...),
			Parent:      id,
			Action:      append(Action(nil), action...),
			Prior:       policy[i],
			GraftedTo:   NoNode,
			GraftedFrom: NoNode,
		})
		t.Nodes[id].Children = append(t.Nodes[id].Children, child)
	}
}

// Backpropagate adds value to the node and every ancestor. There is no sign
// flip: the search is single player.
func (t *Tree) Backpropagate(id NodeID, value float32) {
	for cur := id; cur != NoNode; cur = t.Nodes[cur].Parent {
		t.Nodes[cur].VisitCount++
		t.Nodes[cur].ValueSum += value
	}
}

// TokenHistory reconstructs the forward token sequence from the root to id.
func (t *Tree) TokenHistory(id NodeID) []int32 {
	var rev []int32
	for cur := id; cur != NoNode; cur = t.Nodes[cur].Parent {
		toks := t.Nodes[cur].Tokens
		for i := len(toks) - 1; i >= 0; i-- {
			rev = append(rev, toks[i])
		}
	}
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return rev
}

// ContextID is the KV-cache scope a node's inference runs against: the full
// history for a parentless node, otherwise the history without the node's own
// action tokens.
func (t *Tree) ContextID(id NodeID, history []int32) []int32 {
	n := &t.Nodes[id]
	if n.Parent == NoNode {
		return history
	}
	return history[:len(history)-len(n.Tokens)]
}

// Graft turns a committed child into the next search root. The continuation
// root holds the full sequence, inherits the child's statistics and adopts its
// children so search effort below the committed action is reused.
func (t *Tree) Graft(child NodeID, tokens []int32) NodeID {
	root := t.alloc(Node{
		Tokens:      append([]int32(nil), tokens...),
		Parent:      NoNode,
		Action:      append(Action(nil), t.Nodes[child].Action...),
		Prior:       t.Nodes[child].Prior,
		VisitCount:  t.Nodes[child].VisitCount,
		ValueSum:    t.Nodes[child].ValueSum,
		GraftedTo:   NoNode,
		GraftedFrom: child,
	})
	adopted := append([]NodeID(nil), t.Nodes[child].Children...)
	for _, c := range adopted {
		t.Nodes[c].Parent = root
	}
	t.Nodes[root].Children = adopted
	t.Nodes[child].GraftedTo = root
	return root
}

// Children returns the node's children following graft links, which is the
// set of positions the search actually continued from.
func (t *Tree) Children(id NodeID) []NodeID {
	n := &t.Nodes[id]
	if n.GraftedTo != NoNode {
		return t.Nodes[n.GraftedTo].Children
	}
	return n.Children
}
