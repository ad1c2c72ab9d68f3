package mcts

// NoAction pads action lists up to the branching cap.
var NoAction = Action{RootAction}

// IsNoAction reports whether a is the padding sentinel.
func IsNoAction(a Action) bool {
	return len(a) == 1 && a[0] == RootAction
}

// MemoryStep is recorded once per committed move and later labeled with the
// final outcome.
type MemoryStep struct {
	Tokens      []int32   `json:"tokens"`
	ActionProbs []float32 `json:"action_probs"`
	Actions     []Action  `json:"actions"`
}

// ValueEntry records a terminal leaf reached during search that ended cleanly.
type ValueEntry struct {
	Tokens []int32 `json:"tokens"`
	Value  float32 `json:"value"`
	Node   NodeID  `json:"node"`
}

type valueKey struct {
	node  NodeID
	value float32
}

// pendingLeaf is a leaf selected in the current iteration that waits for the
// batched oracle call.
type pendingLeaf struct {
	node        NodeID
	tokens      []int32
	text        string
	terminal    bool
	endsCleanly bool
}

// ParallelSearch is the mutable state of one search instance (one problem).
type ParallelSearch struct {
	// Tokens is the realized sequence: the prompt plus every committed action.
	Tokens []int32 `json:"tokens"`
	DataID string  `json:"data_id"`

	Tree *Tree  `json:"tree"`
	Root NodeID `json:"root"`

	Memory      []MemoryStep `json:"memory"`
	ValueMemory []ValueEntry `json:"value_memory"`

	// BackupTokens and BackupRoot snapshot the instance before its first
	// committed move. KV-cache cleanup is scoped by BackupRoot.
	BackupTokens []int32 `json:"backup_tokens"`
	BackupRoot   NodeID  `json:"backup_root"`

	pending   *pendingLeaf
	valueSeen map[valueKey]struct{}
}

// NewParallelSearch creates a fresh instance for a prompt.
func NewParallelSearch(tokens []int32, dataID string) *ParallelSearch {
	return &ParallelSearch{
		Tokens:       append([]int32(nil), tokens...),
		DataID:       dataID,
		Tree:         NewTree(),
		Root:         NoNode,
		BackupTokens: append([]int32(nil), tokens...),
		BackupRoot:   NoNode,
	}
}

// Pending reports whether a leaf is queued for inference.
func (p *ParallelSearch) Pending() bool { return p.pending != nil }

// recordValue adds a value-memory entry unless the same (node, value) pair was
// already recorded.
func (p *ParallelSearch) recordValue(tokens []int32, value float32, node NodeID) {
	if p.valueSeen == nil {
		p.valueSeen = make(map[valueKey]struct{}, len(p.ValueMemory))
		for _, e := range p.ValueMemory {
			p.valueSeen[valueKey{e.Node, e.Value}] = struct{}{}
		}
	}
	k := valueKey{node, value}
	if _, ok := p.valueSeen[k]; ok {
		return
	}
	p.valueSeen[k] = struct{}{}
	p.ValueMemory = append(p.ValueMemory, ValueEntry{
		Tokens: append([]int32(nil), tokens...),
		Value:  value,
		Node:   node,
	})
}
