package mcts

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestMCTS(cfg Config, oracle Oracle, stop StopCriteria, hasValue bool) *MCTS {
	return New(cfg, oracle, stop, charTokenizer{}, hasValue, rand.New(rand.NewSource(3)))
}

func checkVisitInvariant(t *testing.T, tree *Tree, id NodeID) {
	t.Helper()
	n := tree.Node(id)
	if len(n.Children) == 0 {
		return
	}
	sum := 0
	for _, c := range n.Children {
		sum += tree.Node(c).VisitCount
		checkVisitInvariant(t, tree, c)
	}
	require.Equal(t, sum+1, n.VisitCount, "node %d", id)
}

func TestSearchOracleModeVisits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TopK = 4
	cfg.NumSearches = 8
	cfg.Oracle = true
	oracle := &fanOracle{width: 4, value: 0.1, hasValue: true}
	stop := &depthStop{depth: 3, value: 0.5, hasValue: true, endsCleanly: true}
	m := newTestMCTS(cfg, oracle, stop, true)

	ps := []*ParallelSearch{
		NewParallelSearch([]int32{1, 2, 3}, "a"),
		NewParallelSearch([]int32{4, 5}, "b"),
	}
	require.NoError(t, m.Search(context.Background(), ps))

	for _, p := range ps {
		root := p.Tree.Node(p.Root)
		require.GreaterOrEqual(t, root.VisitCount, 8)
		require.Len(t, root.Children, 4)
		checkVisitInvariant(t, p.Tree, p.Root)
	}
	// one cold call plus at most one call per iteration
	require.LessOrEqual(t, len(oracle.requests), 1+cfg.NumSearches)
}

func TestSearchColdStartSharesContexts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumSearches = 0
	oracle := &fanOracle{width: 2}
	m := newTestMCTS(cfg, oracle, &depthStop{depth: 10}, false)

	ps := []*ParallelSearch{
		NewParallelSearch([]int32{1, 2}, "a"),
		NewParallelSearch([]int32{1, 2}, "b"),
		NewParallelSearch([]int32{3}, "c"),
	}
	require.NoError(t, m.Search(context.Background(), ps))

	require.Len(t, oracle.requests, 1)
	req := oracle.requests[0]
	require.Equal(t, [][]int32{{1, 2}, {3}}, req.ContextIDs)
	require.Equal(t, []string{"1 2", "3"}, req.Sentences)
	require.Equal(t, cfg.Session, req.Session)
	for _, p := range ps {
		require.Equal(t, 1, p.Tree.Node(p.Root).VisitCount)
		require.Len(t, p.Tree.Node(p.Root).Children, 2)
	}
}

func TestSearchCachesCleanTerminalValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumSearches = 6
	cfg.DirichletEpsilon = 0
	oracle := &fanOracle{width: 2, value: 0.7, hasValue: true}
	stop := &depthStop{depth: 1, endsCleanly: true}
	m := newTestMCTS(cfg, oracle, stop, true)

	p := NewParallelSearch([]int32{9, 9}, "a")
	require.NoError(t, m.Search(context.Background(), []*ParallelSearch{p}))

	// cold call plus one miss per distinct terminal leaf
	require.Len(t, oracle.requests, 3)
	require.Equal(t, [][]int32{{9, 9}}, oracle.requests[1].ContextIDs)
	require.Equal(t, 2, m.Cache.Len())
	require.Len(t, p.ValueMemory, 2)
	for _, e := range p.ValueMemory {
		require.InDelta(t, 0.7, e.Value, 1e-6)
	}

	root := p.Tree.Node(p.Root)
	require.Equal(t, 7, root.VisitCount)
	require.InDelta(t, 6*0.7, root.ValueSum, 1e-4)

	m.ResetCache()
	require.Equal(t, 0, m.Cache.Len())
}

func TestSearchResponseMismatch(t *testing.T) {
	cfg := DefaultConfig()
	oracle := &fanOracle{width: 2, short: true}
	m := newTestMCTS(cfg, oracle, &depthStop{depth: 10}, false)

	ps := []*ParallelSearch{
		NewParallelSearch([]int32{1}, "a"),
		NewParallelSearch([]int32{2}, "b"),
	}
	err := m.Search(context.Background(), ps)
	require.ErrorIs(t, err, ErrResponseMismatch)
}

func TestSearchMissingValueColumn(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumSearches = 1
	oracle := &fanOracle{width: 2}
	m := newTestMCTS(cfg, oracle, &depthStop{depth: 10}, true)

	err := m.Search(context.Background(), []*ParallelSearch{NewParallelSearch([]int32{1}, "a")})
	require.ErrorIs(t, err, ErrResponseMismatch)
}

func TestSearchSkipsTerminatedInstances(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumSearches = 4
	oracle := &fanOracle{width: 2}
	stop := &depthStop{depth: 100, terminate: map[string]bool{"b": true}}
	m := newTestMCTS(cfg, oracle, stop, false)

	a := NewParallelSearch([]int32{1}, "a")
	b := NewParallelSearch([]int32{2}, "b")
	require.NoError(t, m.Search(context.Background(), []*ParallelSearch{a, b}))

	require.Len(t, oracle.requests, 1+cfg.NumSearches)
	for _, req := range oracle.requests[1:] {
		require.Equal(t, 1, req.Len())
	}
	require.Equal(t, 1, b.Tree.Node(b.Root).VisitCount)
	require.Equal(t, 1+cfg.NumSearches, a.Tree.Node(a.Root).VisitCount)
}

func TestSearchTurnOffValueUsesPrior(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumSearches = 1
	cfg.DirichletEpsilon = 0
	cfg.TurnOffValue = true
	oracle := &fanOracle{width: 2, value: 0.9, hasValue: true}
	m := newTestMCTS(cfg, oracle, &depthStop{depth: 100}, true)

	p := NewParallelSearch([]int32{1}, "a")
	require.NoError(t, m.Search(context.Background(), []*ParallelSearch{p}))
	require.InDelta(t, 0.5, p.Tree.Node(p.Root).ValueSum, 1e-6)
}

func TestSearchPadsActions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumSearches = 1
	cfg.DirichletEpsilon = 0
	cfg.PadID = 99
	var requests []InferRequest
	oracle := OracleFunc(func(ctx context.Context, req InferRequest) (InferResponse, error) {
		requests = append(requests, req)
		var resp InferResponse
		for _, c := range req.ContextIDs {
			if len(c) == 1 {
				resp.Actions = append(resp.Actions, []Action{{10, 11}})
			} else {
				resp.Actions = append(resp.Actions, []Action{{12}})
			}
			resp.Policy = append(resp.Policy, []float32{1})
		}
		return resp, nil
	})
	m := newTestMCTS(cfg, oracle, &depthStop{depth: 100}, false)

	ps := []*ParallelSearch{
		NewParallelSearch([]int32{1}, "a"),
		NewParallelSearch([]int32{1, 2}, "b"),
	}
	require.NoError(t, m.Search(context.Background(), ps))

	require.Len(t, requests, 2)
	require.Equal(t, [][]int32{{10, 11}, {12, 99}}, requests[1].Actions)
	require.Equal(t, [][]int32{{1}, {1, 2}}, requests[1].ContextIDs)
}

func TestSearchReusesGraftedRoot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumSearches = 3
	oracle := &fanOracle{width: 2}
	m := newTestMCTS(cfg, oracle, &depthStop{depth: 100}, false)

	p := NewParallelSearch([]int32{1}, "a")
	require.NoError(t, m.Search(context.Background(), []*ParallelSearch{p}))

	child := p.Tree.Node(p.Root).Children[0]
	p.Tokens = p.Tree.TokenHistory(child)
	p.Root = p.Tree.Graft(child, p.Tokens)
	before := len(oracle.requests)
	visits := p.Tree.Node(p.Root).VisitCount

	require.NoError(t, m.Search(context.Background(), []*ParallelSearch{p}))
	require.Len(t, oracle.requests, before+cfg.NumSearches)
	require.Empty(t, oracle.requests[before].Sentences)
	require.Equal(t, Action{RootAction}, p.Tree.Node(p.Root).Action)
	require.Equal(t, visits+cfg.NumSearches, p.Tree.Node(p.Root).VisitCount)
}

func TestSearchRejectsParentedRoot(t *testing.T) {
	cfg := DefaultConfig()
	m := newTestMCTS(cfg, &fanOracle{width: 2}, &depthStop{depth: 100}, false)

	p := NewParallelSearch([]int32{1}, "a")
	p.Root = p.Tree.NewRoot(p.Tokens, 1)
	p.Tree.Expand(p.Root, []float32{1}, []Action{{2}})
	p.Root = p.Tree.Node(p.Root).Children[0]

	err := m.Search(context.Background(), []*ParallelSearch{p})
	require.ErrorIs(t, err, ErrInvalidState)
}
