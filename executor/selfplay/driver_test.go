package selfplay

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/brensch/deepsearch/executor/mcts"
	"github.com/brensch/deepsearch/executor/metrics"
)

func expandedContexts(tree *mcts.Tree) map[mcts.ContextKey]bool {
	out := map[mcts.ContextKey]bool{}
	for i := 0; i < tree.Len(); i++ {
		id := mcts.NodeID(i)
		if len(tree.Children(id)) > 0 {
			out[mcts.KeyOf(tree.TokenHistory(id))] = true
		}
	}
	return out
}

func TestRunToTerminal(t *testing.T) {
	stop := newLengthStop(5)
	strategy := newRecordingStrategy()
	oracle := &fanOracle{width: 2, value: 0.5}
	d := newTestDriver(noTimers(), testSearchConfig(), oracle, stop, strategy)
	d.RunID = "run-1"
	var progress []Progress
	d.Progress = func(p Progress) { progress = append(progress, p) }

	p := mcts.NewParallelSearch([]int32{1, 2}, "a")
	res, err := d.Run(context.Background(), []*mcts.ParallelSearch{p}, "")
	require.NoError(t, err)

	require.Equal(t, 1, stop.resets)
	require.Equal(t, 3, res.Steps)
	require.False(t, res.DeadlineHit)
	require.Len(t, progress, 3)
	require.Equal(t, "a", progress[2].DataID)

	require.Len(t, res.Training, 3)
	for i, row := range res.Training {
		require.Equal(t, "run-1", row.RunID)
		require.Equal(t, int32(i), row.Step)
		require.Len(t, row.Tokens, 2+i)
		require.Equal(t, float32(1), row.Reward)
		require.Equal(t, int32(2), row.ContextLength)
		require.Len(t, row.ActionProbs, 4)
		require.Len(t, row.Actions, 4)
		require.InDelta(t, 1, sum(row.ActionProbs), 1e-5)
	}
	require.Len(t, p.Tokens, 5)

	for _, row := range res.Values {
		require.Len(t, row.Values, len(row.Tokens))
		require.Equal(t, []int32{1, 2}, row.ContextTokens)
	}
	require.Empty(t, res.Samples)

	// every expanded context under the backup root released exactly once
	want := expandedContexts(p.Tree)
	require.Len(t, strategy.released, len(want))
	for k, n := range strategy.released {
		require.True(t, want[k])
		require.Equal(t, 1, n)
	}
	// and every context sent to the oracle is among them
	for k := range oracle.contexts {
		require.True(t, want[k])
	}
}

func TestRunTerminatedBeforeFirstStep(t *testing.T) {
	stop := newLengthStop(100)
	stop.terminate["a"] = true
	stop.cache["a"] = []mcts.CachedEvaluation{
		{Text: "right", Result: mcts.Evaluation{Value: 1, HasValue: true, Terminal: true}, Tokens: []int32{1, 9}},
		{Text: "wrong", Result: mcts.Evaluation{Value: 0, HasValue: true, Terminal: true}, Tokens: []int32{1, 8}},
	}
	strategy := newRecordingStrategy()
	d := newTestDriver(noTimers(), testSearchConfig(), &fanOracle{width: 3}, stop, strategy)

	a := mcts.NewParallelSearch([]int32{1}, "a")
	b := mcts.NewParallelSearch([]int32{2}, "b")
	stop.terminalLen = 3
	res, err := d.Run(context.Background(), []*mcts.ParallelSearch{a, b}, "")
	require.NoError(t, err)

	require.Empty(t, a.Memory)
	for _, row := range res.Training {
		require.Equal(t, "b", row.DataID)
	}
	require.Len(t, res.Samples, 2)
	require.True(t, res.Samples[0].Positive)
	require.False(t, res.Samples[1].Positive)
	require.Equal(t, "a", res.Samples[0].DataID)
	require.Equal(t, []int32{1}, res.Samples[0].ContextTokens)

	// a's cold-start root was expanded, so its context was released
	require.Equal(t, 1, strategy.released[mcts.KeyOf([]int32{1})])
}

func TestRunDeadlineEmitsBestSample(t *testing.T) {
	stop := newLengthStop(100)
	stop.cache["a"] = []mcts.CachedEvaluation{
		{Text: "meh", Result: mcts.Evaluation{Value: 0.3}, Tokens: []int32{1, 4}},
		{Text: "good", Result: mcts.Evaluation{Value: 0.9}, Tokens: []int32{1, 5}},
	}
	strategy := newRecordingStrategy()
	d := newTestDriver(noTimers(), testSearchConfig(), &fanOracle{width: 2}, stop, strategy)
	d.startTimers = expiredDeadline

	a := mcts.NewParallelSearch([]int32{1}, "a")
	b := mcts.NewParallelSearch([]int32{2}, "b")
	res, err := d.Run(context.Background(), []*mcts.ParallelSearch{a, b}, "")
	require.NoError(t, err)

	require.True(t, res.DeadlineHit)
	require.Equal(t, 1, res.Steps)
	require.Len(t, res.Samples, 1)
	require.Equal(t, "a", res.Samples[0].DataID)
	require.Equal(t, float32(0.9), res.Samples[0].Value)
	require.Equal(t, "good", res.Samples[0].Text)
	require.True(t, res.Samples[0].Deadline)
	require.Empty(t, res.Training)
	require.Empty(t, a.Memory)
	require.Empty(t, b.Memory)
	require.Equal(t, 1, strategy.released[mcts.KeyOf([]int32{1})])
	require.Equal(t, 1, strategy.released[mcts.KeyOf([]int32{2})])
}

func TestRunStepBudget(t *testing.T) {
	cfg := noTimers()
	cfg.MaxSteps = 2
	d := newTestDriver(cfg, testSearchConfig(), &fanOracle{width: 2}, newLengthStop(100), nil)
	budgetDrops := testutil.ToFloat64(metrics.InstancesDropped.WithLabelValues("budget"))

	p := mcts.NewParallelSearch([]int32{1}, "a")
	res, err := d.Run(context.Background(), []*mcts.ParallelSearch{p}, "")
	require.NoError(t, err)
	require.Equal(t, 2, res.Steps)
	require.Equal(t, budgetDrops+1, testutil.ToFloat64(metrics.InstancesDropped.WithLabelValues("budget")))
	require.Len(t, p.Memory, 2)
	require.Empty(t, res.Training)
	require.Empty(t, res.Values)
}

func TestRunInferenceOnly(t *testing.T) {
	cfg := noTimers()
	cfg.InferenceOnly = true
	search := testSearchConfig()
	search.NumSearches = 8
	d := newTestDriver(cfg, search, &fanOracle{width: 2, value: 0.25}, newLengthStop(3), nil)

	res, err := d.Run(context.Background(), []*mcts.ParallelSearch{mcts.NewParallelSearch([]int32{7}, "a")}, "")
	require.NoError(t, err)
	require.Len(t, res.Training, 1)
	row := res.Training[0]
	require.Len(t, row.Tokens, 3)
	require.Equal(t, "7", row.Context)
	require.Equal(t, intTokenizer{}.Decode(row.Tokens), row.FullText)
	require.Contains(t, []float32{0.25, -1}, row.Reward)
	require.Empty(t, res.Values)
}

func TestRunResumesAfterCancel(t *testing.T) {
	dir := t.TempDir()
	cfg := noTimers()
	cfg.CacheDir = dir

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	oracle := &fanOracle{width: 2, value: 0.5, onCall: func(n int) {
		if n == 3 {
			cancel()
		}
	}}
	strategy := newRecordingStrategy()
	d := newTestDriver(cfg, testSearchConfig(), oracle, newLengthStop(4), strategy)

	_, err := d.Run(ctx, []*mcts.ParallelSearch{mcts.NewParallelSearch([]int32{1, 2}, "a")}, "batch.ckpt")
	require.ErrorIs(t, err, context.Canceled)

	path := filepath.Join(dir, "batch.ckpt")
	ck, ok, err := LoadCheckpoint(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, ck.Count)
	require.Len(t, ck.Live, 1)
	require.NotEqual(t, mcts.NoNode, ck.Live[0].Root)
	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))

	resumedStrategy := newRecordingStrategy()
	resumed := newTestDriver(cfg, testSearchConfig(), &fanOracle{width: 2, value: 0.5}, newLengthStop(4), resumedStrategy)
	res, err := resumed.Run(context.Background(), nil, "batch.ckpt")
	require.NoError(t, err)
	require.Equal(t, 3, res.Steps)
	require.Len(t, res.Training, 2)
	require.Equal(t, []int32{1, 2}, res.Training[0].Tokens)
	require.NotEmpty(t, resumedStrategy.loaded)
}

func TestCheckpointRoundTrip(t *testing.T) {
	p := mcts.NewParallelSearch([]int32{3, 4}, "x")
	p.Root = p.Tree.NewRoot(p.Tokens, 1)
	p.Tree.Expand(p.Root, []float32{0.7, 0.3}, []mcts.Action{{5}, {6, 7}})
	p.Tree.Backpropagate(p.Tree.Node(p.Root).Children[1], 0.25)
	p.BackupRoot = p.Root
	p.Memory = []mcts.MemoryStep{{Tokens: []int32{3, 4}, ActionProbs: []float32{0.5, 0.5}, Actions: []mcts.Action{{5}, {6, 7}}}}
	p.ValueMemory = []mcts.ValueEntry{{Tokens: []int32{3, 4, 6, 7}, Value: 0.25, Node: 2}}
	child := p.Tree.Node(p.Root).Children[1]
	p.Tokens = append(p.Tokens, 6, 7)
	p.Root = p.Tree.Graft(child, p.Tokens)

	ck := &Checkpoint{
		Count: 4,
		Live:  []*mcts.ParallelSearch{p},
		Result: Result{
			Samples: nil,
		},
		ContextCache: []mcts.CacheEntry{{Tokens: []int32{3, 4, 6, 7}, Value: 0.25}},
		Strategy:     []byte(`{"search_db":{"s":[[3,4]]}}`),
	}

	path := filepath.Join(t.TempDir(), "nested", "x.ckpt")
	size, err := SaveCheckpoint(path, ck)
	require.NoError(t, err)
	require.Positive(t, size)

	got, ok, err := LoadCheckpoint(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ck.Count, got.Count)
	require.Equal(t, ck.Live, got.Live)
	require.Equal(t, ck.Result, got.Result)
	require.Equal(t, ck.ContextCache, got.ContextCache)
	require.Equal(t, ck.Strategy, got.Strategy)

	// saving the loaded state again is stable
	_, err = SaveCheckpoint(path, got)
	require.NoError(t, err)
	again, _, err := LoadCheckpoint(path)
	require.NoError(t, err)
	require.Equal(t, got.Live, again.Live)

	_, ok, err = LoadCheckpoint(filepath.Join(t.TempDir(), "missing.ckpt"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClearCacheForFollowsGrafts(t *testing.T) {
	tree := mcts.NewTree()
	root := tree.NewRoot([]int32{1, 2}, 1)
	tree.Expand(root, []float32{0.5, 0.5}, []mcts.Action{{3}, {4}})
	three := tree.Node(root).Children[0]
	tree.Expand(three, []float32{1}, []mcts.Action{{5}})
	next := tree.Graft(three, []int32{1, 2, 3})
	five := tree.Node(next).Children[0]
	tree.Expand(five, []float32{1}, []mcts.Action{{6}})

	strategy := newRecordingStrategy()
	n, err := ClearCacheFor(context.Background(), strategy, "s", tree, root)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 3, strategy.total())
	require.Equal(t, 1, strategy.released[mcts.KeyOf([]int32{1, 2})])
	require.Equal(t, 1, strategy.released[mcts.KeyOf([]int32{1, 2, 3})])
	require.Equal(t, 1, strategy.released[mcts.KeyOf([]int32{1, 2, 3, 5})])

	strategy.enabled = false
	n, err = ClearCacheFor(context.Background(), strategy, "s", tree, root)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestTokenValues(t *testing.T) {
	tree := mcts.NewTree()
	root := tree.NewRoot([]int32{1}, 0)
	tree.Expand(root, []float32{1}, []mcts.Action{{2, 3}})
	child := tree.Node(root).Children[0]
	tree.Backpropagate(child, 1)
	tree.Backpropagate(root, 0)

	values, tokens := TokenValues(tree, child)
	require.Equal(t, []int32{1, 2, 3}, tokens)
	require.Equal(t, []float32{0.5, 1, 1}, values)
}

func TestTokenValuesAcrossGrafts(t *testing.T) {
	tree := mcts.NewTree()
	root := tree.NewRoot([]int32{1}, 1)
	tree.Expand(root, []float32{0.6, 0.4}, []mcts.Action{{2}, {9}})
	two, nine := tree.Node(root).Children[0], tree.Node(root).Children[1]
	tree.Expand(two, []float32{1}, []mcts.Action{{3}})
	three := tree.Node(two).Children[0]
	tree.Expand(three, []float32{1}, []mcts.Action{{4}})
	four := tree.Node(three).Children[0]
	tree.Backpropagate(nine, 0)
	tree.Backpropagate(four, 1)

	values, tokens := TokenValues(tree, four)
	require.Equal(t, []int32{1, 2, 3, 4}, tokens)
	requireValues(t, []float32{1.0 / 3, 1, 1, 1}, values)

	first := tree.Graft(two, []int32{1, 2})
	tree.Backpropagate(three, 0)
	second := tree.Graft(three, []int32{1, 2, 3})
	tree.Backpropagate(four, 1)
	require.Equal(t, two, tree.Node(first).GraftedFrom)
	require.Equal(t, three, tree.Node(second).GraftedFrom)

	// prompt keeps the first root's mean, each committed move its continuation's
	values, tokens = TokenValues(tree, four)
	require.Equal(t, []int32{1, 2, 3, 4}, tokens)
	requireValues(t, []float32{1.0 / 3, 0.5, 2.0 / 3, 1}, values)

	values, tokens = TokenValues(tree, second)
	require.Equal(t, []int32{1, 2, 3}, tokens)
	requireValues(t, []float32{1.0 / 3, 0.5, 2.0 / 3}, values)
}

func requireValues(t *testing.T, want, got []float32) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		require.InDelta(t, want[i], got[i], 1e-6, "token %d", i)
	}
}

func TestRunPeriodicSave(t *testing.T) {
	dir := t.TempDir()
	cfg := noTimers()
	cfg.CacheDir = dir
	d := newTestDriver(cfg, testSearchConfig(), &fanOracle{width: 2, value: 0.5}, newLengthStop(5), newRecordingStrategy())
	var tm *timers
	d.startTimers = saveNow(&tm)

	path := filepath.Join(dir, "batch.ckpt")
	var savedBeforeStep2, flagAfterSave bool
	d.Progress = func(p Progress) {
		if p.Step == 2 {
			_, err := os.Stat(path)
			savedBeforeStep2 = err == nil
			flagAfterSave = tm.save.Load()
		}
	}

	res, err := d.Run(context.Background(), []*mcts.ParallelSearch{mcts.NewParallelSearch([]int32{1, 2}, "a")}, "batch.ckpt")
	require.NoError(t, err)
	require.Equal(t, 3, res.Steps)
	require.True(t, savedBeforeStep2)
	require.False(t, flagAfterSave)

	// the only save happened after the first step
	ck, ok, err := LoadCheckpoint(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, ck.Count)
	require.Len(t, ck.Live, 1)
}

func TestRunPeriodicSaveFailureIsLogged(t *testing.T) {
	dir := t.TempDir()
	cfg := noTimers()
	cfg.CacheDir = dir
	strategy := brokenStateStrategy{newRecordingStrategy()}
	d := newTestDriver(cfg, testSearchConfig(), &fanOracle{width: 2, value: 0.5}, newLengthStop(4), strategy)
	var logs bytes.Buffer
	d.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	var tm *timers
	d.startTimers = saveNow(&tm)

	res, err := d.Run(context.Background(), []*mcts.ParallelSearch{mcts.NewParallelSearch([]int32{1, 2}, "a")}, "batch.ckpt")
	require.NoError(t, err)
	require.Equal(t, 2, res.Steps)
	require.Len(t, res.Training, 2)
	require.False(t, tm.save.Load())
	require.Contains(t, logs.String(), "checkpoint save failed")
	require.Contains(t, logs.String(), "state unavailable")

	_, err = os.Stat(filepath.Join(dir, "batch.ckpt"))
	require.True(t, os.IsNotExist(err))
}
