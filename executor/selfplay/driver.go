// Package selfplay drives batched tree search over a set of problems until
// each one finishes, turning the searched trajectories into training rows,
// per-token value rows and labeled samples.
package selfplay

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"slices"
	"time"

	"github.com/brensch/deepsearch/executor/mcts"
	"github.com/brensch/deepsearch/executor/metrics"
	"github.com/brensch/deepsearch/store"
)

// Result holds the rows produced by one Run.
type Result struct {
	Training []store.TrainingRow `json:"training"`
	Values   []store.ValueRow    `json:"values"`
	Samples  []store.SampleRow   `json:"samples"`

	Steps       int  `json:"steps"`
	DeadlineHit bool `json:"deadline_hit"`
}

// Progress is reported after every committed action.
type Progress struct {
	Step     int
	Live     int
	DataID   string
	Text     string
	MaxValue float32
	HasMax   bool
}

// Driver runs self-play over a batch of instances.
type Driver struct {
	MCTS     *mcts.MCTS
	Config   Config
	Strategy CacheStrategy

	RunID    string
	Logger   *slog.Logger
	Progress func(Progress)

	rng         *rand.Rand
	startTimers func(saveEvery, wallTime time.Duration) *timers
}

// NewDriver creates a driver. strategy may be nil.
func NewDriver(m *mcts.MCTS, cfg Config, strategy CacheStrategy) *Driver {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Driver{
		MCTS:        m,
		Config:      cfg,
		Strategy:    strategy,
		rng:         rand.New(rand.NewSource(seed)),
		startTimers: startTimers,
	}
}

func (d *Driver) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// runState is everything a checkpoint captures.
type runState struct {
	count  int
	live   []*mcts.ParallelSearch
	result Result
}

// CheckpointPath resolves filename against the configured cache dir.
func (d *Driver) CheckpointPath(filename string) string {
	if d.Config.CacheDir != "" && !filepath.IsAbs(filename) {
		return filepath.Join(d.Config.CacheDir, filename)
	}
	return filename
}

// Run searches until every instance is dropped, the wall-clock deadline
// passes or ctx is cancelled. If a checkpoint exists at filename the run
// resumes from it and instances is ignored. On cancellation the state is
// saved before ctx.Err() is returned.
func (d *Driver) Run(ctx context.Context, instances []*mcts.ParallelSearch, filename string) (*Result, error) {
	m := d.MCTS
	m.ResetCache()
	m.Stop.Reset()

	path := ""
	if filename != "" {
		path = d.CheckpointPath(filename)
	}

	st := &runState{live: slices.Clone(instances)}
	if path != "" {
		if err := d.restore(path, st); err != nil {
			return nil, err
		}
	}

	t := d.startTimers(d.Config.SaveEvery, d.Config.WallTime)
	defer t.stop()

	for len(st.live) > 0 {
		if err := ctx.Err(); err != nil {
			return d.interrupted(path, st, err)
		}

		st.count++
		metrics.SelfPlaySteps.Inc()
		d.logger().Debug("self-play step", "step", st.count, "searches", len(st.live))

		if err := m.Search(ctx, st.live); err != nil {
			if ctx.Err() != nil {
				return d.interrupted(path, st, ctx.Err())
			}
			return nil, fmt.Errorf("search step %d: %w", st.count, err)
		}
		for _, p := range st.live {
			if p.BackupRoot == mcts.NoNode {
				p.BackupRoot = p.Root
			}
		}

		if t.exit.Load() {
			if err := d.exitAtDeadline(ctx, st); err != nil {
				return nil, err
			}
			break
		}

		for i := len(st.live) - 1; i >= 0; i-- {
			drop, err := d.commit(ctx, st, st.live[i])
			if err != nil {
				return nil, err
			}
			if drop {
				st.live = slices.Delete(st.live, i, i+1)
			}
		}

		if path != "" && t.save.Swap(false) {
			if err := d.save(path, st); err != nil {
				// a missed save only delays persistence
				d.logger().Error("checkpoint save failed", "path", path, "err", err)
			}
		}
	}

	st.result.Steps = st.count
	return &st.result, nil
}

func (d *Driver) interrupted(path string, st *runState, cause error) (*Result, error) {
	if path != "" {
		if err := d.save(path, st); err != nil {
			d.logger().Error("checkpoint save on shutdown failed", "path", path, "err", err)
		}
	}
	st.result.Steps = st.count
	return &st.result, cause
}

// commit plays one real action for p and reports whether p is finished.
func (d *Driver) commit(ctx context.Context, st *runState, p *mcts.ParallelSearch) (bool, error) {
	m := d.MCTS
	if m.Stop.Terminated(p.DataID) {
		return true, d.finishSolved(ctx, st, p, "terminated")
	}

	tree := p.Tree
	probs, actions, err := ActionProbs(tree, p.Root, m.Config.TopK, d.Config.UseValueSum)
	if err != nil {
		return false, fmt.Errorf("instance %s: %w", p.DataID, err)
	}
	p.Memory = append(p.Memory, mcts.MemoryStep{
		Tokens:      slices.Clone(p.Tokens),
		ActionProbs: probs,
		Actions:     actions,
	})

	idx, err := SampleAction(d.rng, probs, actions, d.Config.Temperature)
	if err != nil {
		return false, fmt.Errorf("instance %s: %w", p.DataID, err)
	}
	action := actions[idx]
	child, ok := tree.Child(p.Root, action.Key())
	if !ok {
		return false, fmt.Errorf("%w: instance %s has no child for action %v", mcts.ErrInvalidState, p.DataID, action)
	}
	p.Tokens = append(p.Tokens, action...)
	p.Root = tree.Graft(child, p.Tokens)

	text := m.Decode(p.Tokens)
	ev, err := m.Stop.Evaluate(text, p.DataID, st.count, p.Tokens)
	if err != nil {
		return false, fmt.Errorf("evaluate %s: %w", p.DataID, err)
	}
	maxValue, hasMax := m.Stop.MaxValue(p.DataID)
	if hasMax {
		d.logger().Debug("max value", "data_id", p.DataID, "max_value", maxValue)
	}
	if d.Progress != nil {
		d.Progress(Progress{Step: st.count, Live: len(st.live), DataID: p.DataID, Text: text, MaxValue: maxValue, HasMax: hasMax})
	}

	if m.Stop.Terminated(p.DataID) {
		return true, d.finishSolved(ctx, st, p, "solved")
	}

	budget := d.Config.MaxSteps > 0 && len(p.Memory) >= d.Config.MaxSteps
	if !ev.Terminal && !budget {
		return false, nil
	}

	if d.Config.InferenceOnly {
		d.emitInference(st, p)
	} else {
		if ev.EndsCleanly || ev.HasAnswer {
			d.emitTrajectory(st, p, ev)
		}
		if err := d.emitValues(st, p); err != nil {
			return false, err
		}
	}
	reason := "terminal"
	if budget && !ev.Terminal {
		reason = "budget"
	}
	metrics.InstancesDropped.WithLabelValues(reason).Inc()
	return true, d.release(ctx, p)
}

// finishSolved emits every cached evaluation of p as a labeled sample.
func (d *Driver) finishSolved(ctx context.Context, st *runState, p *mcts.ParallelSearch, reason string) error {
	stop := d.MCTS.Stop
	entries, _ := stop.EvaluationCache(p.DataID)
	for _, e := range entries {
		row := d.sampleRow(p, e, false)
		st.result.Samples = append(st.result.Samples, row)
		if row.Positive {
			d.logger().Info("found a good sample", "data_id", p.DataID, "value", row.Value, "text", e.Text)
		}
	}
	metrics.RowsEmitted.WithLabelValues("samples").Add(float64(len(entries)))
	metrics.InstancesDropped.WithLabelValues(reason).Inc()
	return d.release(ctx, p)
}

// exitAtDeadline emits the best cached evaluation of every live instance and
// empties the live set.
func (d *Driver) exitAtDeadline(ctx context.Context, st *runState) error {
	stop := d.MCTS.Stop
	d.logger().Warn("wall time reached, exiting search", "wall_time", d.Config.WallTime, "live", len(st.live))
	st.result.DeadlineHit = true

	for i := len(st.live) - 1; i >= 0; i-- {
		p := st.live[i]
		entries, ok := stop.EvaluationCache(p.DataID)
		if !ok || len(entries) == 0 {
			metrics.DeadlineDropsWithoutSample.Inc()
			d.logger().Warn("no evaluated completion at deadline", "data_id", p.DataID)
		} else {
			best := entries[0]
			for _, e := range entries[1:] {
				if e.Result.Value > best.Result.Value {
					best = e
				}
			}
			row := d.sampleRow(p, best, true)
			st.result.Samples = append(st.result.Samples, row)
			metrics.RowsEmitted.WithLabelValues("samples").Inc()
			d.logger().Info("deadline sample",
				"data_id", p.DataID,
				"best", row.Value,
				"good", row.Positive,
				"evaluations", len(entries),
				"text", best.Text)
		}
		// released even without a sample; nothing runs after the deadline
		if err := d.release(ctx, p); err != nil {
			return err
		}
		metrics.InstancesDropped.WithLabelValues("deadline").Inc()
	}
	st.live = nil
	return nil
}

func (d *Driver) sampleRow(p *mcts.ParallelSearch, e mcts.CachedEvaluation, deadline bool) store.SampleRow {
	return store.SampleRow{
		RunID:         d.RunID,
		DataID:        p.DataID,
		Value:         e.Result.Value,
		Positive:      e.Result.Value >= d.MCTS.Stop.Threshold(),
		Deadline:      deadline,
		Text:          e.Text,
		Tokens:        slices.Clone(e.Tokens),
		ContextTokens: slices.Clone(p.BackupTokens),
	}
}

func (d *Driver) emitInference(st *runState, p *mcts.ParallelSearch) {
	m := d.MCTS
	reward, ok := m.Cache.Get(p.Tokens)
	if !ok {
		reward = -1
	}
	st.result.Training = append(st.result.Training, store.TrainingRow{
		RunID:         d.RunID,
		DataID:        p.DataID,
		Step:          int32(len(p.Memory)),
		Tokens:        slices.Clone(p.Tokens),
		Reward:        reward,
		ContextLength: int32(len(p.BackupTokens)),
		FullText:      m.Decode(p.Tokens),
		Context:       m.Decode(p.BackupTokens),
	})
	metrics.RowsEmitted.WithLabelValues("training").Inc()
}

// emitTrajectory labels every recorded step with the final value.
func (d *Driver) emitTrajectory(st *runState, p *mcts.ParallelSearch, ev mcts.Evaluation) {
	reward := ev.Value
	if !ev.HasValue {
		cached, ok := d.MCTS.Cache.Get(p.Tokens)
		if !ok {
			d.logger().Debug("terminal without value, trajectory skipped", "data_id", p.DataID)
			return
		}
		reward = cached
	}
	for i, step := range p.Memory {
		actions := make([][]int32, len(step.Actions))
		for j, a := range step.Actions {
			actions[j] = slices.Clone(a)
		}
		st.result.Training = append(st.result.Training, store.TrainingRow{
			RunID:         d.RunID,
			DataID:        p.DataID,
			Step:          int32(i),
			Tokens:        step.Tokens,
			ActionProbs:   step.ActionProbs,
			Actions:       actions,
			Reward:        reward,
			ContextLength: int32(len(p.BackupTokens)),
		})
	}
	metrics.RowsEmitted.WithLabelValues("training").Add(float64(len(p.Memory)))
}

// emitValues turns every recorded terminal leaf into per-token mean values
// along its path.
func (d *Driver) emitValues(st *runState, p *mcts.ParallelSearch) error {
	tree := p.Tree
	for _, e := range p.ValueMemory {
		values, tokens := TokenValues(tree, e.Node)
		if !slices.Equal(tokens, e.Tokens) {
			return fmt.Errorf("%w: value path of %s drifted from recorded tokens", mcts.ErrInvalidState, p.DataID)
		}
		st.result.Values = append(st.result.Values, store.ValueRow{
			RunID:         d.RunID,
			DataID:        p.DataID,
			Tokens:        slices.Clone(e.Tokens),
			Values:        values,
			Value:         e.Value,
			ContextTokens: slices.Clone(p.BackupTokens),
		})
	}
	metrics.RowsEmitted.WithLabelValues("values").Add(float64(len(p.ValueMemory)))
	return nil
}

// TokenValues returns, for every token on the path to id, the mean value of
// the node that appended it, along with the tokens themselves. A continuation
// root covers only the committed action's tokens; the path then continues
// through the child it replaced, so earlier moves and the prompt keep the
// values of their own depths.
func TokenValues(tree *mcts.Tree, id mcts.NodeID) ([]float32, []int32) {
	var values []float32
	var tokens []int32
	for cur := id; cur != mcts.NoNode; {
		n := tree.Node(cur)
		v := tree.MeanValue(cur)
		own := n.Tokens
		next := n.Parent
		if n.GraftedFrom != mcts.NoNode {
			from := tree.Node(n.GraftedFrom)
			own = n.Tokens[len(n.Tokens)-len(from.Tokens):]
			next = from.Parent
		}
		for i := len(own) - 1; i >= 0; i-- {
			values = append(values, v)
			tokens = append(tokens, own[i])
		}
		cur = next
	}
	slices.Reverse(values)
	slices.Reverse(tokens)
	return values, tokens
}

// release frees the KV cache scoped by p's first search root.
func (d *Driver) release(ctx context.Context, p *mcts.ParallelSearch) error {
	if p.BackupRoot == mcts.NoNode {
		return nil
	}
	if !slices.Equal(p.Tree.Node(p.BackupRoot).Tokens, p.BackupTokens) {
		return fmt.Errorf("%w: backup root of %s does not match its backup tokens", mcts.ErrInvalidState, p.DataID)
	}
	n, err := ClearCacheFor(ctx, d.Strategy, d.MCTS.Config.Session, p.Tree, p.BackupRoot)
	if err != nil {
		return fmt.Errorf("release %s: %w", p.DataID, err)
	}
	if n > 0 {
		d.logger().Debug("released kv cache", "data_id", p.DataID, "contexts", n)
	}
	return nil
}

func (d *Driver) save(path string, st *runState) error {
	start := time.Now()
	ck := &Checkpoint{
		SavedAt:      start,
		Count:        st.count,
		Live:         st.live,
		Result:       st.result,
		ContextCache: d.MCTS.Cache.Entries(),
	}
	if d.Strategy != nil {
		blob, err := d.Strategy.StateDict()
		if err != nil {
			return fmt.Errorf("strategy state: %w", err)
		}
		ck.Strategy = blob
	}
	if s, ok := d.MCTS.Stop.(Stateful); ok {
		blob, err := s.StateDict()
		if err != nil {
			return fmt.Errorf("stop criteria state: %w", err)
		}
		ck.StopCriteria = blob
	}

	size, err := SaveCheckpoint(path, ck)
	metrics.CheckpointDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CheckpointSaves.WithLabelValues("error").Inc()
		return err
	}
	metrics.CheckpointSaves.WithLabelValues("ok").Inc()
	d.logger().Info("saved checkpoint", "path", path, "bytes", size, "live", len(st.live), "took", time.Since(start))
	return nil
}

func (d *Driver) restore(path string, st *runState) error {
	start := time.Now()
	ck, ok, err := LoadCheckpoint(path)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	st.count = ck.Count
	st.live = ck.Live
	st.result = ck.Result
	d.MCTS.Cache.Restore(ck.ContextCache)
	if d.Strategy != nil && len(ck.Strategy) > 0 {
		if err := d.Strategy.LoadStateDict(ck.Strategy); err != nil {
			return fmt.Errorf("restore strategy: %w", err)
		}
	}
	if s, ok := d.MCTS.Stop.(Stateful); ok && len(ck.StopCriteria) > 0 {
		if err := s.LoadStateDict(ck.StopCriteria); err != nil {
			return fmt.Errorf("restore stop criteria: %w", err)
		}
	}
	d.logger().Info("loaded checkpoint", "path", path, "count", ck.Count, "live", len(ck.Live), "took", time.Since(start))
	return nil
}
