package mcts

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/brensch/deepsearch/executor/metrics"
)

// Config holds MCTS configuration
type Config struct {
	C           float32 `yaml:"c"`
	TopK        int     `yaml:"top_k"`
	NumSearches int     `yaml:"num_searches"`

	DirichletEpsilon float64 `yaml:"dirichlet_epsilon"`
	DirichletAlpha   float64 `yaml:"dirichlet_alpha"`

	// Oracle takes terminal values from the termination oracle instead of
	// running value inference for terminal leaves.
	Oracle bool `yaml:"oracle"`
	// TurnOffValue backpropagates the leaf prior instead of the value head.
	TurnOffValue bool `yaml:"turn_off_value"`

	PadID   int32  `yaml:"pad_id"`
	Session string `yaml:"session"`
}

// DefaultConfig returns the settings used for self-play.
func DefaultConfig() Config {
	return Config{
		C:                2.0,
		TopK:             50,
		NumSearches:      50,
		DirichletEpsilon: 0.25,
		DirichletAlpha:   0.3,
		PadID:            0,
		Session:          "session",
	}
}

// MCTS runs batched tree search over a set of instances. Every iteration
// selects one leaf per instance and serves all of them with one oracle call.
type MCTS struct {
	Config    Config
	Client    Oracle
	Stop      StopCriteria
	Tokenizer Tokenizer

	// HasValue is set when the oracle returns a value head output.
	HasValue bool
	// ValueEstimator, when set, replaces the oracle's value column.
	ValueEstimator ValueEstimator

	Rng    *rand.Rand
	Cache  *ContextCache
	Logger *slog.Logger
}

// New creates an MCTS with a fresh context cache.
func New(cfg Config, client Oracle, stop StopCriteria, tok Tokenizer, hasValue bool, rng *rand.Rand) *MCTS {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &MCTS{
		Config:    cfg,
		Client:    client,
		Stop:      stop,
		Tokenizer: tok,
		HasValue:  hasValue,
		Rng:       rng,
		Cache:     NewContextCache(),
	}
}

func (m *MCTS) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// Decode turns tokens into text with the configured tokenizer.
func (m *MCTS) Decode(tokens []int32) string {
	return m.Tokenizer.Decode(tokens)
}

// ResetCache clears the per-run context cache and the value estimator.
func (m *MCTS) ResetCache() {
	m.Cache = NewContextCache()
	if m.ValueEstimator != nil {
		m.ValueEstimator.Reset()
	}
}

// Search runs one round: root preparation followed by NumSearches
// select/infer/apply iterations across every instance.
func (m *MCTS) Search(ctx context.Context, ps []*ParallelSearch) error {
	if m.Cache == nil {
		m.Cache = NewContextCache()
	}
	if err := m.prepareRoots(ctx, ps); err != nil {
		return err
	}

	for i := 0; i < m.Config.NumSearches; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.selectLeaves(ps); err != nil {
			return err
		}
		if err := m.expandPending(ctx, ps); err != nil {
			return err
		}
	}
	return nil
}

// prepareRoots reuses continuation roots and cold-starts the rest with one
// oracle call, keyed by context so identical prompts share a request entry.
func (m *MCTS) prepareRoots(ctx context.Context, ps []*ParallelSearch) error {
	var cold []*ParallelSearch
	for _, p := range ps {
		if p.Tree == nil {
			p.Tree = NewTree()
		}
		if p.Root == NoNode {
			cold = append(cold, p)
			continue
		}
		root := p.Tree.Node(p.Root)
		if root.Parent != NoNode {
			return fmt.Errorf("%w: instance %s root %d has a parent", ErrInvalidState, p.DataID, p.Root)
		}
		root.Action = Action{RootAction}
	}
	if len(cold) == 0 {
		return nil
	}

	index := make(map[ContextKey]int, len(cold))
	var req InferRequest
	req.Session = m.Config.Session
	for _, p := range cold {
		k := KeyOf(p.Tokens)
		if _, ok := index[k]; ok {
			continue
		}
		index[k] = len(req.ContextIDs)
		req.ContextIDs = append(req.ContextIDs, append([]int32(nil), p.Tokens...))
		req.Sentences = append(req.Sentences, m.Decode(p.Tokens))
	}

	resp, err := m.infer(ctx, "cold", req)
	if err != nil {
		return err
	}

	for _, p := range cold {
		i := index[KeyOf(p.Tokens)]
		actions := resp.Actions[i]
		policy := resp.Policy[i]
		if len(policy) > 0 && m.Config.DirichletEpsilon > 0 {
			policy = MixNoise(m.Rng, policy, m.Config.DirichletEpsilon, m.Config.DirichletAlpha)
		}
		p.Root = p.Tree.NewRoot(p.Tokens, 1)
		p.Tree.Expand(p.Root, policy, actions)
	}
	return nil
}

// selectLeaves descends every instance to a leaf and either resolves it
// immediately (terminal with a known value) or queues it for inference.
func (m *MCTS) selectLeaves(ps []*ParallelSearch) error {
	for _, p := range ps {
		p.pending = nil
		tree := p.Tree

		node := p.Root
		depth := 0
		for tree.IsExpanded(node) {
			next, err := tree.SelectBestChild(node, m.Config.C)
			if err != nil {
				return err
			}
			node = next
			depth++
		}

		tokens := tree.TokenHistory(node)
		text := m.Decode(tokens)
		ev, err := m.Stop.Evaluate(text, p.DataID, depth, tokens)
		if err != nil {
			return fmt.Errorf("evaluate %s: %w", p.DataID, err)
		}

		if !ev.Terminal {
			p.pending = &pendingLeaf{node: node, tokens: tokens, text: text, endsCleanly: ev.EndsCleanly}
			continue
		}

		var value float32
		if m.Config.Oracle {
			value = tree.Node(node).Prior
			if ev.HasValue {
				value = ev.Value
			}
		} else {
			cached, ok := m.Cache.Get(tokens)
			if !ok {
				metrics.ContextCacheLookups.WithLabelValues("miss").Inc()
				p.pending = &pendingLeaf{node: node, tokens: tokens, text: text, terminal: true, endsCleanly: ev.EndsCleanly}
				continue
			}
			metrics.ContextCacheLookups.WithLabelValues("hit").Inc()
			value = cached
		}

		tree.Backpropagate(node, value)
		if ev.EndsCleanly {
			p.recordValue(tokens, value, node)
		}
	}

	for _, p := range ps {
		if m.Stop.Terminated(p.DataID) {
			p.pending = nil
		}
	}
	return nil
}

// expandPending serves every queued leaf with a single oracle call and
// applies the results in request order.
func (m *MCTS) expandPending(ctx context.Context, ps []*ParallelSearch) error {
	var expandable []*ParallelSearch
	for _, p := range ps {
		if p.pending != nil {
			expandable = append(expandable, p)
		}
	}
	if len(expandable) == 0 {
		return nil
	}

	req, dataIDs := m.buildRequest(expandable)
	resp, err := m.infer(ctx, "interior", req)
	if err != nil {
		return err
	}

	values := make([]float32, len(expandable))
	present := make([]bool, len(expandable))
	if m.HasValue {
		if !resp.HasValue || len(resp.Value) != len(expandable) {
			return fmt.Errorf("%w: expected %d values, got %d", ErrResponseMismatch, len(expandable), len(resp.Value))
		}
		copy(values, resp.Value)
		for i := range present {
			present[i] = true
		}
	}
	if m.ValueEstimator != nil {
		est, err := m.ValueEstimator.EstimateValues(ctx, req.Actions, req.ContextIDs, dataIDs)
		if err != nil {
			return fmt.Errorf("estimate values: %w", err)
		}
		if len(est) != len(expandable) {
			return fmt.Errorf("%w: value estimator returned %d values for %d leaves", ErrResponseMismatch, len(est), len(expandable))
		}
		copy(values, est)
		for i := range present {
			present[i] = true
		}
	}

	for i, p := range expandable {
		leaf := p.pending
		tree := p.Tree
		value := tree.Node(leaf.node).Prior
		if present[i] && !m.Config.TurnOffValue {
			value = values[i]
		}

		if leaf.terminal {
			tree.Backpropagate(leaf.node, value)
			if leaf.endsCleanly {
				p.recordValue(leaf.tokens, value, leaf.node)
				m.Cache.Put(leaf.tokens, value)
			}
		} else {
			tree.Expand(leaf.node, resp.Policy[i], resp.Actions[i])
			tree.Backpropagate(leaf.node, value)
		}
		p.pending = nil
	}
	return nil
}

// buildRequest collects the action tokens (padded to the longest action) and
// context ids of every pending leaf.
func (m *MCTS) buildRequest(expandable []*ParallelSearch) (InferRequest, []string) {
	req := InferRequest{
		Actions:    make([][]int32, len(expandable)),
		ContextIDs: make([][]int32, len(expandable)),
		Session:    m.Config.Session,
	}
	dataIDs := make([]string, len(expandable))

	maxLen := 0
	for _, p := range expandable {
		maxLen = max(maxLen, len(p.Tree.Node(p.pending.node).Action))
	}
	for i, p := range expandable {
		leaf := p.pending
		action := p.Tree.Node(leaf.node).Action
		padded := make([]int32, maxLen)
		copy(padded, action)
		for j := len(action); j < maxLen; j++ {
			padded[j] = m.Config.PadID
		}
		req.Actions[i] = padded
		req.ContextIDs[i] = append([]int32(nil), p.Tree.ContextID(leaf.node, leaf.tokens)...)
		dataIDs[i] = p.DataID
	}
	return req, dataIDs
}

// infer calls the oracle and checks the response has one entry per request entry.
func (m *MCTS) infer(ctx context.Context, kind string, req InferRequest) (InferResponse, error) {
	start := time.Now()
	resp, err := m.Client.InferBatch(ctx, req)
	metrics.OracleCalls.WithLabelValues(kind).Inc()
	metrics.OracleItems.WithLabelValues(kind).Add(float64(req.Len()))
	metrics.OracleDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		return InferResponse{}, fmt.Errorf("infer %s batch of %d: %w", kind, req.Len(), err)
	}
	if len(resp.Policy) != req.Len() || len(resp.Actions) != req.Len() {
		return InferResponse{}, fmt.Errorf("%w: %s request of %d got %d policies and %d action lists",
			ErrResponseMismatch, kind, req.Len(), len(resp.Policy), len(resp.Actions))
	}
	m.logger().Debug("oracle call", "kind", kind, "items", req.Len(), "took", time.Since(start))
	return resp, nil
}
