package selfplay

import (
	"fmt"
	"math/rand"

	"github.com/chewxy/math32"

	"github.com/brensch/deepsearch/executor/mcts"
)

// ActionProbs builds the improved policy over the root's children: visit
// counts (or value sums) normalised to 1, padded with mcts.NoAction to topK.
func ActionProbs(tree *mcts.Tree, root mcts.NodeID, topK int, useValueSum bool) ([]float32, []mcts.Action, error) {
	children := tree.Node(root).Children
	size := max(topK, len(children))
	probs := make([]float32, size)
	actions := make([]mcts.Action, 0, size)

	var sum float32
	for i, id := range children {
		child := tree.Node(id)
		if useValueSum {
			probs[i] = child.ValueSum
		} else {
			probs[i] = float32(child.VisitCount)
		}
		sum += probs[i]
		actions = append(actions, child.Action)
	}
	for len(actions) < size {
		actions = append(actions, mcts.NoAction)
	}
	if sum == 0 || math32.IsNaN(sum) || math32.IsInf(sum, 0) {
		return nil, nil, fmt.Errorf("%w: degenerate action distribution over %d children", mcts.ErrInvalidState, len(children))
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs, actions, nil
}

// ApplyTemperature returns p^(1/T) renormalised. T == 0 is greedy: all mass
// on the first maximum.
func ApplyTemperature(probs []float32, temperature float32) ([]float32, error) {
	out := make([]float32, len(probs))
	if temperature == 0 {
		out[argmax(probs)] = 1
		return out, nil
	}
	var sum float32
	for i, p := range probs {
		if p > 0 {
			out[i] = math32.Pow(p, 1/temperature)
		}
		sum += out[i]
	}
	if sum == 0 || math32.IsNaN(sum) || math32.IsInf(sum, 0) {
		return nil, fmt.Errorf("%w: temperature %v collapsed the distribution", mcts.ErrInvalidState, temperature)
	}
	for i := range out {
		out[i] /= sum
	}
	return out, nil
}

// SampleAction draws an action index from the temperature-scaled distribution.
func SampleAction(rng *rand.Rand, probs []float32, actions []mcts.Action, temperature float32) (int, error) {
	scaled, err := ApplyTemperature(probs, temperature)
	if err != nil {
		return 0, err
	}
	idx := sampleIndex(rng, scaled)
	if mcts.IsNoAction(actions[idx]) {
		return 0, fmt.Errorf("%w: sampled the padding action at index %d", mcts.ErrInvalidState, idx)
	}
	return idx, nil
}

func sampleIndex(rng *rand.Rand, policy []float32) int {
	r := rng.Float32()
	sum := float32(0)
	last := 0
	for i, p := range policy {
		if p <= 0 {
			continue
		}
		sum += p
		last = i
		if r < sum {
			return i
		}
	}
	// rounding left r above the total
	return last
}

func argmax(policy []float32) int {
	bestIdx := 0
	bestVal := math32.Inf(-1)
	for i, p := range policy {
		if p > bestVal {
			bestVal = p
			bestIdx = i
		}
	}
	return bestIdx
}
