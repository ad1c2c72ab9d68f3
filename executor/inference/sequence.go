package inference

import (
	"fmt"

	"github.com/brensch/deepsearch/executor/mcts"
	"github.com/chewxy/math32"
)

// Sequences rebuilds the full token sequence for every request entry. Cold
// requests carry no actions and the context id is the whole prompt. Interior
// requests append each leaf's action to its context, dropping the pad tokens
// the batch was padded with and the root marker.
func Sequences(req mcts.InferRequest, padID int32) ([][]int32, error) {
	if len(req.Actions) > 0 && len(req.Actions) != len(req.ContextIDs) {
		return nil, fmt.Errorf("%w: %d actions for %d context ids", mcts.ErrInvalidState, len(req.Actions), len(req.ContextIDs))
	}
	out := make([][]int32, len(req.ContextIDs))
	for i, cid := range req.ContextIDs {
		seq := append([]int32(nil), cid...)
		if len(req.Actions) > 0 {
			seq = append(seq, unpad(req.Actions[i], padID)...)
		}
		if len(seq) == 0 {
			return nil, fmt.Errorf("%w: entry %d has no tokens", mcts.ErrInvalidState, i)
		}
		out[i] = seq
	}
	return out, nil
}

func unpad(action []int32, padID int32) []int32 {
	a := action
	for len(a) > 1 && a[len(a)-1] == padID {
		a = a[:len(a)-1]
	}
	out := make([]int32, 0, len(a))
	for _, t := range a {
		if t >= 0 {
			out = append(out, t)
		}
	}
	return out
}

// PadBatch right-pads sequences to the longest one and returns row-major ids
// and attention mask tensors plus the padded length.
func PadBatch(seqs [][]int32, padID int32) (ids, mask []int64, seqLen int) {
	for _, s := range seqs {
		seqLen = max(seqLen, len(s))
	}
	ids = make([]int64, len(seqs)*seqLen)
	mask = make([]int64, len(seqs)*seqLen)
	for i, s := range seqs {
		row := i * seqLen
		for j := 0; j < seqLen; j++ {
			if j < len(s) {
				ids[row+j] = int64(s[j])
				mask[row+j] = 1
			} else {
				ids[row+j] = int64(padID)
			}
		}
	}
	return ids, mask, seqLen
}

// TopKSoftmax returns the k highest scoring token ids, best first, with
// probabilities renormalised over those k. Equal logits keep the lower id first.
func TopKSoftmax(logits []float32, k int) ([]int32, []float32) {
	k = min(k, len(logits))
	if k <= 0 {
		return nil, nil
	}
	top := make([]int32, 0, k)
	for i, l := range logits {
		if len(top) == k && l <= logits[top[k-1]] {
			continue
		}
		pos := len(top)
		for pos > 0 && logits[top[pos-1]] < l {
			pos--
		}
		if len(top) < k {
			top = append(top, 0)
		}
		copy(top[pos+1:], top[pos:len(top)-1])
		top[pos] = int32(i)
	}

	maxLogit := logits[top[0]]
	probs := make([]float32, k)
	var sum float32
	for j, t := range top {
		probs[j] = math32.Exp(logits[t] - maxLogit)
		sum += probs[j]
	}
	for j := range probs {
		probs[j] /= sum
	}
	return top, probs
}
