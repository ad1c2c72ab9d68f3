package main

import (
	"fmt"
	"strings"

	"github.com/brensch/deepsearch/executor/mcts"
	"github.com/brensch/deepsearch/executor/tokenizer"
	"github.com/brensch/deepsearch/store"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// batchNamespace scopes batch ids so the same problems always map to the
// same id, and with it the same checkpoint file and written log entry.
var batchNamespace = uuid.MustParse("6f1c2a4e-9d3b-4c57-8e0a-1b2d3c4e5f60")

type problemBatch struct {
	ID       string
	Problems []store.ProblemRow
}

func (b problemBatch) checkpointName() string {
	return b.ID + ".ckpt.zst"
}

func (b problemBatch) answers() map[string]string {
	return lo.SliceToMap(b.Problems, func(p store.ProblemRow) (string, string) {
		return p.DataID, p.Answer
	})
}

func (b problemBatch) instances() []*mcts.ParallelSearch {
	return lo.Map(b.Problems, func(p store.ProblemRow, _ int) *mcts.ParallelSearch {
		return mcts.NewParallelSearch(p.Tokens, p.DataID)
	})
}

func batchID(problems []store.ProblemRow) string {
	ids := lo.Map(problems, func(p store.ProblemRow, _ int) string { return p.DataID })
	return uuid.NewSHA1(batchNamespace, []byte(strings.Join(ids, "\x00"))).String()
}

// planBatches splits problems into consecutive batches of at most size.
func planBatches(problems []store.ProblemRow, size int) []problemBatch {
	return lo.Map(lo.Chunk(problems, size), func(chunk []store.ProblemRow, _ int) problemBatch {
		return problemBatch{ID: batchID(chunk), Problems: chunk}
	})
}

// prepareProblems encodes prompts that arrive without tokens and rejects
// duplicate or empty problems.
func prepareProblems(problems []store.ProblemRow, tok tokenizer.Tokenizer) ([]store.ProblemRow, error) {
	if dup := lo.FindDuplicatesBy(problems, func(p store.ProblemRow) string { return p.DataID }); len(dup) > 0 {
		return nil, fmt.Errorf("duplicate data id %q", dup[0].DataID)
	}
	out := make([]store.ProblemRow, len(problems))
	for i, p := range problems {
		if len(p.Tokens) == 0 {
			p.Tokens = tok.Encode(p.Prompt)
		}
		if len(p.Tokens) == 0 {
			return nil, fmt.Errorf("problem %q has no prompt", p.DataID)
		}
		out[i] = p
	}
	return out, nil
}
