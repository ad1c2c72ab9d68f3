package mcts

import "context"

// InferRequest is one batched call to the policy/value oracle.
//
// Cold-start requests carry Sentences and the matching ContextIDs (the full
// prompt tokens). Interior requests carry Actions, padded to equal length with
// the pad token, and ContextIDs that exclude each leaf's own action tokens.
type InferRequest struct {
	Sentences  []string  `json:"sentences,omitempty"`
	Actions    [][]int32 `json:"actions,omitempty"`
	ContextIDs [][]int32 `json:"context_ids"`
	Session    string    `json:"session"`
}

// Len is the number of entries the response must contain.
func (r InferRequest) Len() int {
	return len(r.ContextIDs)
}

// InferResponse holds one entry per request entry, in request order.
// Value is only meaningful when HasValue is set.
type InferResponse struct {
	Actions  [][]Action  `json:"action"`
	Policy   [][]float32 `json:"policy"`
	Value    []float32   `json:"value,omitempty"`
	HasValue bool        `json:"has_value"`
}

// Oracle is the batched policy/value inference service.
type Oracle interface {
	InferBatch(ctx context.Context, req InferRequest) (InferResponse, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, req InferRequest) (InferResponse, error)

func (f OracleFunc) InferBatch(ctx context.Context, req InferRequest) (InferResponse, error) {
	return f(ctx, req)
}

// Evaluation is the termination oracle's verdict on a token sequence.
type Evaluation struct {
	Value       float32 `json:"value"`
	HasValue    bool    `json:"has_value"`
	Terminal    bool    `json:"terminal"`
	EndsCleanly bool    `json:"ends_cleanly"`
	HasAnswer   bool    `json:"has_answer"`
}

// CachedEvaluation is one entry of the termination oracle's per-instance
// evaluation cache.
type CachedEvaluation struct {
	Text   string     `json:"text"`
	Result Evaluation `json:"result"`
	Tokens []int32    `json:"tokens"`
}

// StopCriteria is the termination oracle. It decides whether a sequence is
// finished, scores it, and keeps per-instance bookkeeping that the self-play
// driver reads to build labeled samples.
type StopCriteria interface {
	Reset()
	Evaluate(text string, dataID string, depth int, tokens []int32) (Evaluation, error)
	// Terminated reports whether the instance should stop globally, e.g. a
	// solution was already found.
	Terminated(dataID string) bool
	MaxValue(dataID string) (float32, bool)
	// EvaluationCache returns the cached evaluations for an instance in
	// insertion order. The bool is false when the instance has no entry at all.
	EvaluationCache(dataID string) ([]CachedEvaluation, bool)
	Threshold() float32
}

// ValueEstimator replaces the oracle's value column, e.g. with execution
// feedback instead of a learned value head.
type ValueEstimator interface {
	EstimateValues(ctx context.Context, actions [][]int32, contextIDs [][]int32, dataIDs []string) ([]float32, error)
	Reset()
}

// Tokenizer decodes token ids into text.
type Tokenizer interface {
	Decode(tokens []int32) string
}
