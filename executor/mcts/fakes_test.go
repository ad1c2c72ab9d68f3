package mcts

import (
	"context"
	"fmt"
	"strings"
)

// charTokenizer renders tokens as space separated integers.
type charTokenizer struct{}

func (charTokenizer) Decode(tokens []int32) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = fmt.Sprint(t)
	}
	return strings.Join(parts, " ")
}

// depthStop is terminal at a fixed depth with a fixed value.
type depthStop struct {
	depth       int
	value       float32
	hasValue    bool
	endsCleanly bool
	terminate   map[string]bool
	calls       int
}

func (s *depthStop) Reset() {}

func (s *depthStop) Evaluate(text string, dataID string, depth int, tokens []int32) (Evaluation, error) {
	s.calls++
	if depth >= s.depth {
		return Evaluation{Value: s.value, HasValue: s.hasValue, Terminal: true, EndsCleanly: s.endsCleanly}, nil
	}
	return Evaluation{}, nil
}

func (s *depthStop) Terminated(dataID string) bool { return s.terminate[dataID] }

func (s *depthStop) MaxValue(dataID string) (float32, bool) { return 0, false }

func (s *depthStop) EvaluationCache(dataID string) ([]CachedEvaluation, bool) { return nil, false }

func (s *depthStop) Threshold() float32 { return 1 }

// fanOracle returns width single-token actions for every request entry.
type fanOracle struct {
	width    int
	value    float32
	hasValue bool
	requests []InferRequest
	short    bool
}

func (o *fanOracle) InferBatch(ctx context.Context, req InferRequest) (InferResponse, error) {
	o.requests = append(o.requests, req)
	n := req.Len()
	if o.short {
		n--
	}
	resp := InferResponse{HasValue: o.hasValue}
	for i := 0; i < n; i++ {
		ctxLen := int32(len(req.ContextIDs[i]))
		actions := make([]Action, o.width)
		policy := make([]float32, o.width)
		for j := range actions {
			actions[j] = Action{ctxLen*100 + int32(j) + 1}
			policy[j] = 1 / float32(o.width)
		}
		resp.Actions = append(resp.Actions, actions)
		resp.Policy = append(resp.Policy, policy)
		if o.hasValue {
			resp.Value = append(resp.Value, o.value)
		}
	}
	return resp, nil
}
