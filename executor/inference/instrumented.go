package inference

import (
	"context"
	"errors"
	"time"

	"github.com/brensch/deepsearch/executor/mcts"
	"github.com/brensch/deepsearch/executor/metrics"
)

// Instrumented records call counts, latency and batch sizes for any oracle.
type Instrumented struct {
	Backend string
	Oracle  mcts.Oracle
}

func NewInstrumented(backend string, o mcts.Oracle) *Instrumented {
	return &Instrumented{Backend: backend, Oracle: o}
}

func (i *Instrumented) InferBatch(ctx context.Context, req mcts.InferRequest) (mcts.InferResponse, error) {
	start := time.Now()
	resp, err := i.Oracle.InferBatch(ctx, req)
	metrics.BackendDuration.WithLabelValues(i.Backend).Observe(time.Since(start).Seconds())
	metrics.BackendBatchSize.WithLabelValues(i.Backend).Observe(float64(req.Len()))

	result := "ok"
	switch {
	case errors.Is(err, mcts.ErrUnrecoverable):
		result = "unrecoverable"
	case err != nil:
		result = "error"
	}
	metrics.BackendCalls.WithLabelValues(i.Backend, result).Inc()
	return resp, err
}
