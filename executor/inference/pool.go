package inference

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/brensch/deepsearch/executor/mcts"
)

// OnnxPool fans InferBatch calls out across several OnnxClients. Each client
// has its own batching loop and ORT session, so shards can run on the GPU in
// parallel.
//
// Note: ORT environment initialization is process-global; OnnxClient handles
// that internally.
type OnnxPool struct {
	clients []*OnnxClient
	rr      atomic.Uint64
}

func (p *OnnxPool) Stats() RuntimeStats {
	var st RuntimeStats
	for _, c := range p.clients {
		cs := c.Stats()
		st.TotalBatches += cs.TotalBatches
		st.TotalItems += cs.TotalItems
		st.TotalRunNanos += cs.TotalRunNanos
		st.QueueLen += cs.QueueLen
		st.LastBatchSize = max(st.LastBatchSize, cs.LastBatchSize)
	}
	if st.TotalBatches > 0 {
		st.AvgBatchSize = float64(st.TotalItems) / float64(st.TotalBatches)
		st.AvgRunMs = float64(st.TotalRunNanos) / 1e6 / float64(st.TotalBatches)
	}
	return st
}

func NewOnnxClientPool(modelPath string, sessions int, cfg OnnxClientConfig) (*OnnxPool, error) {
	if sessions <= 0 {
		sessions = 1
	}

	clients := make([]*OnnxClient, 0, sessions)
	for i := 0; i < sessions; i++ {
		c, err := NewOnnxClientWithConfig(modelPath, cfg)
		if err != nil {
			for _, created := range clients {
				_ = created.Close()
			}
			return nil, fmt.Errorf("create onnx client %d/%d: %w", i+1, sessions, err)
		}
		clients = append(clients, c)
	}

	return &OnnxPool{clients: clients}, nil
}

func (p *OnnxPool) Close() error {
	var firstErr error
	for _, c := range p.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *OnnxPool) InferBatch(ctx context.Context, req mcts.InferRequest) (mcts.InferResponse, error) {
	if len(p.clients) == 0 {
		return mcts.InferResponse{}, fmt.Errorf("onnx pool has no clients")
	}
	idx := int(p.rr.Add(1)-1) % len(p.clients)
	return p.clients[idx].InferBatch(ctx, req)
}
