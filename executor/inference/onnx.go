package inference

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brensch/deepsearch/executor/mcts"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	DefaultBatchSize    = 128
	DefaultBatchTimeout = 1 * time.Millisecond
)

// OnnxClientConfig describes the exported model and how requests are batched.
//
// The model takes input_ids and attention_mask, both int64 [batch, seq], and
// returns logits float32 [batch, seq, vocab]. When HasValue is set it also
// returns value float32 [batch, seq].
type OnnxClientConfig struct {
	BatchSize    int
	BatchTimeout time.Duration
	VocabSize    int
	TopK         int
	PadID        int32
	HasValue     bool
	Logger       *slog.Logger
}

type inferenceRequest struct {
	tokens   []int32
	respChan chan inferenceResponse
}

type inferenceResponse struct {
	actions []mcts.Action
	policy  []float32
	value   float32
	err     error
}

// RuntimeStats summarises batching behaviour for progress reporting.
type RuntimeStats struct {
	TotalBatches  int64
	TotalItems    int64
	TotalRunNanos int64
	LastBatchSize int64
	QueueLen      int

	AvgBatchSize float64
	AvgRunMs     float64
}

// OnnxClient serves InferBatch from a local ONNX model. Requests from any
// number of goroutines are merged into session runs of up to BatchSize
// sequences.
type OnnxClient struct {
	session      *ort.DynamicAdvancedSession
	requestsChan chan inferenceRequest
	done         chan struct{}
	closeOnce    sync.Once
	cfg          OnnxClientConfig
	logger       *slog.Logger

	// broken is set after a failed session run. Every later call fails fast.
	broken atomic.Bool

	totalBatches  atomic.Int64
	totalItems    atomic.Int64
	totalRunNanos atomic.Int64
	lastBatchSize atomic.Int64
}

var ortInitOnce sync.Once
var ortInitErr error

func NewOnnxClient(modelPath string, vocabSize, topK int) (*OnnxClient, error) {
	return NewOnnxClientWithConfig(modelPath, OnnxClientConfig{
		BatchSize:    DefaultBatchSize,
		BatchTimeout: DefaultBatchTimeout,
		VocabSize:    vocabSize,
		TopK:         topK,
	})
}

func NewOnnxClientWithConfig(modelPath string, cfg OnnxClientConfig) (*OnnxClient, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}
	if cfg.VocabSize <= 0 {
		return nil, fmt.Errorf("onnx client needs a vocab size, got %d", cfg.VocabSize)
	}
	if cfg.TopK <= 0 {
		return nil, fmt.Errorf("onnx client needs a positive top k, got %d", cfg.TopK)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if runtime.GOOS == "linux" {
		ensureLinuxLibraryPath()
		if p := os.Getenv("ORT_SHARED_LIBRARY_PATH"); p != "" {
			ort.SetSharedLibraryPath(p)
		} else {
			cwd, _ := os.Getwd()
			candidates := []string{
				"libonnxruntime.so",
				"libonnxruntime.so.1",
				"libonnxruntime.so.1.23.2",
			}
			for _, name := range candidates {
				abs := filepath.Join(cwd, name)
				if _, err := os.Stat(abs); err == nil {
					ort.SetSharedLibraryPath(abs)
					break
				}
			}
		}
	}

	ortInitOnce.Do(func() {
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("failed to init ort: %w", ortInitErr)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	inputs := []string{"input_ids", "attention_mask"}
	outputs := []string{"logits"}
	if cfg.HasValue {
		outputs = append(outputs, "value")
	}

	// Sessions are pooled, so each one stays single threaded.
	options.SetIntraOpNumThreads(1)
	options.SetInterOpNumThreads(1)

	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err == nil {
		defer cudaOptions.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			logger.Warn("cuda provider unavailable", "error", err)
		} else {
			logger.Info("cuda provider enabled")
		}
	} else {
		logger.Warn("failed to create cuda options", "error", err)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputs, outputs, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	client := &OnnxClient{
		session:      session,
		cfg:          cfg,
		logger:       logger,
		requestsChan: make(chan inferenceRequest, cfg.BatchSize*2),
		done:         make(chan struct{}),
	}

	go client.batchLoop()

	return client, nil
}

func ensureLinuxLibraryPath() {
	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	// CUDA and torch libraries installed by pip into the project's .venv.
	candidateDirs := []string{cwd}

	patterns := []string{
		filepath.Join(cwd, ".venv", "lib", "python*", "site-packages", "nvidia", "*", "lib"),
		filepath.Join(cwd, ".venv", "lib", "python*", "site-packages", "torch", "lib"),
	}
	for _, pat := range patterns {
		matches, _ := filepath.Glob(pat)
		candidateDirs = append(candidateDirs, matches...)
	}

	existing := os.Getenv("LD_LIBRARY_PATH")
	existingSet := map[string]bool{}
	for _, p := range strings.Split(existing, ":") {
		if p != "" {
			existingSet[p] = true
		}
	}

	var toAdd []string
	for _, d := range candidateDirs {
		if existingSet[d] {
			continue
		}
		if st, err := os.Stat(d); err == nil && st.IsDir() {
			toAdd = append(toAdd, d)
		}
	}
	if len(toAdd) == 0 {
		return
	}

	newVal := strings.Join(toAdd, ":")
	if existing != "" {
		newVal = newVal + ":" + existing
	}
	_ = os.Setenv("LD_LIBRARY_PATH", newVal)
}

// Close stops the batch loop and destroys the session.
func (c *OnnxClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.session.Destroy()
	})
	return err
}

// Stats reports counters accumulated since the client was created.
func (c *OnnxClient) Stats() RuntimeStats {
	st := RuntimeStats{
		TotalBatches:  c.totalBatches.Load(),
		TotalItems:    c.totalItems.Load(),
		TotalRunNanos: c.totalRunNanos.Load(),
		LastBatchSize: c.lastBatchSize.Load(),
		QueueLen:      len(c.requestsChan),
	}
	if st.TotalBatches > 0 {
		st.AvgBatchSize = float64(st.TotalItems) / float64(st.TotalBatches)
		st.AvgRunMs = float64(st.TotalRunNanos) / 1e6 / float64(st.TotalBatches)
	}
	return st
}

// InferBatch queues one sequence per request entry and waits for all of them.
// Entries may be served by different session runs.
func (c *OnnxClient) InferBatch(ctx context.Context, req mcts.InferRequest) (mcts.InferResponse, error) {
	if c.broken.Load() {
		return mcts.InferResponse{}, fmt.Errorf("%w: onnx session failed earlier", mcts.ErrUnrecoverable)
	}
	seqs, err := Sequences(req, c.cfg.PadID)
	if err != nil {
		return mcts.InferResponse{}, err
	}

	chans := make([]chan inferenceResponse, len(seqs))
	for i, seq := range seqs {
		chans[i] = make(chan inferenceResponse, 1)
		select {
		case c.requestsChan <- inferenceRequest{tokens: seq, respChan: chans[i]}:
		case <-ctx.Done():
			return mcts.InferResponse{}, ctx.Err()
		case <-c.done:
			return mcts.InferResponse{}, fmt.Errorf("%w: onnx client closed", mcts.ErrUnrecoverable)
		}
	}

	resp := mcts.InferResponse{
		Actions:  make([][]mcts.Action, len(seqs)),
		Policy:   make([][]float32, len(seqs)),
		HasValue: c.cfg.HasValue,
	}
	if c.cfg.HasValue {
		resp.Value = make([]float32, len(seqs))
	}
	for i, ch := range chans {
		select {
		case r := <-ch:
			if r.err != nil {
				return mcts.InferResponse{}, r.err
			}
			resp.Actions[i] = r.actions
			resp.Policy[i] = r.policy
			if c.cfg.HasValue {
				resp.Value[i] = r.value
			}
		case <-ctx.Done():
			return mcts.InferResponse{}, ctx.Err()
		}
	}
	return resp, nil
}

func (c *OnnxClient) batchLoop() {
	requests := make([]inferenceRequest, 0, c.cfg.BatchSize)

	ticker := time.NewTicker(c.cfg.BatchTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			c.failBatch(requests, fmt.Errorf("%w: onnx client closed", mcts.ErrUnrecoverable))
			return
		case req := <-c.requestsChan:
			requests = append(requests, req)
			if len(requests) >= c.cfg.BatchSize {
				c.runBatch(requests)
				requests = requests[:0]
			}
		case <-ticker.C:
			if len(requests) > 0 {
				c.runBatch(requests)
				requests = requests[:0]
			}
		}
	}
}

func (c *OnnxClient) runBatch(requests []inferenceRequest) {
	if c.broken.Load() {
		c.failBatch(requests, fmt.Errorf("%w: onnx session failed earlier", mcts.ErrUnrecoverable))
		return
	}
	start := time.Now()
	batch := int64(len(requests))

	seqs := make([][]int32, len(requests))
	for i, r := range requests {
		seqs[i] = r.tokens
	}
	ids, mask, seqLen := PadBatch(seqs, c.cfg.PadID)
	shape := ort.NewShape(batch, int64(seqLen))

	idsTensor, err := ort.NewTensor(shape, ids)
	if err != nil {
		c.failBatch(requests, err)
		return
	}
	defer idsTensor.Destroy()

	maskTensor, err := ort.NewTensor(shape, mask)
	if err != nil {
		c.failBatch(requests, err)
		return
	}
	defer maskTensor.Destroy()

	vocab := c.cfg.VocabSize
	logitsTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(batch, int64(seqLen), int64(vocab)))
	if err != nil {
		c.failBatch(requests, err)
		return
	}
	defer logitsTensor.Destroy()

	outputs := []ort.Value{logitsTensor}
	var valueTensor *ort.Tensor[float32]
	if c.cfg.HasValue {
		valueTensor, err = ort.NewEmptyTensor[float32](shape)
		if err != nil {
			c.failBatch(requests, err)
			return
		}
		defer valueTensor.Destroy()
		outputs = append(outputs, valueTensor)
	}

	if err := c.session.Run([]ort.Value{idsTensor, maskTensor}, outputs); err != nil {
		c.broken.Store(true)
		c.logger.Error("onnx session run failed", "batch", batch, "seq_len", seqLen, "error", err)
		c.failBatch(requests, fmt.Errorf("%w: session run: %v", mcts.ErrUnrecoverable, err))
		return
	}

	logits := logitsTensor.GetData()
	var values []float32
	if valueTensor != nil {
		values = valueTensor.GetData()
	}

	for i, req := range requests {
		last := len(req.tokens) - 1
		off := (i*seqLen + last) * vocab
		tokens, probs := TopKSoftmax(logits[off:off+vocab], c.cfg.TopK)

		actions := make([]mcts.Action, len(tokens))
		for j, t := range tokens {
			actions[j] = mcts.Action{t}
		}
		r := inferenceResponse{actions: actions, policy: probs}
		if values != nil {
			r.value = values[i*seqLen+last]
		}
		req.respChan <- r
	}

	c.totalBatches.Add(1)
	c.totalItems.Add(batch)
	c.totalRunNanos.Add(time.Since(start).Nanoseconds())
	c.lastBatchSize.Store(batch)
}

func (c *OnnxClient) failBatch(requests []inferenceRequest, err error) {
	for _, req := range requests {
		req.respChan <- inferenceResponse{err: err}
	}
}
