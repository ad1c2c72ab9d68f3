package inference

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brensch/deepsearch/executor/mcts"
)

// Config selects and configures the inference oracle.
type Config struct {
	// Backend is onnx for a local model or ws for a remote server.
	Backend      string        `yaml:"backend"`
	ModelPath    string        `yaml:"model_path"`
	URL          string        `yaml:"url"`
	Sessions     int           `yaml:"sessions"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	VocabSize    int           `yaml:"vocab_size"`
	HasValue     bool          `yaml:"has_value"`
	// UseKVCache asks the server to keep per-context caches. Only the ws
	// backend has a server side cache.
	UseKVCache bool `yaml:"use_kv_cache"`
}

func DefaultConfig() Config {
	return Config{
		Backend:      "onnx",
		ModelPath:    "model.onnx",
		Sessions:     1,
		BatchSize:    DefaultBatchSize,
		BatchTimeout: DefaultBatchTimeout,
		// cl100k_base including special tokens.
		VocabSize: 100277,
		HasValue:  true,
	}
}

// Backend is an opened oracle plus the hooks the binary wires around it.
type Backend struct {
	Oracle mcts.Oracle

	pool   *OnnxPool
	ws     *WSClient
	closer io.Closer
}

// Open connects the configured backend. topK and padID come from the search
// configuration so local models return as many actions as the search keeps.
func Open(ctx context.Context, cfg Config, topK int, padID int32, logger *slog.Logger) (*Backend, error) {
	switch cfg.Backend {
	case "onnx":
		pool, err := NewOnnxClientPool(cfg.ModelPath, cfg.Sessions, OnnxClientConfig{
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			VocabSize:    cfg.VocabSize,
			TopK:         topK,
			PadID:        padID,
			HasValue:     cfg.HasValue,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return &Backend{Oracle: NewInstrumented("onnx", pool), pool: pool, closer: pool}, nil
	case "ws":
		wcfg := DefaultWSClientConfig(cfg.URL)
		wcfg.Logger = logger
		ws, err := DialWS(ctx, wcfg)
		if err != nil {
			return nil, err
		}
		return &Backend{Oracle: NewInstrumented("ws", ws), ws: ws, closer: ws}, nil
	default:
		return nil, fmt.Errorf("unknown inference backend %q", cfg.Backend)
	}
}

// Releaser returns the server-side cache releaser, or nil when the backend
// keeps no cache.
func (b *Backend) Releaser() *WSClient {
	return b.ws
}

// SetRegistrar forwards to the ws client. Local sessions hold no cache.
func (b *Backend) SetRegistrar(r Registrar) {
	if b.ws != nil {
		b.ws.SetRegistrar(r)
	}
}

// Stats reports local batching stats. The bool is false for remote backends.
func (b *Backend) Stats() (RuntimeStats, bool) {
	if b.pool == nil {
		return RuntimeStats{}, false
	}
	return b.pool.Stats(), true
}

func (b *Backend) Close() error {
	return b.closer.Close()
}
