// Package config loads the executor's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/brensch/deepsearch/executor/inference"
	"github.com/brensch/deepsearch/executor/mcts"
	"github.com/brensch/deepsearch/executor/selfplay"
	"github.com/brensch/deepsearch/executor/stopcrit"
	"github.com/brensch/deepsearch/executor/tokenizer"
	"gopkg.in/yaml.v3"
)

// IO locates inputs and outputs and controls how problems are batched.
type IO struct {
	Problems   string `yaml:"problems"`
	OutDir     string `yaml:"out_dir"`
	WrittenLog string `yaml:"written_log"`
	// InstancesPerBatch problems are searched together by one driver run.
	InstancesPerBatch int `yaml:"instances_per_batch"`
	// Shards is the number of batches run concurrently.
	Shards int `yaml:"shards"`
	// BatchesPerFlush finished batches are buffered before a parquet write.
	BatchesPerFlush int `yaml:"batches_per_flush"`
}

type Config struct {
	Search    mcts.Config      `yaml:"search"`
	SelfPlay  selfplay.Config  `yaml:"selfplay"`
	Inference inference.Config `yaml:"inference"`
	Stop      stopcrit.Config  `yaml:"stop"`
	IO        IO               `yaml:"io"`
	Tokenizer tokenizer.Config `yaml:"tokenizer"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogFormat   string `yaml:"log_format"`
	LogLevel    string `yaml:"log_level"`
}

func Default() Config {
	sp := selfplay.DefaultConfig()
	sp.CacheDir = "data/checkpoints"
	return Config{
		Search:    mcts.DefaultConfig(),
		SelfPlay:  sp,
		Inference: inference.DefaultConfig(),
		Stop:      stopcrit.DefaultConfig(),
		IO: IO{
			Problems:          "data/problems.parquet",
			OutDir:            "data/generated",
			WrittenLog:        "data/generated/written_batches.log",
			InstancesPerBatch: 8,
			Shards:            1,
			BatchesPerFlush:   4,
		},
		Tokenizer:   tokenizer.DefaultConfig(),
		MetricsAddr: ":9090",
		LogFormat:   "pretty",
		LogLevel:    "info",
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Search.TopK > 0, "search.top_k must be positive, got %d", c.Search.TopK)
	check(c.Search.NumSearches > 0, "search.num_searches must be positive, got %d", c.Search.NumSearches)
	check(c.Search.C >= 0, "search.c must not be negative, got %v", c.Search.C)
	check(c.Search.DirichletEpsilon >= 0 && c.Search.DirichletEpsilon <= 1,
		"search.dirichlet_epsilon must be in [0,1], got %v", c.Search.DirichletEpsilon)
	check(c.Search.DirichletEpsilon == 0 || c.Search.DirichletAlpha > 0,
		"search.dirichlet_alpha must be positive, got %v", c.Search.DirichletAlpha)

	check(c.SelfPlay.Temperature >= 0, "selfplay.temperature must not be negative, got %v", c.SelfPlay.Temperature)
	check(c.SelfPlay.MaxSteps >= 0, "selfplay.max_steps must not be negative, got %d", c.SelfPlay.MaxSteps)
	check(c.SelfPlay.SaveEvery > 0, "selfplay.save_every must be positive, got %s", c.SelfPlay.SaveEvery)
	check(c.SelfPlay.WallTime > 0, "selfplay.wall_time must be positive, got %s", c.SelfPlay.WallTime)

	switch c.Inference.Backend {
	case "onnx":
		check(c.Inference.ModelPath != "", "inference.model_path is required for the onnx backend")
		check(c.Inference.VocabSize > 0, "inference.vocab_size must be positive for the onnx backend, got %d", c.Inference.VocabSize)
		check(!c.Inference.UseKVCache, "inference.use_kv_cache needs the ws backend")
	case "ws":
		check(c.Inference.URL != "", "inference.url is required for the ws backend")
	default:
		errs = append(errs, fmt.Errorf("inference.backend must be onnx or ws, got %q", c.Inference.Backend))
	}

	check(c.IO.Problems != "", "io.problems is required")
	check(c.IO.OutDir != "", "io.out_dir is required")
	check(c.IO.InstancesPerBatch > 0, "io.instances_per_batch must be positive, got %d", c.IO.InstancesPerBatch)
	check(c.IO.Shards > 0, "io.shards must be positive, got %d", c.IO.Shards)
	check(c.IO.BatchesPerFlush > 0, "io.batches_per_flush must be positive, got %d", c.IO.BatchesPerFlush)

	check(c.Tokenizer.Mode == tokenizer.ModeBPE || c.Tokenizer.Mode == tokenizer.ModeChar,
		"tokenizer.mode must be %s or %s, got %q", tokenizer.ModeBPE, tokenizer.ModeChar, c.Tokenizer.Mode)

	return errors.Join(errs...)
}

// Environment variable helpers
func GetEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func GetEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func GetEnvDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func GetEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1" || val == "yes"
	}
	return defaultVal
}
