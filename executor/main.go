package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brensch/deepsearch/executor/config"
	"github.com/brensch/deepsearch/executor/inference"
	"github.com/brensch/deepsearch/executor/kvcache"
	"github.com/brensch/deepsearch/executor/mcts"
	"github.com/brensch/deepsearch/executor/selfplay"
	"github.com/brensch/deepsearch/executor/stopcrit"
	"github.com/brensch/deepsearch/executor/tokenizer"
	"github.com/brensch/deepsearch/logging"
	"github.com/brensch/deepsearch/store"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

type options struct {
	tui     bool
	logFile string
	runID   string
}

func main() {
	configPath := flag.String("config", config.GetEnvOrDefault("CONFIG", ""), "YAML config file; defaults apply when empty")
	problems := flag.String("problems", config.GetEnvOrDefault("PROBLEMS", ""), "Problem parquet file or directory (overrides io.problems)")
	outDir := flag.String("out-dir", config.GetEnvOrDefault("OUT_DIR", ""), "Output directory for generated parquet (overrides io.out_dir)")
	shards := flag.Int("shards", config.GetEnvIntOrDefault("SHARDS", 0), "Batches searched concurrently (overrides io.shards)")
	wallTime := flag.Duration("wall-time", config.GetEnvDurationOrDefault("WALL_TIME", 0), "Per batch search deadline (overrides selfplay.wall_time)")
	inferenceOnly := flag.Bool("inference-only", config.GetEnvBoolOrDefault("INFERENCE_ONLY", false), "Emit one result row per problem instead of training data")
	metricsAddr := flag.String("metrics-addr", config.GetEnvOrDefault("METRICS_ADDR", ""), "Prometheus listen address (overrides metrics_addr)")
	logFormat := flag.String("log-format", config.GetEnvOrDefault("LOG_FORMAT", ""), "pretty, json or text (overrides log_format)")
	logLevel := flag.String("log-level", config.GetEnvOrDefault("LOG_LEVEL", ""), "debug, info, warn or error (overrides log_level)")
	useTUI := flag.Bool("tui", config.GetEnvBoolOrDefault("TUI", false), "Show a terminal dashboard instead of periodic stats logs")
	logFile := flag.String("log-file", config.GetEnvOrDefault("LOG_FILE", ""), "Write logs to this file (default executor.log with -tui, stderr otherwise)")
	runID := flag.String("run-id", config.GetEnvOrDefault("RUN_ID", ""), "Run id stamped on output rows (random when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *problems != "" {
		cfg.IO.Problems = *problems
	}
	if *outDir != "" {
		cfg.IO.OutDir = *outDir
	}
	if *shards > 0 {
		cfg.IO.Shards = *shards
	}
	if *wallTime > 0 {
		cfg.SelfPlay.WallTime = *wallTime
	}
	if *inferenceOnly {
		cfg.SelfPlay.InferenceOnly = true
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config:\n%v\n", err)
		os.Exit(2)
	}

	opts := options{tui: *useTUI, logFile: *logFile, runID: *runID}
	if opts.runID == "" {
		opts.runID = uuid.NewString()
	}
	if opts.tui && opts.logFile == "" {
		opts.logFile = "executor.log"
	}

	var logOut io.Writer = os.Stderr
	if opts.logFile != "" {
		f, err := os.OpenFile(opts.logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error opening log file: %v\n", err)
			os.Exit(2)
		}
		defer f.Close()
		logOut = f
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := logging.New(logOut, cfg.LogFormat, level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("shutdown complete", "run_id", opts.runID)
			return
		}
		logger.Error("executor failed", "run_id", opts.runID, "err", err)
		os.Exit(1)
	}
}

func run(parent context.Context, cfg config.Config, opts options, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	tok, err := tokenizer.New(cfg.Tokenizer)
	if err != nil {
		return err
	}
	if len(cfg.Stop.EOSIDs) == 0 {
		cfg.Stop.EOSIDs = []int32{tok.EOS()}
	}

	rows, err := store.ReadProblems(cfg.IO.Problems)
	if err != nil {
		return fmt.Errorf("read problems: %w", err)
	}
	problems, err := prepareProblems(rows, tok)
	if err != nil {
		return err
	}
	batches := planBatches(problems, cfg.IO.InstancesPerBatch)

	written, err := store.OpenWrittenLog(cfg.IO.WrittenLog)
	if err != nil {
		return err
	}
	defer written.Close()

	logger.Info("starting executor",
		"run_id", opts.runID,
		"problems", len(problems),
		"batches", len(batches),
		"already_written", written.Count(),
		"shards", cfg.IO.Shards,
		"backend", cfg.Inference.Backend)

	backend, err := inference.Open(ctx, cfg.Inference, cfg.Search.TopK, cfg.Search.PadID, logger)
	if err != nil {
		return fmt.Errorf("open inference backend: %w", err)
	}
	defer backend.Close()

	router := newStrategyRouter()
	backend.SetRegistrar(router)
	var releaser kvcache.Releaser
	if ws := backend.Releaser(); ws != nil {
		releaser = ws
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "addr", cfg.MetricsAddr, "err", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	c := &counters{}
	events := make(chan event, 64)
	emit := func(shard int, format string, args ...any) {
		select {
		case events <- event{Shard: shard, Text: fmt.Sprintf(format, args...)}:
		default:
		}
	}

	var prog *tea.Program
	if opts.tui {
		prog = tea.NewProgram(initialModel(c, backend.Stats, len(batches), events), tea.WithAltScreen())
		go func() {
			if _, err := prog.Run(); err != nil {
				logger.Error("tui failed", "err", err)
			}
			cancel()
		}()
	} else {
		go logStats(ctx, logger, c, backend.Stats, events)
	}

	results := make(chan batchDone, cfg.IO.Shards)
	writerDone := make(chan struct{})
	go func() {
		parquetWriterLoop(logger, cfg.IO.OutDir, cfg.IO.BatchesPerFlush, written, results, func(st flushStats) {
			if st.Err == nil {
				c.rows.Add(int64(st.Training + st.Values + st.Samples))
			}
		})
		close(writerDone)
	}()

	jobs := make(chan problemBatch)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		for _, b := range batches {
			if written.Has(b.ID) {
				c.batchesSkip.Add(1)
				continue
			}
			select {
			case jobs <- b:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for shard := 0; shard < cfg.IO.Shards; shard++ {
		g.Go(func() error {
			logger.Info("shard started", "shard", shard)
			for b := range jobs {
				emit(shard, "batch %s started (%d problems)", b.ID, len(b.Problems))
				done, err := runBatch(gctx, cfg, opts.runID, shard, b, backend.Oracle, tok, router, releaser, c, logger)
				if err != nil {
					return err
				}
				solved := lo.CountBy(done.Result.Samples, func(s store.SampleRow) bool { return s.Positive })
				c.batchesDone.Add(1)
				c.solved.Add(int64(solved))
				emit(shard, "batch %s finished: %d steps, %d training rows, %d solved", b.ID, done.Result.Steps, len(done.Result.Training), solved)
				results <- done
			}
			logger.Info("shard finished", "shard", shard)
			return nil
		})
	}

	err = g.Wait()
	close(results)
	<-writerDone
	logger.Info("final parquet flush done", "batches_written", written.Count())

	if prog != nil {
		prog.Quit()
		prog.Wait()
	}
	return err
}

// runBatch searches one batch to completion. Each batch gets its own search,
// termination oracle and cache strategy; the session name is derived from the
// batch id so resumed checkpoints keep matching the server's caches.
func runBatch(ctx context.Context, cfg config.Config, runID string, shard int, b problemBatch,
	oracle mcts.Oracle, tok tokenizer.Tokenizer, router *strategyRouter, releaser kvcache.Releaser,
	c *counters, logger *slog.Logger) (batchDone, error) {

	blog := logger.With("batch", b.ID, "shard", shard)
	session := cfg.Search.Session + "/" + b.ID

	searchCfg := cfg.Search
	searchCfg.Session = session
	criteria := stopcrit.New(cfg.Stop, b.answers())

	var rng *rand.Rand
	spCfg := cfg.SelfPlay
	if spCfg.Seed != 0 {
		spCfg.Seed ^= batchSeed(b.ID)
		rng = rand.New(rand.NewSource(spCfg.Seed + 1))
	}
	m := mcts.New(searchCfg, oracle, criteria, tok, cfg.Inference.HasValue, rng)
	m.Logger = blog

	strategy := kvcache.New(cfg.Inference.UseKVCache, releaser)
	router.add(session, strategy)
	defer router.remove(session)

	d := selfplay.NewDriver(m, spCfg, strategy)
	d.RunID = runID
	d.Logger = blog
	d.Progress = func(selfplay.Progress) {
		c.steps.Add(1)
	}

	start := time.Now()
	name := b.checkpointName()
	result, err := d.Run(ctx, b.instances(), name)
	if err != nil {
		return batchDone{}, fmt.Errorf("batch %s: %w", b.ID, err)
	}
	blog.Info("batch finished",
		"took", time.Since(start).Round(time.Millisecond),
		"steps", result.Steps,
		"training", len(result.Training),
		"values", len(result.Values),
		"samples", len(result.Samples),
		"deadline", result.DeadlineHit)
	return batchDone{BatchID: b.ID, Checkpoint: d.CheckpointPath(name), Result: result}, nil
}

func batchSeed(id string) int64 {
	u, err := uuid.Parse(id)
	if err != nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(u[:8]))
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// logStats replaces the dashboard when running without -tui.
func logStats(ctx context.Context, logger *slog.Logger, c *counters, stats func() (inference.RuntimeStats, bool), events <-chan event) {
	startTime := time.Now()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			logger.Info(e.Text, "shard", e.Shard)
		case <-ticker.C:
			duration := time.Since(startTime)
			steps := c.steps.Load()
			attrs := []any{
				"steps", steps,
				"steps_per_sec", float64(steps) / duration.Seconds(),
				"batches_done", c.batchesDone.Load(),
				"batches_skipped", c.batchesSkip.Load(),
				"rows", c.rows.Load(),
				"solved", c.solved.Load(),
			}
			if st, ok := stats(); ok {
				attrs = append(attrs,
					"batch_avg", st.AvgBatchSize,
					"batch_last", st.LastBatchSize,
					"queue", st.QueueLen,
					"run_avg_ms", st.AvgRunMs)
			}
			logger.Info("stats", attrs...)
		}
	}
}
