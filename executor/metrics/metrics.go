// Package metrics holds the Prometheus collectors shared by the search,
// the self-play driver and the inference backends.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OracleCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepsearch_oracle_calls_total",
		Help: "Batched inference oracle calls by request kind (cold, interior).",
	}, []string{"kind"})

	OracleItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepsearch_oracle_items_total",
		Help: "Entries sent to the inference oracle by request kind.",
	}, []string{"kind"})

	OracleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deepsearch_oracle_duration_seconds",
		Help:    "Latency of batched inference oracle calls.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"kind"})

	BackendCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepsearch_inference_backend_calls_total",
		Help: "Inference backend calls by backend (onnx, ws) and result (ok, error, unrecoverable).",
	}, []string{"backend", "result"})

	BackendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deepsearch_inference_backend_duration_seconds",
		Help:    "Round trip latency of inference backend calls.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"backend"})

	BackendBatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deepsearch_inference_backend_batch_size",
		Help:    "Entries per inference backend call.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"backend"})

	ContextCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepsearch_context_cache_lookups_total",
		Help: "Terminal-leaf context cache lookups by result (hit, miss).",
	}, []string{"result"})

	SelfPlaySteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepsearch_selfplay_steps_total",
		Help: "Self-play steps executed across all runs.",
	})

	InstancesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepsearch_instances_dropped_total",
		Help: "Search instances removed from the live set by reason.",
	}, []string{"reason"})

	// DeadlineDropsWithoutSample counts instances discarded at the wall-clock
	// deadline that had no evaluation entry to emit.
	DeadlineDropsWithoutSample = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepsearch_deadline_drops_without_sample_total",
		Help: "Instances dropped at the wall-clock deadline with no recorded evaluation.",
	})

	RowsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepsearch_rows_emitted_total",
		Help: "Output rows produced by stream (training, values, samples).",
	}, []string{"stream"})

	CacheReleases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepsearch_kv_cache_releases_total",
		Help: "KV-cache context releases issued to the strategy collaborator.",
	})

	CheckpointSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepsearch_checkpoint_saves_total",
		Help: "Checkpoint saves by result (ok, error).",
	}, []string{"result"})

	CheckpointDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "deepsearch_checkpoint_duration_seconds",
		Help:    "Time spent writing checkpoints.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
)
