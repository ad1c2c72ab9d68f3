package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/brensch/deepsearch/executor/selfplay"
	"github.com/brensch/deepsearch/store"
)

// batchDone carries a finished batch to the writer.
type batchDone struct {
	BatchID    string
	Checkpoint string
	Result     *selfplay.Result
}

type flushStats struct {
	Batches  int
	Training int
	Values   int
	Samples  int
	Err      error
}

// parquetWriterLoop buffers finished batches and writes each output stream to
// its own directory under outDir. Batch ids are logged as written and their
// checkpoints removed only after every stream landed, so a failed flush is
// redone by the next run.
func parquetWriterLoop(logger *slog.Logger, outDir string, batchesPerFlush int, written *store.WrittenLog, in <-chan batchDone, onFlush func(flushStats)) {
	if batchesPerFlush <= 0 {
		batchesPerFlush = 1
	}

	var pending []batchDone
	flush := func(reason string) {
		if len(pending) == 0 {
			return
		}
		st := flushBatches(logger, outDir, written, pending)
		if st.Err != nil {
			logger.Error("parquet flush failed", "reason", reason, "batches", st.Batches, "err", st.Err)
		} else {
			logger.Info("parquet flush ok", "reason", reason, "batches", st.Batches,
				"training", st.Training, "values", st.Values, "samples", st.Samples)
		}
		if onFlush != nil {
			onFlush(st)
		}
		pending = pending[:0]
	}

	for b := range in {
		pending = append(pending, b)
		if len(pending) >= batchesPerFlush {
			flush("count")
		}
	}
	flush("final")
}

func flushBatches(logger *slog.Logger, outDir string, written *store.WrittenLog, batches []batchDone) flushStats {
	st := flushStats{Batches: len(batches)}
	var training []store.TrainingRow
	var values []store.ValueRow
	var samples []store.SampleRow
	ids := make([]string, 0, len(batches))
	for _, b := range batches {
		training = append(training, b.Result.Training...)
		values = append(values, b.Result.Values...)
		samples = append(samples, b.Result.Samples...)
		ids = append(ids, b.BatchID)
	}
	st.Training, st.Values, st.Samples = len(training), len(values), len(samples)

	if err := writeStream(logger, filepath.Join(outDir, "training"), training); err != nil {
		st.Err = err
		return st
	}
	if err := writeStream(logger, filepath.Join(outDir, "values"), values); err != nil {
		st.Err = err
		return st
	}
	if err := writeStream(logger, filepath.Join(outDir, "samples"), samples); err != nil {
		st.Err = err
		return st
	}

	if err := written.AddMany(ids); err != nil {
		st.Err = err
		return st
	}
	for _, b := range batches {
		if b.Checkpoint == "" {
			continue
		}
		if err := os.Remove(b.Checkpoint); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove checkpoint", "path", b.Checkpoint, "err", err)
		}
	}
	return st
}

func writeStream[T store.Row](logger *slog.Logger, dir string, rows []T) error {
	if len(rows) == 0 {
		return nil
	}
	path, err := store.WriteBatchParquetAtomic(dir, rows)
	if err != nil {
		return err
	}
	logger.Debug("wrote parquet", "path", path, "rows", len(rows), "schema", store.SchemaName[T]())
	return nil
}
