// Command compact merges the executor's small per-flush parquet files into
// larger ones, stream by stream.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/brensch/deepsearch/store"
	"github.com/parquet-go/parquet-go"
)

func main() {
	outDir := flag.String("out-dir", "data/generated", "Executor output directory (holds training/, values/, samples/)")
	maxRows := flag.Int("max-rows", 500_000, "Start a new output file after this many rows")
	flag.Parse()

	failed := false
	for _, stream := range []string{"training", "values", "samples"} {
		dir := filepath.Join(*outDir, stream)
		var st compactStats
		var err error
		switch stream {
		case "training":
			st, err = compactDir[store.TrainingRow](dir, *maxRows)
		case "values":
			st, err = compactDir[store.ValueRow](dir, *maxRows)
		case "samples":
			st, err = compactDir[store.SampleRow](dir, *maxRows)
		}
		if err != nil {
			failed = true
			fmt.Fprintf(os.Stderr, "compact %s: %v\n", stream, err)
		}
		fmt.Fprintf(os.Stderr, "%s: inputs=%d outputs=%d rows=%d\n", stream, st.Inputs, st.Outputs, st.Rows)
	}
	if failed {
		os.Exit(1)
	}
}

type compactStats struct {
	Inputs  int
	Outputs int
	Rows    int
}

// compactDir rewrites every parquet file in dir into files of at most maxRows
// rows. Inputs are removed only after the output holding them is in place.
func compactDir[T store.Row](dir string, maxRows int) (compactStats, error) {
	var st compactStats
	inputs, err := filepath.Glob(filepath.Join(dir, "*.parquet"))
	if err != nil {
		return st, err
	}
	sort.Strings(inputs)
	if len(inputs) < 2 {
		return st, nil
	}
	st.Inputs = len(inputs)

	var w *store.BatchWriter[T]
	var done []string
	finalize := func() error {
		if w == nil {
			return nil
		}
		_, rows, _, err := w.Finalize()
		w = nil
		if err != nil {
			return err
		}
		st.Outputs++
		st.Rows += rows
		for _, p := range done {
			if err := os.Remove(p); err != nil {
				return fmt.Errorf("remove compacted input: %w", err)
			}
		}
		done = done[:0]
		return nil
	}

	for _, in := range inputs {
		if w == nil {
			w, err = store.NewBatchWriter[T](dir)
			if err != nil {
				return st, err
			}
		}
		if err := copyRows(in, w); err != nil {
			w.Abort()
			return st, fmt.Errorf("%s: %w", in, err)
		}
		w.NoteSourceWritten()
		done = append(done, in)
		if w.BufferedRows() >= maxRows {
			if err := finalize(); err != nil {
				return st, err
			}
		}
	}
	return st, finalize()
}

func copyRows[T store.Row](path string, w *store.BatchWriter[T]) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader := parquet.NewGenericReader[T](f)
	defer reader.Close()

	for {
		buf := make([]T, 512)
		n, readErr := reader.Read(buf)
		if n > 0 {
			if err := w.WriteRows(buf[:n]); err != nil {
				return err
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}
		if n == 0 {
			return nil
		}
	}
}
