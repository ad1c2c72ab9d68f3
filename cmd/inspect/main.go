// Command inspect summarises the parquet output of the executor.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

func main() {
	outDir := flag.String("out-dir", "data/generated", "Executor output directory (holds training/, values/, samples/)")
	limit := flag.Int("limit", 50, "Maximum number of problems to list")
	flag.Parse()

	if !outDirExists(*outDir) {
		log.Fatalf("output directory not found: %s", *outDir)
	}

	db, err := openDuckDB(*outDir)
	if err != nil {
		log.Fatalf("open duckdb: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	counts, err := queryCounts(ctx, db)
	if err != nil {
		log.Fatalf("count rows: %v", err)
	}
	fmt.Printf("training rows: %d\nvalue rows:    %d\nsample rows:   %d\n\n", counts.Training, counts.Values, counts.Samples)

	summary, err := querySummary(ctx, db, *limit)
	if err != nil {
		log.Fatalf("summarise: %v", err)
	}
	fmt.Fprintln(os.Stdout, renderSummary(summary))
}

func renderSummary(rows []problemSummary) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("data id", "training", "mean reward", "samples", "positive", "best", "deadline")
	for _, r := range rows {
		t.Row(
			r.DataID,
			strconv.FormatInt(r.TrainingRows, 10),
			formatNull(r.MeanReward.Float64, r.MeanReward.Valid),
			strconv.FormatInt(r.Samples, 10),
			formatNull(r.PositiveRate.Float64, r.PositiveRate.Valid),
			formatNull(r.BestValue.Float64, r.BestValue.Valid),
			strconv.FormatInt(r.DeadlineHits, 10),
		)
	}
	return t.String()
}

func formatNull(v float64, ok bool) string {
	if !ok {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', 3, 64)
}
