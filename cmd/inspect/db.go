package main

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"
)

// emptyViews stand in for streams with no files yet so the summary queries
// still bind.
var emptyViews = map[string]string{
	"training": `SELECT NULL::VARCHAR AS data_id, NULL::INTEGER AS step, NULL::REAL AS reward`,
	"values":   `SELECT NULL::VARCHAR AS data_id, NULL::REAL AS value`,
	"samples":  `SELECT NULL::VARCHAR AS data_id, NULL::REAL AS value, NULL::BOOLEAN AS positive, NULL::BOOLEAN AS deadline`,
}

// openDuckDB creates one view per output stream over outDir/<stream>/*.parquet.
func openDuckDB(outDir string) (*sql.DB, error) {
	db, err := sql.Open("duckdb", ":memory:")
	if err != nil {
		return nil, err
	}
	// Basic pragmas; ignore errors for compatibility across versions.
	_, _ = db.Exec("PRAGMA threads=4")

	for stream, empty := range emptyViews {
		glob := filepath.Join(outDir, stream, "*.parquet")
		matches, _ := filepath.Glob(glob)
		view := `"` + stream + `"`
		sqlText := "CREATE OR REPLACE VIEW " + view + " AS SELECT * FROM (" + empty + ") WHERE 1=0"
		if len(matches) > 0 {
			sqlText = "CREATE OR REPLACE VIEW " + view + " AS SELECT * FROM read_parquet('" +
				escapeSQLString(glob) + "', union_by_name=true)"
		}
		if _, err := db.Exec(sqlText); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func escapeSQLString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func outDirExists(outDir string) bool {
	st, err := os.Stat(outDir)
	return err == nil && st.IsDir()
}

type streamCounts struct {
	Training int64
	Values   int64
	Samples  int64
}

func queryCounts(ctx context.Context, db *sql.DB) (streamCounts, error) {
	var c streamCounts
	err := db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM training),
		(SELECT COUNT(*) FROM "values"),
		(SELECT COUNT(*) FROM samples)`).Scan(&c.Training, &c.Values, &c.Samples)
	return c, err
}

type problemSummary struct {
	DataID       string
	TrainingRows int64
	MeanReward   sql.NullFloat64
	Samples      int64
	PositiveRate sql.NullFloat64
	BestValue    sql.NullFloat64
	DeadlineHits int64
}

func querySummary(ctx context.Context, db *sql.DB, limit int) ([]problemSummary, error) {
	rows, err := db.QueryContext(ctx, `
		WITH t AS (
			SELECT data_id, COUNT(*) AS training_rows, AVG(reward) AS mean_reward
			FROM "training" GROUP BY data_id
		), s AS (
			SELECT data_id,
				COUNT(*) AS samples,
				AVG(CASE WHEN positive THEN 1.0 ELSE 0.0 END) AS positive_rate,
				MAX(value) AS best_value,
				CAST(SUM(CASE WHEN deadline THEN 1 ELSE 0 END) AS BIGINT) AS deadline_hits
			FROM "samples" GROUP BY data_id
		)
		SELECT COALESCE(t.data_id, s.data_id) AS data_id,
			COALESCE(t.training_rows, 0),
			t.mean_reward,
			COALESCE(s.samples, 0),
			s.positive_rate,
			s.best_value,
			COALESCE(s.deadline_hits, 0)
		FROM t FULL OUTER JOIN s ON t.data_id = s.data_id
		ORDER BY data_id
		LIMIT `+strconv.Itoa(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []problemSummary
	for rows.Next() {
		var p problemSummary
		if err := rows.Scan(&p.DataID, &p.TrainingRows, &p.MeanReward, &p.Samples, &p.PositiveRate, &p.BestValue, &p.DeadlineHits); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
