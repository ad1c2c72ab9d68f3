// Command problems converts a JSON lines file of problems into the parquet
// input the executor reads. Each line is {"data_id", "prompt", "answer"} and
// may carry pre-encoded "tokens".
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/brensch/deepsearch/store"
)

type problemLine struct {
	DataID string  `json:"data_id"`
	Prompt string  `json:"prompt"`
	Answer string  `json:"answer"`
	Tokens []int32 `json:"tokens"`
}

func main() {
	in := flag.String("in", "problems.jsonl", "JSON lines input")
	out := flag.String("out", "data/problems.parquet", "Parquet output path")
	flag.Parse()

	f, err := os.Open(*in)
	if err != nil {
		die("open input: %v", err)
	}
	defer f.Close()

	rows, err := readProblems(f)
	if err != nil {
		die("%s: %v", *in, err)
	}
	if err := store.WriteParquetAtomic(*out, rows); err != nil {
		die("write %s: %v", *out, err)
	}
	fmt.Fprintf(os.Stderr, "wrote %d problems to %s\n", len(rows), *out)
}

func readProblems(r io.Reader) ([]store.ProblemRow, error) {
	var rows []store.ProblemRow
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), 64<<20)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var p problemLine
		if err := json.Unmarshal(scanner.Bytes(), &p); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if p.DataID == "" {
			p.DataID = fmt.Sprintf("%d", line)
		}
		if p.Prompt == "" && len(p.Tokens) == 0 {
			return nil, fmt.Errorf("line %d: problem %q has neither prompt nor tokens", line, p.DataID)
		}
		rows = append(rows, store.ProblemRow{DataID: p.DataID, Prompt: p.Prompt, Tokens: p.Tokens, Answer: p.Answer})
	}
	return rows, scanner.Err()
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(2)
}
