package selfplay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/brensch/deepsearch/executor/mcts"
)

const checkpointVersion = 1

// Checkpoint is the resumable state of a Run.
type Checkpoint struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`

	Count        int                    `json:"count"`
	Live         []*mcts.ParallelSearch `json:"parallel_searches"`
	Result       Result                 `json:"result"`
	ContextCache []mcts.CacheEntry      `json:"context_cache"`

	Strategy     []byte `json:"strategy,omitempty"`
	StopCriteria []byte `json:"stop_criteria,omitempty"`
}

// SaveCheckpoint writes ck as zstd-compressed JSON. The file is written to
// path.tmp, synced and renamed, so a crash never leaves a truncated checkpoint.
func SaveCheckpoint(path string, ck *Checkpoint) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open checkpoint: %w", err)
	}
	fail := func(err error) (int64, error) {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return 0, err
	}

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fail(fmt.Errorf("create zstd writer: %w", err))
	}
	ck.Version = checkpointVersion
	if err := json.NewEncoder(enc).Encode(ck); err != nil {
		_ = enc.Close()
		return fail(fmt.Errorf("encode checkpoint: %w", err))
	}
	if err := enc.Close(); err != nil {
		return fail(fmt.Errorf("flush zstd: %w", err))
	}
	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("sync checkpoint: %w", err))
	}
	info, err := f.Stat()
	if err != nil {
		return fail(fmt.Errorf("stat checkpoint: %w", err))
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("rename checkpoint: %w", err)
	}
	return info.Size(), nil
}

// LoadCheckpoint reads a checkpoint. The bool is false when no file exists.
func LoadCheckpoint(path string) (*Checkpoint, bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, false, fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	var ck Checkpoint
	if err := json.NewDecoder(dec).Decode(&ck); err != nil {
		return nil, false, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	if ck.Version != checkpointVersion {
		return nil, false, fmt.Errorf("checkpoint %s has version %d, want %d", path, ck.Version, checkpointVersion)
	}
	return &ck, true, nil
}
