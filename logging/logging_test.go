package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrettyJSONHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewPrettyJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger.With("run_id", "r1").WithGroup("search").Info("checkpoint saved",
		"path", "/tmp/x.ckpt",
		"bytes", 42,
		"err", errors.New("boom"),
		slog.Group("best", "value", 0.9),
	)

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Equal(t, "checkpoint saved", got["msg"])
	require.Equal(t, "INFO", got["level"])
	require.Equal(t, "r1", got["run_id"])

	search, ok := got["search"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "/tmp/x.ckpt", search["path"])
	require.EqualValues(t, 42, search["bytes"])
	require.Equal(t, "boom", search["err"])
	require.Equal(t, map[string]any{"value": 0.9}, search["best"])
}

func TestPrettyJSONHandlerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewPrettyJSONHandler(&buf, nil))
	logger.Debug("hidden")
	require.Zero(t, buf.Len())
	logger.Warn("shown")
	require.Contains(t, buf.String(), `"msg": "shown"`)
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	for _, format := range []string{"pretty", "json", "text"} {
		logger, err := New(&buf, format, slog.LevelInfo)
		require.NoError(t, err)
		logger.Info("hello")
	}
	_, err := New(&buf, "xml", slog.LevelInfo)
	require.Error(t, err)

	lvl, err := ParseLevel("warn")
	require.NoError(t, err)
	require.Equal(t, slog.LevelWarn, lvl)
	_, err = ParseLevel("loud")
	require.Error(t, err)
}
