package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PrettyJSONHandler is a slog.Handler that prints one indented JSON object
// per record. It is meant for watching a self-play run from a terminal, not
// for throughput.
type PrettyJSONHandler struct {
	w         io.Writer
	mu        *sync.Mutex
	level     slog.Leveler
	addSource bool

	attrs  []groupedAttr
	groups []string
}

// groupedAttr remembers the groups that were open when WithAttrs was called.
type groupedAttr struct {
	groups []string
	attr   slog.Attr
}

func NewPrettyJSONHandler(w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	var level slog.Leveler = slog.LevelInfo
	addSource := false
	if opts != nil {
		if opts.Level != nil {
			level = opts.Level
		}
		addSource = opts.AddSource
	}

	return &PrettyJSONHandler{
		w:         w,
		mu:        &sync.Mutex{},
		level:     level,
		addSource: addSource,
	}
}

func (h *PrettyJSONHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *PrettyJSONHandler) Handle(_ context.Context, r slog.Record) error {
	payload := make(map[string]any, 6)

	when := r.Time
	if when.IsZero() {
		when = time.Now()
	}
	payload["time"] = when.Format(time.RFC3339Nano)
	payload["level"] = r.Level.String()
	payload["msg"] = r.Message

	if h.addSource {
		payload["source"] = sourceFromPC(r.PC)
	}

	for _, ga := range h.attrs {
		addAttr(payload, ga.groups, ga.attr)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(payload, h.groups, a)
		return true
	})

	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		// keep the message even if an attribute cannot be encoded
		b = []byte(fmt.Sprintf(`{"time":%s,"level":%s,"msg":%s,"encode_error":%s}`,
			strconv.Quote(payload["time"].(string)),
			strconv.Quote(payload["level"].(string)),
			strconv.Quote(r.Message),
			strconv.Quote(err.Error())))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.w.Write(append(b, '\n'))
	return err
}

func (h *PrettyJSONHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append([]groupedAttr(nil), h.attrs...)
	for _, a := range attrs {
		clone.attrs = append(clone.attrs, groupedAttr{groups: h.groups, attr: a})
	}
	return &clone
}

func (h *PrettyJSONHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string(nil), h.groups...), name)
	return &clone
}

func addAttr(root map[string]any, groups []string, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()

	dst := root
	for _, g := range groups {
		m, ok := dst[g].(map[string]any)
		if !ok {
			m = map[string]any{}
			dst[g] = m
		}
		dst = m
	}
	addAttrToMap(dst, attr)
}

func addAttrToMap(dst map[string]any, attr slog.Attr) {
	v := attr.Value.Resolve()
	if v.Kind() != slog.KindGroup {
		dst[attr.Key] = valueToAny(v)
		return
	}

	child := map[string]any{}
	for _, ga := range v.Group() {
		if ga.Key != "" {
			addAttrToMap(child, ga)
		}
	}
	// inline empty-key groups per slog.Handler rules
	if attr.Key == "" {
		for k, cv := range child {
			dst[k] = cv
		}
		return
	}
	dst[attr.Key] = child
}

func valueToAny(v slog.Value) any {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.Any()
	default:
		return v.String()
	}
}

func sourceFromPC(pc uintptr) string {
	if pc == 0 {
		return ""
	}
	frames := runtime.CallersFrames([]uintptr{pc})
	f, _ := frames.Next()
	if f.File == "" {
		return ""
	}
	file := f.File
	if idx := strings.LastIndexByte(file, '/'); idx >= 0 {
		file = file[idx+1:]
	}
	return file + ":" + strconv.Itoa(f.Line)
}
