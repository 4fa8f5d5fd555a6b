// Package logging sets up the process-wide slog default handler. The
// service always has both a human-readable multiline handler and a JSON
// handler available and picks one by config (service.log_format), rather
// than the teacher's single command-line flag (spec SPEC_FULL.md Ambient
// Stack).
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
)

// Setup installs the process-wide slog default handler for format ("text" or
// "json") at the given level and returns it.
func Setup(w io.Writer, format, level string) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = &MultilineHandler{Writer: w, level: opts.Level}
	}
	slog.SetDefault(slog.New(handler))
	return handler
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MultilineHandler renders each record as a one-line "HH:MM:SS.mmm LEVEL msg
// key=value ..." entry, attributes sorted by key for stable output. It is the human-facing
// counterpart to slog.NewJSONHandler.
type MultilineHandler struct {
	Writer io.Writer
	level  slog.Leveler

	mu    sync.Mutex
	attrs []slog.Attr
}

func (h *MultilineHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.level != nil {
		min = h.level.Level()
	}
	return level >= min
}

func (h *MultilineHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make(map[string]string, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		fields[a.Key] = a.Value.String()
	}
	r.Attrs(func(a slog.Attr) bool {
		fields[a.Key] = a.Value.String()
		return true
	})
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(h.Writer, "%s %-5s %s", r.Time.Format("15:04:05.000"), r.Level.String(), r.Message)
	for _, k := range keys {
		fmt.Fprintf(h.Writer, " %s=%s", k, fields[k])
	}
	fmt.Fprintln(h.Writer)
	return nil
}

func (h *MultilineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &MultilineHandler{Writer: h.Writer, level: h.level, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}

func (h *MultilineHandler) WithGroup(_ string) slog.Handler {
	return h
}
