package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

const (
	ansiReset  = "\x1b[0m"
	ansiDim    = "\x1b[2m"
	ansiCyan   = "\x1b[36m"
	ansiYellow = "\x1b[33m"
	ansiRed    = "\x1b[31m"
)

// prettyHandler renders records as a single compact line:
//
//	15:04:05 INFO  compressing layer idx=3 total=24
//
// It is not intended for machine consumption; use the JSON handler there.
type prettyHandler struct {
	mu    *sync.Mutex
	w     io.Writer
	level slog.Level
	attrs []slog.Attr
	group string
}

func newPrettyHandler(w io.Writer, level slog.Level) slog.Handler {
	return &prettyHandler{mu: &sync.Mutex{}, w: w, level: level}
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(ansiDim)
	b.WriteString(r.Time.Format("15:04:05"))
	b.WriteString(ansiReset)
	b.WriteByte(' ')
	b.WriteString(levelTag(r.Level))
	b.WriteByte(' ')
	b.WriteString(r.Message)

	writeAttr := func(a slog.Attr) bool {
		if a.Equal(slog.Attr{}) {
			return true
		}
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		fmt.Fprintf(&b, " %s%s=%s%v", ansiDim, key, ansiReset, a.Value)
		return true
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	r.Attrs(writeAttr)
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &nh
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	nh := *h
	if nh.group != "" {
		nh.group += "." + name
	} else {
		nh.group = name
	}
	return &nh
}

func levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return ansiRed + "ERROR" + ansiReset
	case level >= slog.LevelWarn:
		return ansiYellow + "WARN " + ansiReset
	case level >= slog.LevelInfo:
		return ansiCyan + "INFO " + ansiReset
	default:
		return ansiDim + "DEBUG" + ansiReset
	}
}
