package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[90m"
	colorCyan   = "\033[36m"
	colorGreen  = "\033[32m"
	colorBold   = "\033[1m"
)

// Attributes with dedicated rendering. run and process identify where a line
// came from and are printed as a tag ahead of the message; step and loss are
// the training progress and are printed highlighted.
const (
	keyRun     = "run"
	keyProcess = "process"
	keyStep    = "step"
	keyLoss    = "loss"
)

// runTagLen is how much of a run id is shown in the tag.
const runTagLen = 8

// PrettyHandler is a slog.Handler for terminal output of training and
// generation runs:
//
//	15:04:05.000 INFO  [run 1b9d6bcd p1] Training loss at step 5: 2.31 step=5 loss=2.3100
type PrettyHandler struct {
	opts  slog.HandlerOptions
	w     io.Writer
	mu    *sync.Mutex
	group string
	attrs []slog.Attr
}

// NewPrettyHandler creates a new PrettyHandler.
func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &PrettyHandler{opts: *opts, w: w, mu: &sync.Mutex{}}
}

// Enabled reports whether the handler handles records at the given level.
func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

// Handle formats and writes a log record.
func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	tag, rest := splitTag(attrs, h.group)

	buf := make([]byte, 0, 256)
	buf = append(buf, colorGray...)
	buf = r.Time.AppendFormat(buf, "15:04:05.000")
	buf = append(buf, colorReset...)
	buf = append(buf, ' ')
	buf = append(buf, levelColor(r.Level)...)
	buf = append(buf, colorBold...)
	buf = append(buf, fmt.Sprintf("%-5s", r.Level.String())...)
	buf = append(buf, colorReset...)
	buf = append(buf, ' ')
	if tag != "" {
		buf = append(buf, colorGray...)
		buf = append(buf, '[')
		buf = append(buf, tag...)
		buf = append(buf, "] "...)
		buf = append(buf, colorReset...)
	}
	buf = append(buf, r.Message...)
	for _, a := range rest {
		buf = append(buf, ' ')
		buf = h.appendColored(buf, a)
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

// splitTag pulls the top-level run and process attributes out of attrs.
func splitTag(attrs []slog.Attr, group string) (string, []slog.Attr) {
	if group != "" {
		return "", attrs
	}
	var tag []string
	rest := attrs[:0:0]
	for _, a := range attrs {
		switch a.Key {
		case keyRun:
			id := a.Value.String()
			tag = append(tag, "run "+id[:min(len(id), runTagLen)])
		case keyProcess:
			tag = append(tag, "p"+a.Value.String())
		default:
			rest = append(rest, a)
		}
	}
	return strings.Join(tag, " "), rest
}

func (h *PrettyHandler) appendColored(buf []byte, a slog.Attr) []byte {
	color := colorCyan
	if h.group == "" && (a.Key == keyStep || a.Key == keyLoss) {
		color = colorGreen + colorBold
	}
	buf = append(buf, color...)
	buf = appendAttr(buf, a, h.group)
	return append(buf, colorReset...)
}

// WithAttrs returns a new handler with additional attributes.
func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...)
	return &h2
}

// WithGroup returns a new handler with a group name.
func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	if h.group != "" {
		name = h.group + "." + name
	}
	h2.group = name
	return &h2
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return colorRed
	case level >= slog.LevelWarn:
		return colorYellow
	case level >= slog.LevelInfo:
		return colorBlue
	default:
		return colorGray
	}
}

func appendAttr(buf []byte, a slog.Attr, group string) []byte {
	if group != "" {
		buf = append(buf, group...)
		buf = append(buf, '.')
	}
	buf = append(buf, a.Key...)
	buf = append(buf, '=')
	return appendValue(buf, a.Key, a.Value.Resolve())
}

func appendValue(buf []byte, key string, v slog.Value) []byte {
	switch v.Kind() {
	case slog.KindString:
		s := v.String()
		if strings.ContainsAny(s, " \t\n\"") {
			return strconv.AppendQuote(buf, s)
		}
		return append(buf, s...)
	case slog.KindDuration:
		return append(buf, v.Duration().Round(time.Microsecond).String()...)
	case slog.KindFloat64:
		if key == keyLoss {
			return strconv.AppendFloat(buf, v.Float64(), 'f', 4, 64)
		}
		return strconv.AppendFloat(buf, v.Float64(), 'g', 6, 64)
	case slog.KindTime:
		return v.Time().AppendFormat(buf, time.RFC3339)
	case slog.KindGroup:
		buf = append(buf, '{')
		for i, a := range v.Group() {
			if i > 0 {
				buf = append(buf, ' ')
			}
			buf = appendAttr(buf, a, "")
		}
		return append(buf, '}')
	}
	return append(buf, fmt.Sprint(v.Any())...)
}
