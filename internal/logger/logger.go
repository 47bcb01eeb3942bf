package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// level is shared by every handler this package creates.
var level slog.LevelVar

func init() {
	level.Set(slog.LevelDebug)
}

// SetLevel changes the level of every handler from this package.
func SetLevel(s string) {
	level.Set(ParseLevel(s))
}

// GetLevel reports the current level as one of debug, info, warn, error.
func GetLevel() string {
	return strings.ToLower(level.Level().String())
}

// ParseLevel maps a level name to an slog level. Unknown names mean debug.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "warning") {
		s = "warn"
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelDebug
	}
	return l
}

// sink is shared by a handler and every handler derived from it via WithAttrs,
// so all of them serialize writes on the same mutex.
type sink struct {
	outs []io.Writer
	mu   sync.Mutex
}

// lineHandler writes "[15:04:05] [LEVEL] msg k=v" lines to every output.
type lineHandler struct {
	sink   *sink
	attrs  []slog.Attr
	prefix string // group prefix for attribute keys
}

// Handle implements slog.Handler
func (h *lineHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Level < level.Level() {
		return nil
	}

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(record.Time.Format("15:04:05"))
	b.WriteString("] [")
	b.WriteString(strings.ToUpper(record.Level.String()))
	b.WriteString("] ")
	b.WriteString(record.Message)

	for _, a := range h.attrs {
		writeAttr(&b, "", a)
	}
	record.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.prefix, a)
		return true
	})
	b.WriteString("\n")

	line := []byte(b.String())

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	for _, out := range h.sink.outs {
		if out != nil {
			_, _ = out.Write(line)
		}
	}
	return nil
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(b, prefix+a.Key+".", ga)
		}
		return
	}
	b.WriteString(" ")
	b.WriteString(prefix)
	b.WriteString(a.Key)
	b.WriteString("=")
	b.WriteString(a.Value.String())
}

// WithAttrs implements slog.Handler
func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		merged = append(merged, a)
	}
	return &lineHandler{sink: h.sink, attrs: merged, prefix: h.prefix}
}

// WithGroup implements slog.Handler
func (h *lineHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &lineHandler{sink: h.sink, attrs: h.attrs, prefix: h.prefix + name + "."}
}

func (h *lineHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= level.Level()
}

// NewHandler returns the line handler without installing it as the default.
func NewHandler(outputs ...io.Writer) slog.Handler {
	return &lineHandler{sink: &sink{outs: outputs}}
}

// InitLogger initializes the global logger with one or more output writers
func InitLogger(outputs ...io.Writer) {
	slog.SetDefault(slog.New(NewHandler(outputs...)))
}

// Convenience functions that use the default logger
func Debug(msg string, args ...any) {
	slog.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	slog.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	slog.Error(msg, args...)
}
