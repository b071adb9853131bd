// Package logger provides the console slog handler used by the CLI and worker:
// one coloured line per record, with a SUCCESS level between INFO and WARN.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

const LevelSuccess = slog.Level(2)

const timeFormat = "2006-01-02 15:04:05"

type Options struct {
	Level   slog.Leveler
	NoColor bool
}

type ConsoleHandler struct {
	mu           *sync.Mutex
	out          io.Writer
	opts         Options
	preformatted string
	groups       []string
	colors       map[slog.Level]*color.Color
}

func NewConsoleHandler(out io.Writer, opts Options) *ConsoleHandler {
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}
	colors := map[slog.Level]*color.Color{
		slog.LevelDebug: color.New(color.FgHiBlack),
		slog.LevelInfo:  color.New(color.FgCyan),
		LevelSuccess:    color.New(color.FgGreen, color.Bold),
		slog.LevelWarn:  color.New(color.FgYellow),
		slog.LevelError: color.New(color.FgRed, color.Bold),
	}
	for _, c := range colors {
		if opts.NoColor {
			c.DisableColor()
		} else {
			c.EnableColor()
		}
	}
	return &ConsoleHandler{mu: &sync.Mutex{}, out: out, opts: opts, colors: colors}
}

func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	sb.WriteString(ts.Format(timeFormat))
	sb.WriteByte(' ')
	sb.WriteString(h.colorFor(r.Level).Sprintf("%-7s", LevelName(r.Level)))
	sb.WriteByte(' ')
	sb.WriteString(r.Message)

	sb.WriteString(h.preformatted)
	prefix := strings.Join(h.groups, ".")
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&sb, prefix, a)
		return true
	})
	sb.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, sb.String())
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var sb strings.Builder
	prefix := strings.Join(h.groups, ".")
	for _, a := range attrs {
		writeAttr(&sb, prefix, a)
	}
	clone := *h
	clone.preformatted = h.preformatted + sb.String()
	return &clone
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string{}, h.groups...), name)
	return &clone
}

func (h *ConsoleHandler) colorFor(level slog.Level) *color.Color {
	switch {
	case level >= slog.LevelError:
		return h.colors[slog.LevelError]
	case level >= slog.LevelWarn:
		return h.colors[slog.LevelWarn]
	case level >= LevelSuccess:
		return h.colors[LevelSuccess]
	case level >= slog.LevelInfo:
		return h.colors[slog.LevelInfo]
	default:
		return h.colors[slog.LevelDebug]
	}
}

func writeAttr(sb *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(sb, key, ga)
		}
		return
	}
	val := a.Value.String()
	if strings.ContainsAny(val, " \t\"=") {
		val = fmt.Sprintf("%q", val)
	}
	sb.WriteByte(' ')
	sb.WriteString(key)
	sb.WriteByte('=')
	sb.WriteString(val)
}

// LevelName maps a level to the label printed on the line.
func LevelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	case level >= LevelSuccess:
		return "SUCCESS"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// ParseLevel accepts debug, info, success, warn and error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "success":
		return LevelSuccess, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level '%s'", s)
}

// New returns a logger writing coloured lines to out.
func New(out io.Writer, level slog.Level) *slog.Logger {
	return slog.New(NewConsoleHandler(out, Options{Level: level, NoColor: color.NoColor}))
}

// Success logs msg at LevelSuccess.
func Success(ctx context.Context, l *slog.Logger, msg string, args ...any) {
	l.Log(ctx, LevelSuccess, msg, args...)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
