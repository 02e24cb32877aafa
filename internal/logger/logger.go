// Package logger constructs the process-wide slog.Logger used by every
// component in the engine.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

var defaultOut io.Writer = os.Stdout

// Options controls the logger's output format and level.
type Options struct {
	Verbose bool
	JSON    bool
	Out     io.Writer
}

// New builds a logger. In JSON mode it uses slog's stdlib JSON handler
// (for piping into log collectors); otherwise it uses tint for colorized
// console output with millisecond-precision UTC timestamps.
func New(opts Options) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	out := opts.Out
	if out == nil {
		out = defaultOut
	}
	if opts.JSON {
		return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(out, &tint.Options{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(formatRFC3339Millis(a.Value.Time()))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
