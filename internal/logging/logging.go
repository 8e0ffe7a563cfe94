// Package logging configures the process-wide slog logger: colorized
// human-readable output on a terminal, JSON lines otherwise.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// Setup installs the default logger. level is one of debug, info, warn,
// error (case-insensitive); unknown values fall back to info.
func Setup(out io.Writer, level string) {
	slog.SetDefault(slog.New(newHandler(out, parseLevel(level))))
}

func newHandler(out io.Writer, level slog.Level) slog.Handler {
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	}
	return slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
