package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var levelVar = new(slog.LevelVar)

var L = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: levelVar}))

// SetLevel configures the global log level (debug, info, warn, error).
func SetLevel(lvl string) {
	switch strings.ToLower(lvl) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

// SetFormat swaps the global handler between "json" (default) and "text".
func SetFormat(format string, w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: levelVar}
	if strings.ToLower(format) == "text" {
		L = slog.New(slog.NewTextHandler(w, opts))
	} else {
		L = slog.New(slog.NewJSONHandler(w, opts))
	}
	slog.SetDefault(L)
}

// Component returns l (or L when l is nil) scoped to a named component.
func Component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = L
	}
	return l.With("component", name)
}
