package kernel

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger builds the kernel logger writing to stderr, as text or JSON.
func NewLogger(level slog.Level, json bool) *slog.Logger {
	return newLogger(os.Stderr, level, json)
}

func newLogger(w io.Writer, level slog.Level, json bool) *slog.Logger {

	options := &slog.HandlerOptions{Level: level}

	if json {
		return slog.New(slog.NewJSONHandler(w, options))
	}
	return slog.New(slog.NewTextHandler(w, options))
}
