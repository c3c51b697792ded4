package config

import (
	"io"
	"log/slog"
	"strings"
)

// ParseLogLevel maps debug, info, warn or error to a slog level. Anything
// else is treated as info.
func ParseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// NewLogger builds the process logger. Services log JSON; the CLI logs text.
func NewLogger(level string, w io.Writer, jsonOutput bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLogLevel(level)}
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
