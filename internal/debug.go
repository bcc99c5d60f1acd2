package internal

import (
	"context"
	"log/slog"
)

// LevelTrace is a logging level below [slog.LevelDebug] used for
// per-packet tracing.
const LevelTrace slog.Level = slog.LevelDebug - 2

// LogAttrs is a helper function that is used by all package loggers.
func LogAttrs(l *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	if l != nil {
		l.LogAttrs(context.Background(), level, msg, attrs...)
	}
}
