// Package logging centralizes construction of the core's log/slog logger:
// a plain JSON handler for machine consumption, or a colorized text
// handler for a human watching a terminal.
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger. When pretty is true (typically an interactive CLI
// invocation), output is a tint-colorized text handler on stderr; otherwise
// it's a JSON handler suitable for log aggregation.
func New(level Level, pretty bool) *slog.Logger {
	slogLevel := level.slogLevel()

	if pretty {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slogLevel,
			TimeFormat: time.Kitchen,
		}))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slogLevel,
		AddSource: level == LevelDebug,
	}))
}
