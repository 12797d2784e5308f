// Package logger builds the process's slog handlers.
package logger

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/Alexander-D-Karpov/blobfs/internal/config"
)

var level slog.LevelVar

// SetLevel changes the level of every logger built by this package.
func SetLevel(l config.LogLevel) {
	level.Set(toSlog(l))
}

func GetLevel() slog.Level {
	return level.Level()
}

func toSlog(l config.LogLevel) slog.Level {
	switch l {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a tint logger writing to w at the shared level.
func New(w io.Writer) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      &level,
		TimeFormat: time.DateTime,
		NoColor:    os.Getenv("NO_COLOR") != "",
	}))
}

// Setup sets the level and installs a stderr logger as the default.
func Setup(l config.LogLevel) *slog.Logger {
	SetLevel(l)
	log := New(os.Stderr)
	slog.SetDefault(log)
	return log
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
