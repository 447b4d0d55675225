package log

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelError Level = "ERROR"
)

var (
	logger     atomic.Pointer[slog.Logger]
	loggerOnce sync.Once
	level      = new(slog.LevelVar)
)

// initLogger initializes the global logger to write text records to stderr.
func initLogger() {
	loggerOnce.Do(func() {
		level.Set(slog.LevelInfo)
		logger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	})
}

// SetLevel changes the minimum level. Unknown levels enable everything.
func SetLevel(l Level) {
	initLogger()
	switch l {
	case LevelDebug:
		level.Set(slog.LevelDebug)
	case LevelInfo:
		level.Set(slog.LevelInfo)
	case LevelError:
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelDebug)
	}
}

// SetOutput redirects log output, keeping the current level.
func SetOutput(w io.Writer) {
	initLogger()
	logger.Store(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

func Debug(msg string, kv ...any) {
	initLogger()
	logger.Load().Debug(msg, kv...)
}

func Info(msg string, kv ...any) {
	initLogger()
	logger.Load().Info(msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	initLogger()
	// Prepend error into key-value list.
	extended := append([]any{"err", err}, kv...)
	logger.Load().Error(msg, extended...)
}
