package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

var (
	Logger *slog.Logger
	level  = new(slog.LevelVar)
)

func init() {
	Init()
}

// Init (re)builds the package logger from LOG_FORMAT and LOG_LEVEL.
func Init() {
	level.Set(parseLevel(os.Getenv("LOG_LEVEL")))

	var handler slog.Handler
	if os.Getenv("LOG_FORMAT") == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

func SetLevel(l slog.Level) { level.Set(l) }

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

func Info(msg string, args ...any)  { Logger.Info(msg, args...) }
func Warn(msg string, args ...any)  { Logger.Warn(msg, args...) }
func Error(msg string, args ...any) { Logger.Error(msg, args...) }
func Debug(msg string, args ...any) { Logger.Debug(msg, args...) }

// Fatal logs at error level and exits the process.
func Fatal(msg string, args ...any) {
	Logger.Error(msg, args...)
	os.Exit(1)
}

func With(args ...any) *slog.Logger { return Logger.With(args...) }

// WrapSlog adapts the package logger for libraries that want a *log.Logger.
func WrapSlog(args ...any) *log.Logger {
	return slog.NewLogLogger(Logger.With(args...).Handler(), slog.LevelDebug)
}
