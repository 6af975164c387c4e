// Package logging provides structured logging for the feedrec daemons.
//
// This package wraps the standard library's log/slog package to provide
// consistent logging across all components. It supports both text and JSON
// output formats, configurable log levels, component-based loggers and an
// optional size-rotated log file.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, false) // Text format
//	logging.Init(slog.LevelDebug, true) // JSON format for production
//
//	// Get a component logger
//	log := logging.Component("pipeline")
//	log.Info("pipeline started", "groups", 2)
//
//	// Log with context
//	log.Error("flush failed", "error", err, "shard", key)
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// FileConfig configures the optional rotated log file.
type FileConfig struct {
	// Path of the active log file. Empty disables file output.
	Path string `yaml:"path"`

	// MaxSizeMB is the size at which the file is rotated.
	MaxSizeMB int `yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files kept.
	MaxBackups int `yaml:"max_backups"`

	// MaxAgeDays removes rotated files older than this.
	MaxAgeDays int `yaml:"max_age_days"`

	// Compress gzips rotated files.
	Compress bool `yaml:"compress"`
}

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWithWriter(os.Stdout, level, jsonFormat)
}

// InitWithFile initializes the global logger writing to stdout and, when
// fc.Path is set, to a rotated file. The returned closer releases the file.
func InitWithFile(level slog.Level, jsonFormat bool, fc FileConfig) io.Closer {
	if fc.Path == "" {
		Init(level, jsonFormat)
		return nopCloser{}
	}

	file := &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.MaxSizeMB,
		MaxBackups: fc.MaxBackups,
		MaxAge:     fc.MaxAgeDays,
		Compress:   fc.Compress,
	}
	InitWithWriter(io.MultiWriter(os.Stdout, file), level, jsonFormat)
	return file
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// InitWithWriter initializes the global logger on an arbitrary writer.
func InitWithWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel maps a config string to a slog level. Unknown values map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// With returns a new logger with additional attributes.
// These attributes are included in every log entry from the returned logger.
func With(args ...any) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger.With(args...)
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries. The
// global logger is resolved on every call, so package-level component
// loggers follow a later Init.
//
// Example:
//
//	var log = logging.Component("engine")
//	log.Info("started") // Output: time=... level=INFO component=engine msg=started
func Component(name string) *ComponentLogger {
	return &ComponentLogger{name: name}
}

// ComponentLogger is a named logger bound lazily to the global Logger.
type ComponentLogger struct {
	name string
}

func (c *ComponentLogger) logger() *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger.With("component", c.name)
}

// With returns a slog logger carrying the component name and args.
func (c *ComponentLogger) With(args ...any) *slog.Logger {
	return c.logger().With(args...)
}

// Debug logs at debug level.
func (c *ComponentLogger) Debug(msg string, args ...any) { c.logger().Debug(msg, args...) }

// Info logs at info level.
func (c *ComponentLogger) Info(msg string, args ...any) { c.logger().Info(msg, args...) }

// Warn logs at warning level.
func (c *ComponentLogger) Warn(msg string, args ...any) { c.logger().Warn(msg, args...) }

// Error logs at error level.
func (c *ComponentLogger) Error(msg string, args ...any) { c.logger().Error(msg, args...) }

// =============================================================================
// Convenience Functions
// =============================================================================

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Info(msg, args...)
}

// Warn logs at warning level.
func Warn(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Error(msg, args...)
}
