// Package logging provides structured logging configuration using zerolog,
// with optional size-rotated file output.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// FileConfig enables a rotating log file next to the console output.
type FileConfig struct {
	// Path of the active log file
	Path string

	// MaxSizeMB rotates the file once it reaches this size (default 100)
	MaxSizeMB int

	// MaxBackups is how many rotated files to keep (0 keeps all)
	MaxBackups int

	// MaxAgeDays deletes rotated files older than this (0 disables)
	MaxAgeDays int

	// Compress gzips rotated files
	Compress bool
}

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// File additionally writes JSON logs to a rotating file.
	File *FileConfig
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger. The returned closer releases
// the log file, if any; it is never nil.
//
// A log file that cannot be created is reported through the returned logger
// and logging continues on Output only.
func Setup(cfg Config) (zerolog.Logger, io.Closer) {
	// Set global log level
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	// Configure output
	var output io.Writer = out
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: out}
	}

	var closer io.Closer = nopCloser{}
	rotator, fileErr := newRotator(cfg.File)
	if rotator != nil {
		output = zerolog.MultiLevelWriter(output, rotator)
		closer = rotator
	}

	// Create logger with timestamp
	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	if fileErr != nil {
		logger.Warn().Err(fileErr).Str("path", cfg.File.Path).Msg("Log file disabled, logging to console only")
	}

	return logger, closer
}

// newRotator builds the lumberjack writer for cfg. It returns nil when no
// file is configured or the directory cannot be created.
func newRotator(cfg *FileConfig) (*lumberjack.Logger, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache operations (hit/miss, key, TTL, age)
//   - Request flow (conditional requests, validators)
//   - Sweeps that removed nothing
//
// Info: Normal operation events
//   - Server startup/shutdown
//   - Warm-up progress
//   - Sweeps that removed entries
//
// Warn: Warning conditions that don't prevent operation
//   - Stale entries served because the network failed
//   - Cache read/write failures (treated as miss / reported as warning)
//   - Retry attempts and upstream back-off
//
// Error: Error conditions requiring attention
//   - Store unavailable at startup
//   - Configuration errors
//
// Context Fields:
//   - component: emitting package (cache-engine, upstream-client, ...)
//   - key: derived cache key
//   - mode: cache policy mode
//   - endpoint: upstream path
//   - status_code: HTTP status code
//   - age / ttl / stale_at: entry freshness
//   - error_class: Error classification (client, server, rate_limit, network)
