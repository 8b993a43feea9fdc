// Package logging provides structured logging for NFA-Bayes.
// It wraps the standard library slog package with project defaults
// and convenience functions.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log levels
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Logger is the NFA-Bayes structured logger
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level
	Level Level

	// Output is the log output destination
	Output io.Writer

	// Format is the log format ("json" or "text")
	Format string

	// AddSource adds source file and line to log entries
	AddSource bool
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: os.Stderr,
		Format: "text",
	}
}

var (
	defaultLogger *Logger
	mu            sync.Mutex
)

// New builds a logger from cfg without touching the process default.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(cfg.Level)

	opts := &slog.HandlerOptions{
		Level:     levelVar,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  levelVar,
	}
}

// Init initializes the default logger
func Init(cfg *Config) {
	l := New(cfg)

	mu.Lock()
	defaultLogger = l
	mu.Unlock()

	slog.SetDefault(l.Logger)
}

// Default returns the default logger, initializing if necessary
func Default() *Logger {
	mu.Lock()
	l := defaultLogger
	mu.Unlock()
	if l != nil {
		return l
	}
	Init(nil)
	return Default()
}

// ParseLevel converts a textual level ("debug", "info", "warn", "error").
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("logging: unknown level %q", s)
	}
}

// SetLevel changes the log level at runtime
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() Level {
	return l.level.Level()
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
		level:  l.level,
	}
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return New(&Config{Level: LevelError, Output: io.Discard})
}

// =============================================================================
// Convenience Functions (use default logger)
// =============================================================================

// Debug logs at debug level
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

// Info logs at info level
func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

// Warn logs at warn level
func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

// Error logs at error level
func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}

// =============================================================================
// Component Loggers
// =============================================================================

// MLLogger returns a logger for the classifier
func MLLogger() *Logger {
	return Default().WithComponent("ml")
}

// CaptureLogger returns a logger for the pcap reader
func CaptureLogger() *Logger {
	return Default().WithComponent("capture")
}

// APILogger returns a logger for the HTTP surface
func APILogger() *Logger {
	return Default().WithComponent("api")
}

// =============================================================================
// Structured Field Helpers
// =============================================================================

// Features returns log attributes for a feature vector
func Features(values []float64) slog.Attr {
	attrs := make([]any, 0, len(values))
	for i, v := range values {
		attrs = append(attrs, slog.Float64(fmt.Sprintf("f%d", i), v))
	}
	return slog.Group("features", attrs...)
}

// Packet returns log attributes for a decoded packet
func Packet(srcIP, dstIP string, srcPort, dstPort uint16, proto string) slog.Attr {
	return slog.Group("packet",
		slog.String("src_ip", srcIP),
		slog.String("dst_ip", dstIP),
		slog.Int("src_port", int(srcPort)),
		slog.Int("dst_port", int(dstPort)),
		slog.String("protocol", proto),
	)
}

// Err returns a log attribute for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}

// Duration returns a log attribute for a duration
func Duration(name string, d time.Duration) slog.Attr {
	return slog.Duration(name, d)
}

// Timer returns a function that logs the elapsed time when called
func Timer(l *Logger, msg string, args ...any) func() {
	start := time.Now()
	return func() {
		l.Debug(msg, append(args, "duration", time.Since(start))...)
	}
}
