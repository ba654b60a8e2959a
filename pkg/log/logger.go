// Package log provides structured logging utilities for gominer.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a new logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything. Used by tests and by
// components constructed without a logger.
func Nop() *Logger {
	return NewWithWriter(io.Discard, "", "", "error", "text")
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithPool returns a logger tagged with a pool endpoint and its index
func (l *Logger) WithPool(id int, host string, port int) *Logger {
	return l.WithFields("pool_id", id, "pool_host", host, "pool_port", port)
}

// WithWorker returns a logger tagged with a worker thread id
func (l *Logger) WithWorker(id int) *Logger {
	return l.WithFields("worker_id", id)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string, difficulty uint64) *Logger {
	return l.WithFields("job_id", jobID, "difficulty", difficulty)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogThroughput logs throughput metrics
func (l *Logger) LogThroughput(operation string, count int64, duration int64) {
	throughput := float64(count) / (float64(duration) / 1e9)
	l.Info("throughput metrics",
		"operation", operation,
		"count", count,
		"duration_ns", duration,
		"throughput_ops_sec", throughput,
	)
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs pool protocol lines (debug level)
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// LogShareResult logs the pool's verdict on a submitted share
func (l *Logger) LogShareResult(accepted, rejected uint64, difficulty uint64, reason string, elapsedMs int64) {
	if reason == "" {
		l.Info("share accepted",
			"accepted", accepted,
			"rejected", rejected,
			"difficulty", difficulty,
			"elapsed_ms", elapsedMs,
		)
		return
	}
	l.Warn("share rejected",
		"accepted", accepted,
		"rejected", rejected,
		"difficulty", difficulty,
		"reason", reason,
		"elapsed_ms", elapsedMs,
	)
}

// LogHashrate logs the short, medium and long hashrate windows in H/s
func (l *Logger) LogHashrate(short, medium, long, highest float64) {
	l.Info("speed",
		"h_s_2_5s", short,
		"h_s_60s", medium,
		"h_s_15m", long,
		"max_h_s", highest,
	)
}
