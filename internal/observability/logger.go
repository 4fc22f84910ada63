// Package observability bundles the structured logger, Prometheus metrics,
// and optional OpenTelemetry tracing shared across LeafSync components.
package observability

import (
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger with service-wide base fields.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Logger()

	return &Logger{logger: logger}
}

// WithSession adds session_id context to the logger.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{logger: l.logger.With().Str("session_id", sessionID).Logger()}
}

// WithPeer adds peer address context to the logger.
func (l *Logger) WithPeer(addr string) *Logger {
	return &Logger{logger: l.logger.With().Str("peer", addr).Logger()}
}

// WithFile adds file context to the logger.
func (l *Logger) WithFile(relPath string) *Logger {
	return &Logger{logger: l.logger.With().Str("file", relPath).Logger()}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error with a message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// FileSyncStarted logs the beginning of one file transfer.
func (l *Logger) FileSyncStarted(relPath string, size uint64, needChunks int) {
	l.logger.Info().
		Str("file", relPath).
		Str("size", humanize.IBytes(size)).
		Int("need_chunks", needChunks).
		Msg("file sync started")
}

// FileSyncDone logs the outcome of one file transfer.
func (l *Logger) FileSyncDone(relPath string, ok bool, received uint64, elapsed time.Duration) {
	l.logger.Info().
		Str("file", relPath).
		Bool("ok", ok).
		Str("received", humanize.IBytes(received)).
		Float64("elapsed_seconds", elapsed.Seconds()).
		Msg("file sync done")
}

// SessionDone logs the end of a sync session.
func (l *Logger) SessionDone(peer string, ok bool, elapsed time.Duration) {
	l.logger.Info().
		Str("peer", peer).
		Bool("ok", ok).
		Float64("elapsed_seconds", elapsed.Seconds()).
		Msg("session done")
}
