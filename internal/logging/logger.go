package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format represents the log output format
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Level represents log levels
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level  Level
	Format Format
	Output io.Writer // defaults to os.Stdout if nil
}

// DefaultConfig returns a default logging configuration
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: FormatConsole,
		Output: os.Stdout,
	}
}

var defaultLogger = New(DefaultConfig())

// New creates a structured logger from cfg
func New(cfg Config) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch Format(strings.ToLower(string(cfg.Format))) {
	case FormatJSON:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	default:
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	return slog.New(handler)
}

func parseLevel(level Level) slog.Level {
	switch Level(strings.ToLower(string(level))) {
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

// SetDefault installs logger as the package and slog default
func SetDefault(logger *slog.Logger) {
	defaultLogger = logger
	slog.SetDefault(logger)
}

// Default returns the default logger
func Default() *slog.Logger {
	return defaultLogger
}

// OrDefault returns logger, or the default logger when nil
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return defaultLogger
	}
	return logger
}

// Component returns a child logger tagged with a component name
func Component(logger *slog.Logger, name string) *slog.Logger {
	return OrDefault(logger).With(slog.String("component", name))
}

type contextKey string

// ContextKeyRunID carries the id of the measurement run being logged
const ContextKeyRunID contextKey = "run_id"

// WithRunID adds a measurement run id to ctx
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ContextKeyRunID, runID)
}

// RunID returns the run id stored in ctx, if any
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyRunID).(string)
	return id
}

// SyncAttrs returns common attributes for sync batch logging
func SyncAttrs(collection string, batchIndex, count int, durationMs int64) []slog.Attr {
	return []slog.Attr{
		slog.String("collection", collection),
		slog.Int("batch_index", batchIndex),
		slog.Int("count", count),
		slog.Int64("duration_ms", durationMs),
	}
}

// UploadAttrs returns common attributes for measurement upload logging
func UploadAttrs(uuid, provider string, attempt, httpStatus int, bytesSent int64) []slog.Attr {
	return []slog.Attr{
		slog.String("uuid", uuid),
		slog.String("provider", provider),
		slog.Int("attempt", attempt),
		slog.Int("http_status", httpStatus),
		slog.Int64("bytes_sent", bytesSent),
	}
}

// RetryAttrs returns common attributes for retry logging
func RetryAttrs(attempt int, backoffMs int64, err error) []slog.Attr {
	attrs := []slog.Attr{
		slog.Int("attempt", attempt),
		slog.Int64("backoff_ms", backoffMs),
	}
	return append(attrs, ErrorAttrs(err)...)
}

// ErrorAttrs returns common attributes for error logging
func ErrorAttrs(err error) []slog.Attr {
	if err == nil {
		return nil
	}
	return []slog.Attr{
		slog.String("error", err.Error()),
		slog.String("error_type", fmt.Sprintf("%T", err)),
	}
}

// LogSyncBatch logs a synced batch
func LogSyncBatch(logger *slog.Logger, collection string, batchIndex, count int, durationMs int64) {
	logger.LogAttrs(context.Background(), slog.LevelInfo, "Sync batch completed",
		SyncAttrs(collection, batchIndex, count, durationMs)...)
}

// LogSyncBatchError logs a batch that failed after its retry
func LogSyncBatchError(logger *slog.Logger, collection string, batchIndex, count int, err error) {
	attrs := []slog.Attr{
		slog.String("collection", collection),
		slog.Int("batch_index", batchIndex),
		slog.Int("count", count),
	}
	attrs = append(attrs, ErrorAttrs(err)...)
	logger.LogAttrs(context.Background(), slog.LevelError, "Sync batch failed", attrs...)
}

// LogUpload logs an acknowledged measurement upload
func LogUpload(logger *slog.Logger, uuid, provider string, attempt, httpStatus int, bytesSent int64) {
	logger.LogAttrs(context.Background(), slog.LevelInfo, "Measurement uploaded",
		UploadAttrs(uuid, provider, attempt, httpStatus, bytesSent)...)
}

// LogUploadError logs a failed measurement upload
func LogUploadError(logger *slog.Logger, uuid, provider string, attempt int, err error) {
	attrs := []slog.Attr{
		slog.String("uuid", uuid),
		slog.String("provider", provider),
		slog.Int("attempt", attempt),
	}
	attrs = append(attrs, ErrorAttrs(err)...)
	logger.LogAttrs(context.Background(), slog.LevelError, "Measurement upload failed", attrs...)
}

// LogRetry logs a retry attempt
func LogRetry(logger *slog.Logger, attempt int, backoffMs int64, err error) {
	logger.LogAttrs(context.Background(), slog.LevelWarn, "Retrying after failure",
		RetryAttrs(attempt, backoffMs, err)...)
}
