package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse JSON output: %v\nOutput: %s", err, buf.String())
	}
	return entry
}

func attrMap(attrs []slog.Attr) map[string]slog.Value {
	m := make(map[string]slog.Value, len(attrs))
	for _, a := range attrs {
		m[a.Key] = a.Value
	}
	return m
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Format: FormatJSON, Output: &buf})

	logger.Info("test message", slog.String("key1", "value1"), slog.Int("key2", 42))

	entry := decodeEntry(t, &buf)
	if entry["msg"] != "test message" {
		t.Errorf("Expected msg='test message', got %v", entry["msg"])
	}
	if entry["level"] != "INFO" {
		t.Errorf("Expected level='INFO', got %v", entry["level"])
	}
	if entry["key2"] != float64(42) {
		t.Errorf("Expected key2=42, got %v", entry["key2"])
	}
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Format: FormatConsole, Output: &buf})

	logger.Info("test message", slog.String("key1", "value1"))

	output := buf.String()
	for _, want := range []string{"test message", "INFO", "key1=value1"} {
		if !strings.Contains(output, want) {
			t.Errorf("Console output missing %q: %s", want, output)
		}
	}
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		name         string
		level        Level
		logFunc      func(*slog.Logger)
		shouldAppear bool
	}{
		{"debug at info", LevelInfo, func(l *slog.Logger) { l.Debug("m") }, false},
		{"info at info", LevelInfo, func(l *slog.Logger) { l.Info("m") }, true},
		{"warn at info", LevelInfo, func(l *slog.Logger) { l.Warn("m") }, true},
		{"info at error", LevelError, func(l *slog.Logger) { l.Info("m") }, false},
		{"error at error", LevelError, func(l *slog.Logger) { l.Error("m") }, true},
		{"debug at DEBUG", Level("DEBUG"), func(l *slog.Logger) { l.Debug("m") }, true},
		{"unknown level is info", Level("verbose"), func(l *slog.Logger) { l.Debug("m") }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(Config{Level: tt.level, Format: FormatConsole, Output: &buf})

			tt.logFunc(logger)

			if got := buf.Len() > 0; got != tt.shouldAppear {
				t.Errorf("Expected shouldAppear=%v, got %v. Output: %s", tt.shouldAppear, got, buf.String())
			}
		})
	}
}

func TestSyncAttrs(t *testing.T) {
	attrs := attrMap(SyncAttrs("pingResults", 2, 5, 130))

	if v := attrs["collection"]; v.String() != "pingResults" {
		t.Errorf("collection: expected 'pingResults', got %v", v)
	}
	if v := attrs["batch_index"]; v.Int64() != 2 {
		t.Errorf("batch_index: expected 2, got %v", v)
	}
	if v := attrs["count"]; v.Int64() != 5 {
		t.Errorf("count: expected 5, got %v", v)
	}
	if v := attrs["duration_ms"]; v.Int64() != 130 {
		t.Errorf("duration_ms: expected 130, got %v", v)
	}
}

func TestUploadAttrs(t *testing.T) {
	attrs := UploadAttrs("uuid-1", "legacy", 1, 201, 2048)

	if len(attrs) != 5 {
		t.Fatalf("Expected 5 attributes, got %d", len(attrs))
	}
	m := attrMap(attrs)
	if m["uuid"].String() != "uuid-1" || m["provider"].String() != "legacy" {
		t.Errorf("Unexpected identity attrs: %v", m)
	}
	if m["http_status"].Int64() != 201 || m["bytes_sent"].Int64() != 2048 {
		t.Errorf("Unexpected transfer attrs: %v", m)
	}
}

func TestRetryAttrs(t *testing.T) {
	m := attrMap(RetryAttrs(3, 2000, errors.New("connection reset")))

	if m["attempt"].Int64() != 3 {
		t.Errorf("attempt: expected 3, got %v", m["attempt"])
	}
	if m["error"].String() != "connection reset" {
		t.Errorf("error: expected 'connection reset', got %v", m["error"])
	}
	if _, ok := m["error_type"]; !ok {
		t.Error("error_type attribute missing")
	}

	if got := RetryAttrs(1, 0, nil); len(got) != 2 {
		t.Errorf("Expected 2 attributes without error, got %d", len(got))
	}
}

func TestErrorAttrs(t *testing.T) {
	if attrs := ErrorAttrs(errors.New("boom")); len(attrs) != 2 {
		t.Errorf("Expected 2 attributes, got %d", len(attrs))
	}
	if attrs := ErrorAttrs(nil); attrs != nil {
		t.Errorf("Expected nil for nil error, got %v", attrs)
	}
}

func TestHelperFunctions(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Format: FormatJSON, Output: &buf})

	t.Run("LogSyncBatch", func(t *testing.T) {
		buf.Reset()
		LogSyncBatch(logger, "measurements", 0, 5, 40)

		entry := decodeEntry(t, &buf)
		if entry["collection"] != "measurements" || entry["count"] != float64(5) {
			t.Errorf("Unexpected entry %v", entry)
		}
	})

	t.Run("LogSyncBatchError", func(t *testing.T) {
		buf.Reset()
		LogSyncBatchError(logger, "pingResults", 1, 5, errors.New("503"))

		entry := decodeEntry(t, &buf)
		if entry["level"] != "ERROR" || entry["error"] != "503" {
			t.Errorf("Unexpected entry %v", entry)
		}
	})

	t.Run("LogUpload", func(t *testing.T) {
		buf.Reset()
		LogUpload(logger, "uuid-1", "modern", 1, 200, 512)

		entry := decodeEntry(t, &buf)
		if entry["uuid"] != "uuid-1" || entry["http_status"] != float64(200) {
			t.Errorf("Unexpected entry %v", entry)
		}
	})

	t.Run("LogUploadError", func(t *testing.T) {
		buf.Reset()
		LogUploadError(logger, "uuid-1", "modern", 1, errors.New("upload failed"))

		if entry := decodeEntry(t, &buf); entry["level"] != "ERROR" {
			t.Errorf("Expected level='ERROR', got %v", entry["level"])
		}
	})

	t.Run("LogRetry", func(t *testing.T) {
		buf.Reset()
		LogRetry(logger, 2, 2000, errors.New("retry error"))

		entry := decodeEntry(t, &buf)
		if entry["level"] != "WARN" || entry["attempt"] != float64(2) {
			t.Errorf("Unexpected entry %v", entry)
		}
	})
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(New(Config{Format: FormatJSON, Output: &buf}), "syncer")
	logger.Info("hello")

	if entry := decodeEntry(t, &buf); entry["component"] != "syncer" {
		t.Errorf("Expected component=syncer, got %v", entry["component"])
	}

	if Component(nil, "x") == nil {
		t.Error("Component(nil) returned nil")
	}
}

func TestRunID(t *testing.T) {
	ctx := WithRunID(context.Background(), "run-42")
	if got := RunID(ctx); got != "run-42" {
		t.Errorf("Expected run-42, got %q", got)
	}
	if got := RunID(context.Background()); got != "" {
		t.Errorf("Expected empty run id, got %q", got)
	}
}

func TestSetDefault(t *testing.T) {
	prev := Default()
	defer SetDefault(prev)

	var buf bytes.Buffer
	SetDefault(New(Config{Level: LevelInfo, Format: FormatJSON, Output: &buf}))

	slog.Info("test from default")

	if buf.Len() == 0 {
		t.Error("Default logger did not write output")
	}
	if OrDefault(nil) != Default() {
		t.Error("OrDefault(nil) should return the default logger")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo || cfg.Format != FormatConsole || cfg.Output == nil {
		t.Errorf("Unexpected default config %+v", cfg)
	}
}
