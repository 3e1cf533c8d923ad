package storage

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/taniwha3/tidemeter/internal/models"
)

// syncBuffer is a bytes.Buffer safe for the checkpoint goroutine to log into
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func fillPings(t *testing.T, store *Store, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		if err := store.SavePing(ctx, models.NewPingResult("device-001", time.Now()).WithLatency(float64(i))); err != nil {
			t.Fatalf("SavePing failed: %v", err)
		}
	}
}

func TestStartWALCheckpointRoutine_StartStop(t *testing.T) {
	store, _ := setupTestStore(t)

	var logBuf syncBuffer
	logger := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	stop := store.StartWALCheckpointRoutine(context.Background(), logger, 50*time.Millisecond, 1024*1024)
	time.Sleep(150 * time.Millisecond)
	stop()

	logs := logBuf.String()
	if !strings.Contains(logs, "WAL checkpoint routine started") {
		t.Error("Expected routine started message in logs")
	}
	if !strings.Contains(logs, "reason=periodic") {
		t.Error("Expected a periodic checkpoint")
	}
	if !strings.Contains(logs, "WAL checkpoint routine stopping") {
		t.Error("Expected routine stopping message in logs")
	}
}

func TestStartWALCheckpointRoutine_SizeTriggered(t *testing.T) {
	store, _ := setupTestStore(t)

	var logBuf syncBuffer
	logger := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	maxWALSize := int64(1024)
	stop := store.startWALCheckpointRoutineWithSizeInterval(
		context.Background(), logger, 10*time.Hour, maxWALSize, 25*time.Millisecond)
	defer stop()

	fillPings(t, store, 500)

	walSize, err := store.GetWALSize()
	if err != nil {
		t.Fatalf("GetWALSize failed: %v", err)
	}

	time.Sleep(150 * time.Millisecond)

	if walSize > maxWALSize && !strings.Contains(logBuf.String(), "size-triggered") {
		t.Errorf("Expected size-triggered checkpoint (WAL was %d bytes)", walSize)
	}
}

func TestPerformCheckpoint(t *testing.T) {
	store, _ := setupTestStore(t)
	fillPings(t, store, 10)

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	store.performCheckpoint(logger, "test")

	logs := logBuf.String()
	if !strings.Contains(logs, "WAL checkpoint completed") {
		t.Error("Expected checkpoint completed message in logs")
	}
	if !strings.Contains(logs, "reason=test") {
		t.Error("Expected reason=test in logs")
	}
}

func TestCheckpointWALReducesWALSize(t *testing.T) {
	store, _ := setupTestStore(t)
	fillPings(t, store, 300)

	before, err := store.GetWALSize()
	if err != nil {
		t.Fatalf("GetWALSize failed: %v", err)
	}

	if err := store.CheckpointWAL(context.Background()); err != nil {
		t.Fatalf("CheckpointWAL failed: %v", err)
	}

	after, err := store.GetWALSize()
	if err != nil {
		t.Fatalf("GetWALSize failed: %v", err)
	}
	if after > before {
		t.Errorf("WAL grew after checkpoint: before=%d after=%d", before, after)
	}
}

func TestDBSize(t *testing.T) {
	store, _ := setupTestStore(t)

	size, err := store.DBSize()
	if err != nil {
		t.Fatalf("DBSize failed: %v", err)
	}
	if size <= 0 {
		t.Errorf("Expected positive DB size, got %d", size)
	}
}
