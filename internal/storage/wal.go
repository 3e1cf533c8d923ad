package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// defaultSizeCheckInterval is how often WAL size is sampled between periodic checkpoints
const defaultSizeCheckInterval = 30 * time.Second

// StartWALCheckpointRoutine checkpoints both files every interval, and sooner when the
// combined WAL grows past maxWALSize bytes. The returned func stops the routine.
func (s *Store) StartWALCheckpointRoutine(ctx context.Context, logger *slog.Logger, interval time.Duration, maxWALSize int64) func() {
	return s.startWALCheckpointRoutineWithSizeInterval(ctx, logger, interval, maxWALSize, defaultSizeCheckInterval)
}

func (s *Store) startWALCheckpointRoutineWithSizeInterval(
	ctx context.Context,
	logger *slog.Logger,
	interval time.Duration,
	maxWALSize int64,
	sizeCheckInterval time.Duration,
) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		periodic := time.NewTicker(interval)
		defer periodic.Stop()
		sizeCheck := time.NewTicker(sizeCheckInterval)
		defer sizeCheck.Stop()

		logger.Info("WAL checkpoint routine started",
			slog.Duration("interval", interval),
			slog.Int64("max_wal_bytes", maxWALSize),
		)

		for {
			select {
			case <-ctx.Done():
				logger.Info("WAL checkpoint routine stopping")
				return
			case <-periodic.C:
				s.performCheckpoint(logger, "periodic")
			case <-sizeCheck.C:
				size, err := s.GetWALSize()
				if err != nil {
					logger.Warn("Failed to read WAL size", slog.Any("error", err))
					continue
				}
				if maxWALSize > 0 && size > maxWALSize {
					logger.Warn("WAL exceeds size threshold",
						slog.Int64("wal_bytes", size),
						slog.Int64("max_wal_bytes", maxWALSize),
					)
					s.performCheckpoint(logger, "size-triggered")
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (s *Store) performCheckpoint(logger *slog.Logger, reason string) {
	start := time.Now()
	before, _ := s.GetWALSize()

	if err := s.CheckpointWAL(context.Background()); err != nil {
		logger.Error("WAL checkpoint failed", slog.String("reason", reason), slog.Any("error", err))
		return
	}

	after, _ := s.GetWALSize()
	logger.Debug("WAL checkpoint completed",
		slog.String("reason", reason),
		slog.Int64("wal_bytes_before", before),
		slog.Int64("wal_bytes_after", after),
		slog.Duration("duration", time.Since(start)),
	)
}

// CheckpointWAL truncates the WAL of both files
func (s *Store) CheckpointWAL(ctx context.Context) error {
	for name, db := range map[string]*sql.DB{ProbesFile: s.probes, MeasurementsFile: s.measurements} {
		if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			return fault(fmt.Sprintf("checkpoint %s", name), err)
		}
	}
	return nil
}

// GetWALSize returns the combined size of both WAL files; a missing file counts as zero
func (s *Store) GetWALSize() (int64, error) {
	var total int64
	for _, name := range []string{ProbesFile, MeasurementsFile} {
		info, err := os.Stat(filepath.Join(s.dir, name) + "-wal")
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to stat WAL: %w", err)
		}
		total += info.Size()
	}
	return total, nil
}

// DBSize returns the combined size of both database files
func (s *Store) DBSize() (int64, error) {
	var total int64
	for _, db := range []*sql.DB{s.probes, s.measurements} {
		var pages, size int64
		if err := db.QueryRow("PRAGMA page_count").Scan(&pages); err != nil {
			return 0, fmt.Errorf("failed to get page count: %w", err)
		}
		if err := db.QueryRow("PRAGMA page_size").Scan(&size); err != nil {
			return 0, fmt.Errorf("failed to get page size: %w", err)
		}
		total += pages * size
	}
	return total, nil
}
