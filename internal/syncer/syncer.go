// Package syncer reconciles unsynced probe results and measurements with the collector.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/taniwha3/tidemeter/internal/logging"
	"github.com/taniwha3/tidemeter/internal/models"
	"github.com/taniwha3/tidemeter/internal/storage"
	"github.com/taniwha3/tidemeter/internal/uploader"
)

const (
	DefaultBatchSize  = 5
	DefaultRetryDelay = 2 * time.Second
	DefaultInterval   = 2 * time.Hour
)

// BatchError is a batch that failed twice. That batch and every later one stay unsynced.
type BatchError struct {
	Collection models.Collection
	Index      int
	Size       int
	Err        error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("sync %s batch %d (%d records) failed: %v", e.Collection, e.Index, e.Size, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// Store is the slice of the durable store the syncer reads and marks
type Store interface {
	PingsByStatus(ctx context.Context, status models.SyncStatus, limit int) ([]*models.PingResult, error)
	MeasurementsByStatus(ctx context.Context, status models.SyncStatus, limit int) ([]*models.MeasurementRecord, error)
	MarkPingsSynced(ctx context.Context, ids []int64) (int64, error)
	MarkMeasurementsSynced(ctx context.Context, ids []int64) (int64, error)
	EvictExpired(ctx context.Context, c models.Collection, policy storage.RetentionPolicy, now time.Time) (int64, error)
	PendingCount(ctx context.Context, c models.Collection) (int64, error)
}

// Collector is the remote side of a sync
type Collector interface {
	PostConnectivityBatch(ctx context.Context, groupID string, pings []*models.PingResult) error
	PostMeasurementBatch(ctx context.Context, ms []*models.MeasurementRecord) error
	UploadMeasurement(ctx context.Context, m *models.MeasurementRecord) error
}

// Metrics receives sync outcomes
type Metrics interface {
	RecordSyncBatch(collection string, ok bool, records int)
	RecordSyncPass(duration time.Duration, ok bool, at time.Time)
	SetPending(collection string, n int64)
}

// Config configures a Syncer
type Config struct {
	Store      Store
	Collector  Collector
	GroupID    string
	BatchSize  int
	RetryDelay time.Duration
	Retention  storage.RetentionPolicy
	Now        func() time.Time
	Metrics    Metrics
	Logger     *slog.Logger
}

// Syncer pushes unsynced rows in batches and marks them synced on success
type Syncer struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	lastSync time.Time
	lastErr  error
}

// New creates a Syncer
func New(cfg Config) *Syncer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Retention == (storage.RetentionPolicy{}) {
		cfg.Retention = storage.DefaultRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Syncer{cfg: cfg, logger: logging.Component(cfg.Logger, "syncer")}
}

// Last returns the time of the last fully successful pass and the last pass error
func (s *Syncer) Last() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync, s.lastErr
}

// SyncPendingRecords pushes every unsynced probe result and measurement.
// Probes go first; a probe failure does not stop measurements from being attempted.
// Rows already marked synced are never sent again.
func (s *Syncer) SyncPendingRecords(ctx context.Context) error {
	start := time.Now()

	pings, err := s.cfg.Store.PingsByStatus(ctx, models.StatusPending, 0)
	if err != nil {
		return fmt.Errorf("failed to query unsynced probes: %w", err)
	}
	measurements, err := s.cfg.Store.MeasurementsByStatus(ctx, models.StatusPending, 0)
	if err != nil {
		return fmt.Errorf("failed to query unsynced measurements: %w", err)
	}

	if len(pings) == 0 && len(measurements) == 0 {
		s.finish(ctx, start, nil)
		return nil
	}

	s.logger.Info("Sync started",
		slog.Int("probes", len(pings)),
		slog.Int("measurements", len(measurements)),
	)

	probeErr := s.syncProbes(ctx, pings)
	measurementErr := s.syncMeasurements(ctx, measurements)
	err = errors.Join(probeErr, measurementErr)

	if err == nil {
		s.evict(ctx)
	}
	s.finish(ctx, start, err)
	return err
}

func (s *Syncer) finish(ctx context.Context, start time.Time, err error) {
	now := s.cfg.Now()
	s.mu.Lock()
	s.lastErr = err
	if err == nil {
		s.lastSync = now
	}
	s.mu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordSyncPass(time.Since(start), err == nil, now)
		for _, c := range []models.Collection{models.CollectionProbes, models.CollectionMeasurements} {
			if n, perr := s.cfg.Store.PendingCount(context.WithoutCancel(ctx), c); perr == nil {
				s.cfg.Metrics.SetPending(string(c), n)
			}
		}
	}

	if err != nil {
		s.logger.Error("Sync failed", slog.Any("error", err))
		return
	}
	s.logger.Debug("Sync completed", slog.Int64("duration_ms", time.Since(start).Milliseconds()))
}

func (s *Syncer) syncProbes(ctx context.Context, pings []*models.PingResult) error {
	return eachBatch(pings, s.cfg.BatchSize, func(i int, batch []*models.PingResult) error {
		return s.batch(ctx, models.CollectionProbes, i, len(batch),
			func() error { return s.cfg.Collector.PostConnectivityBatch(ctx, s.cfg.GroupID, batch) },
			func() error {
				_, err := s.cfg.Store.MarkPingsSynced(ctx, pingIDs(batch))
				return err
			},
		)
	})
}

func (s *Syncer) syncMeasurements(ctx context.Context, ms []*models.MeasurementRecord) error {
	return eachBatch(ms, s.cfg.BatchSize, func(i int, batch []*models.MeasurementRecord) error {
		return s.batch(ctx, models.CollectionMeasurements, i, len(batch),
			func() error { return s.postMeasurements(ctx, batch) },
			func() error {
				_, err := s.cfg.Store.MarkMeasurementsSynced(ctx, measurementIDs(batch))
				return err
			},
		)
	})
}

// postMeasurements uses the batch endpoint and falls back to one request per
// record when the collector does not have it
func (s *Syncer) postMeasurements(ctx context.Context, batch []*models.MeasurementRecord) error {
	err := s.cfg.Collector.PostMeasurementBatch(ctx, batch)
	switch uploader.StatusCode(err) {
	case http.StatusNotFound, http.StatusMethodNotAllowed:
	default:
		return err
	}

	s.logger.Debug("Batch endpoint unavailable, uploading individually", slog.Int("count", len(batch)))
	for _, m := range batch {
		if err := s.cfg.Collector.UploadMeasurement(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// batch posts once, waits RetryDelay and retries once, then marks on success
func (s *Syncer) batch(ctx context.Context, c models.Collection, index, size int, post, mark func() error) error {
	start := time.Now()

	err := post()
	if err != nil {
		logging.LogRetry(s.logger, 1, s.cfg.RetryDelay.Milliseconds(), err)
		select {
		case <-time.After(s.cfg.RetryDelay):
		case <-ctx.Done():
			return &BatchError{Collection: c, Index: index, Size: size, Err: ctx.Err()}
		}
		err = post()
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordSyncBatch(string(c), err == nil, size)
	}
	if err != nil {
		logging.LogSyncBatchError(s.logger, string(c), index, size, err)
		return &BatchError{Collection: c, Index: index, Size: size, Err: err}
	}

	if err := mark(); err != nil {
		// rows were accepted remotely; they are resent next pass and the collector dedupes them
		return &BatchError{Collection: c, Index: index, Size: size, Err: err}
	}

	logging.LogSyncBatch(s.logger, string(c), index, size, time.Since(start).Milliseconds())
	return nil
}

func (s *Syncer) evict(ctx context.Context) {
	now := s.cfg.Now()
	for _, c := range []models.Collection{models.CollectionProbes, models.CollectionMeasurements} {
		n, err := s.cfg.Store.EvictExpired(ctx, c, s.cfg.Retention, now)
		if err != nil {
			s.logger.Warn("Retention eviction failed", slog.String("collection", string(c)), slog.Any("error", err))
			continue
		}
		if n > 0 {
			s.logger.Info("Evicted expired records", slog.String("collection", string(c)), slog.Int64("count", n))
		}
	}
}

// eachBatch calls fn for consecutive slices of size n and stops at the first error
func eachBatch[T any](items []T, n int, fn func(index int, batch []T) error) error {
	for i := 0; i*n < len(items); i++ {
		end := min((i+1)*n, len(items))
		if err := fn(i, items[i*n:end]); err != nil {
			return err
		}
	}
	return nil
}

func pingIDs(ps []*models.PingResult) []int64 {
	ids := make([]int64, len(ps))
	for i, p := range ps {
		ids[i] = p.ID
	}
	return ids
}

func measurementIDs(ms []*models.MeasurementRecord) []int64 {
	ids := make([]int64, len(ms))
	for i, m := range ms {
		ids[i] = m.ID
	}
	return ids
}

// StartPeriodicSync runs SyncPendingRecords every interval until ctx ends or Stop is called.
// A pass that outlasts the interval does not delay the next tick.
func (s *Syncer) StartPeriodicSync(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	s.logger.Info("Periodic sync started", slog.Duration("interval", interval))

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var wg sync.WaitGroup
		defer wg.Wait()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = s.SyncPendingRecords(ctx)
				}()
			}
		}
	}()
}

// Stop ends periodic sync and waits for in-flight passes
func (s *Syncer) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
