// Package orchestrator drives one speed test through its lifecycle: provider
// discovery with retry, progress reporting, persistence and the immediate upload.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/taniwha3/tidemeter/internal/bus"
	"github.com/taniwha3/tidemeter/internal/logging"
	"github.com/taniwha3/tidemeter/internal/models"
	"github.com/taniwha3/tidemeter/internal/provider"
)

// ErrRunInProgress is returned by Run while another run is active
var ErrRunInProgress = errors.New("measurement already in progress")

const (
	DefaultMaxRetries    = 3
	DefaultRetryBackoff  = 2 * time.Second
	DefaultPhaseDuration = 10 * time.Second
)

// State is the lifecycle position of the current or last run
type State int

const (
	Idle State = iota
	Discovering
	ServerChosen
	Downloading
	Uploading
	Finalizing
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Discovering:
		return "discovering"
	case ServerChosen:
		return "server_chosen"
	case Downloading:
		return "downloading"
	case Uploading:
		return "uploading"
	case Finalizing:
		return "finalizing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Store persists finished measurements
type Store interface {
	SaveMeasurement(ctx context.Context, m *models.MeasurementRecord) error
	MarkMeasurementUploaded(ctx context.Context, id int64) error
}

// Uploader sends a finished measurement to the collector
type Uploader interface {
	UploadMeasurement(ctx context.Context, m *models.MeasurementRecord) error
}

// DeviceInfoSource describes the host a measurement ran on
type DeviceInfoSource interface {
	DeviceInfo(ctx context.Context) (models.DeviceInfo, error)
}

// Metrics receives run outcomes
type Metrics interface {
	RecordMeasurement(provider string, ok bool, duration time.Duration, download, upload int64)
	RecordMeasurementUpload(ok bool)
}

// Config wires the orchestrator's collaborators
type Config struct {
	Provider      provider.Provider
	Store         Store
	Uploader      Uploader // nil disables the immediate upload
	Device        DeviceInfoSource
	Bus           *bus.Bus
	Metrics       Metrics
	Version       string
	MaxRetries    int
	RetryBackoff  time.Duration
	PhaseDuration time.Duration // expected length of one transfer direction
	Logger        *slog.Logger
}

// Orchestrator runs measurements one at a time
type Orchestrator struct {
	cfg     Config
	logger  *slog.Logger
	running atomic.Bool

	mu      sync.RWMutex
	state   State
	lastErr error
	lastRun time.Time
}

// New creates an orchestrator, filling unset retry and timing fields with defaults
func New(cfg Config) *Orchestrator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.PhaseDuration <= 0 {
		cfg.PhaseDuration = DefaultPhaseDuration
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New()
	}
	return &Orchestrator{
		cfg:    cfg,
		logger: logging.Component(cfg.Logger, "orchestrator"),
	}
}

// State returns the current lifecycle state
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Last returns the finish time and error of the most recent run
func (o *Orchestrator) Last() (time.Time, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastRun, o.lastErr
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) finish(s State, err error) {
	o.mu.Lock()
	o.state = s
	o.lastErr = err
	o.lastRun = time.Now()
	o.mu.Unlock()
}

// Run performs one measurement tagged with notes and returns the saved record.
// Discovery failures are retried; other failures end the run without a record.
func (o *Orchestrator) Run(ctx context.Context, notes string) (*models.MeasurementRecord, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer o.running.Store(false)

	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	logger := o.logger.With(slog.String("run_id", runID))
	name := o.cfg.Provider.Name()

	r := &run{o: o, id: runID, provider: name}
	rec := models.NewMeasurementRecord(name, notes, o.cfg.Version)
	started := time.Now()

	o.setState(Idle)
	r.publish(bus.StatusOnStart, nil)
	logger.Info("Measurement started", slog.String("provider", string(name)), slog.String("notes", rec.Notes))

	var outcome *provider.Outcome
	for attempt := 0; ; attempt++ {
		var err error
		outcome, err = o.cfg.Provider.Run(ctx, r.callbacks(rec))
		if err == nil {
			break
		}

		if provider.IsDiscovery(err) && attempt < o.cfg.MaxRetries && ctx.Err() == nil {
			next := attempt + 1
			logging.LogRetry(logger, next, o.cfg.RetryBackoff.Milliseconds(), err)
			r.publish(bus.StatusRetrying, map[string]any{"attempt": next, "maxRetries": o.cfg.MaxRetries})

			select {
			case <-time.After(o.cfg.RetryBackoff):
				continue
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		return nil, o.fail(r, logger, err)
	}

	o.setState(Finalizing)
	rec.Results = outcome.Results
	rec.DataUsage = outcome.DataUsage
	rec.UUID = outcome.UUID
	rec.ServerInfo = outcome.Server
	if o.cfg.Device != nil {
		info, err := o.cfg.Device.DeviceInfo(ctx)
		if err != nil {
			logger.Warn("Device info unavailable", slog.Any("error", err))
		}
		rec.Device = info
	}

	if err := o.cfg.Store.SaveMeasurement(ctx, rec); err != nil {
		return nil, o.fail(r, logger, fmt.Errorf("failed to save measurement: %w", err))
	}
	o.cfg.Bus.PublishHistory(bus.HistoryChanged{MeasurementID: rec.ID, UUID: rec.UUID})

	if o.cfg.Uploader != nil {
		o.upload(ctx, logger, rec)
	}

	o.finish(Completed, nil)
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RecordMeasurement(string(name), true, time.Since(started), rec.DataUsage.Download, rec.DataUsage.Upload)
	}
	r.advance(1)
	r.publish(bus.StatusComplete, map[string]any{
		"uuid":      rec.UUID,
		"dataUsage": rec.DataUsage,
		"uploaded":  rec.Uploaded,
	})
	logger.Info("Measurement completed",
		slog.String("uuid", rec.UUID),
		slog.Int64("id", rec.ID),
		slog.Int64("data_total_bytes", rec.DataUsage.Total),
		slog.Bool("uploaded", rec.Uploaded),
	)
	return rec, nil
}

// upload sends rec right away. Failure leaves it for the sync engine.
func (o *Orchestrator) upload(ctx context.Context, logger *slog.Logger, rec *models.MeasurementRecord) {
	err := o.cfg.Uploader.UploadMeasurement(ctx, rec)
	if err == nil {
		err = o.cfg.Store.MarkMeasurementUploaded(ctx, rec.ID)
		if err == nil {
			rec.Uploaded = true
			rec.Synced = true
		}
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RecordMeasurementUpload(err == nil)
	}
	if err != nil {
		logging.LogUploadError(logger, rec.UUID, string(rec.Provider), 1, err)
		return
	}
	logging.LogUpload(logger, rec.UUID, string(rec.Provider), 1, 0, 0)
}

func (o *Orchestrator) fail(r *run, logger *slog.Logger, err error) error {
	errorType := bus.ErrorTypeTest
	if provider.IsDiscovery(err) {
		errorType = bus.ErrorTypeLocateServer
	}

	o.finish(Failed, err)
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RecordMeasurement(string(r.provider), false, 0, 0, 0)
	}
	r.publish(bus.StatusError, map[string]any{"errorType": errorType, "error": err.Error()})
	logger.Error("Measurement failed", slog.String("error_type", errorType), slog.Any("error", err))
	return err
}

// run carries per-run progress so it never moves backwards across phases or retries
type run struct {
	o        *Orchestrator
	id       string
	provider models.Provider

	mu       sync.Mutex
	progress float64
}

func (r *run) advance(p float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = max(r.progress, min(p, 1))
	return r.progress
}

func (r *run) current() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

func (r *run) publish(status string, payload map[string]any) {
	r.o.cfg.Bus.PublishStatus(bus.StatusEvent{
		TestStatus: status,
		Progress:   r.current(),
		Provider:   r.provider,
		RunID:      r.id,
		Payload:    payload,
	})
}

// phase maps elapsed time within a direction onto half of the progress range
func (r *run) phase(base float64, elapsed time.Duration) float64 {
	frac := elapsed.Seconds() / (2 * r.o.cfg.PhaseDuration.Seconds())
	return r.advance(base + min(frac, 0.5))
}

func (r *run) callbacks(rec *models.MeasurementRecord) provider.Callbacks {
	return provider.Callbacks{
		ServerDiscovery: func() {
			r.o.setState(Discovering)
			r.publish(bus.StatusServerDiscovery, nil)
		},
		ServerChosen: func(s models.ServerInfo) {
			rec.ServerInfo = s
			r.o.setState(ServerChosen)
			r.publish(bus.StatusServerChosen, map[string]any{"server": s})
		},
		DownloadMeasurement: func(m provider.Measurement) {
			r.o.setState(Downloading)
			r.phase(0, m.Elapsed)
			r.publish(bus.StatusIntervalDownload, measurementPayload(m))
		},
		DownloadComplete: func(s provider.Summary) {
			r.advance(0.5)
			r.publish(bus.StatusDownloadComplete, map[string]any{"mbps": s.Mbps, "bytes": s.Bytes})
		},
		UploadMeasurement: func(m provider.Measurement) {
			r.o.setState(Uploading)
			r.phase(0.5, m.Elapsed)
			r.publish(bus.StatusIntervalUpload, measurementPayload(m))
		},
		UploadComplete: func(s provider.Summary) {
			r.advance(1)
			r.publish(bus.StatusUploadComplete, map[string]any{"mbps": s.Mbps, "bytes": s.Bytes})
		},
	}
}

func measurementPayload(m provider.Measurement) map[string]any {
	p := map[string]any{
		"mbps":      m.Mbps,
		"bytes":     m.Bytes,
		"elapsedMs": m.Elapsed.Milliseconds(),
	}
	if m.Raw != nil {
		p["raw"] = m.Raw
	}
	return p
}
