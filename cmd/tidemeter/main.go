package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taniwha3/tidemeter/internal/bus"
	"github.com/taniwha3/tidemeter/internal/config"
	"github.com/taniwha3/tidemeter/internal/features"
	"github.com/taniwha3/tidemeter/internal/health"
	"github.com/taniwha3/tidemeter/internal/identity"
	"github.com/taniwha3/tidemeter/internal/lockfile"
	"github.com/taniwha3/tidemeter/internal/logging"
	"github.com/taniwha3/tidemeter/internal/models"
	"github.com/taniwha3/tidemeter/internal/monitoring"
	"github.com/taniwha3/tidemeter/internal/orchestrator"
	"github.com/taniwha3/tidemeter/internal/platform"
	"github.com/taniwha3/tidemeter/internal/prober"
	"github.com/taniwha3/tidemeter/internal/provider"
	"github.com/taniwha3/tidemeter/internal/provider/legacy"
	"github.com/taniwha3/tidemeter/internal/provider/modern"
	"github.com/taniwha3/tidemeter/internal/storage"
	"github.com/taniwha3/tidemeter/internal/syncer"
	"github.com/taniwha3/tidemeter/internal/uploader"
	"github.com/taniwha3/tidemeter/internal/watchdog"
)

var (
	configPath = flag.String("config", "/etc/tidemeter/config.yaml", "Path to config file")
	version    = flag.Bool("version", false, "Print version and exit")
	runOnce    = flag.Bool("run-once", false, "Run one measurement and one sync pass, then exit")
	appVersion = "dev" // Set by -ldflags during build
)

const (
	storageMonitorInterval = 30 * time.Second
	clockSkewInterval      = 5 * time.Minute
	tokenFileName          = "device.token"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("tidemeter %s\n", appVersion)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg.Logging, os.Stdout)
	logging.SetDefault(logger)

	logger.Info("Starting tidemeter",
		slog.String("device_id", cfg.Device.ID),
		slog.String("version", appVersion),
		slog.String("provider", cfg.Measurement.GetProvider()),
		slog.String("storage_path", cfg.Storage.Path),
		slog.String("api_url", cfg.API.URL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *runOnce); err != nil {
		logger.Error("tidemeter exited with error", slog.Any("error", err))
		stop()
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func newLogger(cfg config.LoggingConfig, out io.Writer) *slog.Logger {
	level := logging.LevelInfo
	if cfg.Level != "" {
		level = logging.Level(cfg.Level)
	}
	format := logging.FormatConsole
	if cfg.Format != "" {
		format = logging.Format(cfg.Format)
	}
	return logging.New(logging.Config{Level: level, Format: format, Output: out})
}

// run holds the store lock for the whole lifetime of the agent
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, once bool) error {
	lockPath := lockfile.PathFor(cfg.Storage.Path)
	lock, err := lockfile.Acquire(lockPath)
	if err != nil {
		return fmt.Errorf("failed to acquire process lock: %w", err)
	}
	defer lock.Release()
	logger.Info("Process lock acquired", slog.String("lock_path", lockPath))

	a, err := newAgent(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if once {
		return a.runOnce(ctx)
	}
	return a.serve(ctx)
}

type agent struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *storage.Store
	metrics *monitoring.Metrics
	checker *health.Checker
	host    *platform.Host
	tokens  *identity.Manager
	bus     *bus.Bus
	orch    *orchestrator.Orchestrator
	prober  *prober.Prober
	syncer  *syncer.Syncer
}

func newAgent(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*agent, error) {
	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	a := &agent{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		metrics: monitoring.NewMetrics(cfg.Device.ID),
		host:    platform.NewHost(cfg.Storage.Path, logger),
		bus:     bus.New(),
	}

	syncInterval, _ := cfg.Sync.Interval()
	a.checker = health.NewChecker(health.ThresholdsFromSyncInterval(syncInterval))

	fingerprint, err := a.host.Fingerprint(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to fingerprint device: %w", err)
	}

	apiTimeout, _ := cfg.API.Timeout()
	httpClient := &http.Client{Timeout: apiTimeout}

	tokenPath := cfg.API.TokenPath
	if tokenPath == "" {
		tokenPath = filepath.Join(cfg.Storage.Path, tokenFileName)
	}
	a.tokens = identity.NewManager(identity.ManagerConfig{
		APIURL:        cfg.API.URL,
		HTTPClient:    httpClient,
		Store:         identity.NewSealedFileStore(tokenPath, fingerprint),
		Fingerprinter: a.host,
		Metrics:       a.metrics,
		Logger:        logger,
	})

	api, err := identity.NewClient(identity.ClientConfig{
		APIURL:     cfg.API.URL,
		Secret:     cfg.API.HMACSecret,
		Tokens:     a.tokens,
		HTTPClient: httpClient,
		Logger:     logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	ids := uploader.DeviceIdentifiers{
		DeviceID: cfg.Device.ID,
		SchoolID: cfg.Device.SchoolID,
		GigaID:   cfg.Device.GroupID,
	}

	var upload orchestrator.Uploader
	if cfg.Measurement.UploadsEnabled() {
		upload = uploader.New(measurementUploaderConfig(cfg, api, ids))
	}

	a.bus.Subscribe(func(ev bus.StatusEvent) {
		if ev.TestStatus == bus.StatusIntervalDownload || ev.TestStatus == bus.StatusIntervalUpload {
			return
		}
		logger.Debug("Measurement status",
			slog.String("status", ev.TestStatus),
			slog.Float64("progress", ev.Progress),
			slog.String("run_id", ev.RunID),
		)
	})
	a.bus.SubscribeHistory(func(ev bus.HistoryChanged) {
		logger.Info("Measurement saved",
			slog.Int64("measurement_id", ev.MeasurementID),
			slog.String("uuid", ev.UUID),
		)
	})

	a.orch = orchestrator.New(orchestrator.Config{
		Provider: newProvider(cfg, logger),
		Store:    store,
		Uploader: upload,
		Device:   a.host,
		Bus:      a.bus,
		Metrics:  a.metrics,
		Version:  appVersion,
		Logger:   logger,
	})

	flagTTL, _ := cfg.Features.TTL()
	flags := features.New(features.Config{
		APIURL:   cfg.API.URL,
		GigaID:   cfg.Device.GroupID,
		Client:   api,
		TTL:      flagTTL,
		Defaults: features.Flags{PingService: cfg.Features.DefaultPingService},
		Logger:   logger,
	})

	probeTimeout, _ := cfg.Prober.Timeout()
	startHour, endHour := cfg.Prober.ActiveWindow()
	a.prober = prober.New(prober.Config{
		URL:        cfg.Prober.URL,
		DeviceID:   cfg.Device.ID,
		Timeout:    probeTimeout,
		StartHour:  startHour,
		EndHour:    endHour,
		Store:      store,
		Online:     a.host,
		Flags:      flags,
		Registered: cfg.Device.Registered,
		Metrics:    a.metrics,
		Logger:     logger,
	})

	retryDelay, _ := cfg.Sync.RetryDelay()
	a.syncer = syncer.New(syncer.Config{
		Store:      store,
		Collector:  uploader.New(syncUploaderConfig(cfg, api, ids)),
		GroupID:    cfg.Device.GroupID,
		BatchSize:  cfg.Sync.GetBatchSize(),
		RetryDelay: retryDelay,
		Retention:  retentionPolicy(cfg.Storage),
		Metrics:    a.metrics,
		Logger:     logger,
	})

	a.checker.UpdateOrchestratorStatus(a.orch.State().String(), time.Time{}, nil)
	return a, nil
}

func (a *agent) close() {
	a.tokens.Stop()
	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close storage", slog.Any("error", err))
	}
}

func newProvider(cfg *config.Config, logger *slog.Logger) provider.Provider {
	if cfg.Measurement.GetProvider() == "modern" {
		return modern.New(modern.Config{
			BaseURL: cfg.Measurement.Modern.BaseURL,
			Scale:   scaleOptions(cfg.Measurement.Modern.Scale),
			Logger:  logger,
		})
	}
	duration, _ := cfg.Measurement.Legacy.Duration()
	return legacy.New(legacy.Config{
		LocateURL: cfg.Measurement.Legacy.LocateURL,
		Duration:  duration,
		UserAgent: "tidemeter/" + appVersion,
		Logger:    logger,
	})
}

// scaleOptions converts the configured budget from decimal megabytes, the unit the plan counts bytes in
func scaleOptions(c config.ScaleConfig) modern.ScaleOptions {
	return modern.ScaleOptions{
		LatencyScale:           c.LatencyScale,
		BytesScale:             c.BytesScale,
		CountScale:             c.CountScale,
		PacketLossScale:        c.PacketLossScale,
		ResponsesWaitTimeScale: c.ResponsesWaitTimeScale,
		BudgetBytes:            int64(c.BudgetMB * 1e6),
		MinBytesPerRequest:     c.MinBytesPerRequest,
		KeepBypassOnSmallSets:  c.KeepBypassOnSmallSets,
		BypassBytesThreshold:   c.BypassBytesThreshold,
	}
}

func retentionPolicy(c config.StorageConfig) storage.RetentionPolicy {
	hard, _ := c.HardRetention()
	synced, _ := c.SyncedRetention()
	return storage.RetentionPolicy{Hard: hard, Synced: synced}
}

// measurementUploaderConfig maps api.retry onto the uploader.
// max_attempts counts the first try, so 3 attempts is 2 retries.
func measurementUploaderConfig(cfg *config.Config, client uploader.Doer, ids uploader.DeviceIdentifiers) uploader.Config {
	uc := uploader.Config{
		APIURL:      cfg.API.URL,
		Identifiers: ids,
		Client:      client,
	}

	r := cfg.API.Retry
	if !r.IsEnabled() {
		zero := 0
		uc.MaxRetries = &zero
		uc.JitterPercent = &zero
		return uc
	}

	retries := max(r.GetMaxAttempts()-1, 0)
	jitter := r.GetJitterPercent()
	uc.MaxRetries = &retries
	uc.JitterPercent = &jitter
	uc.RetryDelay, _ = r.InitialBackoff()
	uc.MaxBackoff, _ = r.MaxBackoff()
	uc.BackoffMultiplier = r.GetBackoffMultiplier()
	return uc
}

// syncUploaderConfig disables uploader retries; the syncer retries each batch itself
func syncUploaderConfig(cfg *config.Config, client uploader.Doer, ids uploader.DeviceIdentifiers) uploader.Config {
	zero := 0
	return uploader.Config{
		APIURL:      cfg.API.URL,
		Identifiers: ids,
		Client:      client,
		Compress:    cfg.Sync.CompressionEnabled(),
		MaxRetries:  &zero,
	}
}

func (a *agent) serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	walInterval, _ := a.cfg.Storage.WALCheckpointInterval()
	walSize := a.cfg.Storage.WALCheckpointSizeBytes()
	stopWAL := a.store.StartWALCheckpointRoutine(ctx, a.logger, walInterval, walSize)
	defer stopWAL()
	a.logger.Info("WAL checkpoint routine configured",
		slog.Duration("interval", walInterval),
		slog.Int64("size_threshold_bytes", walSize),
	)

	if addr := a.cfg.Monitoring.HealthAddress; addr != "" {
		g.Go(func() error {
			a.logger.Info("Starting health server", slog.String("address", addr))
			if err := a.checker.StartHTTPServer(ctx, addr, a.metrics.Handler()); err != nil {
				a.logger.Error("Health server error", slog.Any("error", err))
			}
			return nil
		})
	}

	a.checkIdentity(ctx)

	if a.cfg.Prober.IsEnabled() {
		interval, _ := a.cfg.Prober.Interval()
		a.prober.StartPeriodicChecks(ctx, interval, a.onProbe)
		defer a.prober.Stop()
	}

	syncInterval, _ := a.cfg.Sync.Interval()
	a.syncer.StartPeriodicSync(ctx, syncInterval)
	defer a.syncer.Stop()

	g.Go(func() error {
		a.runMeasurementLoop(ctx)
		return nil
	})
	g.Go(func() error {
		every(ctx, storageMonitorInterval, a.checkStorage)
		return nil
	})
	g.Go(func() error {
		every(ctx, clockSkewInterval, func(ctx context.Context) {
			a.checkClockSkew(ctx)
			a.checkIdentity(ctx)
		})
		return nil
	})

	wd := watchdog.New(watchdog.Config{
		Alive:  a.store.Ping,
		Status: a.status,
		Logger: a.logger,
	})
	g.Go(func() error { return wd.Run(ctx) })
	wd.NotifyReady()

	a.logger.Info("Agent started. Press Ctrl+C to stop.")
	<-ctx.Done()
	a.logger.Info("Shutdown signal received, stopping...")

	return g.Wait()
}

// runOnce measures, pushes everything pending, and returns both outcomes
func (a *agent) runOnce(ctx context.Context) error {
	a.checkIdentity(ctx)
	measureErr := a.measure(ctx, models.NotesManual)
	syncErr := a.syncer.SyncPendingRecords(ctx)
	return errors.Join(measureErr, syncErr)
}

func (a *agent) runMeasurementLoop(ctx context.Context) {
	if a.cfg.Measurement.RunOnStart {
		notes := models.NotesScheduled
		if n, err := a.store.Count(ctx, models.CollectionMeasurements); err == nil && n == 0 {
			notes = models.NotesFirstRun
		}
		a.measure(ctx, notes)
	}

	interval, _ := a.cfg.Measurement.ScheduleInterval()
	if interval == 0 {
		return
	}
	a.logger.Info("Measurement schedule started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.measure(ctx, models.NotesScheduled)
		}
	}
}

func (a *agent) measure(ctx context.Context, notes string) error {
	_, err := a.orch.Run(ctx, notes)
	if errors.Is(err, orchestrator.ErrRunInProgress) {
		a.logger.Warn("Skipping measurement, previous run still active", slog.String("notes", notes))
		return err
	}
	lastRun, lastErr := a.orch.Last()
	a.checker.UpdateOrchestratorStatus(a.orch.State().String(), lastRun, lastErr)
	return err
}

func (a *agent) onProbe(r *models.PingResult) {
	msg := ""
	if r.ErrorMessage != nil {
		msg = *r.ErrorMessage
	}
	a.checker.UpdateProberStatus(r.Timestamp, r.IsConnected, msg)
}

func (a *agent) checkStorage(ctx context.Context) {
	pingErr := a.store.Ping(ctx)
	dbSize, err := a.store.DBSize()
	if err != nil {
		a.logger.Warn("Failed to get database size", slog.Any("error", err))
	}
	walSize, err := a.store.GetWALSize()
	if err != nil {
		a.logger.Warn("Failed to get WAL size", slog.Any("error", err))
	}
	a.checker.UpdateStoreStatus(pingErr, dbSize, walSize)
	a.metrics.UpdateStorageMetrics(dbSize, walSize)

	var pending int64
	for _, c := range []models.Collection{models.CollectionProbes, models.CollectionMeasurements} {
		n, err := a.store.PendingCount(ctx, c)
		if err != nil {
			continue
		}
		a.metrics.SetPending(string(c), n)
		pending += n
	}
	lastSync, syncErr := a.syncer.Last()
	a.checker.UpdateSyncStatus(lastSync, syncErr, pending)
}

func (a *agent) checkClockSkew(ctx context.Context) {
	client := &http.Client{Timeout: 10 * time.Second}
	res, err := monitoring.DetectClockSkew(ctx, client, a.cfg.API.URL)
	if err != nil {
		a.logger.Warn("Clock skew check failed", slog.Any("error", err))
		a.checker.UpdateClockSkewStatus(0, err)
		return
	}
	a.metrics.UpdateClockSkew(res.Skew)
	a.checker.UpdateClockSkewStatus(res.Skew.Milliseconds(), nil)
}

// checkIdentity reports a rejected token as an identity error. An unreachable
// auth endpoint leaves the last status in place.
func (a *agent) checkIdentity(ctx context.Context) {
	_, err := a.tokens.Token(ctx)
	var authErr *identity.AuthError
	if errors.As(err, &authErr) && authErr.StatusCode == 0 {
		a.logger.Warn("Auth endpoint unreachable", slog.Any("error", err))
		return
	}
	a.checker.UpdateIdentityStatus(err)
}

func (a *agent) status() string {
	lastSync, _ := a.syncer.Last()
	synced := "never"
	if !lastSync.IsZero() {
		synced = lastSync.Format(time.RFC3339)
	}
	return fmt.Sprintf("measurement %s, last sync %s", a.orch.State(), synced)
}

// every runs fn immediately, then on each tick until ctx ends
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	fn(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
