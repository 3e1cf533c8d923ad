// Package prober runs the periodic low-cost connectivity check.
package prober

import (
	"context"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/taniwha3/tidemeter/internal/logging"
	"github.com/taniwha3/tidemeter/internal/models"
	"github.com/taniwha3/tidemeter/internal/monitoring"
)

const (
	DefaultTimeout   = 5 * time.Second
	DefaultStartHour = 8
	DefaultEndHour   = 20

	// OfflineMessage is recorded when the platform reports no usable network
	OfflineMessage = "platform reports offline"
)

// Store persists probe results
type Store interface {
	SavePing(ctx context.Context, p *models.PingResult) error
}

// OnlineChecker reports the platform's own view of connectivity
type OnlineChecker interface {
	Online(ctx context.Context) bool
}

// FlagSource reports whether the ping service is enabled for this device
type FlagSource interface {
	PingServiceEnabled(ctx context.Context) bool
}

// Metrics receives probe outcomes
type Metrics interface {
	RecordProbe(connected bool, latencyMs float64)
	UpdateClockSkew(skew time.Duration)
}

// Config configures a Prober
type Config struct {
	URL        string
	DeviceID   string
	Timeout    time.Duration
	StartHour  int // inclusive, local time
	EndHour    int // exclusive
	HTTPClient *http.Client
	Store      Store
	Online     OnlineChecker // nil means always online
	Flags      FlagSource    // nil means enabled
	Registered func() bool   // nil means registered
	Now        func() time.Time
	Metrics    Metrics
	Logger     *slog.Logger
}

// Prober performs connectivity checks inside an active window
type Prober struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	last   *models.PingResult
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a prober. A zero window means the default 8..20.
func New(cfg Config) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.StartHour == 0 && cfg.EndHour == 0 {
		cfg.StartHour, cfg.EndHour = DefaultStartHour, DefaultEndHour
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Prober{cfg: cfg, logger: logging.Component(cfg.Logger, "prober")}
}

// InWindow reports whether t falls inside [StartHour, EndHour) local time
func (p *Prober) InWindow(t time.Time) bool {
	h := t.Hour()
	return h >= p.cfg.StartHour && h < p.cfg.EndHour
}

// Last returns the most recent result, or nil
func (p *Prober) Last() *models.PingResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// PerformCheck runs one check and persists it. Outside the active window it returns nil, nil.
// Network failures are recorded in the result; the error is only a storage failure.
func (p *Prober) PerformCheck(ctx context.Context) (*models.PingResult, error) {
	now := p.cfg.Now()
	if !p.InWindow(now) {
		p.logger.Debug("Outside active window, skipping check", slog.Int("hour", now.Hour()))
		return nil, nil
	}

	result := models.NewPingResult(p.cfg.DeviceID, now)

	if p.cfg.Online != nil && !p.cfg.Online.Online(ctx) {
		result.WithError(OfflineMessage)
	} else {
		p.probe(ctx, result)
	}

	if err := p.cfg.Store.SavePing(ctx, result); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.last = result
	p.mu.Unlock()

	if p.cfg.Metrics != nil {
		var latency float64
		if result.LatencyMs != nil {
			latency = *result.LatencyMs
		}
		p.cfg.Metrics.RecordProbe(result.IsConnected, latency)
	}

	attrs := []any{slog.Bool("connected", result.IsConnected)}
	if result.LatencyMs != nil {
		attrs = append(attrs, slog.Float64("latency_ms", *result.LatencyMs))
	}
	if result.ErrorMessage != nil {
		attrs = append(attrs, slog.String("error", *result.ErrorMessage))
	}
	p.logger.Info("Connectivity check recorded", attrs...)

	return result, nil
}

// probe issues the bounded request and fills result
func (p *Prober) probe(ctx context.Context, result *models.PingResult) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		result.WithError(err.Error())
		return
	}
	req.Header.Set("Cache-Control", "no-cache")

	start := time.Now()
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		result.WithError(err.Error())
		return
	}
	elapsed := time.Since(start)
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	resp.Body.Close()

	result.WithLatency(math.Round(float64(elapsed.Microseconds())/10) / 100)

	if p.cfg.Metrics != nil {
		if skew, err := monitoring.SkewFromResponse(resp, start, start.Add(elapsed)); err == nil {
			p.cfg.Metrics.UpdateClockSkew(skew.Skew)
		}
	}
}

// enabled checks the per-tick preconditions
func (p *Prober) enabled(ctx context.Context) bool {
	if p.cfg.Registered != nil && !p.cfg.Registered() {
		return false
	}
	if p.cfg.Flags != nil && !p.cfg.Flags.PingServiceEnabled(ctx) {
		return false
	}
	return true
}

// StartPeriodicChecks runs a check every interval until Stop or ctx ends.
// Calling it again replaces the previous schedule.
func (p *Prober) StartPeriodicChecks(ctx context.Context, interval time.Duration, onResult func(*models.PingResult)) {
	p.Stop()

	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		p.logger.Info("Periodic connectivity checks started", slog.Duration("interval", interval))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// Checks run off the ticker goroutine so a slow one never delays the next tick
				p.wg.Add(1)
				go func() {
					defer p.wg.Done()
					p.tick(ctx, onResult)
				}()
			}
		}
	}()
}

func (p *Prober) tick(ctx context.Context, onResult func(*models.PingResult)) {
	if !p.enabled(ctx) {
		return
	}
	result, err := p.PerformCheck(ctx)
	if err != nil {
		p.logger.Error("Failed to record connectivity check", slog.Any("error", err))
		return
	}
	if result != nil && onResult != nil {
		onResult(result)
	}
}

// Stop cancels the schedule and waits for in-flight checks
func (p *Prober) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}
