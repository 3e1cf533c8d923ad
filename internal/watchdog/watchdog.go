// Package watchdog keeps the systemd watchdog fed while the agent is alive.
package watchdog

import (
	"context"
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/taniwha3/tidemeter/internal/logging"
)

// Config configures a Pinger
type Config struct {
	// Alive gates each keepalive. A failing check withholds the ping so
	// systemd restarts a wedged agent. Nil means always alive.
	Alive func(ctx context.Context) error
	// Status, when set, is published as the unit's STATUS= line on each tick
	Status func() string
	Logger *slog.Logger
}

// Pinger sends periodic keepalive notifications to the systemd watchdog
type Pinger struct {
	cfg      Config
	enabled  bool
	interval time.Duration
	logger   *slog.Logger
	notify   func(state string) (bool, error)
}

// New creates a pinger. It is disabled unless systemd armed a watchdog for this process.
func New(cfg Config) *Pinger {
	logger := logging.Component(cfg.Logger, "watchdog")
	p := &Pinger{cfg: cfg, logger: logger, notify: sdNotify}

	timeout, err := daemon.SdWatchdogEnabled(false)
	if err != nil || timeout == 0 {
		logger.Info("systemd watchdog not enabled, skipping watchdog notifications")
		return p
	}

	// ping at half the timeout
	p.enabled = true
	p.interval = timeout / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_timeout", timeout),
		slog.Duration("ping_interval", p.interval),
	)
	return p
}

func sdNotify(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}

// Run pings until ctx is cancelled, then reports stopping. It always returns nil.
// Without an armed watchdog it only waits for cancellation.
func (p *Pinger) Run(ctx context.Context) error {
	if !p.enabled {
		<-ctx.Done()
		p.send(daemon.SdNotifyStopping)
		return nil
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.send(daemon.SdNotifyStopping)
			p.logger.Info("watchdog pinger stopped")
			return nil
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Pinger) tick(ctx context.Context) {
	if p.cfg.Alive != nil {
		checkCtx, cancel := context.WithTimeout(ctx, p.interval/2)
		err := p.cfg.Alive(checkCtx)
		cancel()
		if err != nil {
			p.logger.Error("Liveness check failed, withholding watchdog ping", slog.Any("error", err))
			return
		}
	}
	if p.cfg.Status != nil {
		p.send("STATUS=" + p.cfg.Status())
	}
	p.send(daemon.SdNotifyWatchdog)
}

func (p *Pinger) send(state string) {
	sent, err := p.notify(state)
	if err != nil {
		p.logger.Error("failed to notify systemd", slog.String("state", state), slog.Any("error", err))
	} else if sent {
		p.logger.Debug("systemd notified", slog.String("state", state))
	}
}

// NotifyReady tells systemd initialization is complete. Type=notify units need
// it even when no watchdog is armed; outside systemd it is a no-op.
func (p *Pinger) NotifyReady() {
	p.send(daemon.SdNotifyReady)
}

// Enabled reports whether systemd armed a watchdog
func (p *Pinger) Enabled() bool {
	return p.enabled
}

// Interval returns the ping interval
func (p *Pinger) Interval() time.Duration {
	return p.interval
}
