package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Status represents the overall health status
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusError    Status = "error"
)

// Component names
const (
	ComponentStore        = "store"
	ComponentSync         = "sync"
	ComponentProber       = "prober"
	ComponentOrchestrator = "orchestrator"
	ComponentIdentity     = "identity"
	ComponentTime         = "time"
)

// ComponentStatus represents the health of a single component
type ComponentStatus struct {
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// HealthReport represents the complete health status of the system
type HealthReport struct {
	Status     Status                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentStatus `json:"components"`
	Uptime     float64                    `json:"uptime_seconds"`
}

// Checker is the main health monitoring service
type Checker struct {
	mu         sync.RWMutex
	components map[string]ComponentStatus
	startTime  time.Time
	thresholds Thresholds
	now        func() time.Time
}

// Thresholds defines health status thresholds
type Thresholds struct {
	// Sync timing thresholds (seconds)
	SyncOKInterval       int `json:"sync_ok_interval"`       // 2x sync interval
	SyncDegradedInterval int `json:"sync_degraded_interval"` // 4x sync interval

	// Pending record thresholds, summed over both collections
	PendingOKLimit    int64 `json:"pending_ok_limit"`
	PendingErrorLimit int64 `json:"pending_error_limit"`

	// WAL size above which the store is degraded
	WALDegradedBytes int64 `json:"wal_degraded_bytes"`

	// Clock skew threshold (milliseconds)
	ClockSkewThresholdMs int64 `json:"clock_skew_threshold_ms"`
}

// DefaultThresholds assumes the default 2h sync interval
func DefaultThresholds() Thresholds {
	return ThresholdsFromSyncInterval(2 * time.Hour)
}

// ThresholdsFromSyncInterval derives sync thresholds from the configured interval
func ThresholdsFromSyncInterval(interval time.Duration) Thresholds {
	sec := max(int(interval.Seconds()), 1)

	return Thresholds{
		SyncOKInterval:       sec * 2,
		SyncDegradedInterval: sec * 4,
		PendingOKLimit:       500,
		PendingErrorLimit:    5000,
		WALDegradedBytes:     64 * 1024 * 1024,
		ClockSkewThresholdMs: 2000,
	}
}

// NewChecker creates a new health checker
func NewChecker(thresholds Thresholds) *Checker {
	return &Checker{
		components: make(map[string]ComponentStatus),
		startTime:  time.Now(),
		thresholds: thresholds,
		now:        time.Now,
	}
}

// UpdateComponent updates the status of a specific component
func (c *Checker) UpdateComponent(name string, status ComponentStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status.Timestamp = c.now()
	c.components[name] = status
}

// UpdateStoreStatus records store reachability and size
func (c *Checker) UpdateStoreStatus(pingErr error, dbSize, walSize int64) {
	status := ComponentStatus{
		Status:  StatusOK,
		Message: "store operational",
		Details: map[string]any{
			"database_size_bytes": dbSize,
			"wal_size_bytes":      walSize,
		},
	}

	switch {
	case pingErr != nil:
		status.Status = StatusError
		status.Message = pingErr.Error()
	case c.thresholds.WALDegradedBytes > 0 && walSize > c.thresholds.WALDegradedBytes:
		status.Status = StatusDegraded
		status.Message = "WAL size exceeds threshold"
	}

	c.UpdateComponent(ComponentStore, status)
}

// UpdateSyncStatus records the outcome of the last sync pass.
// lastSync is the last fully successful pass; zero means none yet.
func (c *Checker) UpdateSyncStatus(lastSync time.Time, lastErr error, pending int64) {
	status := ComponentStatus{
		Details: map[string]any{
			"pending_count": pending,
		},
	}

	since := c.now().Sub(c.startTime).Seconds()
	if !lastSync.IsZero() {
		status.Details["last_sync_time"] = lastSync.Format(time.RFC3339)
		since = c.now().Sub(lastSync).Seconds()
	}
	status.Details["time_since_sync_seconds"] = int64(since)

	switch {
	case pending > c.thresholds.PendingErrorLimit:
		status.Status = StatusError
		status.Message = "pending record count exceeds limit"
	case lastErr != nil:
		status.Status = StatusDegraded
		status.Message = lastErr.Error()
	case since > float64(c.thresholds.SyncDegradedInterval):
		status.Status = StatusDegraded
		status.Message = "no sync within 4× interval threshold"
	case since > float64(c.thresholds.SyncOKInterval) && pending > 0:
		status.Status = StatusDegraded
		status.Message = "no sync within 2× interval threshold"
	case pending > c.thresholds.PendingOKLimit:
		status.Status = StatusDegraded
		status.Message = "elevated pending record count"
	default:
		status.Status = StatusOK
		status.Message = "syncing"
	}

	c.UpdateComponent(ComponentSync, status)
}

// UpdateProberStatus records the latest connectivity probe
func (c *Checker) UpdateProberStatus(at time.Time, connected bool, message string) {
	status := ComponentStatus{
		Status:  StatusOK,
		Message: "connected",
		Details: map[string]any{
			"last_check_time": at.Format(time.RFC3339),
			"connected":       connected,
		},
	}
	if !connected {
		// offline sites degrade, never error
		status.Status = StatusDegraded
		status.Message = message
	}
	c.UpdateComponent(ComponentProber, status)
}

// UpdateOrchestratorStatus records the state of the measurement runner
func (c *Checker) UpdateOrchestratorStatus(state string, lastRun time.Time, lastErr error) {
	status := ComponentStatus{
		Status:  StatusOK,
		Message: state,
		Details: map[string]any{
			"state": state,
		},
	}
	if !lastRun.IsZero() {
		status.Details["last_run_time"] = lastRun.Format(time.RFC3339)
	}
	if lastErr != nil {
		status.Status = StatusDegraded
		status.Message = lastErr.Error()
	}
	c.UpdateComponent(ComponentOrchestrator, status)
}

// UpdateIdentityStatus records whether the device holds a usable token
func (c *Checker) UpdateIdentityStatus(err error) {
	status := ComponentStatus{Status: StatusOK, Message: "authenticated"}
	if err != nil {
		status.Status = StatusError
		status.Message = err.Error()
	}
	c.UpdateComponent(ComponentIdentity, status)
}

// UpdateClockSkewStatus updates the health status of time synchronization
func (c *Checker) UpdateClockSkewStatus(skewMs int64, err error) {
	status := ComponentStatus{
		Details: map[string]any{
			"skew_ms": skewMs,
		},
	}

	threshold := c.thresholds.ClockSkewThresholdMs
	if threshold == 0 {
		threshold = 2000
	}

	if err != nil {
		status.Status = StatusError
		status.Message = err.Error()
	} else if skewMs > threshold || skewMs < -threshold {
		status.Status = StatusDegraded
		status.Message = "clock skew exceeds threshold"
	} else {
		status.Status = StatusOK
		status.Message = "time synchronized"
	}

	c.UpdateComponent(ComponentTime, status)
}

// GetReport generates a complete health report
func (c *Checker) GetReport() HealthReport {
	c.mu.RLock()
	defer c.mu.RUnlock()

	components := make(map[string]ComponentStatus, len(c.components))
	for k, v := range c.components {
		components[k] = v
	}

	return HealthReport{
		Status:     calculateOverallStatus(components),
		Timestamp:  c.now(),
		Components: components,
		Uptime:     c.now().Sub(c.startTime).Seconds(),
	}
}

// critical components make the whole agent unhealthy when they fail
var critical = map[string]bool{
	ComponentStore:    true,
	ComponentIdentity: true,
	ComponentSync:     true,
}

// calculateOverallStatus determines the overall system status from component statuses
func calculateOverallStatus(components map[string]ComponentStatus) Status {
	overall := StatusOK
	for name, component := range components {
		switch component.Status {
		case StatusError:
			if critical[name] {
				return StatusError
			}
			overall = StatusDegraded
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// HTTPHandler creates an HTTP handler for the health endpoint
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.GetReport()

		code := http.StatusOK // degraded still answers 200
		if report.Status == StatusError {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	}
}

// LivenessHandler returns a simple liveness probe (always returns 200 if process is running)
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadinessHandler returns a readiness probe (200 only if status is OK)
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.GetReport()

		if report.Status == StatusOK {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":         "not_ready",
			"message":        "system is not in OK state",
			"current_status": string(report.Status),
		})
	}
}

// Mux serves the health endpoints, plus /metrics when metrics is non-nil
func (c *Checker) Mux(metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", c.HTTPHandler())
	mux.HandleFunc("/health/live", c.LivenessHandler())
	mux.HandleFunc("/health/ready", c.ReadinessHandler())
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}

// StartHTTPServer serves Mux on addr until ctx is cancelled
func (c *Checker) StartHTTPServer(ctx context.Context, addr string, metrics http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           c.Mux(metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}
