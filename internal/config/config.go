package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the agent configuration
type Config struct {
	Device      DeviceConfig      `yaml:"device"`
	Storage     StorageConfig     `yaml:"storage"`
	API         APIConfig         `yaml:"api"`
	Measurement MeasurementConfig `yaml:"measurement"`
	Prober      ProberConfig      `yaml:"prober"`
	Sync        SyncConfig        `yaml:"sync"`
	Features    FeaturesConfig    `yaml:"features"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// DeviceConfig identifies the device and the site it is registered to
type DeviceConfig struct {
	ID       string `yaml:"id"`
	GroupID  string `yaml:"group_id"`  // registration group the collector files records under
	SchoolID string `yaml:"school_id"` // empty until the device is registered
}

// Registered reports whether the device has been assigned to a site
func (d *DeviceConfig) Registered() bool {
	return d.SchoolID != "" && d.GroupID != ""
}

// StorageConfig contains local storage settings
type StorageConfig struct {
	Path                     string `yaml:"path"`                    // directory holding probes.db and measurements.db
	WALCheckpointIntervalStr string `yaml:"wal_checkpoint_interval"` // default: 1h
	WALCheckpointSizeMB      int    `yaml:"wal_checkpoint_size_mb"`  // default: 16
	HardRetentionStr         string `yaml:"hard_retention"`          // default: 720h
	SyncedRetentionStr       string `yaml:"synced_retention"`        // default: 72h
}

// WALCheckpointInterval returns the periodic checkpoint interval
func (s *StorageConfig) WALCheckpointInterval() (time.Duration, error) {
	return positiveDuration("storage.wal_checkpoint_interval", s.WALCheckpointIntervalStr, time.Hour)
}

// WALCheckpointSizeBytes returns the checkpoint size threshold in bytes
func (s *StorageConfig) WALCheckpointSizeBytes() int64 {
	if s.WALCheckpointSizeMB <= 0 {
		return 16 * 1024 * 1024
	}
	return int64(s.WALCheckpointSizeMB) * 1024 * 1024
}

// HardRetention is the age after which any record is deleted
func (s *StorageConfig) HardRetention() (time.Duration, error) {
	return positiveDuration("storage.hard_retention", s.HardRetentionStr, 30*24*time.Hour)
}

// SyncedRetention is the age after which a synced record is deleted
func (s *StorageConfig) SyncedRetention() (time.Duration, error) {
	return positiveDuration("storage.synced_retention", s.SyncedRetentionStr, 3*24*time.Hour)
}

// RetryConfig contains retry settings for measurement uploads
type RetryConfig struct {
	Enabled           *bool   `yaml:"enabled"` // nil means default (enabled)
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialBackoffStr string  `yaml:"initial_backoff"`
	MaxBackoffStr     string  `yaml:"max_backoff"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	JitterPercent     *int    `yaml:"jitter_percent"` // nil means default (20)
}

// IsEnabled reports whether retries are on; unset means on
func (r *RetryConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// GetMaxAttempts returns the attempt cap, default 3
func (r *RetryConfig) GetMaxAttempts() int {
	if r.MaxAttempts <= 0 {
		return 3
	}
	return r.MaxAttempts
}

// InitialBackoff returns the first retry delay, default 1s
func (r *RetryConfig) InitialBackoff() (time.Duration, error) {
	return positiveDuration("api.retry.initial_backoff", r.InitialBackoffStr, time.Second)
}

// MaxBackoff returns the retry delay cap, default 30s
func (r *RetryConfig) MaxBackoff() (time.Duration, error) {
	return positiveDuration("api.retry.max_backoff", r.MaxBackoffStr, 30*time.Second)
}

// GetBackoffMultiplier returns the exponential factor, default 2
func (r *RetryConfig) GetBackoffMultiplier() float64 {
	if r.BackoffMultiplier == 0 {
		return 2.0
	}
	return r.BackoffMultiplier
}

// GetJitterPercent returns the jitter percentage, default 20
func (r *RetryConfig) GetJitterPercent() int {
	if r.JitterPercent == nil {
		return 20
	}
	return *r.JitterPercent
}

// APIConfig contains the remote collector settings
type APIConfig struct {
	URL            string      `yaml:"url"`
	HMACSecret     string      `yaml:"hmac_secret"`      // inline signing secret
	HMACSecretFile string      `yaml:"hmac_secret_file"` // path to a file holding the secret
	TokenPath      string      `yaml:"token_path"`       // sealed token file, default <storage.path>/device.token
	TimeoutStr     string      `yaml:"timeout"`          // per-request timeout, default 30s
	Retry          RetryConfig `yaml:"retry"`
}

// Timeout returns the per-request HTTP timeout
func (a *APIConfig) Timeout() (time.Duration, error) {
	return positiveDuration("api.timeout", a.TimeoutStr, 30*time.Second)
}

// LegacyConfig configures the ndt7 provider
type LegacyConfig struct {
	LocateURL   string `yaml:"locate_url"`
	DurationStr string `yaml:"duration"` // per direction, default 10s
}

// Duration returns the per-direction transfer duration
func (l *LegacyConfig) Duration() (time.Duration, error) {
	return positiveDuration("measurement.legacy.duration", l.DurationStr, 10*time.Second)
}

// ScaleConfig scales the modern provider's default measurement plan. Zero fields keep defaults.
type ScaleConfig struct {
	LatencyScale           float64 `yaml:"latency_scale"`
	BytesScale             float64 `yaml:"bytes_scale"`
	CountScale             float64 `yaml:"count_scale"`
	PacketLossScale        float64 `yaml:"packet_loss_scale"`
	ResponsesWaitTimeScale float64 `yaml:"responses_wait_time_scale"`
	BudgetMB               float64 `yaml:"budget_mb"`
	MinBytesPerRequest     int64   `yaml:"min_bytes_per_request"`
	KeepBypassOnSmallSets  *bool   `yaml:"keep_bypass_on_small_sets"`
	BypassBytesThreshold   int64   `yaml:"bypass_bytes_threshold"`
}

// ModernConfig configures the multi-metric HTTP provider
type ModernConfig struct {
	BaseURL string      `yaml:"base_url"`
	Scale   ScaleConfig `yaml:"scale"`
}

// MeasurementConfig controls speed test runs
type MeasurementConfig struct {
	Provider            string       `yaml:"provider"`       // legacy or modern, default legacy
	UploadEnabled       *bool        `yaml:"upload_enabled"` // nil means enabled
	ScheduleIntervalStr string       `yaml:"schedule_interval"`
	RunOnStart          bool         `yaml:"run_on_start"`
	Legacy              LegacyConfig `yaml:"legacy"`
	Modern              ModernConfig `yaml:"modern"`
}

// GetProvider returns the configured provider tag
func (m *MeasurementConfig) GetProvider() string {
	if m.Provider == "" {
		return "legacy"
	}
	return strings.ToLower(m.Provider)
}

// UploadsEnabled reports whether completed measurements are posted immediately
func (m *MeasurementConfig) UploadsEnabled() bool {
	return m.UploadEnabled == nil || *m.UploadEnabled
}

// ScheduleInterval returns the scheduled run interval; zero disables scheduling
func (m *MeasurementConfig) ScheduleInterval() (time.Duration, error) {
	if m.ScheduleIntervalStr == "" {
		return 0, nil
	}
	return positiveDuration("measurement.schedule_interval", m.ScheduleIntervalStr, 0)
}

// ProberConfig controls the connectivity prober
type ProberConfig struct {
	Enabled         *bool  `yaml:"enabled"` // nil means enabled
	URL             string `yaml:"url"`
	IntervalStr     string `yaml:"interval"` // default 15m
	TimeoutStr      string `yaml:"timeout"`  // default 5s
	ActiveStartHour *int   `yaml:"active_start_hour"`
	ActiveEndHour   *int   `yaml:"active_end_hour"`
}

// IsEnabled reports whether the prober runs
func (p *ProberConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Interval returns the tick interval
func (p *ProberConfig) Interval() (time.Duration, error) {
	return positiveDuration("prober.interval", p.IntervalStr, 15*time.Minute)
}

// Timeout returns the per-probe request timeout
func (p *ProberConfig) Timeout() (time.Duration, error) {
	return positiveDuration("prober.timeout", p.TimeoutStr, 5*time.Second)
}

// ActiveWindow returns the [start, end) local hours in which probes run, default 8..20
func (p *ProberConfig) ActiveWindow() (start, end int) {
	start, end = 8, 20
	if p.ActiveStartHour != nil {
		start = *p.ActiveStartHour
	}
	if p.ActiveEndHour != nil {
		end = *p.ActiveEndHour
	}
	return start, end
}

// SyncConfig controls reconciliation with the collector
type SyncConfig struct {
	IntervalStr   string `yaml:"interval"`    // default 2h
	RetryDelayStr string `yaml:"retry_delay"` // default 2s
	BatchSize     int    `yaml:"batch_size"`  // default 5
	Compress      *bool  `yaml:"compress"`    // nil means gzip request bodies
}

// Interval returns the periodic sync interval
func (s *SyncConfig) Interval() (time.Duration, error) {
	return positiveDuration("sync.interval", s.IntervalStr, 2*time.Hour)
}

// RetryDelay returns the wait before the single batch retry
func (s *SyncConfig) RetryDelay() (time.Duration, error) {
	return positiveDuration("sync.retry_delay", s.RetryDelayStr, 2*time.Second)
}

// GetBatchSize returns the batch size or default
func (s *SyncConfig) GetBatchSize() int {
	if s.BatchSize <= 0 {
		return 5
	}
	return s.BatchSize
}

// CompressionEnabled reports whether batch bodies are gzip-compressed
func (s *SyncConfig) CompressionEnabled() bool {
	return s.Compress == nil || *s.Compress
}

// FeaturesConfig controls remote feature flags
type FeaturesConfig struct {
	TTLStr             string `yaml:"ttl"` // default 6h
	DefaultPingService bool   `yaml:"default_ping_service"`
}

// TTL returns how long fetched flags stay cached
func (f *FeaturesConfig) TTL() (time.Duration, error) {
	return positiveDuration("features.ttl", f.TTLStr, 6*time.Hour)
}

// MonitoringConfig contains health and metrics server settings
type MonitoringConfig struct {
	HealthAddress string `yaml:"health_address"` // e.g. ":9100"; empty disables the server
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format"` // json, console (default: console)
}

// positiveDuration parses value, returning def when unset.
// Non-positive values are rejected so they never reach time.NewTicker.
func positiveDuration(field, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s '%s': %w", field, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", field, d)
	}
	return d, nil
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.API.HMACSecret != "" && cfg.API.HMACSecretFile != "" {
		return nil, fmt.Errorf("cannot specify both api.hmac_secret and api.hmac_secret_file")
	}

	if cfg.API.HMACSecretFile != "" {
		secret, err := loadSecretFromFile(cfg.API.HMACSecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load hmac secret from file: %w", err)
		}
		cfg.API.HMACSecret = secret
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// loadSecretFromFile reads a secret from a file and returns it trimmed
func loadSecretFromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file %s: %w", path, err)
	}

	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", path)
	}

	return secret, nil
}

// Validate checks if the configuration is valid.
// Every duration is parsed even when its component is disabled.
func (c *Config) Validate() error {
	if c.Device.ID == "" {
		return fmt.Errorf("device.id is required")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.API.URL == "" {
		return fmt.Errorf("api.url is required")
	}

	switch c.Measurement.GetProvider() {
	case "legacy":
		if c.Measurement.Legacy.LocateURL == "" {
			return fmt.Errorf("measurement.legacy.locate_url is required for the legacy provider")
		}
	case "modern":
		if c.Measurement.Modern.BaseURL == "" {
			return fmt.Errorf("measurement.modern.base_url is required for the modern provider")
		}
	default:
		return fmt.Errorf("measurement.provider must be legacy or modern, got %q", c.Measurement.Provider)
	}

	if c.Prober.IsEnabled() && c.Prober.URL == "" {
		return fmt.Errorf("prober.url is required when the prober is enabled")
	}
	start, end := c.Prober.ActiveWindow()
	if start < 0 || start > 23 || end < 1 || end > 24 || start >= end {
		return fmt.Errorf("prober active window must satisfy 0 <= start < end <= 24, got [%d, %d)", start, end)
	}

	checks := []func() (time.Duration, error){
		c.Storage.WALCheckpointInterval,
		c.Storage.HardRetention,
		c.Storage.SyncedRetention,
		c.API.Timeout,
		c.API.Retry.InitialBackoff,
		c.API.Retry.MaxBackoff,
		c.Measurement.Legacy.Duration,
		c.Measurement.ScheduleInterval,
		c.Prober.Interval,
		c.Prober.Timeout,
		c.Sync.Interval,
		c.Sync.RetryDelay,
		c.Features.TTL,
	}
	for _, check := range checks {
		if _, err := check(); err != nil {
			return err
		}
	}

	hard, _ := c.Storage.HardRetention()
	synced, _ := c.Storage.SyncedRetention()
	if synced > hard {
		return fmt.Errorf("storage.synced_retention (%v) must not exceed storage.hard_retention (%v)", synced, hard)
	}

	// Multipliers below 1 shrink the backoff and hammer the collector
	if c.API.Retry.BackoffMultiplier != 0 && c.API.Retry.BackoffMultiplier < 1.0 {
		return fmt.Errorf("api.retry.backoff_multiplier must be >= 1.0, got %v", c.API.Retry.BackoffMultiplier)
	}
	if j := c.API.Retry.GetJitterPercent(); j < 0 || j > 100 {
		return fmt.Errorf("api.retry.jitter_percent must be between 0 and 100, got %d", j)
	}

	return nil
}
