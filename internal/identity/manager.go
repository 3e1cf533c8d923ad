// Package identity authenticates the device against the collector API and signs
// every outbound request with the device token and an HMAC signature.
package identity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/taniwha3/tidemeter/internal/logging"
	"github.com/taniwha3/tidemeter/internal/models"
)

const (
	refreshLead     = 30 * time.Second
	minRefreshDelay = 10 * time.Second
)

// AuthError is a failure of the auth endpoint
type AuthError struct {
	StatusCode int // 0 for transport failures
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("device authentication failed (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("device authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// RefreshDelay is how long to wait before refreshing a token valid for expiresIn
func RefreshDelay(expiresIn time.Duration) time.Duration {
	return max(expiresIn-refreshLead, minRefreshDelay)
}

// Metrics receives authentication outcomes
type Metrics interface {
	RecordAuthRefresh(ok bool)
}

// ManagerConfig configures a Manager
type ManagerConfig struct {
	APIURL        string
	HTTPClient    *http.Client
	Store         TokenStore
	Fingerprinter Fingerprinter
	Now           func() time.Time
	Metrics       Metrics
	Logger        *slog.Logger
}

// Manager caches the device token and keeps it fresh
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu          sync.Mutex
	token       *models.DeviceToken
	loaded      bool // the persisted token is consulted once per process
	fingerprint string
	timer       *time.Timer
	stopped     bool
}

// NewManager creates a token manager. A nil Store keeps the token in memory only.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Store == nil {
		cfg.Store = &MemoryStore{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Manager{cfg: cfg, logger: logging.Component(cfg.Logger, "identity")}
}

// Token returns a valid token, authenticating when the cached one is missing or expired
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.Now()
	if m.token.Valid(now) {
		return m.token.Token, nil
	}

	if m.token == nil && !m.loaded {
		m.loaded = true
		if t := m.loadStored(ctx, now); t != nil {
			m.token = t
			m.scheduleLocked(t.ExpiresAt.Sub(now))
			return t.Token, nil
		}
	}

	t, err := m.authenticateLocked(ctx)
	if err != nil {
		return "", err
	}
	return t.Token, nil
}

// loadStored returns the persisted token if it is still valid for this host
func (m *Manager) loadStored(ctx context.Context, now time.Time) *models.DeviceToken {
	t, err := m.cfg.Store.Load()
	if err != nil {
		m.logger.Warn("Stored token unreadable, re-authenticating", slog.Any("error", err))
		return nil
	}
	if !t.Valid(now) {
		return nil
	}
	if fp := m.fingerprintLocked(ctx); fp != "" && t.DeviceFingerprint != "" && fp != t.DeviceFingerprint {
		m.logger.Warn("Stored token belongs to another device fingerprint")
		return nil
	}
	return t
}

func (m *Manager) fingerprintLocked(ctx context.Context) string {
	if m.fingerprint != "" || m.cfg.Fingerprinter == nil {
		return m.fingerprint
	}
	fp, err := m.cfg.Fingerprinter.Fingerprint(ctx)
	if err != nil {
		m.logger.Warn("Device fingerprint unavailable", slog.Any("error", err))
		return ""
	}
	m.fingerprint = fp
	return fp
}

// Invalidate drops the cached token so the next Token call re-authenticates.
// The persisted copy is not reloaded.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.token = nil
	m.loaded = true
	m.mu.Unlock()
}

// Refresh authenticates now and replaces the cached token
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.authenticateLocked(ctx)
	return err
}

type authRequest struct {
	DeviceID string `json:"deviceId"`
}

type authResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	ExpiresIn int64     `json:"expiresIn"` // milliseconds
	DeviceID  string    `json:"deviceId"`
}

func (m *Manager) authenticateLocked(ctx context.Context) (*models.DeviceToken, error) {
	t, err := m.requestToken(ctx)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordAuthRefresh(err == nil)
	}
	if err != nil {
		m.logger.Error("Device authentication failed", slog.Any("error", err))
		return nil, err
	}

	m.token = t
	if err := m.cfg.Store.Save(t); err != nil {
		m.logger.Warn("Failed to persist device token", slog.Any("error", err))
	}
	m.scheduleLocked(t.ExpiresAt.Sub(t.IssuedAt))

	m.logger.Info("Device authenticated", slog.Time("expires_at", t.ExpiresAt))
	return t, nil
}

// requestToken authenticates with the hardware fingerprint as the device id
func (m *Manager) requestToken(ctx context.Context) (*models.DeviceToken, error) {
	fp := m.fingerprintLocked(ctx)
	if fp == "" {
		return nil, &AuthError{Err: errors.New("device fingerprint unavailable")}
	}
	body, err := json.Marshal(authRequest{DeviceID: fp})
	if err != nil {
		return nil, &AuthError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.APIURL+"/auth/initialize", bytes.NewReader(body))
	if err != nil {
		return nil, &AuthError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, &AuthError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, &AuthError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &AuthError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(respBody)))}
	}

	var ar authResponse
	if err := json.Unmarshal(respBody, &ar); err != nil {
		return nil, &AuthError{StatusCode: resp.StatusCode, Err: fmt.Errorf("could not understand auth response: %w", err)}
	}
	if ar.Token == "" {
		return nil, &AuthError{StatusCode: resp.StatusCode, Err: fmt.Errorf("auth response carried no token")}
	}

	now := m.cfg.Now()
	t := &models.DeviceToken{
		Token:             ar.Token,
		IssuedAt:          now,
		ExpiresAt:         ar.ExpiresAt,
		DeviceFingerprint: fp,
	}
	if ar.ExpiresIn > 0 {
		t.ExpiresAt = now.Add(time.Duration(ar.ExpiresIn) * time.Millisecond)
	}
	return t, nil
}

// scheduleLocked arms the refresh timer for a token valid for expiresIn
func (m *Manager) scheduleLocked(expiresIn time.Duration) {
	if m.stopped {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	delay := RefreshDelay(expiresIn)
	m.timer = time.AfterFunc(delay, m.refreshFromTimer)
	m.logger.Debug("Token refresh scheduled", slog.Duration("delay", delay))
}

func (m *Manager) refreshFromTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HTTPClient.Timeout+5*time.Second)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if _, err := m.authenticateLocked(ctx); err != nil {
		// retry at the minimum interval rather than giving up on the schedule
		m.timer = time.AfterFunc(minRefreshDelay, m.refreshFromTimer)
	}
}

// Stop cancels the refresh timer
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
