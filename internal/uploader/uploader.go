// Package uploader sends measurements and probe batches to the collector API.
package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/taniwha3/tidemeter/internal/logging"
	"github.com/taniwha3/tidemeter/internal/models"
)

// Doer sends HTTP requests. The identity client satisfies it and signs each request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DeviceIdentifiers is attached to every measurement payload
type DeviceIdentifiers struct {
	DeviceID string `json:"deviceId"`
	SchoolID string `json:"schoolId,omitempty"`
	GigaID   string `json:"gigaId,omitempty"`
}

// Config configures the collector client
type Config struct {
	APIURL            string
	Identifiers       DeviceIdentifiers
	Client            Doer
	Compress          bool          // gzip request bodies
	MaxRetries        *int          // Default: 3. nil for default, &0 for no retries
	RetryDelay        time.Duration // Base delay for exponential backoff, default: 1s
	MaxBackoff        time.Duration // default: 30s
	BackoffMultiplier float64       // default: 2.0
	JitterPercent     *int          // 0-100, default: 20. nil for default, &0 for none
}

// HTTPUploader posts JSON payloads to the collector
type HTTPUploader struct {
	base              string
	ids               DeviceIdentifiers
	client            Doer
	compress          bool
	maxRetries        int
	retryDelay        time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	jitterPercent     int
	rng               *rand.Rand // per-uploader RNG so devices don't retry in lockstep
	rngMu             sync.Mutex
}

// New creates a collector client
// MaxRetries: nil = use default (3), &0 = explicitly 0 (no retries), &N = N retries
// JitterPercent: nil = use default (20%), &0 = explicitly 0% (no jitter), &N = N%
func New(cfg Config) *HTTPUploader {
	maxRetries := 3
	if cfg.MaxRetries != nil {
		maxRetries = *cfg.MaxRetries
	}

	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 1 * time.Second
	}

	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	backoffMultiplier := cfg.BackoffMultiplier
	if backoffMultiplier == 0 {
		backoffMultiplier = 2.0
	}

	jitterPercent := 20
	if cfg.JitterPercent != nil {
		jitterPercent = *cfg.JitterPercent
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &HTTPUploader{
		base:              strings.TrimRight(cfg.APIURL, "/"),
		ids:               cfg.Identifiers,
		client:            client,
		compress:          cfg.Compress,
		maxRetries:        maxRetries,
		retryDelay:        retryDelay,
		maxBackoff:        maxBackoff,
		backoffMultiplier: backoffMultiplier,
		jitterPercent:     jitterPercent,
		rng:               rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// measurementPayload is the wire form of one measurement
type measurementPayload struct {
	UUID              string            `json:"uuid"`
	Version           string            `json:"version"`
	Provider          models.Provider   `json:"provider"`
	Notes             string            `json:"notes"`
	Timestamp         time.Time         `json:"timestamp"`
	DataUsage         models.DataUsage  `json:"dataUsage"`
	Results           models.Results    `json:"results"`
	ServerInfo        models.ServerInfo `json:"serverInfo"`
	Device            models.DeviceInfo `json:"device"`
	DeviceIdentifiers DeviceIdentifiers `json:"deviceIdentifiers"`
}

func (u *HTTPUploader) payload(m *models.MeasurementRecord) measurementPayload {
	return measurementPayload{
		UUID:              m.UUID,
		Version:           m.Version,
		Provider:          m.Provider,
		Notes:             m.Notes,
		Timestamp:         m.Timestamp,
		DataUsage:         m.DataUsage,
		Results:           m.Results,
		ServerInfo:        m.ServerInfo,
		Device:            m.Device,
		DeviceIdentifiers: u.ids,
	}
}

// MeasurementPath returns the endpoint for a provider's measurements
func MeasurementPath(p models.Provider) string {
	if p == models.ProviderModern {
		return "/measurements/cloudflare"
	}
	return "/measurements"
}

// UploadMeasurement sends one measurement to its provider's endpoint
func (u *HTTPUploader) UploadMeasurement(ctx context.Context, m *models.MeasurementRecord) error {
	return u.post(ctx, MeasurementPath(m.Provider), u.payload(m))
}

// PostMeasurementBatch sends several measurements in one request
func (u *HTTPUploader) PostMeasurementBatch(ctx context.Context, ms []*models.MeasurementRecord) error {
	if len(ms) == 0 {
		return nil
	}
	records := make([]measurementPayload, len(ms))
	for i, m := range ms {
		records[i] = u.payload(m)
	}
	// The batch endpoint takes a bare array, unlike the connectivity endpoint
	return u.post(ctx, "/measurements/batch", records)
}

// PostConnectivityBatch sends probe results for a group
func (u *HTTPUploader) PostConnectivityBatch(ctx context.Context, groupID string, pings []*models.PingResult) error {
	if len(pings) == 0 {
		return nil
	}
	// PingResult's JSON form already omits the local id, createdAt and isSynced
	return u.post(ctx, "/connectivity/"+url.PathEscape(groupID), map[string]any{"records": pings})
}

// post sends body with exponential backoff retry
func (u *HTTPUploader) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return &NonRetryableError{Message: fmt.Sprintf("failed to encode payload: %v", err)}
	}
	encoding := ""
	if u.compress {
		if data, err = gzipBytes(data); err != nil {
			return &NonRetryableError{Message: fmt.Sprintf("failed to compress payload: %v", err)}
		}
		encoding = "gzip"
	}

	var lastErr error
	for attempt := 0; attempt <= u.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := u.send(ctx, path, data, encoding, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}

		if attempt < u.maxRetries {
			delay := u.calculateBackoff(attempt, err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", u.maxRetries, lastErr)
}

func (u *HTTPUploader) send(ctx context.Context, path string, data []byte, encoding string, attempt int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.base+path, bytes.NewReader(data))
	if err != nil {
		return &NonRetryableError{Message: fmt.Sprintf("failed to create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	req.Header.Set("User-Agent", "tidemeter/1.0")
	req.Header.Set("X-Attempt", strconv.Itoa(attempt))
	if runID := logging.RunID(ctx); runID != "" {
		req.Header.Set("X-Run-ID", runID)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &RetryableError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return &RetryableError{Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusMethodNotAllowed,
		http.StatusConflict, http.StatusUnprocessableEntity:
		return &NonRetryableError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
		}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &NonRetryableError{
			StatusCode: resp.StatusCode,
			Message:    "unauthorized - device token or signature rejected",
		}
	case http.StatusTooManyRequests:
		return &RateLimitError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	default:
		return &RetryableError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RetryableError indicates an error that should be retried
type RetryableError struct {
	StatusCode int // 0 for transport failures
	Err        error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NonRetryableError indicates an error that should not be retried
type NonRetryableError struct {
	StatusCode int
	Message    string
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable error (status %d): %s", e.StatusCode, e.Message)
}

// RateLimitError indicates rate limiting with optional Retry-After
type RateLimitError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (status %d): retry after %v", e.StatusCode, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited (status %d)", e.StatusCode)
}

// StatusCode extracts the HTTP status of a collector error, or 0
func StatusCode(err error) int {
	var nr *NonRetryableError
	if errors.As(err, &nr) {
		return nr.StatusCode
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.StatusCode
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}

func isRetryable(err error) bool {
	var nonRetryable *NonRetryableError
	return !errors.As(err, &nonRetryable)
}

// calculateBackoff calculates exponential backoff with jitter
func (u *HTTPUploader) calculateBackoff(attempt int, err error) time.Duration {
	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) && rateLimitErr.RetryAfter > 0 {
		u.rngMu.Lock()
		jitter := time.Duration(u.rng.Float64() * float64(time.Second))
		u.rngMu.Unlock()
		return rateLimitErr.RetryAfter + jitter
	}

	// baseDelay * multiplier^attempt, capped
	backoff := float64(u.retryDelay) * math.Pow(u.backoffMultiplier, float64(attempt))
	if backoff > float64(u.maxBackoff) {
		backoff = float64(u.maxBackoff)
	}

	jitterFraction := float64(u.jitterPercent) / 100.0
	u.rngMu.Lock()
	jitter := backoff * jitterFraction * (u.rng.Float64()*2 - 1)
	u.rngMu.Unlock()

	return time.Duration(backoff + jitter)
}

// parseRetryAfter parses the Retry-After header (seconds or HTTP date)
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
