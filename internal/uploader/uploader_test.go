package uploader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/taniwha3/tidemeter/internal/logging"
	"github.com/taniwha3/tidemeter/internal/models"
)

func intPtr(i int) *int {
	return &i
}

func fastUploader(url string, retries int) *HTTPUploader {
	return New(Config{
		APIURL:        url,
		Identifiers:   DeviceIdentifiers{DeviceID: "device-001", SchoolID: "school-9", GigaID: "giga-9"},
		MaxRetries:    intPtr(retries),
		RetryDelay:    time.Millisecond,
		MaxBackoff:    5 * time.Millisecond,
		JitterPercent: intPtr(0),
	})
}

func modernRecord() *models.MeasurementRecord {
	m := models.NewMeasurementRecord(models.ProviderModern, models.NotesScheduled, "1.0.0")
	m.UUID = "run-1"
	m.Results = models.ModernFromResults(&models.ModernResults{DownloadBps: 1e6})
	m.DataUsage = models.NewDataUsage(100, 50)
	m.ServerInfo = models.ServerInfo{Site: "AKL"}
	return m
}

func TestUploadMeasurement_RoutesByProvider(t *testing.T) {
	tests := []struct {
		provider models.Provider
		path     string
	}{
		{models.ProviderLegacy, "/measurements"},
		{models.ProviderModern, "/measurements/cloudflare"},
	}

	for _, tt := range tests {
		t.Run(string(tt.provider), func(t *testing.T) {
			var gotPath string
			var body map[string]any
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				if ct := r.Header.Get("Content-Type"); ct != "application/json" {
					t.Errorf("Expected Content-Type application/json, got %s", ct)
				}
				data, _ := io.ReadAll(r.Body)
				if err := json.Unmarshal(data, &body); err != nil {
					t.Errorf("Body is not JSON: %v", err)
				}
				w.WriteHeader(http.StatusCreated)
			}))
			defer server.Close()

			m := modernRecord()
			m.Provider = tt.provider
			if err := fastUploader(server.URL, 0).UploadMeasurement(context.Background(), m); err != nil {
				t.Fatalf("Upload failed: %v", err)
			}

			if gotPath != tt.path {
				t.Errorf("Expected path %s, got %s", tt.path, gotPath)
			}
			if body["uuid"] != "run-1" || body["notes"] != models.NotesScheduled {
				t.Errorf("Unexpected payload %v", body)
			}
			ids, ok := body["deviceIdentifiers"].(map[string]any)
			if !ok || ids["deviceId"] != "device-001" || ids["gigaId"] != "giga-9" {
				t.Errorf("Missing device identifiers: %v", body["deviceIdentifiers"])
			}
			if _, ok := body["dataUsage"]; !ok {
				t.Error("Missing dataUsage")
			}
		})
	}
}

func TestPostConnectivityBatch(t *testing.T) {
	var gotPath string
	var payload struct {
		Records []map[string]any `json:"records"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(data, &payload); err != nil {
			t.Errorf("Body is not JSON: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	now := time.Now()
	pings := []*models.PingResult{
		models.NewPingResult("device-001", now).WithLatency(12.5),
		models.NewPingResult("device-001", now).WithError("timeout"),
	}
	pings[0].IsSynced = true
	pings[0].CreatedAt = now

	if err := fastUploader(server.URL, 0).PostConnectivityBatch(context.Background(), "group-7", pings); err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	if gotPath != "/connectivity/group-7" {
		t.Errorf("Expected /connectivity/group-7, got %s", gotPath)
	}
	if len(payload.Records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(payload.Records))
	}
	for _, key := range []string{"isSynced", "createdAt", "id"} {
		if _, ok := payload.Records[0][key]; ok {
			t.Errorf("Record carries local field %q", key)
		}
	}
	if payload.Records[0]["latency"] != 12.5 {
		t.Errorf("Unexpected latency %v", payload.Records[0]["latency"])
	}
}

func TestPostBatch_EmptyIsNoop(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	u := fastUploader(server.URL, 0)
	if err := u.PostConnectivityBatch(context.Background(), "g", nil); err != nil {
		t.Fatal(err)
	}
	if err := u.PostMeasurementBatch(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 0 {
		t.Errorf("Expected no requests, got %d", calls.Load())
	}
}

func TestPostMeasurementBatch_Compressed(t *testing.T) {
	var count int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/measurements/batch" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if ce := r.Header.Get("Content-Encoding"); ce != "gzip" {
			t.Errorf("Expected Content-Encoding gzip, got %s", ce)
		}
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Fatalf("Failed to create gzip reader: %v", err)
		}
		defer zr.Close()
		data, _ := io.ReadAll(zr)
		if !bytes.HasPrefix(bytes.TrimSpace(data), []byte("[")) {
			t.Errorf("Expected a bare JSON array, got %.40s", data)
		}
		var records []json.RawMessage
		if err := json.Unmarshal(data, &records); err != nil {
			t.Fatalf("Body is not a JSON array: %v", err)
		}
		count = len(records)
	}))
	defer server.Close()

	u := New(Config{APIURL: server.URL, Compress: true, MaxRetries: intPtr(0)})
	if err := u.PostMeasurementBatch(context.Background(), []*models.MeasurementRecord{modernRecord(), modernRecord()}); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 records, got %d", count)
	}
}

func TestUpload_SendsRunID(t *testing.T) {
	var got []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("X-Run-ID"))
	}))
	defer server.Close()

	u := fastUploader(server.URL, 0)
	ctx := logging.WithRunID(context.Background(), "run-7")
	if err := u.UploadMeasurement(ctx, modernRecord()); err != nil {
		t.Fatal(err)
	}
	if err := u.UploadMeasurement(context.Background(), modernRecord()); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "run-7" || got[1] != "" {
		t.Errorf("Expected X-Run-ID [run-7, \"\"], got %q", got)
	}
}

func TestUpload_RetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if got := r.Header.Get("X-Attempt"); got != strconv.Itoa(int(n-1)) {
			t.Errorf("Expected X-Attempt %d, got %s", n-1, got)
		}
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	if err := fastUploader(server.URL, 3).UploadMeasurement(context.Background(), modernRecord()); err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts.Load())
	}
}

func TestUpload_MaxRetriesExceeded(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	err := fastUploader(server.URL, 2).UploadMeasurement(context.Background(), modernRecord())
	var retryable *RetryableError
	if !errors.As(err, &retryable) {
		t.Fatalf("Expected wrapped RetryableError, got %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts.Load())
	}
}

func TestUpload_ClientErrorsNotRetried(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusMethodNotAllowed} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			var attempts atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts.Add(1)
				w.WriteHeader(status)
			}))
			defer server.Close()

			err := fastUploader(server.URL, 3).UploadMeasurement(context.Background(), modernRecord())
			var nonRetryable *NonRetryableError
			if !errors.As(err, &nonRetryable) {
				t.Fatalf("Expected NonRetryableError, got %v", err)
			}
			if StatusCode(err) != status {
				t.Errorf("Expected status %d, got %d", status, StatusCode(err))
			}
			if attempts.Load() != 1 {
				t.Errorf("Expected 1 attempt, got %d", attempts.Load())
			}
		})
	}
}

func TestUpload_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	u := New(Config{APIURL: server.URL, MaxRetries: intPtr(5), RetryDelay: time.Hour, JitterPercent: intPtr(0)})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := u.UploadMeasurement(ctx, modernRecord())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
}

type recordingDoer struct {
	paths []string
}

func (d *recordingDoer) Do(req *http.Request) (*http.Response, error) {
	d.paths = append(d.paths, req.URL.Path)
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(http.NoBody), Header: http.Header{}}, nil
}

func TestUpload_UsesInjectedDoer(t *testing.T) {
	d := &recordingDoer{}
	u := New(Config{APIURL: "https://collector.example/api/", Client: d})

	if err := u.UploadMeasurement(context.Background(), modernRecord()); err != nil {
		t.Fatal(err)
	}
	if len(d.paths) != 1 || d.paths[0] != "/api/measurements/cloudflare" {
		t.Errorf("Unexpected requests %v", d.paths)
	}
}

func TestCalculateBackoff(t *testing.T) {
	u := New(Config{
		APIURL:        "http://x",
		RetryDelay:    time.Second,
		MaxBackoff:    5 * time.Second,
		JitterPercent: intPtr(0),
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := u.calculateBackoff(tt.attempt, errors.New("x")); got != tt.want {
			t.Errorf("attempt %d: got %v, want %v", tt.attempt, got, tt.want)
		}
	}

	rl := &RateLimitError{StatusCode: 429, RetryAfter: 10 * time.Second}
	if got := u.calculateBackoff(0, rl); got < 10*time.Second || got > 11*time.Second {
		t.Errorf("Retry-After backoff out of range: %v", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("7"); got != 7*time.Second {
		t.Errorf("Expected 7s, got %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("Expected 0, got %v", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Errorf("Expected 0, got %v", got)
	}
	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got <= 0 || got > time.Minute {
		t.Errorf("Unexpected date backoff %v", got)
	}
}
