package health

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func fixedChecker(now time.Time) *Checker {
	c := NewChecker(DefaultThresholds())
	c.startTime = now.Add(-time.Minute)
	c.now = func() time.Time { return now }
	return c
}

func TestNewChecker(t *testing.T) {
	thresholds := DefaultThresholds()
	checker := NewChecker(thresholds)

	if len(checker.components) != 0 {
		t.Errorf("Expected 0 components, got %d", len(checker.components))
	}
	if checker.thresholds != thresholds {
		t.Error("Thresholds not set correctly")
	}
	if report := checker.GetReport(); report.Status != StatusOK {
		t.Errorf("Empty checker should be OK, got %s", report.Status)
	}
}

func TestThresholdsFromSyncInterval(t *testing.T) {
	th := ThresholdsFromSyncInterval(2 * time.Hour)
	if th.SyncOKInterval != 4*3600 || th.SyncDegradedInterval != 8*3600 {
		t.Errorf("Unexpected thresholds %+v", th)
	}

	sub := ThresholdsFromSyncInterval(100 * time.Millisecond)
	if sub.SyncOKInterval != 2 || sub.SyncDegradedInterval != 4 {
		t.Errorf("Sub-second intervals should clamp to 1s, got %+v", sub)
	}
}

func TestUpdateStoreStatus(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		walSize int64
		want    Status
	}{
		{"healthy", nil, 1024, StatusOK},
		{"large wal", nil, 65 * 1024 * 1024, StatusDegraded},
		{"unreachable", errors.New("database is closed"), 0, StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(DefaultThresholds())
			c.UpdateStoreStatus(tt.err, 4096, tt.walSize)

			got := c.GetReport().Components[ComponentStore]
			if got.Status != tt.want {
				t.Errorf("Expected %s, got %s (%s)", tt.want, got.Status, got.Message)
			}
			if got.Details["wal_size_bytes"] != tt.walSize {
				t.Errorf("Unexpected details %v", got.Details)
			}
		})
	}
}

func TestUpdateSyncStatus(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		lastSync time.Time
		lastErr  error
		pending  int64
		want     Status
	}{
		{"recent", now.Add(-time.Hour), nil, 3, StatusOK},
		{"never synced yet", time.Time{}, nil, 3, StatusOK},
		{"last pass failed", now.Add(-time.Hour), errors.New("batch failed"), 3, StatusDegraded},
		{"overdue with pending", now.Add(-5 * time.Hour), nil, 3, StatusDegraded},
		{"overdue nothing pending", now.Add(-5 * time.Hour), nil, 0, StatusOK},
		{"far overdue", now.Add(-9 * time.Hour), nil, 0, StatusDegraded},
		{"elevated pending", now.Add(-time.Hour), nil, 600, StatusDegraded},
		{"backlog", now.Add(-time.Hour), nil, 6000, StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := fixedChecker(now)
			c.UpdateSyncStatus(tt.lastSync, tt.lastErr, tt.pending)

			got := c.GetReport().Components[ComponentSync]
			if got.Status != tt.want {
				t.Errorf("Expected %s, got %s (%s)", tt.want, got.Status, got.Message)
			}
		})
	}
}

func TestUpdateProberStatus(t *testing.T) {
	c := NewChecker(DefaultThresholds())

	c.UpdateProberStatus(time.Now(), true, "")
	if got := c.GetReport().Components[ComponentProber]; got.Status != StatusOK {
		t.Errorf("Expected OK, got %s", got.Status)
	}

	c.UpdateProberStatus(time.Now(), false, "platform reports offline")
	got := c.GetReport().Components[ComponentProber]
	if got.Status != StatusDegraded || got.Message != "platform reports offline" {
		t.Errorf("Unexpected offline status %+v", got)
	}
}

func TestUpdateOrchestratorStatus(t *testing.T) {
	c := NewChecker(DefaultThresholds())

	c.UpdateOrchestratorStatus("idle", time.Time{}, nil)
	got := c.GetReport().Components[ComponentOrchestrator]
	if got.Status != StatusOK || got.Details["state"] != "idle" {
		t.Errorf("Unexpected status %+v", got)
	}
	if _, ok := got.Details["last_run_time"]; ok {
		t.Error("No run yet should omit last_run_time")
	}

	c.UpdateOrchestratorStatus("failed", time.Now(), errors.New("locate failed"))
	if got := c.GetReport().Components[ComponentOrchestrator]; got.Status != StatusDegraded {
		t.Errorf("Expected degraded, got %s", got.Status)
	}
}

func TestUpdateClockSkewStatus(t *testing.T) {
	tests := []struct {
		name string
		skew int64
		err  error
		want Status
	}{
		{"in sync", 150, nil, StatusOK},
		{"ahead", 2500, nil, StatusDegraded},
		{"behind", -2500, nil, StatusDegraded},
		{"unknown", 0, errors.New("no Date header"), StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(DefaultThresholds())
			c.UpdateClockSkewStatus(tt.skew, tt.err)
			if got := c.GetReport().Components[ComponentTime].Status; got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestCalculateOverallStatus(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]ComponentStatus
		want       Status
	}{
		{"empty", map[string]ComponentStatus{}, StatusOK},
		{"all ok", map[string]ComponentStatus{
			ComponentStore: {Status: StatusOK},
			ComponentSync:  {Status: StatusOK},
		}, StatusOK},
		{"degraded sync", map[string]ComponentStatus{
			ComponentStore: {Status: StatusOK},
			ComponentSync:  {Status: StatusDegraded},
		}, StatusDegraded},
		{"store error", map[string]ComponentStatus{
			ComponentStore: {Status: StatusError},
		}, StatusError},
		{"identity error", map[string]ComponentStatus{
			ComponentIdentity: {Status: StatusError},
		}, StatusError},
		{"clock error is not critical", map[string]ComponentStatus{
			ComponentStore: {Status: StatusOK},
			ComponentTime:  {Status: StatusError},
		}, StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := calculateOverallStatus(tt.components); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestHTTPHandler(t *testing.T) {
	c := NewChecker(DefaultThresholds())
	c.UpdateStoreStatus(nil, 1, 1)

	rec := httptest.NewRecorder()
	c.HTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %s", ct)
	}
	var report HealthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if report.Status != StatusOK || report.Components[ComponentStore].Status != StatusOK {
		t.Errorf("Unexpected report %+v", report)
	}

	c.UpdateIdentityStatus(errors.New("device authentication failed (status 403)"))
	rec = httptest.NewRecorder()
	c.HTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker(DefaultThresholds())

	rec := httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}

	c.UpdateProberStatus(time.Now(), false, "timeout")
	rec = httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 when degraded, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"current_status":"degraded"`) {
		t.Errorf("Unexpected body %s", rec.Body.String())
	}
}

func TestMux_MetricsMount(t *testing.T) {
	c := NewChecker(DefaultThresholds())
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "tidemeter_up 1\n")
	})

	server := httptest.NewServer(c.Mux(metrics))
	defer server.Close()

	for path, want := range map[string]string{
		"/health/live": `"alive"`,
		"/metrics":     "tidemeter_up 1",
	} {
		resp, err := http.Get(server.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if !strings.Contains(string(body), want) {
			t.Errorf("%s: expected %q in %s", path, want, body)
		}
	}

	noMetrics := httptest.NewServer(c.Mux(nil))
	defer noMetrics.Close()
	resp, err := http.Get(noMetrics.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 without a metrics handler, got %d", resp.StatusCode)
	}
}

func TestStartHTTPServer(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	c := NewChecker(DefaultThresholds())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.StartHTTPServer(ctx, addr, nil) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/health/live")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Server did not start: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Server did not shut down")
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := NewChecker(DefaultThresholds())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.UpdateSyncStatus(time.Now(), nil, int64(i))
		}()
		go func() {
			defer wg.Done()
			_ = c.GetReport()
		}()
	}
	wg.Wait()
}
