package features

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type flagServer struct {
	calls  atomic.Int32
	status atomic.Int32
	body   atomic.Value // string
}

func newFlagServer(t *testing.T, body string) (*flagServer, *httptest.Server) {
	t.Helper()
	f := &flagServer{}
	f.status.Store(http.StatusOK)
	f.body.Store(body)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		if r.URL.Path != "/schools/features_flags/giga-1" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(int(f.status.Load()))
		w.Write([]byte(f.body.Load().(string)))
	}))
	t.Cleanup(server.Close)
	return f, server
}

func TestGet_NoGigaIDUsesDefaults(t *testing.T) {
	f, server := newFlagServer(t, `{"data":{"pingService":false}}`)
	s := New(Config{APIURL: server.URL, Defaults: Flags{PingService: true}})

	if !s.PingServiceEnabled(context.Background()) {
		t.Error("Expected defaults without a site id")
	}
	if f.calls.Load() != 0 {
		t.Errorf("Expected no fetch, got %d", f.calls.Load())
	}
}

func TestGet_FetchesAndCaches(t *testing.T) {
	f, server := newFlagServer(t, `{"data":{"pingService":true}}`)
	s := New(Config{APIURL: server.URL, GigaID: "giga-1"})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if !s.PingServiceEnabled(ctx) {
			t.Fatal("Expected ping service enabled")
		}
	}
	if f.calls.Load() != 1 {
		t.Errorf("Expected one fetch within TTL, got %d", f.calls.Load())
	}
}

func TestGet_FailureReturnsLastKnown(t *testing.T) {
	f, server := newFlagServer(t, `{"data":{"pingService":true}}`)
	s := New(Config{APIURL: server.URL, GigaID: "giga-1", TTL: time.Second})

	ctx := context.Background()
	if !s.PingServiceEnabled(ctx) {
		t.Fatal("Expected ping service enabled")
	}

	f.status.Store(http.StatusInternalServerError)
	time.Sleep(2100 * time.Millisecond) // let the cache entry expire

	if !s.PingServiceEnabled(ctx) {
		t.Error("Expected last known flags after a failed refresh")
	}
	if f.calls.Load() != 2 {
		t.Errorf("Expected a refetch after expiry, got %d calls", f.calls.Load())
	}
}

func TestGet_FailureWithoutHistoryUsesDefaults(t *testing.T) {
	f, server := newFlagServer(t, `oops`)
	f.status.Store(http.StatusBadGateway)
	s := New(Config{APIURL: server.URL, GigaID: "giga-1", Defaults: Flags{PingService: true}})

	if !s.PingServiceEnabled(context.Background()) {
		t.Error("Expected defaults when nothing was ever fetched")
	}
}

func TestGet_EmptyDataIsNotCached(t *testing.T) {
	for _, body := range []string{`{"data":[]}`, `{"data":{}}`, `{"data":null}`} {
		t.Run(body, func(t *testing.T) {
			f, server := newFlagServer(t, body)
			s := New(Config{APIURL: server.URL, GigaID: "giga-1"})

			ctx := context.Background()
			if s.PingServiceEnabled(ctx) {
				t.Error("Expected disabled for an empty flag set")
			}
			s.Get(ctx)
			if f.calls.Load() != 2 {
				t.Errorf("Expected empty responses to be refetched, got %d calls", f.calls.Load())
			}
		})
	}
}
