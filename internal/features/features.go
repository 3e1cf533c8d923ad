// Package features fetches per-site feature flags from the collector and caches them.
package features

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coocood/freecache"
	"github.com/goccy/go-json"

	"github.com/taniwha3/tidemeter/internal/logging"
)

const (
	DefaultTTL = 6 * time.Hour
	cacheSize  = 512 * 1024
)

// Flags are the remote switches for optional device behavior
type Flags struct {
	PingService bool `json:"pingService"`
}

// Doer sends HTTP requests. The identity client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures a Service
type Config struct {
	APIURL   string
	GigaID   string // site identifier; empty means flags are never fetched
	Client   Doer
	TTL      time.Duration
	Defaults Flags
	Logger   *slog.Logger
}

// Service returns current flags, refreshing them from the collector at most once per TTL
type Service struct {
	cfg    Config
	cache  *freecache.Cache
	ttl    int
	logger *slog.Logger

	mu   sync.Mutex
	last *Flags // most recent successful fetch, kept past TTL expiry
}

// New creates a flag service
func New(cfg Config) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Service{
		cfg:    cfg,
		cache:  freecache.NewCache(cacheSize),
		ttl:    max(int(cfg.TTL.Seconds()), 1),
		logger: logging.Component(cfg.Logger, "features"),
	}
}

func (s *Service) key() []byte {
	return []byte("flags:" + s.cfg.GigaID)
}

// Get returns the cached flags, fetching when the cache entry has expired.
// A failed fetch yields the last known flags, or the defaults if there are none.
func (s *Service) Get(ctx context.Context) Flags {
	if s.cfg.GigaID == "" {
		return s.cfg.Defaults
	}

	if data, err := s.cache.Get(s.key()); err == nil {
		var f Flags
		if json.Unmarshal(data, &f) == nil {
			return f
		}
	}

	f, err := s.fetch(ctx)
	if err != nil {
		s.logger.Warn("Feature flag fetch failed", slog.Any("error", err))
		return s.fallback()
	}
	if f == nil {
		return s.fallback()
	}

	if data, err := json.Marshal(f); err == nil {
		_ = s.cache.Set(s.key(), data, s.ttl)
	}
	s.mu.Lock()
	s.last = f
	s.mu.Unlock()

	s.logger.Debug("Feature flags refreshed", slog.Bool("ping_service", f.PingService))
	return *f
}

// PingServiceEnabled reports whether the prober should write results
func (s *Service) PingServiceEnabled(ctx context.Context) bool {
	return s.Get(ctx).PingService
}

func (s *Service) fallback() Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last != nil {
		return *s.last
	}
	return s.cfg.Defaults
}

type flagsResponse struct {
	Data json.RawMessage `json:"data"`
}

// fetch returns nil flags when the collector answers with an empty set
func (s *Service) fetch(ctx context.Context) (*Flags, error) {
	u := s.cfg.APIURL + "/schools/features_flags/" + url.PathEscape(s.cfg.GigaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var fr flagsResponse
	if err := json.Unmarshal(body, &fr); err != nil {
		return nil, fmt.Errorf("failed to decode flags: %w", err)
	}
	switch string(bytes.TrimSpace(fr.Data)) {
	case "", "null", "{}", "[]":
		return nil, nil
	}

	var f Flags
	if err := json.Unmarshal(fr.Data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode flags: %w", err)
	}
	return &f, nil
}
