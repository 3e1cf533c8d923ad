// Package modern implements a multi-metric HTTP speed test: latency, jitter,
// download, upload and packet loss against a __down/__up style endpoint.
package modern

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/taniwha3/tidemeter/internal/logging"
	"github.com/taniwha3/tidemeter/internal/models"
	"github.com/taniwha3/tidemeter/internal/provider"
)

const (
	DefaultBaseURL = "https://speed.cloudflare.com"

	packetLossConcurrency = 10
	bandwidthPercentile   = 0.9
)

// Config configures the modern client
type Config struct {
	BaseURL    string
	Scale      ScaleOptions
	Plan       []Step // overrides DefaultSequence before scaling
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client runs the scaled measurement plan
type Client struct {
	cfg    Config
	plan   []Step
	logger *slog.Logger
}

// New creates a client and builds its plan
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	base := cfg.Plan
	if base == nil {
		base = DefaultSequence
	}
	return &Client{
		cfg:    cfg,
		plan:   BuildPlan(cfg.Scale, base),
		logger: logging.Component(cfg.Logger, "modern"),
	}
}

func (c *Client) Name() models.Provider {
	return models.ProviderModern
}

// Plan returns the scaled plan the client executes
func (c *Client) Plan() []Step {
	return slices.Clone(c.plan)
}

type metaResponse struct {
	Hostname string `json:"hostname"`
	Colo     string `json:"colo"`
	City     string `json:"city"`
	Country  string `json:"country"`
}

// Run executes latency, download and packet loss steps in plan order, then the upload steps
func (c *Client) Run(ctx context.Context, cb provider.Callbacks) (*provider.Outcome, error) {
	cb.EmitServerDiscovery()

	server, err := c.discover(ctx)
	if err != nil {
		return nil, provider.Discovery(err)
	}
	cb.EmitServerChosen(server)

	r := &models.ModernResults{}
	var sent, lost int

	downStart := time.Now()
	for _, s := range c.plan {
		switch s.Kind {
		case KindLatency:
			points, err := c.latency(ctx, s.NumPackets)
			if err != nil {
				return nil, c.transferErr(ctx, "latency", err)
			}
			r.LatencyPoints = append(r.LatencyPoints, points...)
		case KindDownload:
			for i := 0; i < s.Count; i++ {
				p, err := c.downloadOnce(ctx, s.Bytes)
				if err != nil {
					return nil, c.transferErr(ctx, "download", err)
				}
				r.Download = append(r.Download, p)
				cb.EmitDownloadMeasurement(provider.Measurement{
					Elapsed: time.Since(downStart),
					Mbps:    p.Bps / 1e6,
					Bytes:   p.Bytes,
				})
			}
		case KindPacketLoss:
			l, err := c.packetLoss(ctx, s.NumPackets, s.ResponsesWaitTime)
			if err != nil {
				return nil, c.transferErr(ctx, "packet loss", err)
			}
			sent += s.NumPackets
			lost += l
		}
	}
	r.DownloadBps = percentile(bps(r.Download), bandwidthPercentile)
	cb.EmitDownloadComplete(provider.Summary{Mbps: r.DownloadBps / 1e6, Bytes: sumBytes(r.Download)})

	upStart := time.Now()
	for _, s := range c.plan {
		if s.Kind != KindUpload {
			continue
		}
		for i := 0; i < s.Count; i++ {
			p, err := c.uploadOnce(ctx, s.Bytes)
			if err != nil {
				return nil, c.transferErr(ctx, "upload", err)
			}
			r.Upload = append(r.Upload, p)
			cb.EmitUploadMeasurement(provider.Measurement{
				Elapsed: time.Since(upStart),
				Mbps:    p.Bps / 1e6,
				Bytes:   p.Bytes,
			})
		}
	}
	r.UploadBps = percentile(bps(r.Upload), bandwidthPercentile)
	cb.EmitUploadComplete(provider.Summary{Mbps: r.UploadBps / 1e6, Bytes: sumBytes(r.Upload)})

	r.LatencyMs = percentile(r.LatencyPoints, 0.5)
	r.JitterMs = jitter(r.LatencyPoints)
	if sent > 0 {
		r.PacketLoss = float64(lost) / float64(sent)
	}

	c.logger.Info("Modern measurement finished",
		slog.Float64("download_mbps", r.DownloadBps/1e6),
		slog.Float64("upload_mbps", r.UploadBps/1e6),
		slog.Float64("latency_ms", r.LatencyMs),
		slog.Float64("packet_loss", r.PacketLoss),
	)

	return &provider.Outcome{
		Results:   models.ModernFromResults(r),
		DataUsage: DataUsage(r),
		Server:    server,
	}, nil
}

// DataUsage sums the bytes of every bandwidth point
func DataUsage(r *models.ModernResults) models.DataUsage {
	return models.NewDataUsage(sumBytes(r.Download), sumBytes(r.Upload))
}

func (c *Client) discover(ctx context.Context) (models.ServerInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/meta", nil)
	if err != nil {
		return models.ServerInfo{}, err
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return models.ServerInfo{}, fmt.Errorf("meta request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.ServerInfo{}, fmt.Errorf("meta returned status %d", resp.StatusCode)
	}

	var meta metaResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&meta); err != nil {
		return models.ServerInfo{}, fmt.Errorf("could not understand meta response: %w", err)
	}

	host := meta.Hostname
	if host == "" {
		if u, err := url.Parse(c.cfg.BaseURL); err == nil {
			host = u.Host
		}
	}
	return models.ServerInfo{
		Hostname: host,
		City:     meta.City,
		Country:  meta.Country,
		Site:     meta.Colo,
		URL:      c.cfg.BaseURL,
	}, nil
}

func (c *Client) downURL(n int64) string {
	return c.cfg.BaseURL + "/__down?bytes=" + strconv.FormatInt(n, 10)
}

// latency issues n zero-byte downloads and records time to response headers in ms
func (c *Client) latency(ctx context.Context, n int) ([]float64, error) {
	points := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.downURL(0), nil)
		if err != nil {
			return nil, err
		}
		start := time.Now()
		resp, err := c.cfg.HTTPClient.Do(req)
		if err != nil {
			return nil, err
		}
		ttfb := time.Since(start)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("latency probe returned status %d", resp.StatusCode)
		}
		points = append(points, float64(ttfb.Microseconds())/1000)
	}
	return points, nil
}

func (c *Client) downloadOnce(ctx context.Context, n int64) (models.BandwidthPoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.downURL(n), nil)
	if err != nil {
		return models.BandwidthPoint{}, err
	}
	start := time.Now()
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return models.BandwidthPoint{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.BandwidthPoint{}, fmt.Errorf("download returned status %d", resp.StatusCode)
	}
	read, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return models.BandwidthPoint{}, err
	}
	return point(read, time.Since(start)), nil
}

func (c *Client) uploadOnce(ctx context.Context, n int64) (models.BandwidthPoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/__up", io.LimitReader(zeros{}, n))
	if err != nil {
		return models.BandwidthPoint{}, err
	}
	req.ContentLength = n
	req.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return models.BandwidthPoint{}, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.BandwidthPoint{}, fmt.Errorf("upload returned status %d", resp.StatusCode)
	}
	return point(n, time.Since(start)), nil
}

// packetLoss sends n small requests and counts those not answered within wait
func (c *Client) packetLoss(ctx context.Context, n int, wait time.Duration) (int, error) {
	if wait <= 0 {
		wait = 3 * time.Second
	}
	var lost atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(packetLossConcurrency)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			reqCtx, cancel := context.WithTimeout(gctx, wait)
			defer cancel()

			req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.downURL(0), nil)
			if err != nil {
				return err
			}
			resp, err := c.cfg.HTTPClient.Do(req)
			if err != nil {
				lost.Add(1)
				return nil
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				lost.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return int(lost.Load()), nil
}

func (c *Client) transferErr(ctx context.Context, phase string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return provider.Transfer(fmt.Errorf("%s: %w", phase, err))
}

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func point(n int64, d time.Duration) models.BandwidthPoint {
	p := models.BandwidthPoint{Bytes: n, DurationMs: float64(d.Microseconds()) / 1000}
	if d > 0 {
		p.Bps = float64(n) * 8 / d.Seconds()
	}
	return p
}

func bps(points []models.BandwidthPoint) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Bps
	}
	return out
}

func sumBytes(points []models.BandwidthPoint) int64 {
	var total int64
	for _, p := range points {
		total += p.Bytes
	}
	return total
}

// percentile returns the q-quantile of values by linear interpolation
func percentile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)

	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

// jitter is the mean absolute difference between consecutive latency samples
func jitter(points []float64) float64 {
	if len(points) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(points); i++ {
		sum += math.Abs(points[i] - points[i-1])
	}
	return sum / float64(len(points)-1)
}
