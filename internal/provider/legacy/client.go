// Package legacy implements the ndt7 speed test protocol over websockets.
package legacy

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/taniwha3/tidemeter/internal/logging"
	"github.com/taniwha3/tidemeter/internal/models"
	"github.com/taniwha3/tidemeter/internal/provider"
)

const (
	// Subprotocol is the websocket subprotocol spoken by ndt7 servers
	Subprotocol = "net.measurementlab.ndt.v7"

	DefaultLocateURL = "https://locate.measurementlab.net/v2/nearest/ndt/ndt7"
	DefaultDuration  = 10 * time.Second

	measurementInterval = 250 * time.Millisecond
	closeGrace          = 3 * time.Second
	maxMessageSize      = 1 << 24
	initialUploadSize   = 1 << 13
	maxUploadSize       = 1 << 20
)

// Config configures the ndt7 client
type Config struct {
	LocateURL  string
	Duration   time.Duration // per direction
	UserAgent  string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *slog.Logger
}

// Client runs ndt7 download and upload tests against a located server
type Client struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an ndt7 client, filling unset fields with defaults
func New(cfg Config) *Client {
	if cfg.LocateURL == "" {
		cfg.LocateURL = DefaultLocateURL
	}
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultDuration
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "tidemeter-ndt7"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	d := *cfg.Dialer
	d.Subprotocols = []string{Subprotocol}
	cfg.Dialer = &d

	return &Client{cfg: cfg, logger: logging.Component(cfg.Logger, "ndt7")}
}

func (c *Client) Name() models.Provider {
	return models.ProviderLegacy
}

// Run locates a server, then measures download followed by upload
func (c *Client) Run(ctx context.Context, cb provider.Callbacks) (*provider.Outcome, error) {
	cb.EmitServerDiscovery()

	tgt, err := c.locate(ctx)
	if err != nil {
		return nil, provider.Discovery(err)
	}
	cb.EmitServerChosen(tgt.server)
	c.logger.Info("ndt7 server chosen",
		slog.String("machine", tgt.server.Hostname),
		slog.String("city", tgt.server.City),
	)

	down, err := c.download(ctx, tgt.downloadURL, cb)
	if err != nil {
		return nil, transferErr(ctx, "download", err)
	}
	cb.EmitDownloadComplete(provider.Summary{Mbps: down.mbps(), Bytes: down.bytes})

	up, err := c.upload(ctx, tgt.uploadURL, cb)
	if err != nil {
		return nil, transferErr(ctx, "upload", err)
	}
	upMbps := up.mbps()
	if up.server != nil && up.server.TCPInfo != nil && up.server.TCPInfo.ElapsedTime > 0 {
		// bits per microsecond is megabits per second
		upMbps = float64(up.server.TCPInfo.BytesReceived) * 8 / float64(up.server.TCPInfo.ElapsedTime)
	}
	cb.EmitUploadComplete(provider.Summary{Mbps: upMbps, Bytes: up.bytes})

	results := &models.LegacyResults{
		Download:     down.server,
		Upload:       up.server,
		DownloadMbps: down.mbps(),
		UploadMbps:   upMbps,
	}
	if down.server != nil && down.server.TCPInfo != nil {
		results.MinRTTMs = float64(down.server.TCPInfo.MinRTT) / 1000
	}

	out := &provider.Outcome{
		Results:   models.LegacyFromResults(results),
		DataUsage: DataUsage(results, down.bytes, up.bytes),
		Server:    tgt.server,
	}
	if down.server != nil && down.server.ConnectionInfo != nil {
		out.UUID = down.server.ConnectionInfo.UUID
	}
	return out, nil
}

// DataUsage sums the server-reported TCP counters of both final measurements.
// When the server never reported TCPInfo the client byte counters are used.
func DataUsage(r *models.LegacyResults, clientDown, clientUp int64) models.DataUsage {
	var acked, received int64
	reported := false
	for _, m := range []*models.LegacyMeasurement{r.Download, r.Upload} {
		if m == nil || m.TCPInfo == nil {
			continue
		}
		reported = true
		acked += m.TCPInfo.BytesAcked
		received += m.TCPInfo.BytesReceived
	}
	if !reported {
		return models.NewDataUsage(clientDown, clientUp)
	}
	return models.NewDataUsage(received, acked)
}

// transfer accumulates one direction's counters
type transfer struct {
	mu      sync.Mutex
	bytes   int64
	elapsed time.Duration
	server  *models.LegacyMeasurement
}

func (t *transfer) mbps() float64 {
	if t.elapsed <= 0 {
		return 0
	}
	return float64(t.bytes) * 8 / t.elapsed.Seconds() / 1e6
}

func (t *transfer) setServer(m *models.LegacyMeasurement) {
	t.mu.Lock()
	t.server = m
	t.mu.Unlock()
}

func (c *Client) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("User-Agent", c.cfg.UserAgent)

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

func (c *Client) download(ctx context.Context, url string, cb provider.Callbacks) (*transfer, error) {
	conn, err := c.dial(ctx, url)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	start := time.Now()
	if err := conn.SetReadDeadline(start.Add(c.cfg.Duration + closeGrace)); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	t := &transfer{}
	lastEmit := start

	for {
		kind, r, err := conn.NextReader()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) ||
				(isTimeout(err) && time.Since(start) >= c.cfg.Duration) {
				break
			}
			return nil, err
		}

		if kind == websocket.TextMessage {
			data, err := io.ReadAll(r)
			if err != nil {
				return nil, err
			}
			t.bytes += int64(len(data))
			var m models.LegacyMeasurement
			if err := json.Unmarshal(data, &m); err == nil {
				t.server = &m
				cb.EmitDownloadMeasurement(provider.Measurement{
					Elapsed: time.Since(start),
					Mbps:    serverMbps(&m),
					Bytes:   t.bytes,
					Raw:     &m,
				})
			}
		} else {
			n, err := io.Copy(io.Discard, r)
			if err != nil {
				return nil, err
			}
			t.bytes += n
		}

		if now := time.Now(); now.Sub(lastEmit) >= measurementInterval {
			lastEmit = now
			t.elapsed = now.Sub(start)
			cb.EmitDownloadMeasurement(provider.Measurement{Elapsed: t.elapsed, Mbps: t.mbps(), Bytes: t.bytes})
		}
	}

	t.elapsed = time.Since(start)
	return t, nil
}

func (c *Client) upload(ctx context.Context, url string, cb provider.Callbacks) (*transfer, error) {
	conn, err := c.dial(ctx, url)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	start := time.Now()
	t := &transfer{}

	// The server reports its view of the transfer as text messages
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind != websocket.TextMessage {
				continue
			}
			var m models.LegacyMeasurement
			if json.Unmarshal(data, &m) == nil {
				t.setServer(&m)
			}
		}
	}()

	size := initialUploadSize
	msg, err := preparedUpload(size)
	if err != nil {
		return nil, err
	}

	end := start.Add(c.cfg.Duration)
	lastEmit := start
	var sent int64

	for time.Now().Before(end) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := conn.SetWriteDeadline(end.Add(closeGrace)); err != nil {
			return nil, err
		}
		if err := conn.WritePreparedMessage(msg); err != nil {
			return nil, err
		}
		sent += int64(size)

		// Grow frames so per-message overhead stays small on fast links
		if size < maxUploadSize && sent >= int64(16*size) {
			size *= 2
			if msg, err = preparedUpload(size); err != nil {
				return nil, err
			}
		}

		if now := time.Now(); now.Sub(lastEmit) >= measurementInterval {
			lastEmit = now
			elapsed := now.Sub(start)
			cb.EmitUploadMeasurement(provider.Measurement{
				Elapsed: elapsed,
				Mbps:    float64(sent) * 8 / elapsed.Seconds() / 1e6,
				Bytes:   sent,
			})
		}
	}

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))

	select {
	case <-readDone:
	case <-time.After(closeGrace):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.bytes = sent
	t.elapsed = time.Since(start)
	return &transfer{bytes: t.bytes, elapsed: t.elapsed, server: t.server}, nil
}

func preparedUpload(size int) (*websocket.PreparedMessage, error) {
	payload := make([]byte, size)
	if _, err := rand.Read(payload); err != nil {
		return nil, fmt.Errorf("failed to generate upload payload: %w", err)
	}
	return websocket.NewPreparedMessage(websocket.BinaryMessage, payload)
}

// serverMbps derives throughput from a server measurement's TCPInfo
func serverMbps(m *models.LegacyMeasurement) float64 {
	if m.TCPInfo == nil || m.TCPInfo.ElapsedTime <= 0 {
		return 0
	}
	return float64(m.TCPInfo.BytesAcked) * 8 / float64(m.TCPInfo.ElapsedTime)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func transferErr(ctx context.Context, phase string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return provider.Transfer(fmt.Errorf("%s: %w", phase, err))
}
