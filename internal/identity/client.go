package identity

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/taniwha3/tidemeter/internal/logging"
)

// Signing headers
const (
	HeaderAuthorization = "Authorization"
	HeaderNonce         = "x-device-nonce"
	HeaderSignature     = "X-HMAC-Signature"
	HeaderTimestamp     = "x-timestamp"

	invalidTokenMarker = "invalid device token"
	nonceSize          = 32
)

// TokenSource supplies and invalidates the device token
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// ClientConfig configures a signing Client
type ClientConfig struct {
	APIURL     string
	Secret     string
	Tokens     TokenSource
	Signer     Signer // default HMACSigner
	HTTPClient *http.Client
	Now        func() time.Time
	Logger     *slog.Logger
}

// Client is an http.Client wrapper that signs requests to the API origin
type Client struct {
	cfg    ClientConfig
	origin *url.URL
	logger *slog.Logger
}

// NewClient creates a signing client
func NewClient(cfg ClientConfig) (*Client, error) {
	origin, err := url.Parse(cfg.APIURL)
	if err != nil || origin.Host == "" {
		return nil, fmt.Errorf("invalid api url %q", cfg.APIURL)
	}
	if cfg.Signer == nil {
		cfg.Signer = HMACSigner{}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Client{cfg: cfg, origin: origin, logger: logging.Component(cfg.Logger, "identity")}, nil
}

func (c *Client) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, c.origin.Scheme) && strings.EqualFold(u.Host, c.origin.Host)
}

// Do sends req. Requests to the API origin are signed, and a 401 carrying
// "invalid device token" triggers one re-authentication and one replay.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if !c.sameOrigin(req.URL) {
		return c.cfg.HTTPClient.Do(req)
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to buffer request body: %w", err)
		}
	}

	resp, err := c.send(req, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read 401 response: %w", err)
	}
	if !strings.Contains(strings.ToLower(string(respBody)), invalidTokenMarker) {
		resp.Body = io.NopCloser(bytes.NewReader(respBody))
		return resp, nil
	}

	c.logger.Warn("Device token rejected, re-authenticating", slog.String("path", req.URL.Path))
	c.cfg.Tokens.Invalidate()
	return c.send(req, body)
}

// send signs and issues one attempt with a fresh nonce and timestamp
func (c *Client) send(orig *http.Request, body []byte) (*http.Response, error) {
	ctx := orig.Context()
	token, err := c.cfg.Tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	in := SignInput{
		Secret:    c.cfg.Secret,
		Token:     token,
		Nonce:     base64.StdEncoding.EncodeToString(nonce),
		Timestamp: strconv.FormatInt(c.cfg.Now().UnixMilli(), 10),
	}
	sig, err := c.cfg.Signer.Sign(in)
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	req := orig.Clone(ctx)
	if body != nil {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	req.Header.Set(HeaderAuthorization, "Device "+token)
	req.Header.Set(HeaderNonce, in.Nonce)
	req.Header.Set(HeaderSignature, sig)
	req.Header.Set(HeaderTimestamp, in.Timestamp)

	return c.cfg.HTTPClient.Do(req)
}
