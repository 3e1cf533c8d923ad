package legacy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/taniwha3/tidemeter/internal/models"
)

const (
	downloadPath = "/ndt/v7/download"
	uploadPath   = "/ndt/v7/upload"
)

// ErrNoServers is returned when the locate API answers without a usable server
var ErrNoServers = errors.New("locate returned no usable servers")

type locateResponse struct {
	Results []locateResult `json:"results"`
}

type locateResult struct {
	Machine  string `json:"machine"`
	Location struct {
		City    string `json:"city"`
		Country string `json:"country"`
	} `json:"location"`
	URLs map[string]string `json:"urls"`
}

// target is a chosen server with its two test URLs
type target struct {
	server      models.ServerInfo
	downloadURL string
	uploadURL   string
}

func (c *Client) locate(ctx context.Context) (*target, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.LocateURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build locate request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("locate request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read locate response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("locate returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var lr locateResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, fmt.Errorf("could not understand locate response: %w", err)
	}

	for _, r := range lr.Results {
		down := pickURL(r.URLs, downloadPath)
		up := pickURL(r.URLs, uploadPath)
		if down == "" || up == "" {
			continue
		}
		return &target{
			server: models.ServerInfo{
				Hostname: r.Machine,
				City:     r.Location.City,
				Country:  r.Location.Country,
				Site:     siteOf(r.Machine),
				URL:      stripQuery(down),
			},
			downloadURL: down,
			uploadURL:   up,
		}, nil
	}

	return nil, ErrNoServers
}

// pickURL prefers the wss:// entry for path and falls back to ws://
func pickURL(urls map[string]string, path string) string {
	if u, ok := urls["wss://"+path]; ok {
		return u
	}
	return urls["ws://"+path]
}

// siteOf extracts the site code from a machine name such as mlab1-lhr05.mlab-oti.measurement-lab.org
func siteOf(machine string) string {
	host, _, _ := strings.Cut(machine, ".")
	if _, site, ok := strings.Cut(host, "-"); ok {
		return site
	}
	return ""
}

func stripQuery(u string) string {
	base, _, _ := strings.Cut(u, "?")
	return base
}
