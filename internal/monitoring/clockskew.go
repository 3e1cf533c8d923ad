package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNoDateHeader is returned when a response carries no Date header
var ErrNoDateHeader = errors.New("no Date header in response")

// ClockSkewResult contains clock skew measurement details
type ClockSkewResult struct {
	Skew       time.Duration // positive = local ahead
	ServerTime time.Time
	LocalTime  time.Time // local estimate at the moment the server stamped the response
	RoundTrip  time.Duration
}

// SkewFromResponse estimates clock skew from a response's Date header, given the local
// instants just before the request and just after the response arrived.
// The local estimate is the round-trip midpoint.
func SkewFromResponse(resp *http.Response, before, after time.Time) (*ClockSkewResult, error) {
	dateStr := resp.Header.Get("Date")
	if dateStr == "" {
		return nil, ErrNoDateHeader
	}

	serverTime, err := http.ParseTime(dateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Date header %q: %w", dateStr, err)
	}

	roundTrip := after.Sub(before)
	localEstimate := before.Add(roundTrip / 2)

	return &ClockSkewResult{
		Skew:       localEstimate.Sub(serverTime),
		ServerTime: serverTime,
		LocalTime:  localEstimate,
		RoundTrip:  roundTrip,
	}, nil
}

// DetectClockSkew issues a GET to url and compares the server's Date header with local time.
// Request signatures carry a millisecond timestamp, so a large skew shows up as auth failures.
func DetectClockSkew(ctx context.Context, client *http.Client, url string) (*ClockSkewResult, error) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	before := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	after := time.Now()

	return SkewFromResponse(resp, before, after)
}
