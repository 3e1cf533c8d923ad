package models

import (
	"time"

	"github.com/google/uuid"
)

// PingResult is one lightweight connectivity probe
type PingResult struct {
	ID                  int64     `json:"-"`
	Timestamp           time.Time `json:"timestamp"`
	IsConnected         bool      `json:"isConnected"`
	ErrorMessage        *string   `json:"errorMessage"`
	DeviceCorrelationID string    `json:"browserId"`
	LocalRequestID      string    `json:"app_local_uuid"`
	LatencyMs           *float64  `json:"latency"`
	IsSynced            bool      `json:"-"`
	CreatedAt           time.Time `json:"-"`
}

// NewPingResult creates a probe result with a fresh per-attempt request id
func NewPingResult(deviceID string, ts time.Time) *PingResult {
	return &PingResult{
		Timestamp:           ts,
		DeviceCorrelationID: deviceID,
		LocalRequestID:      uuid.NewString(),
	}
}

// WithError marks the probe as failed
func (p *PingResult) WithError(msg string) *PingResult {
	p.IsConnected = false
	p.ErrorMessage = &msg
	return p
}

// WithLatency marks the probe as connected with the given latency
func (p *PingResult) WithLatency(ms float64) *PingResult {
	p.IsConnected = true
	p.LatencyMs = &ms
	return p
}
