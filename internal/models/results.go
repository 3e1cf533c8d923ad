package models

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Schema versions for provider payloads. Bump when a field changes meaning.
const (
	LegacySchemaVersion = 1
	ModernSchemaVersion = 1
)

// ErrResultsMismatch is returned when a payload branch disagrees with its provider tag
var ErrResultsMismatch = errors.New("results payload does not match provider")

// Results is the provider-specific payload of a measurement.
// Exactly one branch is populated; consumers branch on Provider().
type Results struct {
	SchemaVersion int            `json:"schemaVersion"`
	Legacy        *LegacyResults `json:"legacy,omitempty"`
	Modern        *ModernResults `json:"modern,omitempty"`
}

// Provider returns the tag implied by the populated branch
func (r Results) Provider() Provider {
	switch {
	case r.Legacy != nil:
		return ProviderLegacy
	case r.Modern != nil:
		return ProviderModern
	default:
		return ""
	}
}

// Empty reports whether no branch is populated
func (r Results) Empty() bool {
	return r.Legacy == nil && r.Modern == nil
}

// LegacyFromResults wraps ndt7 results
func LegacyFromResults(l *LegacyResults) Results {
	return Results{SchemaVersion: LegacySchemaVersion, Legacy: l}
}

// ModernFromResults wraps multi-metric results
func ModernFromResults(m *ModernResults) Results {
	return Results{SchemaVersion: ModernSchemaVersion, Modern: m}
}

// Validate checks the payload against the record's provider tag
func (r Results) Validate(p Provider) error {
	if r.Legacy != nil && r.Modern != nil {
		return fmt.Errorf("%w: both branches populated", ErrResultsMismatch)
	}
	if r.Empty() {
		return nil
	}
	if r.Provider() != p {
		return fmt.Errorf("%w: payload is %s, record is %s", ErrResultsMismatch, r.Provider(), p)
	}
	return nil
}

// EncodeResults serializes a payload for storage
func EncodeResults(r Results) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeResults parses a stored payload and checks it against the provider tag
func DecodeResults(data []byte, p Provider) (Results, error) {
	var r Results
	if len(data) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("failed to decode results: %w", err)
	}
	if err := r.Validate(p); err != nil {
		return r, err
	}
	return r, nil
}

// LegacyResults is the payload of an ndt7 run
type LegacyResults struct {
	Download     *LegacyMeasurement `json:"download,omitempty"`
	Upload       *LegacyMeasurement `json:"upload,omitempty"`
	DownloadMbps float64            `json:"downloadMbps"`
	UploadMbps   float64            `json:"uploadMbps"`
	MinRTTMs     float64            `json:"minRttMs"`
}

// LegacyMeasurement mirrors an ndt7 server measurement message
type LegacyMeasurement struct {
	ConnectionInfo *ConnectionInfo `json:"ConnectionInfo,omitempty"`
	BBRInfo        *BBRInfo        `json:"BBRInfo,omitempty"`
	TCPInfo        *TCPInfo        `json:"TCPInfo,omitempty"`
	AppInfo        *AppInfo        `json:"AppInfo,omitempty"`
	Origin         string          `json:"Origin,omitempty"`
	Test           string          `json:"Test,omitempty"`
}

// ConnectionInfo identifies an ndt7 connection
type ConnectionInfo struct {
	Client string `json:"Client,omitempty"`
	Server string `json:"Server,omitempty"`
	UUID   string `json:"UUID,omitempty"`
}

// BBRInfo holds TCP BBR estimates reported by the server
type BBRInfo struct {
	BW          int64 `json:"BW"`
	MinRTT      int64 `json:"MinRTT"`
	PacingGain  int64 `json:"PacingGain,omitempty"`
	CwndGain    int64 `json:"CwndGain,omitempty"`
	ElapsedTime int64 `json:"ElapsedTime,omitempty"`
}

// TCPInfo holds the TCP_INFO counters reported by the server
type TCPInfo struct {
	BytesAcked    int64 `json:"BytesAcked"`
	BytesReceived int64 `json:"BytesReceived"`
	BytesSent     int64 `json:"BytesSent"`
	ElapsedTime   int64 `json:"ElapsedTime"` // microseconds
	MinRTT        int64 `json:"MinRTT"`      // microseconds
	RTT           int64 `json:"RTT,omitempty"`
}

// AppInfo holds application-level counters
type AppInfo struct {
	ElapsedTime int64 `json:"ElapsedTime"` // microseconds
	NumBytes    int64 `json:"NumBytes"`
}

// ModernResults is the payload of a multi-metric run
type ModernResults struct {
	DownloadBps   float64          `json:"downloadBps"`
	UploadBps     float64          `json:"uploadBps"`
	LatencyMs     float64          `json:"latencyMs"`
	JitterMs      float64          `json:"jitterMs"`
	PacketLoss    float64          `json:"packetLoss"`
	Download      []BandwidthPoint `json:"download,omitempty"`
	Upload        []BandwidthPoint `json:"upload,omitempty"`
	LatencyPoints []float64        `json:"latencyPoints,omitempty"`
}

// BandwidthPoint is one timed transfer
type BandwidthPoint struct {
	Bytes      int64   `json:"bytes"`
	Bps        float64 `json:"bps"`
	DurationMs float64 `json:"durationMs"`
}
