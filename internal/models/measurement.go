package models

import (
	"time"

	"github.com/google/uuid"
)

// Provider identifies which measurement backend produced a record
type Provider string

const (
	ProviderLegacy Provider = "legacy" // ndt7 protocol client
	ProviderModern Provider = "modern" // multi-metric HTTP client
)

// Valid reports whether p is a known provider tag
func (p Provider) Valid() bool {
	return p == ProviderLegacy || p == ProviderModern
}

// Origin tags carried in MeasurementRecord.Notes
const (
	NotesManual    = "manual"
	NotesScheduled = "scheduled"
	NotesFirstRun  = "first-run"
)

// DataUsage is the number of bytes a measurement moved over the network
type DataUsage struct {
	Download int64 `json:"download"`
	Upload   int64 `json:"upload"`
	Total    int64 `json:"total"`
}

// Add returns the element-wise sum of two usages
func (d DataUsage) Add(o DataUsage) DataUsage {
	return DataUsage{
		Download: d.Download + o.Download,
		Upload:   d.Upload + o.Upload,
		Total:    d.Total + o.Total,
	}
}

// NewDataUsage builds a usage with Total derived from the two directions
func NewDataUsage(download, upload int64) DataUsage {
	return DataUsage{Download: download, Upload: upload, Total: download + upload}
}

// ServerInfo describes the measurement server that was chosen for a run
type ServerInfo struct {
	Hostname string `json:"hostname,omitempty"`
	City     string `json:"city,omitempty"`
	Country  string `json:"country,omitempty"`
	Site     string `json:"site,omitempty"`
	URL      string `json:"url,omitempty"`
}

// DeviceInfo is host metadata attached to every measurement
type DeviceInfo struct {
	Hostname      string `json:"hostname,omitempty"`
	OS            string `json:"os,omitempty"`
	Platform      string `json:"platform,omitempty"`
	KernelVersion string `json:"kernelVersion,omitempty"`
}

// MeasurementRecord is one completed speed test
type MeasurementRecord struct {
	ID         int64      `json:"-"`
	Timestamp  time.Time  `json:"timestamp"`
	Provider   Provider   `json:"provider"`
	Results    Results    `json:"results"`
	DataUsage  DataUsage  `json:"dataUsage"`
	UUID       string     `json:"uuid"`
	Version    string     `json:"version"`
	Notes      string     `json:"notes"`
	ServerInfo ServerInfo `json:"serverInfo"`
	Device     DeviceInfo `json:"device"`
	Uploaded   bool       `json:"uploaded"`
	Synced     bool       `json:"-"`
	CreatedAt  time.Time  `json:"-"`
}

// NewMeasurementRecord starts an in-memory record for a run
func NewMeasurementRecord(provider Provider, notes, version string) *MeasurementRecord {
	if notes == "" {
		notes = NotesManual
	}
	return &MeasurementRecord{
		Timestamp: time.Now(),
		Provider:  provider,
		Notes:     notes,
		Version:   version,
	}
}

// EnsureUUID assigns a random UUID when the provider did not supply one
func (m *MeasurementRecord) EnsureUUID() {
	if m.UUID == "" {
		m.UUID = uuid.NewString()
	}
}
