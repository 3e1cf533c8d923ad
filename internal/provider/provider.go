// Package provider defines the contract between the measurement orchestrator and
// the speed test backends.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taniwha3/tidemeter/internal/models"
)

// Code classifies a provider failure
type Code int

const (
	// CodeDiscovery means no measurement server could be located. These are retried.
	CodeDiscovery Code = iota + 1
	// CodeTransfer means a server was chosen but the transfer failed
	CodeTransfer
)

func (c Code) String() string {
	switch c {
	case CodeDiscovery:
		return "discovery"
	case CodeTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Error is a classified provider failure
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Discovery wraps err as a discovery failure
func Discovery(err error) error {
	return &Error{Code: CodeDiscovery, Err: err}
}

// Transfer wraps err as a transfer failure
func Transfer(err error) error {
	return &Error{Code: CodeTransfer, Err: err}
}

// IsDiscovery reports whether err is, or wraps, a discovery failure
func IsDiscovery(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == CodeDiscovery
}

// Measurement is an intermediate progress sample
type Measurement struct {
	Elapsed time.Duration
	Mbps    float64
	Bytes   int64
	Raw     any // provider-specific detail, e.g. *models.LegacyMeasurement
}

// Summary closes one transfer direction
type Summary struct {
	Mbps  float64
	Bytes int64
}

// Callbacks are the lifecycle hooks a provider fires during Run. Nil hooks are skipped.
type Callbacks struct {
	ServerDiscovery     func()
	ServerChosen        func(models.ServerInfo)
	DownloadMeasurement func(Measurement)
	DownloadComplete    func(Summary)
	UploadMeasurement   func(Measurement)
	UploadComplete      func(Summary)
}

func (c Callbacks) EmitServerDiscovery() {
	if c.ServerDiscovery != nil {
		c.ServerDiscovery()
	}
}

func (c Callbacks) EmitServerChosen(s models.ServerInfo) {
	if c.ServerChosen != nil {
		c.ServerChosen(s)
	}
}

func (c Callbacks) EmitDownloadMeasurement(m Measurement) {
	if c.DownloadMeasurement != nil {
		c.DownloadMeasurement(m)
	}
}

func (c Callbacks) EmitDownloadComplete(s Summary) {
	if c.DownloadComplete != nil {
		c.DownloadComplete(s)
	}
}

func (c Callbacks) EmitUploadMeasurement(m Measurement) {
	if c.UploadMeasurement != nil {
		c.UploadMeasurement(m)
	}
}

func (c Callbacks) EmitUploadComplete(s Summary) {
	if c.UploadComplete != nil {
		c.UploadComplete(s)
	}
}

// Outcome is the result of a completed run
type Outcome struct {
	Results   models.Results
	DataUsage models.DataUsage // bytes moved, as counted by the provider
	UUID      string           // server-assigned id, empty if none
	Server    models.ServerInfo
}

// Provider runs one speed test
type Provider interface {
	Name() models.Provider
	Run(ctx context.Context, cb Callbacks) (*Outcome, error)
}
