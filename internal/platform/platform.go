// Package platform answers host questions: who this device is, whether it is online,
// and what it runs on.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/taniwha3/tidemeter/internal/logging"
	"github.com/taniwha3/tidemeter/internal/models"
)

// InstallIDFile holds the fallback fingerprint when the host exposes no id
const InstallIDFile = "install.id"

// Host is the gopsutil-backed platform
type Host struct {
	dir    string // where the fallback install id lives
	ifaces *InterfaceFilter
	logger *slog.Logger

	// overridable for tests
	hostID    func(ctx context.Context) (string, error)
	hostInfo  func(ctx context.Context) (*host.InfoStat, error)
	listIface func(ctx context.Context) ([]Interface, error)

	mu          sync.Mutex
	fingerprint string
}

// NewHost creates a platform that stores its fallback id under dir
func NewHost(dir string, logger *slog.Logger) *Host {
	return &Host{
		dir:       dir,
		ifaces:    NewInterfaceFilter(nil),
		logger:    logging.Component(logger, "platform"),
		hostID:    host.HostIDWithContext,
		hostInfo:  host.InfoWithContext,
		listIface: systemInterfaces,
	}
}

// Fingerprint returns a stable identifier for this machine. The host id is
// preferred; without one a random uuid is generated once and persisted.
func (h *Host) Fingerprint(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fingerprint != "" {
		return h.fingerprint, nil
	}

	id, err := h.hostID(ctx)
	if err == nil && strings.TrimSpace(id) != "" {
		h.fingerprint = strings.TrimSpace(id)
		return h.fingerprint, nil
	}
	if err != nil {
		h.logger.Debug("Host id unavailable, using install id", slog.Any("error", err))
	}

	id, err = h.installID()
	if err != nil {
		return "", err
	}
	h.fingerprint = id
	return id, nil
}

func (h *Host) installID() (string, error) {
	path := filepath.Join(h.dir, InstallIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read install id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create install id directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to write install id: %w", err)
	}
	return id, nil
}

// Online reports whether any usable interface is up with an address
func (h *Host) Online(ctx context.Context) bool {
	ifaces, err := h.listIface(ctx)
	if err != nil {
		h.logger.Warn("Failed to list network interfaces", slog.Any("error", err))
		// unknown is not offline
		return true
	}
	for _, iface := range h.ifaces.Filter(ifaces) {
		if iface.Up && len(iface.Addrs) > 0 {
			return true
		}
	}
	return false
}

// DeviceInfo describes the host for measurement records
func (h *Host) DeviceInfo(ctx context.Context) (models.DeviceInfo, error) {
	info, err := h.hostInfo(ctx)
	if err != nil {
		return models.DeviceInfo{}, fmt.Errorf("failed to read host info: %w", err)
	}
	return models.DeviceInfo{
		Hostname:      info.Hostname,
		OS:            info.OS,
		Platform:      strings.TrimSpace(info.Platform + " " + info.PlatformVersion),
		KernelVersion: info.KernelVersion,
	}, nil
}

// Static is a fixed platform
type Static struct {
	ID       string
	IsOnline bool
	Info     models.DeviceInfo
	Err      error
}

func (s Static) Fingerprint(ctx context.Context) (string, error) {
	return s.ID, s.Err
}

func (s Static) Online(ctx context.Context) bool {
	return s.IsOnline
}

func (s Static) DeviceInfo(ctx context.Context) (models.DeviceInfo, error) {
	return s.Info, s.Err
}
