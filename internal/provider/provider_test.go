package provider

import (
	"errors"
	"fmt"
	"testing"

	"github.com/taniwha3/tidemeter/internal/models"
)

func TestIsDiscovery(t *testing.T) {
	cause := errors.New("locate: 503")

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"discovery", Discovery(cause), true},
		{"wrapped discovery", fmt.Errorf("run: %w", Discovery(cause)), true},
		{"transfer", Transfer(cause), false},
		{"plain", cause, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDiscovery(tt.err); got != tt.want {
				t.Errorf("IsDiscovery() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("websocket: close 1006")
	err := Transfer(cause)

	if !errors.Is(err, cause) {
		t.Error("Expected cause in chain")
	}
	if err.Error() != "transfer failed: websocket: close 1006" {
		t.Errorf("Unexpected message %q", err.Error())
	}
}

func TestCallbacks_NilHooksAreSkipped(t *testing.T) {
	var cb Callbacks

	cb.EmitServerDiscovery()
	cb.EmitServerChosen(models.ServerInfo{})
	cb.EmitDownloadMeasurement(Measurement{})
	cb.EmitDownloadComplete(Summary{})
	cb.EmitUploadMeasurement(Measurement{})
	cb.EmitUploadComplete(Summary{})
}

func TestCallbacks_Fire(t *testing.T) {
	var chosen string
	var total int64
	cb := Callbacks{
		ServerChosen:     func(s models.ServerInfo) { chosen = s.Hostname },
		DownloadComplete: func(s Summary) { total += s.Bytes },
		UploadComplete:   func(s Summary) { total += s.Bytes },
	}

	cb.EmitServerChosen(models.ServerInfo{Hostname: "ndt-mlab1"})
	cb.EmitDownloadComplete(Summary{Bytes: 10})
	cb.EmitUploadComplete(Summary{Bytes: 5})

	if chosen != "ndt-mlab1" || total != 15 {
		t.Errorf("Unexpected callback state chosen=%q total=%d", chosen, total)
	}
}
