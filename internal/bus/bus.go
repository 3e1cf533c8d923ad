// Package bus delivers measurement lifecycle and history events to in-process observers.
package bus

import (
	"slices"
	"sync"

	"github.com/taniwha3/tidemeter/internal/models"
)

// Test status names carried in StatusEvent.TestStatus
const (
	StatusOnStart          = "onstart"
	StatusServerDiscovery  = "server_discovery"
	StatusServerChosen     = "server_chosen"
	StatusRetrying         = "retrying"
	StatusIntervalDownload = "interval_download"
	StatusIntervalUpload   = "interval_upload"
	StatusDownloadComplete = "download_complete"
	StatusUploadComplete   = "upload_complete"
	StatusComplete         = "complete"
	StatusError            = "error"
)

// Error types carried in an error event's payload
const (
	ErrorTypeLocateServer = "locate_server_error"
	ErrorTypeTest         = "test_error"
)

// StatusEvent is one measurement lifecycle notification
type StatusEvent struct {
	TestStatus string
	Progress   float64
	Provider   models.Provider
	RunID      string
	Payload    map[string]any
}

// HistoryChanged announces that a measurement was saved
type HistoryChanged struct {
	MeasurementID int64
	UUID          string
}

// Bus is a synchronous typed event dispatcher. Handlers run on the publisher's
// goroutine in publish order and must not block.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	status  map[int]func(StatusEvent)
	history map[int]func(HistoryChanged)
}

// New creates an empty bus
func New() *Bus {
	return &Bus{
		status:  make(map[int]func(StatusEvent)),
		history: make(map[int]func(HistoryChanged)),
	}
}

// Subscribe registers a status handler and returns its unsubscribe func
func (b *Bus) Subscribe(fn func(StatusEvent)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.status[id] = fn

	return func() {
		b.mu.Lock()
		delete(b.status, id)
		b.mu.Unlock()
	}
}

// SubscribeHistory registers a history handler and returns its unsubscribe func
func (b *Bus) SubscribeHistory(fn func(HistoryChanged)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.history[id] = fn

	return func() {
		b.mu.Lock()
		delete(b.history, id)
		b.mu.Unlock()
	}
}

// PublishStatus delivers ev to every status handler, in subscription order
func (b *Bus) PublishStatus(ev StatusEvent) {
	for _, fn := range snapshot(b, b.status) {
		fn(ev)
	}
}

// PublishHistory delivers ev to every history handler, in subscription order
func (b *Bus) PublishHistory(ev HistoryChanged) {
	for _, fn := range snapshot(b, b.history) {
		fn(ev)
	}
}

// snapshot copies handlers ordered by id so handlers may unsubscribe while running
func snapshot[T any](b *Bus, handlers map[int]func(T)) []func(T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]int, 0, len(handlers))
	for id := range handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]func(T), len(ids))
	for i, id := range ids {
		out[i] = handlers[id]
	}
	return out
}

