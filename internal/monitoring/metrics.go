package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tidemeter"

// Metrics holds the agent's own counters and gauges on a private registry
type Metrics struct {
	registry *prometheus.Registry

	measurements       *prometheus.CounterVec
	measurementSeconds *prometheus.HistogramVec
	measurementUploads *prometheus.CounterVec
	dataUsageBytes     *prometheus.CounterVec

	probes       *prometheus.CounterVec
	probeLatency prometheus.Histogram

	syncBatches  *prometheus.CounterVec
	syncRecords  *prometheus.CounterVec
	syncDuration prometheus.Histogram

	authRefreshes *prometheus.CounterVec

	pending        *prometheus.GaugeVec
	dbSizeBytes    prometheus.Gauge
	walSizeBytes   prometheus.Gauge
	clockSkewMs    prometheus.Gauge
	lastSyncSecond prometheus.Gauge
}

// NewMetrics creates the metric set with a device_id const label
func NewMetrics(deviceID string) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"device_id": deviceID}

	m := &Metrics{
		registry: reg,
		measurements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "measurements_total",
			Help:        "Measurement runs by provider and result.",
			ConstLabels: labels,
		}, []string{"provider", "result"}),
		measurementSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "measurement_duration_seconds",
			Help:        "Wall time of completed measurement runs.",
			ConstLabels: labels,
			Buckets:     []float64{5, 10, 20, 30, 45, 60, 90, 120, 180},
		}, []string{"provider"}),
		measurementUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "measurement_uploads_total",
			Help:        "Immediate measurement uploads by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		dataUsageBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "measurement_data_bytes_total",
			Help:        "Bytes moved by measurements.",
			ConstLabels: labels,
		}, []string{"direction"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "probes_total",
			Help:        "Connectivity probes by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		probeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "probe_latency_milliseconds",
			Help:        "Latency of successful connectivity probes.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(10, 2, 10),
		}),
		syncBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "sync_batches_total",
			Help:        "Sync batches by collection and result.",
			ConstLabels: labels,
		}, []string{"collection", "result"}),
		syncRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "sync_records_total",
			Help:        "Records marked synced by collection.",
			ConstLabels: labels,
		}, []string{"collection"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "sync_duration_seconds",
			Help:        "Duration of sync passes.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		authRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "auth_refreshes_total",
			Help:        "Device token authentications by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pending_records",
			Help:        "Unsynced rows per collection.",
			ConstLabels: labels,
		}, []string{"collection"}),
		dbSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "storage_database_size_bytes",
			Help:        "Size of the database files.",
			ConstLabels: labels,
		}),
		walSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "storage_wal_size_bytes",
			Help:        "Size of the write-ahead logs.",
			ConstLabels: labels,
		}),
		clockSkewMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "clock_skew_milliseconds",
			Help:        "Local clock minus server Date header. Positive means local is ahead.",
			ConstLabels: labels,
		}),
		lastSyncSecond: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "last_successful_sync_timestamp_seconds",
			Help:        "Unix time of the last sync pass without errors.",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(
		m.measurements, m.measurementSeconds, m.measurementUploads, m.dataUsageBytes,
		m.probes, m.probeLatency,
		m.syncBatches, m.syncRecords, m.syncDuration,
		m.authRefreshes,
		m.pending, m.dbSizeBytes, m.walSizeBytes, m.clockSkewMs, m.lastSyncSecond,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the private registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordMeasurement counts a finished run. duration is only observed for completed runs.
func (m *Metrics) RecordMeasurement(provider string, ok bool, duration time.Duration, download, upload int64) {
	m.measurements.WithLabelValues(provider, result(ok)).Inc()
	if !ok {
		return
	}
	m.measurementSeconds.WithLabelValues(provider).Observe(duration.Seconds())
	m.dataUsageBytes.WithLabelValues("download").Add(float64(download))
	m.dataUsageBytes.WithLabelValues("upload").Add(float64(upload))
}

func (m *Metrics) RecordMeasurementUpload(ok bool) {
	m.measurementUploads.WithLabelValues(result(ok)).Inc()
}

// RecordProbe counts a probe; latencyMs is ignored for disconnected probes
func (m *Metrics) RecordProbe(connected bool, latencyMs float64) {
	if !connected {
		m.probes.WithLabelValues("disconnected").Inc()
		return
	}
	m.probes.WithLabelValues("connected").Inc()
	m.probeLatency.Observe(latencyMs)
}

func (m *Metrics) RecordSyncBatch(collection string, ok bool, records int) {
	m.syncBatches.WithLabelValues(collection, result(ok)).Inc()
	if ok {
		m.syncRecords.WithLabelValues(collection).Add(float64(records))
	}
}

// RecordSyncPass observes one full pass and stamps the last success time
func (m *Metrics) RecordSyncPass(duration time.Duration, ok bool, at time.Time) {
	m.syncDuration.Observe(duration.Seconds())
	if ok {
		m.lastSyncSecond.Set(float64(at.Unix()))
	}
}

func (m *Metrics) RecordAuthRefresh(ok bool) {
	m.authRefreshes.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) SetPending(collection string, n int64) {
	m.pending.WithLabelValues(collection).Set(float64(n))
}

// UpdateStorageMetrics sets the database and WAL size gauges
func (m *Metrics) UpdateStorageMetrics(dbSize, walSize int64) {
	m.dbSizeBytes.Set(float64(dbSize))
	m.walSizeBytes.Set(float64(walSize))
}

func (m *Metrics) UpdateClockSkew(skew time.Duration) {
	m.clockSkewMs.Set(float64(skew.Milliseconds()))
}
