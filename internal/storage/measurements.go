package storage

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"time"

	"github.com/goccy/go-json"

	"github.com/taniwha3/tidemeter/internal/models"
)

const measurementColumns = `id, uuid, timestamp_ms, provider, results, data_download, data_upload,
	data_total, version, notes, server_info, device_info, uploaded, is_synced, created_at_ms`

// SaveMeasurement appends a completed measurement and assigns its ID and CreatedAt.
// A record without a UUID gets a generated one.
func (s *Store) SaveMeasurement(ctx context.Context, m *models.MeasurementRecord) error {
	if !m.Provider.Valid() {
		return fmt.Errorf("%w: invalid provider %q", ErrStorage, m.Provider)
	}
	if err := m.Results.Validate(m.Provider); err != nil {
		return fault("validate results", err)
	}
	m.EnsureUUID()

	results, err := models.EncodeResults(m.Results)
	if err != nil {
		return fault("encode results", err)
	}
	server, err := json.Marshal(m.ServerInfo)
	if err != nil {
		return fault("encode server info", err)
	}
	device, err := json.Marshal(m.Device)
	if err != nil {
		return fault("encode device info", err)
	}

	created := s.now()
	result, err := s.measurements.ExecContext(ctx, `
		INSERT INTO measurements (uuid, timestamp_ms, provider, results, data_download, data_upload,
			data_total, version, notes, server_info, device_info, uploaded, is_synced, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`,
		m.UUID,
		m.Timestamp.UnixMilli(),
		string(m.Provider),
		string(results),
		m.DataUsage.Download,
		m.DataUsage.Upload,
		m.DataUsage.Total,
		m.Version,
		m.Notes,
		string(server),
		string(device),
		boolToInt(m.Uploaded),
		created.UnixMilli(),
	)
	if err != nil {
		return fault("save measurement", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fault("save measurement id", err)
	}

	m.ID = id
	m.Synced = false
	m.CreatedAt = time.UnixMilli(created.UnixMilli())
	return nil
}

// AllMeasurements yields every measurement in insertion order
func (s *Store) AllMeasurements(ctx context.Context) iter.Seq2[*models.MeasurementRecord, error] {
	return func(yield func(*models.MeasurementRecord, error) bool) {
		var after int64
		for {
			page, err := s.measurementPage(ctx, "id > ?", []any{after}, pageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, m := range page {
				if !yield(m, nil) {
					return
				}
				after = m.ID
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

// MeasurementsByStatus returns up to limit measurements with the given sync status, oldest first
func (s *Store) MeasurementsByStatus(ctx context.Context, status models.SyncStatus, limit int) ([]*models.MeasurementRecord, error) {
	return s.measurementPage(ctx, "is_synced = ?", []any{int(status)}, limit)
}

// GetMeasurement loads one measurement by ID; a missing row returns nil, nil
func (s *Store) GetMeasurement(ctx context.Context, id int64) (*models.MeasurementRecord, error) {
	page, err := s.measurementPage(ctx, "id = ?", []any{id}, 1)
	if err != nil || len(page) == 0 {
		return nil, err
	}
	return page[0], nil
}

// MarkMeasurementsSynced flags the given measurements as synced
func (s *Store) MarkMeasurementsSynced(ctx context.Context, ids []int64) (int64, error) {
	return markSynced(ctx, s.measurements, "measurements", ids)
}

// MarkMeasurementUploaded records the collector's acknowledgment of a measurement.
// An acknowledged row is also synced so the sync engine never sends it again.
// Synced rows are immutable and are not touched.
func (s *Store) MarkMeasurementUploaded(ctx context.Context, id int64) error {
	if _, err := s.measurements.ExecContext(ctx,
		"UPDATE measurements SET uploaded = 1, is_synced = 1 WHERE id = ? AND is_synced = 0", id,
	); err != nil {
		return fault("mark uploaded", err)
	}
	return nil
}

func (s *Store) measurementPage(ctx context.Context, where string, args []any, limit int) ([]*models.MeasurementRecord, error) {
	query := "SELECT " + measurementColumns + " FROM measurements WHERE " + where + " ORDER BY id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.measurements.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault("query measurements", err)
	}
	defer rows.Close()

	var out []*models.MeasurementRecord
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fault("iterate measurements", err)
	}
	return out, nil
}

func scanMeasurement(rows *sql.Rows) (*models.MeasurementRecord, error) {
	var (
		m                 models.MeasurementRecord
		tsMs, createdMs   int64
		provider, results string
		version, notes    sql.NullString
		server, device    sql.NullString
		uploaded, synced  int
	)
	if err := rows.Scan(&m.ID, &m.UUID, &tsMs, &provider, &results,
		&m.DataUsage.Download, &m.DataUsage.Upload, &m.DataUsage.Total,
		&version, &notes, &server, &device, &uploaded, &synced, &createdMs); err != nil {
		return nil, fault("scan measurement", err)
	}

	m.Provider = models.Provider(provider)
	m.Timestamp = time.UnixMilli(tsMs)
	m.CreatedAt = time.UnixMilli(createdMs)
	m.Version = version.String
	m.Notes = notes.String
	m.Uploaded = uploaded == 1
	m.Synced = synced == 1

	r, err := models.DecodeResults([]byte(results), m.Provider)
	if err != nil {
		return nil, fault(fmt.Sprintf("decode results of measurement %d", m.ID), err)
	}
	m.Results = r

	if server.Valid && server.String != "" {
		if err := json.Unmarshal([]byte(server.String), &m.ServerInfo); err != nil {
			return nil, fault("decode server info", err)
		}
	}
	if device.Valid && device.String != "" {
		if err := json.Unmarshal([]byte(device.String), &m.Device); err != nil {
			return nil, fault("decode device info", err)
		}
	}

	return &m, nil
}
