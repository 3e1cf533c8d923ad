package storage

import (
	"context"
	"database/sql"
	"iter"
	"time"

	"github.com/taniwha3/tidemeter/internal/models"
)

const pingColumns = `id, local_request_id, timestamp_ms, is_connected, error_message,
	device_id, latency_ms, is_synced, created_at_ms`

// SavePing appends a probe result and assigns its ID and CreatedAt
func (s *Store) SavePing(ctx context.Context, p *models.PingResult) error {
	created := s.now()

	var errMsg sql.NullString
	if p.ErrorMessage != nil {
		errMsg = sql.NullString{String: *p.ErrorMessage, Valid: true}
	}
	var latency sql.NullFloat64
	if p.LatencyMs != nil {
		latency = sql.NullFloat64{Float64: *p.LatencyMs, Valid: true}
	}

	result, err := s.probes.ExecContext(ctx, `
		INSERT INTO ping_results (local_request_id, timestamp_ms, is_connected, error_message,
			device_id, latency_ms, is_synced, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`,
		p.LocalRequestID,
		p.Timestamp.UnixMilli(),
		boolToInt(p.IsConnected),
		errMsg,
		p.DeviceCorrelationID,
		latency,
		created.UnixMilli(),
	)
	if err != nil {
		return fault("save ping", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fault("save ping id", err)
	}

	p.ID = id
	p.IsSynced = false
	p.CreatedAt = time.UnixMilli(created.UnixMilli())
	return nil
}

// AllPings yields every probe result in insertion order.
// Rows are read a page at a time so callers may write to the store while ranging.
func (s *Store) AllPings(ctx context.Context) iter.Seq2[*models.PingResult, error] {
	return func(yield func(*models.PingResult, error) bool) {
		var after int64
		for {
			page, err := s.pingPage(ctx, "id > ?", []any{after}, pageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, p := range page {
				if !yield(p, nil) {
					return
				}
				after = p.ID
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

// PingsByStatus returns up to limit probe results with the given sync status, oldest first.
// A limit of 0 returns all of them.
func (s *Store) PingsByStatus(ctx context.Context, status models.SyncStatus, limit int) ([]*models.PingResult, error) {
	return s.pingPage(ctx, "is_synced = ?", []any{int(status)}, limit)
}

// MarkPingsSynced flags the given probe results as synced
func (s *Store) MarkPingsSynced(ctx context.Context, ids []int64) (int64, error) {
	return markSynced(ctx, s.probes, "ping_results", ids)
}

func (s *Store) pingPage(ctx context.Context, where string, args []any, limit int) ([]*models.PingResult, error) {
	query := "SELECT " + pingColumns + " FROM ping_results WHERE " + where + " ORDER BY id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.probes.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault("query pings", err)
	}
	defer rows.Close()

	var out []*models.PingResult
	for rows.Next() {
		var (
			p                 models.PingResult
			tsMs, createdMs   int64
			connected, synced int
			errMsg            sql.NullString
			latency           sql.NullFloat64
		)
		if err := rows.Scan(&p.ID, &p.LocalRequestID, &tsMs, &connected, &errMsg,
			&p.DeviceCorrelationID, &latency, &synced, &createdMs); err != nil {
			return nil, fault("scan ping", err)
		}

		p.Timestamp = time.UnixMilli(tsMs)
		p.CreatedAt = time.UnixMilli(createdMs)
		p.IsConnected = connected == 1
		p.IsSynced = synced == 1
		if errMsg.Valid {
			msg := errMsg.String
			p.ErrorMessage = &msg
		}
		if latency.Valid {
			ms := latency.Float64
			p.LatencyMs = &ms
		}
		out = append(out, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fault("iterate pings", err)
	}
	return out, nil
}
