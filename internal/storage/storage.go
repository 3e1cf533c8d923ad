package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/taniwha3/tidemeter/internal/models"
)

// ErrStorage marks every failure of the durable store
var ErrStorage = errors.New("storage fault")

// File names inside the store directory
const (
	ProbesFile       = "probes.db"
	MeasurementsFile = "measurements.db"
)

// pageSize bounds how many rows an iterator holds at once
const pageSize = 100

// RetentionPolicy controls EvictExpired
type RetentionPolicy struct {
	Hard   time.Duration // any row older than this is deleted
	Synced time.Duration // synced rows older than this are deleted
}

// DefaultRetention is 30 days for everything, 3 days once synced
var DefaultRetention = RetentionPolicy{
	Hard:   30 * 24 * time.Hour,
	Synced: 3 * 24 * time.Hour,
}

// Store persists probe results and measurements in two independent SQLite files
type Store struct {
	dir          string
	probes       *sql.DB
	measurements *sql.DB
	now          func() time.Time
}

// Open creates dir if needed and opens both collections
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault("create store directory", err)
	}

	probes, err := openDB(filepath.Join(dir, ProbesFile), probeMigrations)
	if err != nil {
		return nil, fault("open probes", err)
	}

	measurements, err := openDB(filepath.Join(dir, MeasurementsFile), measurementMigrations)
	if err != nil {
		probes.Close()
		return nil, fault("open measurements", err)
	}

	return &Store{
		dir:          dir,
		probes:       probes,
		measurements: measurements,
		now:          time.Now,
	}, nil
}

// Dir returns the directory holding the database files
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) db(c models.Collection) (*sql.DB, string, error) {
	switch c {
	case models.CollectionProbes:
		return s.probes, "ping_results", nil
	case models.CollectionMeasurements:
		return s.measurements, "measurements", nil
	default:
		return nil, "", fmt.Errorf("%w: unknown collection %q", ErrStorage, c)
	}
}

// EvictExpired deletes rows past the hard limit and synced rows past the synced limit
func (s *Store) EvictExpired(ctx context.Context, c models.Collection, policy RetentionPolicy, now time.Time) (int64, error) {
	db, table, err := s.db(c)
	if err != nil {
		return 0, err
	}

	if policy.Hard <= 0 {
		policy.Hard = DefaultRetention.Hard
	}
	if policy.Synced <= 0 {
		policy.Synced = DefaultRetention.Synced
	}

	hardCutoff := now.Add(-policy.Hard).UnixMilli()
	syncedCutoff := now.Add(-policy.Synced).UnixMilli()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fault("begin eviction", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		"DELETE FROM "+table+" WHERE created_at_ms < ? OR (is_synced = 1 AND created_at_ms < ?)",
		hardCutoff, syncedCutoff,
	)
	if err != nil {
		return 0, fault("evict "+string(c), err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fault("evict rows affected", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fault("commit eviction", err)
	}

	return deleted, nil
}

// PendingCount returns the number of unsynced rows in a collection
func (s *Store) PendingCount(ctx context.Context, c models.Collection) (int64, error) {
	db, table, err := s.db(c)
	if err != nil {
		return 0, err
	}

	var count int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE is_synced = 0").Scan(&count); err != nil {
		return 0, fault("count pending "+string(c), err)
	}
	return count, nil
}

// Count returns the total number of rows in a collection
func (s *Store) Count(ctx context.Context, c models.Collection) (int64, error) {
	db, table, err := s.db(c)
	if err != nil {
		return 0, err
	}

	var count int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
		return 0, fault("count "+string(c), err)
	}
	return count, nil
}

// PurgeAll deletes every row of both collections
func (s *Store) PurgeAll(ctx context.Context) error {
	var errs []error
	for _, c := range []models.Collection{models.CollectionProbes, models.CollectionMeasurements} {
		db, table, _ := s.db(c)
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			errs = append(errs, fault("purge "+string(c), err))
		}
	}
	return errors.Join(errs...)
}

// Ping verifies both files answer a trivial query
func (s *Store) Ping(ctx context.Context) error {
	if err := s.probes.PingContext(ctx); err != nil {
		return fault("ping probes", err)
	}
	if err := s.measurements.PingContext(ctx); err != nil {
		return fault("ping measurements", err)
	}
	return nil
}

// Close checkpoints the WAL and closes both files
func (s *Store) Close() error {
	var errs []error
	for _, db := range []*sql.DB{s.probes, s.measurements} {
		if db == nil {
			continue
		}
		db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// markSynced flips is_synced for ids in one transaction; already synced rows are left alone
func markSynced(ctx context.Context, db *sql.DB, table string, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fault("begin mark synced", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		"UPDATE "+table+" SET is_synced = 1 WHERE is_synced = 0 AND id IN ("+placeholders+")",
		args...,
	)
	if err != nil {
		return 0, fault("mark synced", err)
	}

	changed, err := result.RowsAffected()
	if err != nil {
		return 0, fault("mark synced rows affected", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fault("commit mark synced", err)
	}
	return changed, nil
}

func fault(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
