package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// migration is one schema step; statements must be idempotent
type migration struct {
	version    int
	statements []string
}

// openDB opens a SQLite file with the agent's tuning and applies pending migrations
func openDB(path string, migrations []migration) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection per file serializes every write
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA cache_size=-16000", // 16MB per file
		"PRAGMA foreign_keys=ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	if err := migrate(context.Background(), db, migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// migrate applies every migration newer than the recorded schema version
func migrate(ctx context.Context, db *sql.DB, migrations []migration) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at_ms INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}

	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d failed: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO schema_version (version, applied_at_ms) VALUES (?, strftime('%s','now') * 1000)",
			m.version,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}

	return nil
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(v.Int64), nil
}

var probeMigrations = []migration{
	{
		version: 1,
		statements: []string{`
			CREATE TABLE IF NOT EXISTS ping_results (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				local_request_id TEXT NOT NULL UNIQUE,
				timestamp_ms INTEGER NOT NULL,
				is_connected INTEGER NOT NULL,
				error_message TEXT,
				device_id TEXT NOT NULL,
				latency_ms REAL,
				is_synced INTEGER NOT NULL DEFAULT 0,
				created_at_ms INTEGER NOT NULL
			)`,
		},
	},
	{
		version: 2,
		statements: []string{
			"CREATE INDEX IF NOT EXISTS idx_ping_status ON ping_results(is_synced, id)",
			"CREATE INDEX IF NOT EXISTS idx_ping_created ON ping_results(created_at_ms)",
		},
	},
}

var measurementMigrations = []migration{
	{
		version: 1,
		statements: []string{`
			CREATE TABLE IF NOT EXISTS measurements (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				uuid TEXT NOT NULL UNIQUE,
				timestamp_ms INTEGER NOT NULL,
				provider TEXT NOT NULL,
				results TEXT NOT NULL,
				data_download INTEGER NOT NULL DEFAULT 0,
				data_upload INTEGER NOT NULL DEFAULT 0,
				data_total INTEGER NOT NULL DEFAULT 0,
				version TEXT,
				notes TEXT,
				server_info TEXT,
				device_info TEXT,
				uploaded INTEGER NOT NULL DEFAULT 0,
				is_synced INTEGER NOT NULL DEFAULT 0,
				created_at_ms INTEGER NOT NULL
			)`,
		},
	},
	{
		version: 2,
		statements: []string{
			"CREATE INDEX IF NOT EXISTS idx_measurement_status ON measurements(is_synced, id)",
			"CREATE INDEX IF NOT EXISTS idx_measurement_created ON measurements(created_at_ms)",
			"CREATE INDEX IF NOT EXISTS idx_measurement_uploaded ON measurements(uploaded)",
		},
	},
}
