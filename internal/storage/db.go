package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Repository persists the last-known fleet mirror so a restart can serve a
// warm baseline while it waits for the first live snapshot.
type Repository struct {
	db     *sql.DB
	logger *slog.Logger
}

func New(ctx context.Context, dbPath string, logger *slog.Logger) (*Repository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	repo := &Repository{db: db, logger: logger}
	if err := repo.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Repository) migrate(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS fleet_devices (
			device_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			manufacturer TEXT NOT NULL DEFAULT '',
			device_group TEXT NOT NULL DEFAULT '',
			country_site TEXT NOT NULL DEFAULT '',
			is_online INTEGER NOT NULL,
			last_seen_at TEXT,
			battery_level INTEGER NOT NULL,
			battery_status TEXT NOT NULL DEFAULT '',
			signal_strength INTEGER NOT NULL,
			signal_dbm INTEGER NOT NULL,
			network_type TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL,
			maintenance_mode INTEGER NOT NULL,
			maintenance_reason TEXT NOT NULL DEFAULT '',
			enable_sms_limits INTEGER NOT NULL,
			slot1_json TEXT NOT NULL DEFAULT '{}',
			slot2_json TEXT NOT NULL DEFAULT '{}',
			alarms_json TEXT NOT NULL DEFAULT '[]',
			last_applied_seq INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS fleet_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fleet_devices_group ON fleet_devices(device_group);`,
		`CREATE INDEX IF NOT EXISTS idx_fleet_devices_site ON fleet_devices(country_site);`,
	}

	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	return nil
}

func toTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func fromTimePtr(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC().Format(time.RFC3339Nano)
}
