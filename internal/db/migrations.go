package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Migration struct {
	Version int
	UpSQL   string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	session_key TEXT PRIMARY KEY,
	dose1_at TEXT,
	dose2_at TEXT,
	dose2_skipped INTEGER NOT NULL DEFAULT 0,
	snooze_count INTEGER NOT NULL DEFAULT 0 CHECK(snooze_count >= 0),
	dose1_utc_offset_min INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	CHECK(dose2_at IS NULL OR dose2_skipped = 0),
	CHECK(dose2_at IS NULL OR dose1_at IS NOT NULL)
);

CREATE TABLE IF NOT EXISTS events (
	event_id TEXT PRIMARY KEY,
	session_key TEXT NOT NULL,
	event_type TEXT NOT NULL,
	noted_at TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS events_by_session
ON events(session_key, noted_at);

CREATE TABLE IF NOT EXISTS queue_actions (
	action_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL CHECK(kind IN ('take-dose1','take-dose2','skip','snooze','log-event','delete-session','export-analytics')),
	session_key TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS queue_actions_by_session
ON queue_actions(session_key, action_id);
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	for _, m := range migrations {
		applied, err := migrationApplied(ctx, db, m.Version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations(version, applied_at) VALUES (?, ?)`,
			m.Version, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func migrationApplied(ctx context.Context, db *sql.DB, version int) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check migration %d: %w", version, err)
	}
	return count > 0, nil
}
