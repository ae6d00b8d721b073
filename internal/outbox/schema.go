package outbox

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one forward-only schema step, tracked by schema_migrations.
// Adapted from the teacher's CreateSchema idea (CREATE TABLE IF NOT EXISTS +
// index statements run idempotently at startup), generalized to a numbered
// list so later steps can ALTER an existing table without re-running earlier
// CREATE TABLE statements. The wait_print_checks column is created by
// migration 1; no step adds it to an existing erp_outbox table that lacks it.
type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS batch_state (
				device_id  TEXT PRIMARY KEY,
				batch_id   TEXT NOT NULL,
				product_id TEXT NOT NULL,
				next_seq   INTEGER NOT NULL,
				status     TEXT NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS batch_runs (
				run_id      TEXT PRIMARY KEY,
				device_id   TEXT NOT NULL,
				batch_id    TEXT NOT NULL,
				product_id  TEXT NOT NULL,
				started_at  INTEGER NOT NULL,
				stopped_at  INTEGER,
				stop_reason TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_batch_runs_device_batch
				ON batch_runs(device_id, batch_id)`,
			`CREATE TABLE IF NOT EXISTS print_outbox (
				job_id          TEXT PRIMARY KEY,
				event_id        TEXT NOT NULL UNIQUE,
				device_id       TEXT NOT NULL,
				batch_id        TEXT NOT NULL,
				seq             INTEGER NOT NULL,
				status          TEXT NOT NULL,
				completion_mode TEXT NOT NULL,
				payload_json    TEXT NOT NULL,
				payload_hash    TEXT NOT NULL,
				attempts        INTEGER NOT NULL DEFAULT 0,
				next_retry_at   INTEGER,
				last_error      TEXT,
				created_at      INTEGER NOT NULL,
				updated_at      INTEGER NOT NULL,
				UNIQUE(batch_id, seq)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_print_outbox_due
				ON print_outbox(status, next_retry_at, created_at)`,
			`CREATE TABLE IF NOT EXISTS erp_outbox (
				job_id            TEXT PRIMARY KEY,
				event_id          TEXT NOT NULL UNIQUE,
				device_id         TEXT NOT NULL,
				batch_id          TEXT NOT NULL,
				seq               INTEGER NOT NULL,
				status            TEXT NOT NULL,
				wait_print_checks INTEGER NOT NULL DEFAULT 0,
				payload_json      TEXT NOT NULL,
				payload_hash      TEXT NOT NULL,
				attempts          INTEGER NOT NULL DEFAULT 0,
				next_retry_at     INTEGER,
				last_error        TEXT,
				created_at        INTEGER NOT NULL,
				updated_at        INTEGER NOT NULL,
				UNIQUE(batch_id, seq)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_erp_outbox_due
				ON erp_outbox(status, next_retry_at, created_at)`,
		},
	},
}

// initSchema creates schema_migrations if absent and applies every migration
// newer than the current version, each inside its own transaction. Safe to
// call on every startup: CREATE TABLE/INDEX IF NOT EXISTS statements are
// no-ops once applied, and already-recorded versions are skipped entirely.
func initSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("outbox: create schema_migrations: %w", err)
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("outbox: read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("outbox: begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("outbox: apply migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations(version, applied_at) VALUES (?, ?)`,
			m.version, nowMillis()); err != nil {
			tx.Rollback()
			return fmt.Errorf("outbox: record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("outbox: commit migration %d: %w", m.version, err)
		}
	}
	return nil
}
