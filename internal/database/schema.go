package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sims (
		id                   TEXT PRIMARY KEY,
		country_code         TEXT NOT NULL,
		status               TEXT NOT NULL,
		last_status_check_at TIMESTAMPTZ,
		block_detected_at    TIMESTAMPTZ,
		created_at           TIMESTAMPTZ NOT NULL,
		updated_at           TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		id            TEXT PRIMARY KEY,
		country_code  TEXT NOT NULL,
		imei          TEXT NOT NULL DEFAULT '',
		sim_id        TEXT REFERENCES sims (id),
		last_seen_at  TIMESTAMPTZ,
		health_status TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS imei_audit (
		id         BIGSERIAL PRIMARY KEY,
		device_id  TEXT NOT NULL REFERENCES devices (id),
		old_imei   TEXT NOT NULL,
		new_imei   TEXT NOT NULL,
		changed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS imei_audit_device_idx ON imei_audit (device_id, changed_at)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		device_id       TEXT NOT NULL,
		direction       TEXT NOT NULL,
		priority        SMALLINT NOT NULL,
		payload_text    TEXT NOT NULL,
		source_language TEXT NOT NULL DEFAULT '',
		target_language TEXT NOT NULL DEFAULT '',
		translated_text TEXT,
		downgraded      BOOLEAN NOT NULL DEFAULT FALSE,
		state           TEXT NOT NULL,
		reason          TEXT NOT NULL DEFAULT '',
		attempt_count   INTEGER NOT NULL DEFAULT 0,
		attempts        JSONB NOT NULL DEFAULT '[]',
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL,
		last_attempt_at TIMESTAMPTZ,
		next_attempt_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS messages_state_idx ON messages (state, created_at)`,
	`CREATE INDEX IF NOT EXISTS messages_device_idx ON messages (device_id, state)`,
}

// EnsureSchema creates the gateway tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
