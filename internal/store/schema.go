package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied in order. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         BIGSERIAL PRIMARY KEY,
		username   TEXT NOT NULL UNIQUE,
		tenant_id  UUID,
		is_admin   BOOLEAN NOT NULL DEFAULT false,
		version    BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS export_records (
		id         BIGSERIAL PRIMARY KEY,
		user_id    BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		file_path  TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_export_records_user ON export_records (user_id)`,
	`CREATE TABLE IF NOT EXISTS journal_entries (
		id         BIGSERIAL PRIMARY KEY,
		user_id    BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		tenant_id  UUID,
		content    TEXT NOT NULL,
		is_deleted BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_journal_entries_user ON journal_entries (user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS tenant_quotas (
		tenant_id            UUID PRIMARY KEY,
		tier                 TEXT NOT NULL,
		max_tokens           DOUBLE PRECISION NOT NULL,
		refill_rate          DOUBLE PRECISION NOT NULL,
		daily_request_count  BIGINT NOT NULL DEFAULT 0,
		daily_request_limit  BIGINT NOT NULL,
		ml_units_daily_count BIGINT NOT NULL DEFAULT 0,
		ml_units_daily_limit BIGINT NOT NULL,
		last_reset_date      DATE NOT NULL,
		is_active            BOOLEAN NOT NULL DEFAULT true,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id            BIGSERIAL PRIMARY KEY,
		topic         TEXT NOT NULL,
		payload       JSONB NOT NULL,
		status        TEXT NOT NULL DEFAULT 'pending',
		retry_count   INT NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		processed_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events (topic, id) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS gdpr_scrub_logs (
		id               BIGSERIAL PRIMARY KEY,
		user_id          BIGINT NOT NULL UNIQUE,
		username         TEXT NOT NULL,
		scrub_id         TEXT NOT NULL UNIQUE,
		status           TEXT NOT NULL DEFAULT 'PENDING',
		storage_deleted  BOOLEAN NOT NULL DEFAULT false,
		vector_deleted   BOOLEAN NOT NULL DEFAULT false,
		sql_deleted      BOOLEAN NOT NULL DEFAULT false,
		assets_to_delete JSONB NOT NULL DEFAULT '[]',
		retry_count      INT NOT NULL DEFAULT 0,
		last_error       TEXT,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at     TIMESTAMPTZ
	)`,
}

// Migrate creates every table and index.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("Migrate: statement %d: %w", i, err)
		}
	}
	return nil
}
