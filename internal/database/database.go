package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the tables if needed so a fresh database can be used
// without a separate migration step.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS files (
	id TEXT PRIMARY KEY,
	folder_id TEXT NOT NULL,
	title TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	committed_version INTEGER NOT NULL,
	content_length BIGINT NOT NULL,
	modified_at TIMESTAMPTZ NOT NULL,
	committed_at TIMESTAMPTZ NOT NULL,
	modified_by TEXT NOT NULL DEFAULT '',
	forcesave_type INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	encrypted BOOLEAN NOT NULL DEFAULT FALSE,
	provider_entry BOOLEAN NOT NULL DEFAULT FALSE,
	blob_key TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_files_folder ON files(folder_id);

CREATE TABLE IF NOT EXISTS file_versions (
	file_id TEXT NOT NULL REFERENCES files(id) ON DELETE CASCADE,
	version INTEGER NOT NULL,
	blob_key TEXT NOT NULL,
	content_length BIGINT NOT NULL,
	forcesave_type INTEGER NOT NULL DEFAULT 0,
	comment TEXT NOT NULL DEFAULT '',
	created_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	changes_key TEXT NOT NULL DEFAULT '',
	history BYTEA,
	error_message TEXT,
	PRIMARY KEY (file_id, version)
);

CREATE TABLE IF NOT EXISTS form_filling (
	file_id TEXT PRIMARY KEY REFERENCES files(id) ON DELETE CASCADE,
	in_progress_folder_id TEXT NOT NULL,
	discard_unsubmitted BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS upload_sessions (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	target_folder_id TEXT NOT NULL,
	target_file_id TEXT NOT NULL DEFAULT '',
	file_name TEXT NOT NULL,
	declared_total_bytes BIGINT NOT NULL,
	received_bytes BIGINT NOT NULL DEFAULT 0,
	chunk_size BIGINT NOT NULL,
	use_chunks BOOLEAN NOT NULL,
	encrypted BOOLEAN NOT NULL DEFAULT FALSE,
	ranges JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
ALTER TABLE upload_sessions ADD COLUMN IF NOT EXISTS finalizing BOOLEAN NOT NULL DEFAULT FALSE;
CREATE INDEX IF NOT EXISTS idx_upload_sessions_expires ON upload_sessions(expires_at);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
