package repository

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationStatements = []string{
	`DO $$ BEGIN CREATE TYPE session_state AS ENUM ('pending', 'connecting', 'active', 'ending', 'ended', 'failed'); EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`DO $$ BEGIN CREATE TYPE task_status AS ENUM ('queued', 'running', 'done', 'dead_lettered'); EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`CREATE TABLE IF NOT EXISTS meeting_events (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		start_at TIMESTAMPTZ NOT NULL,
		end_at TIMESTAMPTZ NOT NULL,
		join_target TEXT NOT NULL DEFAULT '',
		source_revision TEXT NOT NULL DEFAULT '',
		revision BIGINT NOT NULL DEFAULT 1,
		cancelled BOOLEAN NOT NULL DEFAULT FALSE,
		cancelled_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_meeting_events_start ON meeting_events (start_at)`,
	`CREATE TABLE IF NOT EXISTS bot_sessions (
		id UUID PRIMARY KEY,
		meeting_id TEXT NOT NULL REFERENCES meeting_events(id),
		fire_at TIMESTAMPTZ NOT NULL,
		state session_state NOT NULL DEFAULT 'pending',
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		end_reason TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		finalized_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE(meeting_id, fire_at)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bot_sessions_open ON bot_sessions (fire_at) WHERE state NOT IN ('ended', 'failed')`,
	`CREATE TABLE IF NOT EXISTS transcript_segments (
		session_id UUID NOT NULL REFERENCES bot_sessions(id) ON DELETE CASCADE,
		sequence BIGINT NOT NULL,
		offset_ms BIGINT NOT NULL DEFAULT 0,
		text TEXT NOT NULL,
		is_final BOOLEAN NOT NULL DEFAULT FALSE,
		revision INTEGER NOT NULL DEFAULT 0,
		spoken_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (session_id, sequence)
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id UUID PRIMARY KEY,
		kind TEXT NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}'::jsonb,
		attempts INTEGER NOT NULL DEFAULT 0,
		status task_status NOT NULL DEFAULT 'queued',
		next_run_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		locked_until TIMESTAMPTZ,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks (status, next_run_at)`,
}

func RunMigration(ctx context.Context, pool *pgxpool.Pool) error {
	for _, s := range migrationStatements {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
