package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/foxseedlab/meetscribe/internal/apperrors"
	"github.com/foxseedlab/meetscribe/internal/repository"
	"github.com/jackc/pgx/v5"
)

const taskColumns = `id::text, kind, payload, attempts, status, next_run_at, locked_until, last_error, created_at, updated_at`

func scanTask(row pgx.Row) (repository.Task, error) {
	var t repository.Task
	var payload []byte
	err := row.Scan(&t.ID, &t.Kind, &payload, &t.Attempts, &t.Status, &t.NextRunAt, &t.LockedUntil, &t.LastError, &t.CreatedAt, &t.UpdatedAt)
	t.Payload = payload
	return t, err
}

func (r *PostgresRepository) CreateTask(ctx context.Context, task repository.Task) error {
	payload := []byte(task.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	nextRunAt := task.NextRunAt
	if nextRunAt.IsZero() {
		nextRunAt = time.Now()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO tasks (id, kind, payload, next_run_at) VALUES ($1, $2, $3::jsonb, $4)`,
		task.ID, task.Kind, string(payload), nextRunAt)
	if pgErrorCode(err) == pgUniqueViolation {
		return fmt.Errorf("task %s: %w", task.ID, apperrors.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create task %s: %w", task.ID, err)
	}
	return nil
}

func (r *PostgresRepository) GetTask(ctx context.Context, id string) (*repository.Task, error) {
	t, err := scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, apperrors.ErrNotFound)
		}
		return nil, err
	}
	return &t, nil
}

func (r *PostgresRepository) ClaimDueTasks(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]repository.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`UPDATE tasks SET status = 'running', locked_until = $2, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM tasks
		   WHERE (status = 'queued' AND next_run_at <= $1)
		      OR (status = 'running' AND locked_until < $1)
		   ORDER BY next_run_at ASC, id ASC
		   LIMIT $3
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+taskColumns,
		now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim tasks: %w", err)
	}
	defer rows.Close()
	var list []repository.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (r *PostgresRepository) CompleteTask(ctx context.Context, id string, at time.Time) error {
	return r.execTask(ctx, id,
		`UPDATE tasks SET status = 'done', locked_until = NULL, updated_at = $2 WHERE id = $1`,
		id, at)
}

func (r *PostgresRepository) RetryTask(ctx context.Context, id string, attempts int, nextRunAt time.Time, lastError string) error {
	return r.execTask(ctx, id,
		`UPDATE tasks SET status = 'queued', attempts = $2, next_run_at = $3, locked_until = NULL, last_error = $4, updated_at = NOW()
		 WHERE id = $1`,
		id, attempts, nextRunAt, lastError)
}

func (r *PostgresRepository) DeadLetterTask(ctx context.Context, id string, attempts int, lastError string) error {
	return r.execTask(ctx, id,
		`UPDATE tasks SET status = 'dead_lettered', attempts = $2, locked_until = NULL, last_error = $3, updated_at = NOW()
		 WHERE id = $1`,
		id, attempts, lastError)
}

func (r *PostgresRepository) execTask(ctx context.Context, id, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", id, apperrors.ErrNotFound)
	}
	return nil
}

func (r *PostgresRepository) ListDeadLetteredTasks(ctx context.Context, limit int) ([]repository.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = 'dead_lettered'
		 ORDER BY updated_at DESC, id ASC LIMIT $1`, limit)
}

func (r *PostgresRepository) ListPendingTasks(ctx context.Context, kind string) ([]repository.Task, error) {
	return r.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE kind = $1 AND status IN ('queued', 'running')
		 ORDER BY created_at ASC, id ASC`, kind)
}

func (r *PostgresRepository) queryTasks(ctx context.Context, sql string, args ...any) ([]repository.Task, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	var list []repository.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}
