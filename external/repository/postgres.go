package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/foxseedlab/meetscribe/internal/apperrors"
	"github.com/foxseedlab/meetscribe/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Shutdown() {
	r.pool.Close()
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

const meetingColumns = `id, title, start_at, end_at, join_target, source_revision, revision, cancelled, cancelled_at, created_at, updated_at`

func scanMeeting(row pgx.Row) (repository.MeetingEvent, error) {
	var ev repository.MeetingEvent
	err := row.Scan(&ev.ID, &ev.Title, &ev.StartAt, &ev.EndAt, &ev.JoinTarget, &ev.SourceRevision,
		&ev.Revision, &ev.Cancelled, &ev.CancelledAt, &ev.CreatedAt, &ev.UpdatedAt)
	return ev, err
}

func (r *PostgresRepository) SaveMeetingEvent(ctx context.Context, ev repository.MeetingEvent) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO meeting_events (id, title, start_at, end_at, join_target, source_revision, revision, cancelled, cancelled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   title = EXCLUDED.title,
		   start_at = EXCLUDED.start_at,
		   end_at = EXCLUDED.end_at,
		   join_target = EXCLUDED.join_target,
		   source_revision = EXCLUDED.source_revision,
		   revision = EXCLUDED.revision,
		   cancelled = EXCLUDED.cancelled,
		   cancelled_at = EXCLUDED.cancelled_at,
		   updated_at = NOW()`,
		ev.ID, ev.Title, ev.StartAt, ev.EndAt, ev.JoinTarget, ev.SourceRevision, ev.Revision, ev.Cancelled, ev.CancelledAt)
	if err != nil {
		return fmt.Errorf("failed to save meeting event %s: %w", ev.ID, err)
	}
	return nil
}

func (r *PostgresRepository) GetMeetingEvent(ctx context.Context, id string) (*repository.MeetingEvent, error) {
	ev, err := scanMeeting(r.pool.QueryRow(ctx,
		`SELECT `+meetingColumns+` FROM meeting_events WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("meeting event %s: %w", id, apperrors.ErrNotFound)
		}
		return nil, err
	}
	return &ev, nil
}

func (r *PostgresRepository) ListMeetingEvents(ctx context.Context, from, to time.Time) ([]repository.MeetingEvent, error) {
	return r.queryMeetings(ctx,
		`SELECT `+meetingColumns+` FROM meeting_events
		 WHERE start_at >= $1 AND start_at <= $2
		 ORDER BY start_at ASC, id ASC`, from, to)
}

func (r *PostgresRepository) ListUpcomingMeetingEvents(ctx context.Context, endAfter time.Time) ([]repository.MeetingEvent, error) {
	return r.queryMeetings(ctx,
		`SELECT `+meetingColumns+` FROM meeting_events
		 WHERE NOT cancelled AND end_at > $1
		 ORDER BY start_at ASC, id ASC`, endAfter)
}

func (r *PostgresRepository) queryMeetings(ctx context.Context, sql string, args ...any) ([]repository.MeetingEvent, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.MeetingEvent
	for rows.Next() {
		ev, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, ev)
	}
	return list, rows.Err()
}

const sessionColumns = `id::text, meeting_id, fire_at, state, started_at, ended_at, end_reason, failure_reason, finalized_at, created_at, updated_at`

func scanSession(row pgx.Row) (repository.BotSessionRecord, error) {
	var s repository.BotSessionRecord
	err := row.Scan(&s.ID, &s.MeetingID, &s.FireAt, &s.State, &s.StartedAt, &s.EndedAt,
		&s.EndReason, &s.FailureReason, &s.FinalizedAt, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func (r *PostgresRepository) CreateBotSession(ctx context.Context, rec repository.BotSessionRecord) error {
	state := rec.State
	if state == "" {
		state = repository.SessionStatePending
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO bot_sessions (id, meeting_id, fire_at, state) VALUES ($1, $2, $3, $4)`,
		rec.ID, rec.MeetingID, rec.FireAt, string(state))
	switch pgErrorCode(err) {
	case "":
	case pgUniqueViolation:
		return fmt.Errorf("session for meeting %s at %s: %w", rec.MeetingID, rec.FireAt.Format(time.RFC3339), apperrors.ErrAlreadyExists)
	case pgForeignKeyViolation:
		return fmt.Errorf("meeting event %s: %w", rec.MeetingID, apperrors.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", rec.ID, err)
	}
	return nil
}

func (r *PostgresRepository) GetBotSession(ctx context.Context, id string) (*repository.BotSessionRecord, error) {
	s, err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM bot_sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, apperrors.ErrNotFound)
		}
		return nil, err
	}
	return &s, nil
}

func (r *PostgresRepository) TransitionBotSession(ctx context.Context, t repository.SessionTransition) error {
	if !t.From.CanTransitionTo(t.To) {
		return fmt.Errorf("%s -> %s: %w", t.From, t.To, apperrors.ErrInvalidTransition)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE bot_sessions SET
		   state = $3::session_state,
		   started_at = CASE WHEN $3::session_state = 'active' THEN COALESCE(started_at, $4::timestamptz) ELSE started_at END,
		   ended_at = CASE WHEN $3::session_state IN ('ended', 'failed') THEN $4::timestamptz ELSE ended_at END,
		   end_reason = CASE
		     WHEN $3::session_state = 'ending' THEN $5::text
		     WHEN $3::session_state = 'ended' AND $5::text <> '' THEN $5::text
		     ELSE end_reason END,
		   failure_reason = CASE WHEN $3::session_state = 'failed' THEN $5::text ELSE failure_reason END,
		   updated_at = NOW()
		 WHERE id = $1 AND state = $2::session_state`,
		t.SessionID, string(t.From), string(t.To), t.At, t.Reason)
	if err != nil {
		return fmt.Errorf("failed to transition session %s: %w", t.SessionID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	current, err := r.GetBotSession(ctx, t.SessionID)
	if err != nil {
		return err
	}
	return fmt.Errorf("session %s is %s, expected %s: %w", t.SessionID, current.State, t.From, apperrors.ErrStaleState)
}

func (r *PostgresRepository) FinalizeBotSession(ctx context.Context, sessionID string, state repository.SessionState, at time.Time) (bool, error) {
	applied := false
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var current repository.SessionState
		var finalizedAt *time.Time
		err := tx.QueryRow(ctx,
			`SELECT state, finalized_at FROM bot_sessions WHERE id = $1 FOR UPDATE`, sessionID).
			Scan(&current, &finalizedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("session %s: %w", sessionID, apperrors.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if !state.IsTerminal() || current != state {
			return fmt.Errorf("finalize session %s as %s while %s: %w", sessionID, state, current, apperrors.ErrInvalidTransition)
		}
		if finalizedAt != nil {
			return nil
		}
		if _, err := tx.Exec(ctx,
			`UPDATE bot_sessions SET finalized_at = $2, updated_at = NOW() WHERE id = $1`, sessionID, at); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (r *PostgresRepository) ListNonTerminalBotSessions(ctx context.Context) ([]repository.BotSessionRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM bot_sessions
		 WHERE state NOT IN ('ended', 'failed')
		 ORDER BY fire_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.BotSessionRecord
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

func (r *PostgresRepository) UpsertSegment(ctx context.Context, seg repository.TranscriptSegment) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO transcript_segments (session_id, sequence, offset_ms, text, is_final, revision, spoken_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_id, sequence) DO UPDATE SET
		   offset_ms = EXCLUDED.offset_ms,
		   text = EXCLUDED.text,
		   is_final = EXCLUDED.is_final,
		   revision = EXCLUDED.revision,
		   spoken_at = EXCLUDED.spoken_at,
		   updated_at = NOW()
		 WHERE NOT transcript_segments.is_final
		   AND (EXCLUDED.is_final OR EXCLUDED.revision > transcript_segments.revision)`,
		seg.SessionID, seg.Sequence, seg.Offset.Milliseconds(), seg.Text, seg.IsFinal, seg.Revision, seg.SpokenAt)
	if pgErrorCode(err) == pgForeignKeyViolation {
		return false, fmt.Errorf("session %s: %w", seg.SessionID, apperrors.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to upsert segment %s/%d: %w", seg.SessionID, seg.Sequence, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) ListSegments(ctx context.Context, sessionID string) ([]repository.TranscriptSegment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id::text, sequence, offset_ms, text, is_final, revision, spoken_at, updated_at
		 FROM transcript_segments WHERE session_id = $1 ORDER BY sequence ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.TranscriptSegment
	for rows.Next() {
		var seg repository.TranscriptSegment
		var offsetMS int64
		if err := rows.Scan(&seg.SessionID, &seg.Sequence, &offsetMS, &seg.Text, &seg.IsFinal, &seg.Revision, &seg.SpokenAt, &seg.UpdatedAt); err != nil {
			return nil, err
		}
		seg.Offset = time.Duration(offsetMS) * time.Millisecond
		list = append(list, seg)
	}
	return list, rows.Err()
}

func (r *PostgresRepository) LastSegmentSequence(ctx context.Context, sessionID string) (int64, bool, error) {
	var last *int64
	err := r.pool.QueryRow(ctx,
		`SELECT MAX(sequence) FROM transcript_segments WHERE session_id = $1`, sessionID).Scan(&last)
	if err != nil {
		return 0, false, err
	}
	if last == nil {
		return 0, false, nil
	}
	return *last, true, nil
}
