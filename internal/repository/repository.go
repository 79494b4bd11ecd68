package repository

import (
	"context"
	"time"
)

type MeetingRepository interface {
	// SaveMeetingEvent inserts or replaces the event by ID.
	SaveMeetingEvent(ctx context.Context, event MeetingEvent) error
	GetMeetingEvent(ctx context.Context, id string) (*MeetingEvent, error)
	// ListMeetingEvents returns events, cancelled ones included, whose start lies in [from, to].
	ListMeetingEvents(ctx context.Context, from, to time.Time) ([]MeetingEvent, error)
	// ListUpcomingMeetingEvents returns non-cancelled events that end after the given instant.
	ListUpcomingMeetingEvents(ctx context.Context, endAfter time.Time) ([]MeetingEvent, error)
}

type SessionTransition struct {
	SessionID string
	From      SessionState
	To        SessionState
	At        time.Time
	Reason    string
}

type SessionRepository interface {
	// CreateBotSession returns apperrors.ErrAlreadyExists when a session for the same
	// meeting and fire time is already recorded.
	CreateBotSession(ctx context.Context, record BotSessionRecord) error
	GetBotSession(ctx context.Context, id string) (*BotSessionRecord, error)
	// TransitionBotSession applies From->To only if the stored state still equals From.
	TransitionBotSession(ctx context.Context, t SessionTransition) error
	// FinalizeBotSession stamps a terminal session as finalized. It reports false when
	// the session was already finalized in that state.
	FinalizeBotSession(ctx context.Context, sessionID string, state SessionState, at time.Time) (bool, error)
	ListNonTerminalBotSessions(ctx context.Context) ([]BotSessionRecord, error)
}

type TranscriptRepository interface {
	// UpsertSegment applies the segment merge rule and reports whether the stored row changed.
	UpsertSegment(ctx context.Context, segment TranscriptSegment) (bool, error)
	ListSegments(ctx context.Context, sessionID string) ([]TranscriptSegment, error)
	// LastSegmentSequence returns the highest stored sequence, false when none exist.
	LastSegmentSequence(ctx context.Context, sessionID string) (int64, bool, error)
}

type TaskRepository interface {
	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	// ClaimDueTasks leases up to limit tasks that are queued and due, or running with an
	// expired lease.
	ClaimDueTasks(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Task, error)
	CompleteTask(ctx context.Context, id string, at time.Time) error
	RetryTask(ctx context.Context, id string, attempts int, nextRunAt time.Time, lastError string) error
	DeadLetterTask(ctx context.Context, id string, attempts int, lastError string) error
	ListDeadLetteredTasks(ctx context.Context, limit int) ([]Task, error)
	// ListPendingTasks returns queued and running tasks of one kind, whatever their lease
	// or due time.
	ListPendingTasks(ctx context.Context, kind string) ([]Task, error)
}

type Repository interface {
	MeetingRepository
	SessionRepository
	TranscriptRepository
	TaskRepository
	Ping(ctx context.Context) error
}

// ShouldReplaceSegment decides whether incoming overwrites the stored segment with the
// same (session, sequence). Finals are immutable; a final replaces any partial; partials
// replace each other only by strictly higher revision.
func ShouldReplaceSegment(existing *TranscriptSegment, incoming TranscriptSegment) bool {
	if existing == nil {
		return true
	}
	if existing.IsFinal {
		return false
	}
	if incoming.IsFinal {
		return true
	}
	return incoming.Revision > existing.Revision
}
