package repository

import (
	"encoding/json"
	"time"
)

type MeetingEvent struct {
	ID         string
	Title      string
	StartAt    time.Time
	EndAt      time.Time
	JoinTarget string
	// SourceRevision is the provider's change marker (etag or similar).
	SourceRevision string
	// Revision is bumped locally on every content change.
	Revision    int64
	Cancelled   bool
	CancelledAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SameContent reports whether two snapshots describe the same meeting occurrence.
func (e MeetingEvent) SameContent(other MeetingEvent) bool {
	return e.ID == other.ID &&
		e.Title == other.Title &&
		e.StartAt.Equal(other.StartAt) &&
		e.EndAt.Equal(other.EndAt) &&
		e.JoinTarget == other.JoinTarget &&
		e.SourceRevision == other.SourceRevision
}

type SessionState string

const (
	SessionStatePending    SessionState = "pending"
	SessionStateConnecting SessionState = "connecting"
	SessionStateActive     SessionState = "active"
	SessionStateEnding     SessionState = "ending"
	SessionStateEnded      SessionState = "ended"
	SessionStateFailed     SessionState = "failed"
)

var sessionTransitions = map[SessionState][]SessionState{
	SessionStatePending:    {SessionStateConnecting},
	SessionStateConnecting: {SessionStateActive, SessionStateFailed},
	SessionStateActive:     {SessionStateEnding, SessionStateFailed},
	SessionStateEnding:     {SessionStateEnded},
}

func (s SessionState) Valid() bool {
	switch s {
	case SessionStatePending, SessionStateConnecting, SessionStateActive,
		SessionStateEnding, SessionStateEnded, SessionStateFailed:
		return true
	}
	return false
}

func (s SessionState) IsTerminal() bool {
	return s == SessionStateEnded || s == SessionStateFailed
}

func (s SessionState) CanTransitionTo(next SessionState) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type BotSessionRecord struct {
	ID            string
	MeetingID     string
	FireAt        time.Time
	State         SessionState
	StartedAt     *time.Time
	EndedAt       *time.Time
	EndReason     string
	FailureReason string
	FinalizedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type TranscriptSegment struct {
	SessionID string
	Sequence  int64
	// Offset is measured from the start of the session's audio.
	Offset   time.Duration
	Text     string
	IsFinal  bool
	Revision int
	SpokenAt time.Time
	// UpdatedAt is set by the store.
	UpdatedAt time.Time
}

type TaskStatus string

const (
	TaskStatusQueued       TaskStatus = "queued"
	TaskStatusRunning      TaskStatus = "running"
	TaskStatusDone         TaskStatus = "done"
	TaskStatusDeadLettered TaskStatus = "dead_lettered"
)

type Task struct {
	ID      string
	Kind    string
	Payload json.RawMessage
	// Attempts counts failed executions.
	Attempts    int
	Status      TaskStatus
	NextRunAt   time.Time
	LockedUntil *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
