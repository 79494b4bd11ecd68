package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/foxseedlab/meetscribe/internal/apperrors"
)

var _ Repository = (*MemoryRepository)(nil)

type sessionKey struct {
	meetingID string
	fireAt    int64
}

type segmentKey struct {
	sessionID string
	sequence  int64
}

// MemoryRepository keeps everything in process memory. It is used for local runs
// (DATABASE_URL=memory://) and as the store in tests.
type MemoryRepository struct {
	mu             sync.Mutex
	now            func() time.Time
	meetings       map[string]MeetingEvent
	sessions       map[string]BotSessionRecord
	sessionsByFire map[sessionKey]string
	segments       map[segmentKey]TranscriptSegment
	tasks          map[string]Task
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:            time.Now,
		meetings:       make(map[string]MeetingEvent),
		sessions:       make(map[string]BotSessionRecord),
		sessionsByFire: make(map[sessionKey]string),
		segments:       make(map[segmentKey]TranscriptSegment),
		tasks:          make(map[string]Task),
	}
}

func (r *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (r *MemoryRepository) SaveMeetingEvent(_ context.Context, event MeetingEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if existing, ok := r.meetings[event.ID]; ok {
		event.CreatedAt = existing.CreatedAt
	} else if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = now
	r.meetings[event.ID] = event
	return nil
}

func (r *MemoryRepository) GetMeetingEvent(_ context.Context, id string) (*MeetingEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.meetings[id]
	if !ok {
		return nil, fmt.Errorf("meeting event %s: %w", id, apperrors.ErrNotFound)
	}
	return &ev, nil
}

func (r *MemoryRepository) ListMeetingEvents(_ context.Context, from, to time.Time) ([]MeetingEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var list []MeetingEvent
	for _, ev := range r.meetings {
		if ev.StartAt.Before(from) || ev.StartAt.After(to) {
			continue
		}
		list = append(list, ev)
	}
	sortMeetings(list)
	return list, nil
}

func (r *MemoryRepository) ListUpcomingMeetingEvents(_ context.Context, endAfter time.Time) ([]MeetingEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var list []MeetingEvent
	for _, ev := range r.meetings {
		if ev.Cancelled || !ev.EndAt.After(endAfter) {
			continue
		}
		list = append(list, ev)
	}
	sortMeetings(list)
	return list, nil
}

func sortMeetings(list []MeetingEvent) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].StartAt.Equal(list[j].StartAt) {
			return list[i].StartAt.Before(list[j].StartAt)
		}
		return list[i].ID < list[j].ID
	})
}

func (r *MemoryRepository) CreateBotSession(_ context.Context, record BotSessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.meetings[record.MeetingID]; !ok {
		return fmt.Errorf("meeting event %s: %w", record.MeetingID, apperrors.ErrNotFound)
	}
	key := sessionKey{meetingID: record.MeetingID, fireAt: record.FireAt.UnixNano()}
	if _, ok := r.sessionsByFire[key]; ok {
		return fmt.Errorf("session for meeting %s at %s: %w", record.MeetingID, record.FireAt.Format(time.RFC3339), apperrors.ErrAlreadyExists)
	}
	if _, ok := r.sessions[record.ID]; ok {
		return fmt.Errorf("session %s: %w", record.ID, apperrors.ErrAlreadyExists)
	}
	now := r.now()
	if record.State == "" {
		record.State = SessionStatePending
	}
	record.CreatedAt = now
	record.UpdatedAt = now
	r.sessions[record.ID] = record
	r.sessionsByFire[key] = record.ID
	return nil
}

func (r *MemoryRepository) GetBotSession(_ context.Context, id string) (*BotSessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, apperrors.ErrNotFound)
	}
	return &rec, nil
}

func (r *MemoryRepository) TransitionBotSession(_ context.Context, t SessionTransition) error {
	if !t.From.CanTransitionTo(t.To) {
		return fmt.Errorf("%s -> %s: %w", t.From, t.To, apperrors.ErrInvalidTransition)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[t.SessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", t.SessionID, apperrors.ErrNotFound)
	}
	if rec.State != t.From {
		return fmt.Errorf("session %s is %s, expected %s: %w", t.SessionID, rec.State, t.From, apperrors.ErrStaleState)
	}
	applyTransition(&rec, t)
	rec.UpdatedAt = r.now()
	r.sessions[t.SessionID] = rec
	return nil
}

func applyTransition(rec *BotSessionRecord, t SessionTransition) {
	rec.State = t.To
	at := t.At
	switch t.To {
	case SessionStateActive:
		if rec.StartedAt == nil {
			rec.StartedAt = &at
		}
	case SessionStateEnding:
		rec.EndReason = t.Reason
	case SessionStateEnded:
		rec.EndedAt = &at
		if t.Reason != "" {
			rec.EndReason = t.Reason
		}
	case SessionStateFailed:
		rec.EndedAt = &at
		rec.FailureReason = t.Reason
	}
}

func (r *MemoryRepository) FinalizeBotSession(_ context.Context, sessionID string, state SessionState, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[sessionID]
	if !ok {
		return false, fmt.Errorf("session %s: %w", sessionID, apperrors.ErrNotFound)
	}
	if !state.IsTerminal() || rec.State != state {
		return false, fmt.Errorf("finalize session %s as %s while %s: %w", sessionID, state, rec.State, apperrors.ErrInvalidTransition)
	}
	if rec.FinalizedAt != nil {
		return false, nil
	}
	rec.FinalizedAt = &at
	rec.UpdatedAt = r.now()
	r.sessions[sessionID] = rec
	return true, nil
}

func (r *MemoryRepository) ListNonTerminalBotSessions(_ context.Context) ([]BotSessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var list []BotSessionRecord
	for _, rec := range r.sessions {
		if !rec.State.IsTerminal() {
			list = append(list, rec)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].FireAt.Equal(list[j].FireAt) {
			return list[i].FireAt.Before(list[j].FireAt)
		}
		return list[i].ID < list[j].ID
	})
	return list, nil
}

func (r *MemoryRepository) UpsertSegment(_ context.Context, segment TranscriptSegment) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[segment.SessionID]; !ok {
		return false, fmt.Errorf("session %s: %w", segment.SessionID, apperrors.ErrNotFound)
	}
	key := segmentKey{sessionID: segment.SessionID, sequence: segment.Sequence}
	var existing *TranscriptSegment
	if cur, ok := r.segments[key]; ok {
		existing = &cur
	}
	if !ShouldReplaceSegment(existing, segment) {
		return false, nil
	}
	segment.UpdatedAt = r.now()
	r.segments[key] = segment
	return true, nil
}

func (r *MemoryRepository) ListSegments(_ context.Context, sessionID string) ([]TranscriptSegment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var list []TranscriptSegment
	for key, seg := range r.segments {
		if key.sessionID == sessionID {
			list = append(list, seg)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Sequence < list[j].Sequence })
	return list, nil
}

func (r *MemoryRepository) LastSegmentSequence(_ context.Context, sessionID string) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var last int64
	found := false
	for key := range r.segments {
		if key.sessionID != sessionID {
			continue
		}
		if !found || key.sequence > last {
			last = key.sequence
			found = true
		}
	}
	return last, found, nil
}

func (r *MemoryRepository) CreateTask(_ context.Context, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[task.ID]; ok {
		return fmt.Errorf("task %s: %w", task.ID, apperrors.ErrAlreadyExists)
	}
	now := r.now()
	if task.Status == "" {
		task.Status = TaskStatusQueued
	}
	if task.NextRunAt.IsZero() {
		task.NextRunAt = now
	}
	task.CreatedAt = now
	task.UpdatedAt = now
	r.tasks[task.ID] = task
	return nil
}

func (r *MemoryRepository) GetTask(_ context.Context, id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, apperrors.ErrNotFound)
	}
	return &task, nil
}

func (r *MemoryRepository) ClaimDueTasks(_ context.Context, now time.Time, lease time.Duration, limit int) ([]Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []Task
	for _, task := range r.tasks {
		if isClaimable(task, now) {
			due = append(due, task)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRunAt.Equal(due[j].NextRunAt) {
			return due[i].NextRunAt.Before(due[j].NextRunAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	lockedUntil := now.Add(lease)
	for i := range due {
		due[i].Status = TaskStatusRunning
		due[i].LockedUntil = &lockedUntil
		due[i].UpdatedAt = now
		r.tasks[due[i].ID] = due[i]
	}
	return due, nil
}

func isClaimable(task Task, now time.Time) bool {
	switch task.Status {
	case TaskStatusQueued:
		return !task.NextRunAt.After(now)
	case TaskStatusRunning:
		return task.LockedUntil != nil && task.LockedUntil.Before(now)
	}
	return false
}

func (r *MemoryRepository) CompleteTask(_ context.Context, id string, at time.Time) error {
	return r.updateTask(id, func(task *Task) {
		task.Status = TaskStatusDone
		task.LockedUntil = nil
		task.UpdatedAt = at
	})
}

func (r *MemoryRepository) RetryTask(_ context.Context, id string, attempts int, nextRunAt time.Time, lastError string) error {
	return r.updateTask(id, func(task *Task) {
		task.Status = TaskStatusQueued
		task.Attempts = attempts
		task.NextRunAt = nextRunAt
		task.LockedUntil = nil
		task.LastError = lastError
		task.UpdatedAt = r.now()
	})
}

func (r *MemoryRepository) DeadLetterTask(_ context.Context, id string, attempts int, lastError string) error {
	return r.updateTask(id, func(task *Task) {
		task.Status = TaskStatusDeadLettered
		task.Attempts = attempts
		task.LockedUntil = nil
		task.LastError = lastError
		task.UpdatedAt = r.now()
	})
}

func (r *MemoryRepository) updateTask(id string, mutate func(task *Task)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, apperrors.ErrNotFound)
	}
	mutate(&task)
	r.tasks[id] = task
	return nil
}

func (r *MemoryRepository) ListDeadLetteredTasks(_ context.Context, limit int) ([]Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var list []Task
	for _, task := range r.tasks {
		if task.Status == TaskStatusDeadLettered {
			list = append(list, task)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		}
		return list[i].ID < list[j].ID
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (r *MemoryRepository) ListPendingTasks(_ context.Context, kind string) ([]Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var list []Task
	for _, task := range r.tasks {
		if task.Kind != kind {
			continue
		}
		if task.Status == TaskStatusQueued || task.Status == TaskStatusRunning {
			list = append(list, task)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list, nil
}
