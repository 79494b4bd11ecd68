package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/meetscribe/internal/apperrors"
	"github.com/foxseedlab/meetscribe/internal/meeting"
	"github.com/foxseedlab/meetscribe/internal/metrics"
	"github.com/foxseedlab/meetscribe/internal/queue"
	"github.com/foxseedlab/meetscribe/internal/repository"
	"github.com/foxseedlab/meetscribe/internal/scheduler"
	"github.com/foxseedlab/meetscribe/internal/speech"
	"github.com/google/uuid"
)

// Manager creates and supervises bot sessions. Each session runs in its own goroutine
// and shares nothing with the others except the store and the task queue.
type Manager struct {
	deps
	cfg   Config
	newID func() string

	wg      sync.WaitGroup
	mu      sync.Mutex
	running map[string]*BotSession
}

var _ scheduler.Launcher = (*Manager)(nil)

// Slots accounts sessions started outside the scheduler against the concurrency cap.
type Slots interface {
	Adopt() (release func())
}

var _ Slots = (*scheduler.Scheduler)(nil)

func NewManager(cfg Config, repo repository.Repository, platform meeting.Platform, engine speech.Engine, enqueuer queue.Enqueuer, m *metrics.Metrics) *Manager {
	return &Manager{
		deps: deps{
			repo:     repo,
			platform: platform,
			engine:   engine,
			enqueuer: enqueuer,
			metrics:  m,
			now:      time.Now,
		},
		cfg:     cfg,
		newID:   func() string { return uuid.NewString() },
		running: make(map[string]*BotSession),
	}
}

// Launch records a pending session for the fired join and starts it. The store rejects
// a second session for the same meeting and fire time with apperrors.ErrAlreadyExists.
// done is called once the session has reached its final state.
func (m *Manager) Launch(ctx context.Context, req scheduler.LaunchRequest, done func()) error {
	record := repository.BotSessionRecord{
		ID:        m.newID(),
		MeetingID: req.EventID,
		FireAt:    req.FireAt,
		State:     repository.SessionStatePending,
	}
	if err := m.repo.CreateBotSession(ctx, record); err != nil {
		return fmt.Errorf("create session for meeting %s: %w", req.EventID, err)
	}
	slog.Info("session created", "session_id", record.ID, "meeting_id", req.EventID, "fire_at", req.FireAt)
	m.start(ctx, record, req.JoinTarget, done)
	return nil
}

func (m *Manager) start(ctx context.Context, record repository.BotSessionRecord, target string, done func()) {
	s := newBotSession(m.deps, m.cfg, record, target)
	m.mu.Lock()
	m.running[record.ID] = s
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.running, record.ID)
			m.mu.Unlock()
			if done != nil {
				done()
			}
		}()
		s.Run(ctx)
	}()
}

// Recover resumes non-terminal sessions left by a previous process, each holding a slot
// from slots. Sessions whose meeting is already over, and sessions caught while ending,
// are settled into a terminal state instead. It returns the number of resumed sessions.
func (m *Manager) Recover(ctx context.Context, slots Slots) (int, error) {
	records, err := m.repo.ListNonTerminalBotSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list non-terminal sessions: %w", err)
	}
	resumed := 0
	for _, rec := range records {
		event, err := m.repo.GetMeetingEvent(ctx, rec.MeetingID)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return resumed, fmt.Errorf("load meeting %s: %w", rec.MeetingID, err)
		}
		if event == nil || rec.State == repository.SessionStateEnding || !event.EndAt.After(m.now()) {
			if err := m.settle(ctx, rec); err != nil {
				slog.Error("failed to settle recovered session", "session_id", rec.ID, "state", rec.State, "error", err)
			}
			continue
		}
		m.mu.Lock()
		_, alive := m.running[rec.ID]
		m.mu.Unlock()
		if alive {
			continue
		}
		slog.Info("resuming session", "session_id", rec.ID, "meeting_id", rec.MeetingID, "state", rec.State)
		m.start(ctx, rec, event.JoinTarget, slots.Adopt())
		resumed++
	}
	return resumed, nil
}

// settle walks a stale session through legal transitions to a terminal state.
func (m *Manager) settle(ctx context.Context, rec repository.BotSessionRecord) error {
	var path []repository.SessionState
	reason := ReasonMissedRecovery
	switch rec.State {
	case repository.SessionStatePending:
		path = []repository.SessionState{repository.SessionStateConnecting, repository.SessionStateFailed}
	case repository.SessionStateConnecting:
		path = []repository.SessionState{repository.SessionStateFailed}
	case repository.SessionStateActive:
		path = []repository.SessionState{repository.SessionStateEnding, repository.SessionStateEnded}
	case repository.SessionStateEnding:
		path = []repository.SessionState{repository.SessionStateEnded}
		if rec.EndReason != "" {
			reason = rec.EndReason
		}
	default:
		return nil
	}
	from := rec.State
	for _, to := range path {
		t := repository.SessionTransition{SessionID: rec.ID, From: from, To: to, At: m.now(), Reason: reason}
		if to == repository.SessionStateConnecting {
			t.Reason = ""
		}
		if err := m.repo.TransitionBotSession(ctx, t); err != nil {
			return err
		}
		from = to
	}
	payload := queue.FinalizeSessionPayload{SessionID: rec.ID, State: from, Reason: reason}
	if _, err := m.enqueuer.EnqueueUnique(ctx, queue.KindFinalizeSession, rec.ID, payload); err != nil {
		return fmt.Errorf("enqueue finalization: %w", err)
	}
	slog.Info("recovered session settled", "session_id", rec.ID, "state", from, "reason", reason)
	return nil
}

func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Wait blocks until every started session has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}
