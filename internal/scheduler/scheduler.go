// Package scheduler fires bot joins at StartAt minus the lead window.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/meetscribe/internal/apperrors"
	"github.com/foxseedlab/meetscribe/internal/calendar"
	"github.com/foxseedlab/meetscribe/internal/metrics"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusFired     Status = "fired"
	StatusCancelled Status = "cancelled"
)

const (
	CancelReasonMissedWindow = "missed window"
	CancelReasonCalendar     = "cancelled in calendar"
	CancelReasonRescheduled  = "rescheduled"
)

const idleWait = time.Hour

type ScheduledJoin struct {
	EventID      string
	Revision     int64
	StartAt      time.Time
	EndAt        time.Time
	JoinTarget   string
	FireAt       time.Time
	Status       Status
	CancelReason string

	index  int
	queued bool
}

// LaunchRequest is handed to the Launcher when a join fires.
type LaunchRequest struct {
	EventID    string
	Revision   int64
	FireAt     time.Time
	StartAt    time.Time
	EndAt      time.Time
	JoinTarget string
}

// Launcher starts a bot session for a fired join. It must call done exactly once when
// the session is over, and must not call it when it returns an error.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest, done func()) error
}

type Config struct {
	LeadWindow    time.Duration
	GraceWindow   time.Duration
	MaxConcurrent int
}

// Scheduler is driven by calendar signals and its own timer. All state lives behind one
// mutex; the pending to fired transition happens under it, so an entry fires at most once.
type Scheduler struct {
	cfg      Config
	launcher Launcher
	metrics  *metrics.Metrics
	now      func() time.Time

	mu       sync.Mutex
	entries  map[string]*ScheduledJoin
	pending  joinHeap
	overflow []*ScheduledJoin
	active   int
	runCtx   context.Context
	wake     chan struct{}
}

func New(cfg Config, launcher Launcher, m *metrics.Metrics) *Scheduler {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	return &Scheduler{
		cfg:      cfg,
		launcher: launcher,
		metrics:  m,
		now:      time.Now,
		entries:  make(map[string]*ScheduledJoin),
		runCtx:   context.Background(),
		wake:     make(chan struct{}, 1),
	}
}

func (s *Scheduler) HandleSignal(sig calendar.Signal) {
	s.mu.Lock()
	switch sig.Kind {
	case calendar.SignalCreated, calendar.SignalUpdated:
		s.upsert(sig)
	case calendar.SignalCancelled:
		s.cancel(sig.Event.ID)
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Scheduler) upsert(sig calendar.Signal) {
	ev := sig.Event
	fireAt := ev.StartAt.Add(-s.cfg.LeadWindow)
	existing, ok := s.entries[ev.ID]
	if ok {
		switch existing.Status {
		case StatusPending:
			if existing.FireAt.Equal(fireAt) {
				existing.Revision = ev.Revision
				existing.StartAt = ev.StartAt
				existing.EndAt = ev.EndAt
				existing.JoinTarget = ev.JoinTarget
				return
			}
			s.detach(existing)
			existing.Status = StatusCancelled
			existing.CancelReason = CancelReasonRescheduled
			slog.Info("join rescheduled", "event_id", ev.ID, "old_fire_at", existing.FireAt, "new_fire_at", fireAt)
		case StatusFired:
			// A fired join keeps running; only a move to a new future slot schedules again.
			if existing.FireAt.Equal(fireAt) || !fireAt.After(s.now()) {
				return
			}
			slog.Info("fired join rescheduled to a new slot", "event_id", ev.ID, "fired_at", existing.FireAt, "new_fire_at", fireAt)
		}
	}
	entry := &ScheduledJoin{
		EventID:    ev.ID,
		Revision:   ev.Revision,
		StartAt:    ev.StartAt,
		EndAt:      ev.EndAt,
		JoinTarget: ev.JoinTarget,
		FireAt:     fireAt,
		Status:     StatusPending,
		index:      -1,
	}
	s.entries[ev.ID] = entry
	heap.Push(&s.pending, entry)
	slog.Debug("join scheduled", "event_id", ev.ID, "fire_at", fireAt)
}

// cancel never touches a fired join; the session it started runs to completion.
func (s *Scheduler) cancel(eventID string) {
	e, ok := s.entries[eventID]
	if !ok {
		return
	}
	if e.Status != StatusPending {
		delete(s.entries, eventID)
		return
	}
	s.detach(e)
	e.Status = StatusCancelled
	e.CancelReason = CancelReasonCalendar
	slog.Info("join cancelled", "event_id", eventID, "fire_at", e.FireAt)
}

func (s *Scheduler) detach(e *ScheduledJoin) {
	if e.index >= 0 && e.index < len(s.pending) && s.pending[e.index] == e {
		heap.Remove(&s.pending, e.index)
	}
	if e.queued {
		for i, q := range s.overflow {
			if q == e {
				s.overflow = append(s.overflow[:i], s.overflow[i+1:]...)
				break
			}
		}
		e.queued = false
		s.metrics.SetJoinsQueued(len(s.overflow))
	}
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run fires due joins until ctx is done. Sessions are launched with ctx.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		s.FireDue(ctx)
		timer.Reset(s.nextWait())
	}
}

func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return idleWait
	}
	d := s.pending[0].FireAt.Sub(s.now())
	if d < 0 {
		return 0
	}
	return d
}

// FireDue evaluates every entry whose fire time has arrived. Safe for concurrent calls.
// Nothing fires once ctx is done; due entries stay pending for the next process.
func (s *Scheduler) FireDue(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	now := s.now()
	s.prune(now)
	var launches []LaunchRequest
	for len(s.pending) > 0 && !s.pending[0].FireAt.After(now) {
		e := heap.Pop(&s.pending).(*ScheduledJoin)
		if req, ok := s.evaluate(e, now); ok {
			launches = append(launches, req)
		}
	}
	s.mu.Unlock()

	for _, req := range launches {
		s.launch(ctx, req)
	}
}

// evaluate moves a due entry out of pending. The caller holds mu.
func (s *Scheduler) evaluate(e *ScheduledJoin, now time.Time) (LaunchRequest, bool) {
	if e.Status != StatusPending {
		return LaunchRequest{}, false
	}
	if now.After(e.StartAt.Add(s.cfg.GraceWindow)) {
		s.miss(e, now)
		return LaunchRequest{}, false
	}
	if s.active >= s.cfg.MaxConcurrent {
		e.queued = true
		s.overflow = append(s.overflow, e)
		s.metrics.SetJoinsQueued(len(s.overflow))
		slog.Warn("session cap reached; join queued", "event_id", e.EventID, "active", s.active, "queued", len(s.overflow))
		return LaunchRequest{}, false
	}
	return s.fire(e), true
}

func (s *Scheduler) fire(e *ScheduledJoin) LaunchRequest {
	e.Status = StatusFired
	s.active++
	s.metrics.JoinFired()
	return LaunchRequest{
		EventID:    e.EventID,
		Revision:   e.Revision,
		FireAt:     e.FireAt,
		StartAt:    e.StartAt,
		EndAt:      e.EndAt,
		JoinTarget: e.JoinTarget,
	}
}

func (s *Scheduler) miss(e *ScheduledJoin, now time.Time) {
	e.Status = StatusCancelled
	e.CancelReason = CancelReasonMissedWindow
	s.metrics.JoinMissed()
	err := &apperrors.ScheduleMissedError{EventID: e.EventID, FireAt: e.FireAt, Lateness: now.Sub(e.FireAt)}
	slog.Warn("join not fired", "event_id", e.EventID, "error", err)
}

func (s *Scheduler) launch(ctx context.Context, req LaunchRequest) {
	slog.Info("join fired", "event_id", req.EventID, "fire_at", req.FireAt, "start_at", req.StartAt)
	err := s.launcher.Launch(ctx, req, s.release)
	if err == nil {
		return
	}
	if errors.Is(err, apperrors.ErrAlreadyExists) {
		slog.Info("session for this fire time already exists", "event_id", req.EventID, "fire_at", req.FireAt)
	} else {
		slog.Error("failed to launch session", "event_id", req.EventID, "error", err)
	}
	s.release()
}

// release frees a slot and launches queued joins in arrival order. During shutdown
// queued joins are left alone so their fire time is not used up by a dying process.
func (s *Scheduler) release() {
	s.mu.Lock()
	if s.active > 0 {
		s.active--
	}
	now := s.now()
	var launches []LaunchRequest
	for s.runCtx.Err() == nil && s.active < s.cfg.MaxConcurrent && len(s.overflow) > 0 {
		e := s.overflow[0]
		s.overflow = s.overflow[1:]
		e.queued = false
		if !now.Before(e.EndAt) {
			s.miss(e, now)
			continue
		}
		launches = append(launches, s.fire(e))
	}
	s.metrics.SetJoinsQueued(len(s.overflow))
	ctx := s.runCtx
	s.mu.Unlock()

	for _, req := range launches {
		s.launch(ctx, req)
	}
}

// Adopt counts a session started outside the scheduler, such as one resumed after a
// restart, against the concurrency cap. The returned func frees the slot; extra calls
// are ignored.
func (s *Scheduler) Adopt() func() {
	s.mu.Lock()
	s.active++
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(s.release) }
}

// prune forgets fired and cancelled entries whose meeting is over. The caller holds mu.
func (s *Scheduler) prune(now time.Time) {
	for id, e := range s.entries {
		if e.Status == StatusPending || e.queued || e.EndAt.After(now) {
			continue
		}
		delete(s.entries, id)
	}
}

// Get returns a copy of the tracked entry for an event.
func (s *Scheduler) Get(eventID string) (ScheduledJoin, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[eventID]
	if !ok {
		return ScheduledJoin{}, false
	}
	return *e, true
}

func (s *Scheduler) Stats() (pending, queued, active int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), len(s.overflow), s.active
}
