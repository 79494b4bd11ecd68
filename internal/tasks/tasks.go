// Package tasks holds the handlers for every durable task kind.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxseedlab/meetscribe/internal/apperrors"
	"github.com/foxseedlab/meetscribe/internal/calendar"
	"github.com/foxseedlab/meetscribe/internal/notify"
	"github.com/foxseedlab/meetscribe/internal/queue"
	"github.com/foxseedlab/meetscribe/internal/repository"
)

type Reconciler interface {
	Reconcile(ctx context.Context) (calendar.Result, error)
}

type Handlers struct {
	repo       repository.Repository
	enqueuer   queue.Enqueuer
	sender     notify.Sender
	reconciler Reconciler
	timezone   string
	location   *time.Location
	now        func() time.Time
}

// NewHandlers builds the handlers. sender may be nil when no completion or reminder
// consumer is configured.
func NewHandlers(repo repository.Repository, enqueuer queue.Enqueuer, sender notify.Sender, reconciler Reconciler, timezone string) (*Handlers, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load transcript timezone %q: %w", timezone, err)
	}
	if m, ok := sender.(notify.Multi); ok && len(m) == 0 {
		sender = nil
	}
	return &Handlers{
		repo:       repo,
		enqueuer:   enqueuer,
		sender:     sender,
		reconciler: reconciler,
		timezone:   timezone,
		location:   loc,
		now:        time.Now,
	}, nil
}

func (h *Handlers) Register(q *queue.Queue) {
	q.Register(queue.KindPersistSegment, h.PersistSegment)
	q.Register(queue.KindFinalizeSession, h.FinalizeSession)
	q.Register(queue.KindNotifyCompletion, h.NotifyCompletion)
	q.Register(queue.KindReconcileCalendar, h.ReconcileCalendar)
	q.Register(queue.KindNotifyReminder, h.NotifyReminder)
}

// PersistSegment applies the segment merge rule; a stale revision is not an error.
func (h *Handlers) PersistSegment(ctx context.Context, task repository.Task) error {
	p, err := queue.DecodePayload[queue.PersistSegmentPayload](task)
	if err != nil {
		return err
	}
	changed, err := h.repo.UpsertSegment(ctx, p.Segment)
	if err != nil {
		return fmt.Errorf("upsert segment %s/%d: %w", p.Segment.SessionID, p.Segment.Sequence, err)
	}
	if !changed {
		slog.Debug("segment not replaced", "session_id", p.Segment.SessionID, "sequence", p.Segment.Sequence, "revision", p.Segment.Revision, "final", p.Segment.IsFinal)
	}
	return nil
}

// FinalizeSession stamps the terminal session and schedules the completion notice.
// Running it again for the same session is a no-op apart from the unique enqueue.
func (h *Handlers) FinalizeSession(ctx context.Context, task repository.Task) error {
	p, err := queue.DecodePayload[queue.FinalizeSessionPayload](task)
	if err != nil {
		return err
	}
	first, err := h.repo.FinalizeBotSession(ctx, p.SessionID, p.State, h.now())
	if err != nil {
		return fmt.Errorf("finalize session %s: %w", p.SessionID, err)
	}
	if first {
		slog.Info("session finalized", "session_id", p.SessionID, "state", p.State, "reason", p.Reason)
	}
	if _, err := h.enqueuer.EnqueueUnique(ctx, queue.KindNotifyCompletion, p.SessionID, queue.NotifyCompletionPayload{SessionID: p.SessionID}); err != nil {
		return fmt.Errorf("enqueue completion notice: %w", err)
	}
	return nil
}

func (h *Handlers) NotifyCompletion(ctx context.Context, task repository.Task) error {
	p, err := queue.DecodePayload[queue.NotifyCompletionPayload](task)
	if err != nil {
		return err
	}
	if h.sender == nil {
		slog.Debug("no completion consumer configured", "session_id", p.SessionID)
		return nil
	}
	transcript, err := h.loadTranscript(ctx, p.SessionID)
	if err != nil {
		return err
	}
	payload := notify.BuildCompletionPayload(transcript)
	if err := h.sender.SendCompletion(ctx, payload); err != nil {
		return fmt.Errorf("send completion of session %s: %w", p.SessionID, err)
	}
	slog.Info("completion delivered", "session_id", p.SessionID, "segments", payload.SegmentCount)
	return nil
}

func (h *Handlers) loadTranscript(ctx context.Context, sessionID string) (notify.Transcript, error) {
	rec, err := h.repo.GetBotSession(ctx, sessionID)
	if err != nil {
		return notify.Transcript{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	meeting := repository.MeetingEvent{ID: rec.MeetingID}
	ev, err := h.repo.GetMeetingEvent(ctx, rec.MeetingID)
	switch {
	case err == nil:
		meeting = *ev
	case !errors.Is(err, apperrors.ErrNotFound):
		return notify.Transcript{}, fmt.Errorf("load meeting %s: %w", rec.MeetingID, err)
	}
	segments, err := h.repo.ListSegments(ctx, sessionID)
	if err != nil {
		return notify.Transcript{}, fmt.Errorf("list segments of %s: %w", sessionID, err)
	}
	return notify.Transcript{
		Session:  *rec,
		Meeting:  meeting,
		Segments: segments,
		Timezone: h.timezone,
		Location: h.location,
	}, nil
}

func (h *Handlers) ReconcileCalendar(ctx context.Context, task repository.Task) error {
	p, err := queue.DecodePayload[queue.ReconcileCalendarPayload](task)
	if err != nil {
		return err
	}
	res, err := h.reconciler.Reconcile(ctx)
	if err != nil {
		return err
	}
	slog.Info("on-demand reconciliation done",
		"requested_by", p.RequestedBy,
		"requested_at", p.RequestedAt,
		"created", res.Created,
		"updated", res.Updated,
		"cancelled", res.Cancelled)
	return nil
}

// RequestReconcile enqueues an on-demand calendar reconciliation and returns the task id.
func RequestReconcile(ctx context.Context, enq queue.Enqueuer, requestedBy string) (string, error) {
	id, err := enq.Enqueue(ctx, queue.KindReconcileCalendar, queue.ReconcileCalendarPayload{
		RequestedAt: time.Now().UTC(),
		RequestedBy: requestedBy,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue reconciliation: %w", err)
	}
	return id, nil
}
