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

const planTimeout = 10 * time.Second

// ReminderPlanner turns calendar signals into delayed notify_reminder tasks, one per
// configured lead time. Reminders whose time has already passed are not planned.
type ReminderPlanner struct {
	enqueuer queue.DelayedEnqueuer
	leads    []time.Duration
	now      func() time.Time
}

func NewReminderPlanner(enqueuer queue.DelayedEnqueuer, leads []time.Duration) *ReminderPlanner {
	return &ReminderPlanner{enqueuer: enqueuer, leads: leads, now: time.Now}
}

var _ calendar.SignalHandler = (*ReminderPlanner)(nil)

// HandleSignal plans reminders for created and updated events. Cancellations need no
// work: the handler drops reminders of cancelled or revised meetings when they fire.
func (p *ReminderPlanner) HandleSignal(sig calendar.Signal) {
	if sig.Kind == calendar.SignalCancelled || len(p.leads) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), planTimeout)
	defer cancel()
	if _, err := p.Plan(ctx, sig.Event); err != nil {
		slog.Error("failed to plan meeting reminders", "event_id", sig.Event.ID, "error", err)
	}
}

// Plan enqueues the reminders of one meeting revision and reports how many are due in
// the future. Planning the same revision twice creates no new tasks.
func (p *ReminderPlanner) Plan(ctx context.Context, event repository.MeetingEvent) (int, error) {
	if event.Cancelled {
		return 0, nil
	}
	now := p.now()
	planned := 0
	var errs []error
	for _, lead := range p.leads {
		at := event.StartAt.Add(-lead)
		if !at.After(now) {
			continue
		}
		payload := queue.NotifyReminderPayload{
			MeetingID: event.ID,
			Revision:  event.Revision,
			Lead:      lead,
			RemindAt:  at,
		}
		key := notify.ReminderID(event.ID, event.Revision, lead)
		if _, err := p.enqueuer.EnqueueUniqueAt(ctx, queue.KindNotifyReminder, key, at, payload); err != nil {
			errs = append(errs, fmt.Errorf("enqueue reminder %s: %w", key, err))
			continue
		}
		planned++
	}
	return planned, errors.Join(errs...)
}

// NotifyReminder sends one planned reminder unless the meeting was cancelled, changed
// since planning, or already started.
func (h *Handlers) NotifyReminder(ctx context.Context, task repository.Task) error {
	p, err := queue.DecodePayload[queue.NotifyReminderPayload](task)
	if err != nil {
		return err
	}
	if h.sender == nil {
		slog.Debug("no reminder consumer configured", "event_id", p.MeetingID)
		return nil
	}
	ev, err := h.repo.GetMeetingEvent(ctx, p.MeetingID)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		slog.Info("reminder dropped, meeting is gone", "event_id", p.MeetingID)
		return nil
	case err != nil:
		return fmt.Errorf("load meeting %s: %w", p.MeetingID, err)
	}
	switch {
	case ev.Cancelled:
		slog.Info("reminder dropped, meeting cancelled", "event_id", ev.ID)
		return nil
	case ev.Revision != p.Revision:
		slog.Debug("reminder superseded", "event_id", ev.ID, "planned_revision", p.Revision, "revision", ev.Revision)
		return nil
	case !ev.StartAt.After(h.now()):
		slog.Info("reminder dropped, meeting already started", "event_id", ev.ID, "lead", p.Lead)
		return nil
	}
	payload := notify.BuildReminderPayload(*ev, p.Lead, h.timezone, h.location)
	if err := h.sender.SendReminder(ctx, payload); err != nil {
		return fmt.Errorf("send reminder %s: %w", payload.ReminderID, err)
	}
	slog.Info("reminder delivered", "event_id", ev.ID, "lead", p.Lead)
	return nil
}
