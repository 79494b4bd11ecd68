package tasks

import (
	"github.com/foxseedlab/meetscribe/internal/calendar"
	"github.com/foxseedlab/meetscribe/internal/config"
	"github.com/foxseedlab/meetscribe/internal/notify"
	"github.com/foxseedlab/meetscribe/internal/queue"
	"github.com/foxseedlab/meetscribe/internal/repository"
	"github.com/samber/do/v2"
)

var (
	_ Reconciler            = (*calendar.Watcher)(nil)
	_ queue.DelayedEnqueuer = (*queue.Queue)(nil)
)

// RegisterDI provides the handlers, already registered on the queue, and the reminder
// planner. A notify.Sender must be registered by the caller.
func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Handlers, error) {
		c := do.MustInvoke[*config.Config](i)
		repo := do.MustInvoke[repository.Repository](i)
		q := do.MustInvoke[*queue.Queue](i)
		sender := do.MustInvoke[notify.Sender](i)
		watcher := do.MustInvoke[*calendar.Watcher](i)
		h, err := NewHandlers(repo, q, sender, watcher, c.TranscriptTimezone)
		if err != nil {
			return nil, err
		}
		h.Register(q)
		return h, nil
	})
	do.Provide(injector, func(i do.Injector) (*ReminderPlanner, error) {
		c := do.MustInvoke[*config.Config](i)
		q := do.MustInvoke[*queue.Queue](i)
		return NewReminderPlanner(q, c.MeetingReminders), nil
	})
}
