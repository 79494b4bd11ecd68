package scheduler

import (
	"github.com/foxseedlab/meetscribe/internal/calendar"
	"github.com/foxseedlab/meetscribe/internal/config"
	"github.com/foxseedlab/meetscribe/internal/metrics"
	"github.com/samber/do/v2"
)

// RegisterDI provides the scheduler. A Launcher must be registered by the caller.
func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Scheduler, error) {
		c := do.MustInvoke[*config.Config](i)
		launcher := do.MustInvoke[Launcher](i)
		m := do.MustInvoke[*metrics.Metrics](i)
		return New(Config{
			LeadWindow:    c.JoinLeadWindow,
			GraceWindow:   c.JoinGraceWindow,
			MaxConcurrent: c.MaxConcurrentSessions,
		}, launcher, m), nil
	})
}

var _ calendar.SignalHandler = (*Scheduler)(nil)
