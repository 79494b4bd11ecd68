package calendar

import (
	"github.com/foxseedlab/meetscribe/internal/config"
	"github.com/foxseedlab/meetscribe/internal/metrics"
	"github.com/foxseedlab/meetscribe/internal/repository"
	"github.com/foxseedlab/meetscribe/internal/retry"
	"github.com/samber/do/v2"
)

func ConfigFrom(c *config.Config) Config {
	return Config{
		PollInterval:  c.CalendarPollInterval,
		Horizon:       c.CalendarHorizon,
		Lookback:      c.CalendarLookback,
		RetryAttempts: c.CalendarRetryAttempts,
		Retry:         retry.Policy{Initial: c.CalendarRetryInitial, Max: c.CalendarRetryMax, Factor: 2},
	}
}

// RegisterDI provides the watcher. A Provider and a SignalHandler must be registered.
func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Watcher, error) {
		c := do.MustInvoke[*config.Config](i)
		provider := do.MustInvoke[Provider](i)
		repo := do.MustInvoke[repository.Repository](i)
		handler := do.MustInvoke[SignalHandler](i)
		m := do.MustInvoke[*metrics.Metrics](i)
		return NewWatcher(provider, repo, handler, ConfigFrom(c), m), nil
	})
}
