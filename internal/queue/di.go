package queue

import (
	"github.com/foxseedlab/meetscribe/internal/config"
	"github.com/foxseedlab/meetscribe/internal/metrics"
	"github.com/foxseedlab/meetscribe/internal/repository"
	"github.com/foxseedlab/meetscribe/internal/retry"
	"github.com/samber/do/v2"
)

func ConfigFrom(c *config.Config) Config {
	return Config{
		Workers:      c.TaskWorkers,
		MaxRetries:   c.TaskMaxRetries,
		PollInterval: c.TaskPollInterval,
		Lease:        c.TaskLease,
		Backoff:      retry.Policy{Initial: c.TaskRetryInitial, Max: c.TaskRetryMax, Factor: 2},
	}
}

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Queue, error) {
		c := do.MustInvoke[*config.Config](i)
		repo := do.MustInvoke[repository.Repository](i)
		m := do.MustInvoke[*metrics.Metrics](i)
		return New(repo, ConfigFrom(c), m), nil
	})
}
