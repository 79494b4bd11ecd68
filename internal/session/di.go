package session

import (
	"github.com/foxseedlab/meetscribe/internal/config"
	"github.com/foxseedlab/meetscribe/internal/meeting"
	"github.com/foxseedlab/meetscribe/internal/metrics"
	"github.com/foxseedlab/meetscribe/internal/queue"
	"github.com/foxseedlab/meetscribe/internal/repository"
	"github.com/foxseedlab/meetscribe/internal/retry"
	"github.com/foxseedlab/meetscribe/internal/scheduler"
	"github.com/foxseedlab/meetscribe/internal/speech"
	"github.com/samber/do/v2"
)

func ConfigFrom(c *config.Config) Config {
	return Config{
		JoinTimeout:     c.JoinTimeout,
		JoinMaxAttempts: c.JoinMaxAttempts,
		JoinRetry:       retry.Policy{Initial: c.JoinRetryInitial, Max: 8 * c.JoinRetryInitial, Factor: 2},
		SilenceTimeout:  c.SessionSilenceTimeout,
		MaxDuration:     c.SessionMaxDuration,
		Pipeline: speech.PipelineConfig{
			Window:                 c.SpeechWindow,
			DecodeTimeout:          c.SpeechDecodeTimeout,
			MaxConsecutiveFailures: c.SpeechMaxConsecutiveFailures,
		},
	}
}

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Manager, error) {
		cfg := do.MustInvoke[*config.Config](i)
		repo := do.MustInvoke[repository.Repository](i)
		platform := do.MustInvoke[meeting.Platform](i)
		engine := do.MustInvoke[speech.Engine](i)
		q := do.MustInvoke[*queue.Queue](i)
		m := do.MustInvoke[*metrics.Metrics](i)
		return NewManager(ConfigFrom(cfg), repo, platform, engine, q, m), nil
	})
	do.Provide(injector, func(i do.Injector) (scheduler.Launcher, error) {
		return do.Invoke[*Manager](i)
	})
}
