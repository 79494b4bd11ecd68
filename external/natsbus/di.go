package natsbus

import (
	"github.com/foxseedlab/meetscribe/internal/config"
	"github.com/samber/do/v2"
)

// RegisterDI provides the publisher only when NATS_URL is set.
func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Publisher, error) {
		c := do.MustInvoke[*config.Config](i)
		return Connect(c.NatsURL, c.NatsSubject, c.NatsReminderSubject)
	})
}
