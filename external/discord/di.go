package discord

import (
	"github.com/foxseedlab/meetscribe/internal/audio"
	"github.com/foxseedlab/meetscribe/internal/config"
	"github.com/foxseedlab/meetscribe/internal/meeting"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (meeting.Platform, error) {
		c := do.MustInvoke[*config.Config](i)
		newMixer := do.MustInvoke[audio.MixerFactory](i)
		return NewClient(c.DiscordToken, c.DiscordCountOtherBots, newMixer), nil
	})
}

var _ meeting.Platform = (*Client)(nil)
