package audio

import (
	"github.com/foxseedlab/meetscribe/internal/audio"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.ProvideValue(injector, audio.MixerFactory(NewOpusMixer))
}
