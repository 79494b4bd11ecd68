package speech

import (
	"fmt"

	"github.com/foxseedlab/meetscribe/internal/config"
	"github.com/foxseedlab/meetscribe/internal/speech"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (speech.Engine, error) {
		c := do.MustInvoke[*config.Config](i)
		switch c.SpeechEngine {
		case config.SpeechEngineSubprocess:
			return NewSubprocessEngine(SubprocessConfig{
				Command:   c.SpeechCommand,
				ModelPath: c.SpeechModelPath,
				Language:  c.SpeechLanguage,
			})
		case config.SpeechEngineCloudSpeech:
			return NewCloudSpeechEngine(CloudSpeechConfig{
				ProjectID:       c.GoogleCloudProjectID,
				CredentialsFile: c.GoogleCredentialsFile,
				Language:        c.SpeechLanguage,
				Location:        c.GoogleCloudSpeechLocation,
				Model:           c.GoogleCloudSpeechModel,
			}), nil
		}
		return nil, fmt.Errorf("unsupported speech engine %q", c.SpeechEngine)
	})
}
