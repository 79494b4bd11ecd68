package calendar

import (
	"fmt"

	"github.com/foxseedlab/meetscribe/internal/calendar"
	"github.com/foxseedlab/meetscribe/internal/config"
	"github.com/samber/do/v2"
)

var (
	_ calendar.Provider = (*GoogleProvider)(nil)
	_ calendar.Provider = (*StaticProvider)(nil)
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (calendar.Provider, error) {
		c := do.MustInvoke[*config.Config](i)
		switch c.CalendarProvider {
		case config.CalendarProviderGoogle:
			return NewGoogleProvider(GoogleConfig{
				CredentialsFile: c.GoogleCredentialsFile,
				CalendarID:      c.GoogleCalendarID,
			}), nil
		case config.CalendarProviderStatic:
			return NewStaticProvider(c.CalendarStaticFile), nil
		}
		return nil, fmt.Errorf("unsupported calendar provider %q", c.CalendarProvider)
	})
}
