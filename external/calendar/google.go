package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/auth/credentials"
	"github.com/foxseedlab/meetscribe/internal/calendar"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

const (
	calendarReadonlyScope = "https://www.googleapis.com/auth/calendar.readonly"
	eventsPageSize        = 250
)

type GoogleConfig struct {
	CredentialsFile string
	CalendarID      string
}

// GoogleProvider lists events of one Google Calendar. The API client is built on
// first use and reused afterwards.
type GoogleProvider struct {
	calendarID string
	newService func(ctx context.Context) (*gcal.Service, error)

	mu  sync.Mutex
	svc *gcal.Service
}

func NewGoogleProvider(cfg GoogleConfig) *GoogleProvider {
	return &GoogleProvider{
		calendarID: calendarIDOrPrimary(cfg.CalendarID),
		newService: func(ctx context.Context) (*gcal.Service, error) {
			creds, err := credentials.DetectDefault(&credentials.DetectOptions{
				CredentialsFile: cfg.CredentialsFile,
				Scopes:          []string{calendarReadonlyScope},
			})
			if err != nil {
				return nil, fmt.Errorf("detect credentials: %w", err)
			}
			return gcal.NewService(ctx, option.WithAuthCredentials(creds))
		},
	}
}

func calendarIDOrPrimary(id string) string {
	if strings.TrimSpace(id) == "" {
		return "primary"
	}
	return id
}

func (p *GoogleProvider) service(ctx context.Context) (*gcal.Service, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.svc != nil {
		return p.svc, nil
	}
	svc, err := p.newService(ctx)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	p.svc = svc
	return svc, nil
}

func (p *GoogleProvider) ListUpcomingEvents(ctx context.Context, window calendar.Window) ([]calendar.Event, error) {
	svc, err := p.service(ctx)
	if err != nil {
		return nil, err
	}
	call := svc.Events.List(p.calendarID).
		TimeMin(window.From.UTC().Format(time.RFC3339)).
		TimeMax(window.To.UTC().Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(eventsPageSize)

	var events []calendar.Event
	err = call.Pages(ctx, func(page *gcal.Events) error {
		for _, item := range page.Items {
			ev, ok, err := toEvent(item)
			if err != nil {
				return err
			}
			if ok {
				events = append(events, ev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list events of %s: %w", p.calendarID, err)
	}
	return events, nil
}

// toEvent skips cancelled and all-day events, and events with nowhere to join.
func toEvent(item *gcal.Event) (calendar.Event, bool, error) {
	if item == nil || item.Status == "cancelled" {
		return calendar.Event{}, false, nil
	}
	if item.Start == nil || item.End == nil || item.Start.DateTime == "" || item.End.DateTime == "" {
		slog.Debug("skipping all-day calendar event", "event_id", item.Id)
		return calendar.Event{}, false, nil
	}
	start, err := time.Parse(time.RFC3339, item.Start.DateTime)
	if err != nil {
		return calendar.Event{}, false, fmt.Errorf("parse start of event %s: %w", item.Id, err)
	}
	end, err := time.Parse(time.RFC3339, item.End.DateTime)
	if err != nil {
		return calendar.Event{}, false, fmt.Errorf("parse end of event %s: %w", item.Id, err)
	}
	target := joinTarget(item)
	if target == "" {
		slog.Debug("skipping calendar event without join target", "event_id", item.Id)
		return calendar.Event{}, false, nil
	}
	return calendar.Event{
		ID:         item.Id,
		Title:      item.Summary,
		StartAt:    start.UTC(),
		EndAt:      end.UTC(),
		JoinTarget: target,
		Revision:   item.Etag,
	}, true, nil
}

func joinTarget(item *gcal.Event) string {
	if loc := strings.TrimSpace(item.Location); loc != "" {
		return loc
	}
	if item.HangoutLink != "" {
		return item.HangoutLink
	}
	if item.ConferenceData != nil {
		for _, ep := range item.ConferenceData.EntryPoints {
			if ep != nil && ep.EntryPointType == "video" && ep.Uri != "" {
				return ep.Uri
			}
		}
	}
	return ""
}
