// Package calendar keeps the stored meeting events in step with the calendar provider
// and tells the scheduler what changed.
package calendar

import (
	"context"
	"time"

	"github.com/foxseedlab/meetscribe/internal/repository"
)

// Event is one upcoming meeting as the provider reports it. Revision is the provider's
// change marker, such as an etag.
type Event struct {
	ID         string
	Title      string
	StartAt    time.Time
	EndAt      time.Time
	JoinTarget string
	Revision   string
}

type Window struct {
	From time.Time
	To   time.Time
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

// Overlaps reports whether [start, end] intersects the window.
func (w Window) Overlaps(start, end time.Time) bool {
	return !end.Before(w.From) && !start.After(w.To)
}

type Provider interface {
	ListUpcomingEvents(ctx context.Context, window Window) ([]Event, error)
}

type SignalKind string

const (
	SignalCreated   SignalKind = "created"
	SignalUpdated   SignalKind = "updated"
	SignalCancelled SignalKind = "cancelled"
)

type Signal struct {
	Kind  SignalKind
	Event repository.MeetingEvent
}

type SignalHandler interface {
	HandleSignal(sig Signal)
}

// Fanout hands every signal to each handler in order.
type Fanout []SignalHandler

func (f Fanout) HandleSignal(sig Signal) {
	for _, h := range f {
		h.HandleSignal(sig)
	}
}
