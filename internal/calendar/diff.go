package calendar

import (
	"sort"
	"time"

	"github.com/foxseedlab/meetscribe/internal/repository"
)

// Diff compares the stored events with a fresh fetch and returns the changes to apply,
// ordered by start time and id. It has no side effects.
//
//   - fetched but unknown, or known but cancelled: created
//   - known with different content: updated
//   - known, not cancelled, starting inside the window, absent from the fetch: cancelled
//
// Every change carries the event as it should be stored, revision already bumped.
func Diff(tracked []repository.MeetingEvent, fetched []Event, window Window, now time.Time) []Signal {
	known := make(map[string]repository.MeetingEvent, len(tracked))
	for _, e := range tracked {
		known[e.ID] = e
	}

	seen := make(map[string]struct{}, len(fetched))
	var changes []Signal
	for _, f := range fetched {
		if f.ID == "" {
			continue
		}
		if _, dup := seen[f.ID]; dup {
			continue
		}
		seen[f.ID] = struct{}{}

		desired := repository.MeetingEvent{
			ID:             f.ID,
			Title:          f.Title,
			StartAt:        f.StartAt,
			EndAt:          f.EndAt,
			JoinTarget:     f.JoinTarget,
			SourceRevision: f.Revision,
		}
		existing, ok := known[f.ID]
		switch {
		case !ok:
			desired.Revision = 1
			changes = append(changes, Signal{Kind: SignalCreated, Event: desired})
		case existing.Cancelled:
			desired.Revision = existing.Revision + 1
			desired.CreatedAt = existing.CreatedAt
			changes = append(changes, Signal{Kind: SignalCreated, Event: desired})
		case !existing.SameContent(desired):
			desired.Revision = existing.Revision + 1
			desired.CreatedAt = existing.CreatedAt
			changes = append(changes, Signal{Kind: SignalUpdated, Event: desired})
		}
	}

	for _, e := range tracked {
		if e.Cancelled || !window.Contains(e.StartAt) {
			continue
		}
		if _, ok := seen[e.ID]; ok {
			continue
		}
		cancelled := e
		cancelled.Cancelled = true
		at := now
		cancelled.CancelledAt = &at
		cancelled.Revision = e.Revision + 1
		changes = append(changes, Signal{Kind: SignalCancelled, Event: cancelled})
	}

	sort.SliceStable(changes, func(i, j int) bool {
		a, b := changes[i].Event, changes[j].Event
		if !a.StartAt.Equal(b.StartAt) {
			return a.StartAt.Before(b.StartAt)
		}
		return a.ID < b.ID
	})
	return changes
}
