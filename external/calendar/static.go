package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/foxseedlab/meetscribe/internal/calendar"
)

type staticEvent struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	StartAt    time.Time `json:"start_at"`
	EndAt      time.Time `json:"end_at"`
	JoinTarget string    `json:"join_target"`
	Revision   string    `json:"revision"`
}

// StaticProvider serves events from a JSON file for development. The file is read on
// every call so edits show up on the next reconciliation.
type StaticProvider struct {
	path string
}

func NewStaticProvider(path string) *StaticProvider {
	return &StaticProvider{path: path}
}

func (p *StaticProvider) ListUpcomingEvents(_ context.Context, window calendar.Window) ([]calendar.Event, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("read static calendar %s: %w", p.path, err)
	}
	var items []staticEvent
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode static calendar %s: %w", p.path, err)
	}
	var events []calendar.Event
	for _, it := range items {
		if !it.EndAt.After(window.From) || !it.StartAt.Before(window.To) {
			continue
		}
		events = append(events, calendar.Event{
			ID:         it.ID,
			Title:      it.Title,
			StartAt:    it.StartAt.UTC(),
			EndAt:      it.EndAt.UTC(),
			JoinTarget: it.JoinTarget,
			Revision:   it.Revision,
		})
	}
	return events, nil
}
