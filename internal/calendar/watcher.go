package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/meetscribe/internal/apperrors"
	"github.com/foxseedlab/meetscribe/internal/metrics"
	"github.com/foxseedlab/meetscribe/internal/repository"
	"github.com/foxseedlab/meetscribe/internal/retry"
)

type Config struct {
	PollInterval  time.Duration
	Horizon       time.Duration
	Lookback      time.Duration
	RetryAttempts int
	Retry         retry.Policy
}

type Result struct {
	Created   int
	Updated   int
	Cancelled int
}

func (r Result) Changed() bool {
	return r.Created+r.Updated+r.Cancelled > 0
}

// Watcher reconciles the provider's upcoming events into the store. Stored events are
// never cleared because a fetch failed.
type Watcher struct {
	provider Provider
	repo     repository.MeetingRepository
	handler  SignalHandler
	cfg      Config
	metrics  *metrics.Metrics
	now      func() time.Time

	mu sync.Mutex
}

func NewWatcher(provider Provider, repo repository.MeetingRepository, handler SignalHandler, cfg Config, m *metrics.Metrics) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	return &Watcher{
		provider: provider,
		repo:     repo,
		handler:  handler,
		cfg:      cfg,
		metrics:  m,
		now:      time.Now,
	}
}

func (w *Watcher) window() Window {
	now := w.now()
	return Window{From: now.Add(-w.cfg.Lookback), To: now.Add(w.cfg.Horizon)}
}

// Reconcile runs one pass. Passes are serialized; each change is stored before its
// signal is emitted, so a pass interrupted midway is repeated safely by the next one.
func (w *Watcher) Reconcile(ctx context.Context) (Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	window := w.window()
	fetched, err := w.fetch(ctx, window)
	if err != nil {
		w.metrics.CalendarReconciled("fetch_failed")
		return Result{}, err
	}
	tracked, err := w.tracked(ctx, window, fetched)
	if err != nil {
		w.metrics.CalendarReconciled("store_failed")
		return Result{}, err
	}

	var res Result
	for _, change := range Diff(tracked, fetched, window, w.now()) {
		if err := w.repo.SaveMeetingEvent(ctx, change.Event); err != nil {
			w.metrics.CalendarReconciled("store_failed")
			return res, fmt.Errorf("save meeting event %s: %w", change.Event.ID, err)
		}
		switch change.Kind {
		case SignalCreated:
			res.Created++
		case SignalUpdated:
			res.Updated++
		case SignalCancelled:
			res.Cancelled++
		}
		slog.Info("calendar change", "kind", change.Kind, "event_id", change.Event.ID, "start_at", change.Event.StartAt, "revision", change.Event.Revision)
		w.metrics.CalendarSignal(string(change.Kind))
		w.handler.HandleSignal(change)
	}
	w.metrics.CalendarReconciled("ok")
	return res, nil
}

func (w *Watcher) fetch(ctx context.Context, window Window) ([]Event, error) {
	var events []Event
	err := retry.Do(ctx, w.cfg.Retry, w.cfg.RetryAttempts, nil, func(ctx context.Context, attempt int) error {
		list, err := w.provider.ListUpcomingEvents(ctx, window)
		if err != nil {
			slog.Warn("calendar fetch failed", "attempt", attempt, "error", err)
			return err
		}
		events = list
		return nil
	})
	if err != nil {
		return nil, apperrors.Transient("list upcoming events", err)
	}
	return events, nil
}

// tracked loads stored events starting inside the window plus any stored event the
// provider returned that starts outside it, so the diff never mistakes one for new.
func (w *Watcher) tracked(ctx context.Context, window Window, fetched []Event) ([]repository.MeetingEvent, error) {
	tracked, err := w.repo.ListMeetingEvents(ctx, window.From, window.To)
	if err != nil {
		return nil, fmt.Errorf("list meeting events: %w", err)
	}
	known := make(map[string]struct{}, len(tracked))
	for _, e := range tracked {
		known[e.ID] = struct{}{}
	}
	for _, f := range fetched {
		if _, ok := known[f.ID]; ok || window.Contains(f.StartAt) {
			continue
		}
		e, err := w.repo.GetMeetingEvent(ctx, f.ID)
		if errors.Is(err, apperrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get meeting event %s: %w", f.ID, err)
		}
		tracked = append(tracked, *e)
		known[f.ID] = struct{}{}
	}
	return tracked, nil
}

// Prime re-announces every stored, non-cancelled event that has not ended yet. Used at
// startup to rebuild the scheduler from the store.
func (w *Watcher) Prime(ctx context.Context) (int, error) {
	events, err := w.repo.ListUpcomingMeetingEvents(ctx, w.now())
	if err != nil {
		return 0, fmt.Errorf("list upcoming meeting events: %w", err)
	}
	for _, e := range events {
		w.handler.HandleSignal(Signal{Kind: SignalCreated, Event: e})
	}
	return len(events), nil
}

// Run reconciles immediately and then every PollInterval until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		res, err := w.Reconcile(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			slog.Error("calendar reconciliation failed", "error", err)
		case res.Changed():
			slog.Info("calendar reconciled", "created", res.Created, "updated", res.Updated, "cancelled", res.Cancelled)
		default:
			slog.Debug("calendar reconciled without changes")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
