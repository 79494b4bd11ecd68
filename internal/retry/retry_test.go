package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff_Exponential(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 10 * time.Second, Factor: 2}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := p.Backoff(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}

func TestDo_StopsOnSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{}, 5, nil, func(_ context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("boom")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{}, 2, nil, func(_ context.Context, _ int) error {
		calls++
		return errors.New("still failing")
	})
	if err == nil || err.Error() != "still failing" {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), Policy{}, 5, func(err error) bool { return !errors.Is(err, permanent) }, func(_ context.Context, _ int) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_CancelledContextStopsWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Policy{Initial: time.Hour}, 3, nil, func(_ context.Context, _ int) error {
		return errors.New("boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
