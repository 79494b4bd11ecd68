package retry

import (
	"context"
	"time"
)

// Policy is an exponential backoff: Initial, Initial*Factor, ... capped at Max.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

func DefaultPolicy() Policy {
	return Policy{
		Initial: time.Second,
		Max:     5 * time.Minute,
		Factor:  2.0,
	}
}

// Backoff returns the wait before retry number attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if p.Initial <= 0 {
		return 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	backoff := p.Initial
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * factor)
		if p.Max > 0 && backoff >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && backoff > p.Max {
		return p.Max
	}
	return backoff
}

// Do calls fn up to attempts times, sleeping Backoff(n) between calls while
// shouldRetry reports the error as retryable. A nil shouldRetry retries everything.
func Do(ctx context.Context, p Policy, attempts int, shouldRetry func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if attempt == attempts || (shouldRetry != nil && !shouldRetry(err)) {
			return err
		}
		if err := Sleep(ctx, p.Backoff(attempt)); err != nil {
			return err
		}
	}
	return err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
