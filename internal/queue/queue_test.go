package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foxseedlab/meetscribe/internal/metrics"
	"github.com/foxseedlab/meetscribe/internal/repository"
	"github.com/foxseedlab/meetscribe/internal/retry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestQueue(t *testing.T, maxRetries int) (*Queue, *repository.MemoryRepository, *fakeClock) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	q := New(repo, Config{
		Workers:    1,
		MaxRetries: maxRetries,
		Lease:      time.Minute,
		Backoff:    retry.Policy{Initial: time.Second, Max: time.Minute, Factor: 2},
	}, metrics.NewWithRegistry(prometheus.NewRegistry()))
	q.now = clock.Now
	return q, repo, clock
}

type samplePayload struct {
	SessionID string `json:"session_id"`
}

func TestEnqueue_ReturnsIDAndRunsHandler(t *testing.T) {
	q, repo, _ := newTestQueue(t, 5)
	ctx := context.Background()
	var got samplePayload
	q.Register(KindFinalizeSession, func(_ context.Context, task repository.Task) error {
		p, err := DecodePayload[samplePayload](task)
		got = p
		return err
	})

	id, err := q.Enqueue(ctx, KindFinalizeSession, samplePayload{SessionID: "s-1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("expected task id")
	}
	n, err := q.ProcessOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ProcessOnce: n=%d err=%v", n, err)
	}
	if got.SessionID != "s-1" {
		t.Fatalf("unexpected payload %+v", got)
	}
	task, _ := repo.GetTask(ctx, id)
	if task.Status != repository.TaskStatusDone {
		t.Fatalf("expected done, got %s", task.Status)
	}
}

func TestTask_DeadLetteredOnSixthFailure(t *testing.T) {
	q, repo, clock := newTestQueue(t, 5)
	ctx := context.Background()
	var calls atomic.Int32
	q.Register(KindNotifyCompletion, func(context.Context, repository.Task) error {
		calls.Add(1)
		return errors.New("webhook unavailable")
	})
	id, err := q.Enqueue(ctx, KindNotifyCompletion, samplePayload{SessionID: "s-1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for i := 1; i <= 5; i++ {
		if _, err := q.ProcessOnce(ctx); err != nil {
			t.Fatalf("ProcessOnce: %v", err)
		}
		task, _ := repo.GetTask(ctx, id)
		if task.Status != repository.TaskStatusQueued || task.Attempts != i {
			t.Fatalf("after failure %d: status=%s attempts=%d", i, task.Status, task.Attempts)
		}
		clock.Advance(time.Hour)
	}

	if _, err := q.ProcessOnce(ctx); err != nil {
		t.Fatalf("ProcessOnce: %v", err)
	}
	task, _ := repo.GetTask(ctx, id)
	if task.Status != repository.TaskStatusDeadLettered || task.Attempts != 6 {
		t.Fatalf("expected dead-lettered after 6 failures, got status=%s attempts=%d", task.Status, task.Attempts)
	}
	if task.LastError != "webhook unavailable" {
		t.Fatalf("expected last error to be kept, got %q", task.LastError)
	}

	clock.Advance(24 * time.Hour)
	if n, _ := q.ProcessOnce(ctx); n != 0 {
		t.Fatalf("dead-lettered task must not run again, ran %d", n)
	}
	if calls.Load() != 6 {
		t.Fatalf("expected 6 executions, got %d", calls.Load())
	}
	if got := testutil.ToFloat64(q.metrics.DeadLettersTotal.WithLabelValues(string(KindNotifyCompletion))); got != 1 {
		t.Fatalf("expected dead letter metric 1, got %v", got)
	}
	dead, _ := repo.ListDeadLetteredTasks(ctx, 10)
	if len(dead) != 1 || dead[0].ID != id {
		t.Fatalf("expected task in dead-letter set, got %+v", dead)
	}
}

func TestTask_RetryWaitsForBackoff(t *testing.T) {
	q, repo, clock := newTestQueue(t, 5)
	ctx := context.Background()
	fail := true
	q.Register(KindPersistSegment, func(context.Context, repository.Task) error {
		if fail {
			return errors.New("db busy")
		}
		return nil
	})
	id, _ := q.Enqueue(ctx, KindPersistSegment, samplePayload{})
	if _, err := q.ProcessOnce(ctx); err != nil {
		t.Fatalf("ProcessOnce: %v", err)
	}
	task, _ := repo.GetTask(ctx, id)
	if want := clock.Now().Add(time.Second); !task.NextRunAt.Equal(want) {
		t.Fatalf("expected next run at %v, got %v", want, task.NextRunAt)
	}
	if n, _ := q.ProcessOnce(ctx); n != 0 {
		t.Fatal("task must wait for its backoff")
	}
	fail = false
	clock.Advance(time.Second)
	if n, _ := q.ProcessOnce(ctx); n != 1 {
		t.Fatal("task should run once backoff elapsed")
	}
	task, _ = repo.GetTask(ctx, id)
	if task.Status != repository.TaskStatusDone {
		t.Fatalf("expected done, got %s", task.Status)
	}
}

func TestTask_UnknownKindIsRetriedThenDeadLettered(t *testing.T) {
	q, repo, clock := newTestQueue(t, 0)
	ctx := context.Background()
	id, _ := q.Enqueue(ctx, Kind("unknown"), nil)
	if _, err := q.ProcessOnce(ctx); err != nil {
		t.Fatalf("ProcessOnce: %v", err)
	}
	clock.Advance(time.Minute)
	task, _ := repo.GetTask(ctx, id)
	if task.Status != repository.TaskStatusDeadLettered {
		t.Fatalf("expected dead-lettered with zero retries, got %s", task.Status)
	}
}

func TestTask_HandlerPanicIsAFailure(t *testing.T) {
	q, repo, _ := newTestQueue(t, 5)
	ctx := context.Background()
	q.Register(KindReconcileCalendar, func(context.Context, repository.Task) error {
		panic("boom")
	})
	id, _ := q.Enqueue(ctx, KindReconcileCalendar, nil)
	if _, err := q.ProcessOnce(ctx); err != nil {
		t.Fatalf("ProcessOnce: %v", err)
	}
	task, _ := repo.GetTask(ctx, id)
	if task.Attempts != 1 || task.Status != repository.TaskStatusQueued {
		t.Fatalf("expected a retry after panic, got %+v", task)
	}
}

func TestEnqueueUnique_CreatesSingleTask(t *testing.T) {
	q, _, _ := newTestQueue(t, 5)
	ctx := context.Background()
	var calls int
	q.Register(KindNotifyCompletion, func(context.Context, repository.Task) error {
		calls++
		return nil
	})
	id1, err := q.EnqueueUnique(ctx, KindNotifyCompletion, "session-1", samplePayload{SessionID: "session-1"})
	if err != nil {
		t.Fatalf("EnqueueUnique: %v", err)
	}
	id2, err := q.EnqueueUnique(ctx, KindNotifyCompletion, "session-1", samplePayload{SessionID: "session-1"})
	if err != nil {
		t.Fatalf("EnqueueUnique: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected same id, got %s and %s", id1, id2)
	}
	if _, err := q.ProcessOnce(ctx); err != nil {
		t.Fatalf("ProcessOnce: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single execution, got %d", calls)
	}
}

func TestEnqueueUniqueAt_WaitsUntilRunAt(t *testing.T) {
	q, _, clock := newTestQueue(t, 5)
	ctx := context.Background()
	var calls atomic.Int32
	q.Register(KindNotifyReminder, func(context.Context, repository.Task) error {
		calls.Add(1)
		return nil
	})

	runAt := clock.Now().Add(time.Hour)
	first, err := q.EnqueueUniqueAt(ctx, KindNotifyReminder, "evt-1:1:1h0m0s", runAt, samplePayload{})
	if err != nil {
		t.Fatalf("EnqueueUniqueAt: %v", err)
	}
	second, err := q.EnqueueUniqueAt(ctx, KindNotifyReminder, "evt-1:1:1h0m0s", runAt.Add(time.Minute), samplePayload{})
	if err != nil || second != first {
		t.Fatalf("expected the same task id, got %q and %q (err=%v)", first, second, err)
	}
	if n, _ := q.ProcessOnce(ctx); n != 0 {
		t.Fatalf("expected no task before runAt, got %d", n)
	}
	clock.Advance(time.Hour)
	if n, _ := q.ProcessOnce(ctx); n != 1 || calls.Load() != 1 {
		t.Fatalf("expected the task to run at runAt, n=%d calls=%d", n, calls.Load())
	}
}

func TestRun_ProcessesEnqueuedTaskAndStops(t *testing.T) {
	repo := repository.NewMemoryRepository()
	q := New(repo, Config{Workers: 2, MaxRetries: 1, PollInterval: 10 * time.Millisecond, Lease: time.Second}, nil)
	done := make(chan string, 1)
	q.Register(KindFinalizeSession, func(_ context.Context, task repository.Task) error {
		done <- task.ID
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(stopped)
	}()

	id, err := q.Enqueue(context.Background(), KindFinalizeSession, samplePayload{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case got := <-done:
		if got != id {
			t.Fatalf("expected %s, got %s", id, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task was not processed")
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not stop")
	}
}

func TestPendingSegmentSequence_CountsUnappliedAndLeasedTasks(t *testing.T) {
	q, repo, _ := newTestQueue(t, 5)
	ctx := context.Background()
	for _, seg := range []repository.TranscriptSegment{
		{SessionID: "a", Sequence: 3, IsFinal: true},
		{SessionID: "b", Sequence: 7, IsFinal: true},
		{SessionID: "a", Sequence: 5, IsFinal: true},
	} {
		if _, err := q.Enqueue(ctx, KindPersistSegment, PersistSegmentPayload{Segment: seg}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	// A lease held by a crashed worker keeps the task out of ClaimDueTasks until it expires.
	if _, err := repo.ClaimDueTasks(ctx, time.Now().Add(time.Hour), time.Hour, 10); err != nil {
		t.Fatalf("ClaimDueTasks: %v", err)
	}
	done, _ := q.Enqueue(ctx, KindPersistSegment, PersistSegmentPayload{Segment: repository.TranscriptSegment{SessionID: "a", Sequence: 9}})
	if err := repo.CompleteTask(ctx, done, time.Now()); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	last, ok, err := PendingSegmentSequence(ctx, repo, "a")
	if err != nil || !ok || last != 5 {
		t.Fatalf("expected 5, got %d ok=%v err=%v", last, ok, err)
	}
	if _, ok, _ := PendingSegmentSequence(ctx, repo, "c"); ok {
		t.Fatal("expected nothing pending for an unknown session")
	}
}
