// Package queue is a durable task queue backed by the repository's task table.
//
// Execution is at-least-once: a task stays leased while a worker runs it and is
// re-claimed by any worker after the lease expires. Failed tasks are retried with
// exponential backoff and dead-lettered once Attempts exceeds MaxRetries.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/meetscribe/internal/apperrors"
	"github.com/foxseedlab/meetscribe/internal/metrics"
	"github.com/foxseedlab/meetscribe/internal/repository"
	"github.com/foxseedlab/meetscribe/internal/retry"
	"github.com/google/uuid"
)

type Kind string

const (
	KindPersistSegment    Kind = "persist_segment"
	KindFinalizeSession   Kind = "finalize_session"
	KindNotifyCompletion  Kind = "notify_completion"
	KindReconcileCalendar Kind = "reconcile_calendar"
	KindNotifyReminder    Kind = "notify_reminder"
)

// Handler executes one task. Returning an error schedules a retry.
type Handler func(ctx context.Context, task repository.Task) error

type Enqueuer interface {
	Enqueue(ctx context.Context, kind Kind, payload any) (string, error)
	EnqueueUnique(ctx context.Context, kind Kind, key string, payload any) (string, error)
}

// DelayedEnqueuer creates unique tasks that become claimable at runAt.
type DelayedEnqueuer interface {
	EnqueueUniqueAt(ctx context.Context, kind Kind, key string, runAt time.Time, payload any) (string, error)
}

type Config struct {
	Workers      int
	MaxRetries   int
	PollInterval time.Duration
	Lease        time.Duration
	Backoff      retry.Policy
}

var taskNamespace = uuid.MustParse("3b0f6c59-4f0e-4d8e-9d4b-6a1f5a3c2e10")

type Queue struct {
	repo     repository.TaskRepository
	cfg      Config
	metrics  *metrics.Metrics
	now      func() time.Time
	mu       sync.RWMutex
	handlers map[Kind]Handler
	wake     chan struct{}
}

func New(repo repository.TaskRepository, cfg Config, m *metrics.Metrics) *Queue {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	return &Queue{
		repo:     repo,
		cfg:      cfg,
		metrics:  m,
		now:      time.Now,
		handlers: make(map[Kind]Handler),
		wake:     make(chan struct{}, 1),
	}
}

func (q *Queue) Register(kind Kind, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

func (q *Queue) handler(kind Kind) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[kind]
	return h, ok
}

// Enqueue persists a new task and returns its id without waiting for execution.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload any) (string, error) {
	id := uuid.NewString()
	if err := q.insert(ctx, id, kind, q.now(), payload); err != nil {
		return "", err
	}
	return id, nil
}

// EnqueueUnique derives the task id from kind and key, so repeated calls for the same
// key create a single task.
func (q *Queue) EnqueueUnique(ctx context.Context, kind Kind, key string, payload any) (string, error) {
	return q.EnqueueUniqueAt(ctx, kind, key, q.now(), payload)
}

// EnqueueUniqueAt is EnqueueUnique for a task that no worker claims before runAt.
func (q *Queue) EnqueueUniqueAt(ctx context.Context, kind Kind, key string, runAt time.Time, payload any) (string, error) {
	id := uuid.NewSHA1(taskNamespace, []byte(string(kind)+":"+key)).String()
	err := q.insert(ctx, id, kind, runAt, payload)
	if err != nil && !apperrors.IsAlreadyExists(err) {
		return "", err
	}
	return id, nil
}

func (q *Queue) insert(ctx context.Context, id string, kind Kind, runAt time.Time, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	task := repository.Task{
		ID:        id,
		Kind:      string(kind),
		Payload:   raw,
		Status:    repository.TaskStatusQueued,
		NextRunAt: runAt,
	}
	if err := q.repo.CreateTask(ctx, task); err != nil {
		return err
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run starts the worker pool and blocks until ctx is cancelled and all workers returned.
func (q *Queue) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < q.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.workerLoop(ctx, worker)
		}(i)
	}
	slog.Info("task workers started", "workers", q.cfg.Workers)
	wg.Wait()
	slog.Info("task workers stopped")
}

func (q *Queue) workerLoop(ctx context.Context, worker int) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		n, err := q.processBatch(ctx, 1)
		if err != nil && ctx.Err() == nil {
			slog.Error("failed to claim tasks", "worker", worker, "error", err)
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// ProcessOnce claims every due task and runs them sequentially. It returns the number
// of tasks executed.
func (q *Queue) ProcessOnce(ctx context.Context) (int, error) {
	return q.processBatch(ctx, 0)
}

func (q *Queue) processBatch(ctx context.Context, limit int) (int, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	tasks, err := q.repo.ClaimDueTasks(ctx, q.now(), q.cfg.Lease, limit)
	if err != nil {
		return 0, err
	}
	for _, task := range tasks {
		q.execute(ctx, task)
	}
	return len(tasks), nil
}

func (q *Queue) execute(ctx context.Context, task repository.Task) {
	started := q.now()
	err := q.invoke(ctx, task)
	elapsed := q.now().Sub(started).Seconds()

	// Bookkeeping must survive shutdown so the task is not left leased.
	bctx := context.WithoutCancel(ctx)
	if err == nil {
		if cerr := q.repo.CompleteTask(bctx, task.ID, q.now()); cerr != nil {
			slog.Error("failed to mark task done", "task_id", task.ID, "kind", task.Kind, "error", cerr)
		}
		q.metrics.TaskProcessed(task.Kind, "done", elapsed)
		return
	}

	attempts := task.Attempts + 1
	if attempts > q.cfg.MaxRetries {
		exhausted := &apperrors.TaskExhaustedError{TaskID: task.ID, Kind: task.Kind, Attempts: attempts, Err: err}
		if derr := q.repo.DeadLetterTask(bctx, task.ID, attempts, err.Error()); derr != nil {
			slog.Error("failed to dead-letter task", "task_id", task.ID, "kind", task.Kind, "error", derr)
		}
		slog.Error("task dead-lettered", "task_id", task.ID, "kind", task.Kind, "attempts", attempts, "error", exhausted)
		q.metrics.TaskProcessed(task.Kind, "dead_lettered", elapsed)
		q.metrics.DeadLettered(task.Kind)
		return
	}

	next := q.now().Add(q.cfg.Backoff.Backoff(attempts))
	if rerr := q.repo.RetryTask(bctx, task.ID, attempts, next, err.Error()); rerr != nil {
		slog.Error("failed to reschedule task", "task_id", task.ID, "kind", task.Kind, "error", rerr)
	}
	slog.Warn("task failed, will retry", "task_id", task.ID, "kind", task.Kind, "attempt", attempts, "next_run_at", next, "error", err)
	q.metrics.TaskProcessed(task.Kind, "retry", elapsed)
}

var errNoHandler = errors.New("no handler registered")

func (q *Queue) invoke(ctx context.Context, task repository.Task) (err error) {
	h, ok := q.handler(Kind(task.Kind))
	if !ok {
		return fmt.Errorf("%s: %w", task.Kind, errNoHandler)
	}
	hctx, cancel := context.WithTimeout(ctx, q.cfg.Lease)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()
	return h(hctx, task)
}

// DecodePayload unmarshals a task payload into T.
func DecodePayload[T any](task repository.Task) (T, error) {
	var v T
	if err := json.Unmarshal(task.Payload, &v); err != nil {
		return v, fmt.Errorf("invalid %s payload: %w", task.Kind, err)
	}
	return v, nil
}
