// Package apperrors holds the domain error types shared across the orchestrator.
//
// Sentinels are matched with errors.Is, the structured types with errors.As.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrStaleState means a compare-and-swap update found a different current state.
	ErrStaleState = errors.New("stale state")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// TransientError marks a failed call to an external service that may succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ScheduleMissedError is reported when a join could not fire inside its grace window.
type ScheduleMissedError struct {
	EventID  string
	FireAt   time.Time
	Lateness time.Duration
}

func (e *ScheduleMissedError) Error() string {
	return fmt.Sprintf("join for event %s missed its window: fire_at=%s late_by=%s", e.EventID, e.FireAt.Format(time.RFC3339), e.Lateness)
}

// SessionFailure is the terminal failure of one bot attendance.
type SessionFailure struct {
	SessionID string
	Reason    string
	Err       error
}

func (e *SessionFailure) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("session %s failed: %s", e.SessionID, e.Reason)
	}
	return fmt.Sprintf("session %s failed: %s: %v", e.SessionID, e.Reason, e.Err)
}

func (e *SessionFailure) Unwrap() error {
	return e.Err
}

// TaskExhaustedError describes a task that was moved to the dead-letter set.
type TaskExhaustedError struct {
	TaskID   string
	Kind     string
	Attempts int
	Err      error
}

func (e *TaskExhaustedError) Error() string {
	return fmt.Sprintf("task %s (%s) dead-lettered after %d attempts: %v", e.TaskID, e.Kind, e.Attempts, e.Err)
}

func (e *TaskExhaustedError) Unwrap() error {
	return e.Err
}
