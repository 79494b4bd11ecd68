// Package notify delivers completed transcripts and upcoming-meeting reminders to
// downstream consumers.
package notify

import (
	"context"
	"errors"
)

const CompletionSchemaVersion = 1

type CompletionSegment struct {
	Sequence int64  `json:"sequence"`
	StartAt  string `json:"start_at"`
	EndAt    string `json:"end_at"`
	Text     string `json:"text"`
}

type CompletionPayload struct {
	SchemaVersion   int                 `json:"schema_version"`
	SessionID       string              `json:"session_id"`
	MeetingID       string              `json:"meeting_id"`
	MeetingTitle    string              `json:"meeting_title"`
	State           string              `json:"state"`
	EndReason       string              `json:"end_reason,omitempty"`
	FailureReason   string              `json:"failure_reason,omitempty"`
	StartAt         string              `json:"start_at,omitempty"`
	EndAt           string              `json:"end_at,omitempty"`
	Timezone        string              `json:"timezone"`
	DurationSeconds int64               `json:"duration_seconds"`
	SegmentCount    int                 `json:"segment_count"`
	Segments        []CompletionSegment `json:"segments"`
	Transcript      string              `json:"transcript"`
}

type Sender interface {
	SendCompletion(ctx context.Context, payload CompletionPayload) error
	SendReminder(ctx context.Context, payload ReminderPayload) error
}

// Multi fans a payload out to every sender. All senders are attempted; their errors
// are joined.
type Multi []Sender

func (m Multi) SendCompletion(ctx context.Context, payload CompletionPayload) error {
	var errs []error
	for _, s := range m {
		if err := s.SendCompletion(ctx, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) SendReminder(ctx context.Context, payload ReminderPayload) error {
	var errs []error
	for _, s := range m {
		if err := s.SendReminder(ctx, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
