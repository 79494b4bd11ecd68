package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/foxseedlab/meetscribe/internal/repository"
)

type PersistSegmentPayload struct {
	Segment repository.TranscriptSegment `json:"segment"`
}

// PendingSegmentSequence returns the highest sequence a session has in persist_segment
// tasks that are not applied yet, including ones still leased by a previous process.
func PendingSegmentSequence(ctx context.Context, repo repository.TaskRepository, sessionID string) (int64, bool, error) {
	pending, err := repo.ListPendingTasks(ctx, string(KindPersistSegment))
	if err != nil {
		return 0, false, fmt.Errorf("list pending segment tasks: %w", err)
	}
	var last int64
	found := false
	for _, task := range pending {
		p, err := DecodePayload[PersistSegmentPayload](task)
		if err != nil || p.Segment.SessionID != sessionID {
			continue
		}
		if !found || p.Segment.Sequence > last {
			last = p.Segment.Sequence
			found = true
		}
	}
	return last, found, nil
}

// FinalizeSessionPayload is enqueued by every session on exit, whatever its outcome.
type FinalizeSessionPayload struct {
	SessionID string                  `json:"session_id"`
	State     repository.SessionState `json:"state"`
	Reason    string                  `json:"reason,omitempty"`
}

type NotifyCompletionPayload struct {
	SessionID string `json:"session_id"`
}

type ReconcileCalendarPayload struct {
	RequestedAt time.Time `json:"requested_at"`
	RequestedBy string    `json:"requested_by,omitempty"`
}

// NotifyReminderPayload pins a reminder to the meeting revision it was planned from.
type NotifyReminderPayload struct {
	MeetingID string        `json:"meeting_id"`
	Revision  int64         `json:"revision"`
	Lead      time.Duration `json:"lead"`
	RemindAt  time.Time     `json:"remind_at"`
}
