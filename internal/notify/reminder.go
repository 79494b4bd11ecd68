package notify

import (
	"fmt"
	"strconv"
	"time"

	"github.com/foxseedlab/meetscribe/internal/repository"
)

const ReminderSchemaVersion = 1

// ReminderPayload announces an upcoming meeting. ReminderID is stable across
// redeliveries of the same reminder.
type ReminderPayload struct {
	SchemaVersion int    `json:"schema_version"`
	ReminderID    string `json:"reminder_id"`
	MeetingID     string `json:"meeting_id"`
	MeetingTitle  string `json:"meeting_title"`
	JoinTarget    string `json:"join_target,omitempty"`
	StartAt       string `json:"start_at"`
	EndAt         string `json:"end_at"`
	Timezone      string `json:"timezone"`
	LeadSeconds   int64  `json:"lead_seconds"`
	Text          string `json:"text"`
}

// ReminderID names one reminder of one meeting revision.
func ReminderID(meetingID string, revision int64, lead time.Duration) string {
	return meetingID + ":" + strconv.FormatInt(revision, 10) + ":" + lead.String()
}

func BuildReminderPayload(meeting repository.MeetingEvent, lead time.Duration, timezone string, loc *time.Location) ReminderPayload {
	loc = safeLocation(loc)
	start := meeting.StartAt.In(loc)
	return ReminderPayload{
		SchemaVersion: ReminderSchemaVersion,
		ReminderID:    ReminderID(meeting.ID, meeting.Revision, lead),
		MeetingID:     meeting.ID,
		MeetingTitle:  meeting.Title,
		JoinTarget:    meeting.JoinTarget,
		StartAt:       start.Format(time.RFC3339),
		EndAt:         meeting.EndAt.In(loc).Format(time.RFC3339),
		Timezone:      timezone,
		LeadSeconds:   int64(lead / time.Second),
		Text:          fmt.Sprintf("Reminder: %s\nStart: %s (%s)", meeting.Title, start.Format("2006-01-02 15:04"), timezone),
	}
}
