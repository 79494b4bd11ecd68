package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/foxseedlab/meetscribe/internal/repository"
)

// Kept as a literal rather than time.DateTime so the rendering can change independently.
const transcriptTimeLayout = "2006-01-02 15:04:05"

// Transcript is everything needed to render one finished session.
type Transcript struct {
	Session  repository.BotSessionRecord
	Meeting  repository.MeetingEvent
	Segments []repository.TranscriptSegment
	Timezone string
	Location *time.Location
}

func (t Transcript) period() (time.Time, time.Time) {
	start := t.Meeting.StartAt
	if t.Session.StartedAt != nil {
		start = *t.Session.StartedAt
	}
	end := start
	if t.Session.EndedAt != nil {
		end = *t.Session.EndedAt
	}
	return start, end
}

func (t Transcript) finals() []repository.TranscriptSegment {
	out := make([]repository.TranscriptSegment, 0, len(t.Segments))
	for _, seg := range t.Segments {
		if seg.IsFinal && strings.TrimSpace(seg.Text) != "" {
			out = append(out, seg)
		}
	}
	return out
}

// RenderText produces the plain-text transcript: a header followed by one
// "HH:MM:SS text" line per final segment, timed from the session start.
func RenderText(t Transcript) string {
	loc := safeLocation(t.Location)
	start, end := t.period()
	lines := []string{
		fmt.Sprintf("Meeting: %s", t.Meeting.Title),
		fmt.Sprintf("Period: %s ~ %s (%s)", start.In(loc).Format(transcriptTimeLayout), end.In(loc).Format(transcriptTimeLayout), t.Timezone),
		"",
	}
	for _, seg := range t.finals() {
		lines = append(lines, fmt.Sprintf("%s %s", formatElapsedHMS(seg.Offset), seg.Text))
	}
	return strings.Join(lines, "\n")
}

func BuildCompletionPayload(t Transcript) CompletionPayload {
	loc := safeLocation(t.Location)
	start, end := t.period()
	finals := t.finals()

	duration := int64(end.Sub(start).Seconds())
	if duration < 0 {
		duration = 0
	}
	p := CompletionPayload{
		SchemaVersion:   CompletionSchemaVersion,
		SessionID:       t.Session.ID,
		MeetingID:       t.Meeting.ID,
		MeetingTitle:    t.Meeting.Title,
		State:           string(t.Session.State),
		EndReason:       t.Session.EndReason,
		FailureReason:   t.Session.FailureReason,
		Timezone:        t.Timezone,
		DurationSeconds: duration,
		SegmentCount:    len(finals),
		Segments:        buildSegments(finals, end, loc),
		Transcript:      RenderText(t),
	}
	if t.Session.StartedAt != nil {
		p.StartAt = start.In(loc).Format(time.RFC3339)
		p.EndAt = end.In(loc).Format(time.RFC3339)
	}
	return p
}

// A segment ends where the next one starts; the last one ends with the session.
func buildSegments(segments []repository.TranscriptSegment, sessionEnd time.Time, loc *time.Location) []CompletionSegment {
	out := make([]CompletionSegment, 0, len(segments))
	for i, seg := range segments {
		segmentEnd := sessionEnd
		if i+1 < len(segments) {
			segmentEnd = segments[i+1].SpokenAt
		}
		if segmentEnd.Before(seg.SpokenAt) {
			segmentEnd = seg.SpokenAt
		}
		out = append(out, CompletionSegment{
			Sequence: seg.Sequence,
			StartAt:  seg.SpokenAt.In(loc).Format(time.RFC3339),
			EndAt:    segmentEnd.In(loc).Format(time.RFC3339),
			Text:     seg.Text,
		})
	}
	return out
}

func formatElapsedHMS(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

func safeLocation(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
