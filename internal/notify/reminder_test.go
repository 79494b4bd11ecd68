package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/foxseedlab/meetscribe/internal/repository"
)

func TestBuildReminderPayload_RendersInTimezone(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	start := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)
	meeting := repository.MeetingEvent{
		ID: "evt-1", Title: "Design review", StartAt: start, EndAt: start.Add(time.Hour),
		JoinTarget: "discord://1/2", Revision: 3,
	}
	p := BuildReminderPayload(meeting, time.Hour, "Asia/Tokyo", tokyo)
	if p.ReminderID != "evt-1:3:1h0m0s" || p.LeadSeconds != 3600 || p.SchemaVersion != ReminderSchemaVersion {
		t.Fatalf("unexpected payload %+v", p)
	}
	if p.StartAt != "2026-03-02T10:00:00+09:00" {
		t.Fatalf("unexpected start %q", p.StartAt)
	}
	if !strings.Contains(p.Text, "Reminder: Design review") || !strings.Contains(p.Text, "2026-03-02 10:00") {
		t.Fatalf("unexpected text %q", p.Text)
	}
}

func TestMulti_SendReminderAttemptsEverySender(t *testing.T) {
	failing := &stubSender{err: errors.New("nats down")}
	ok := &stubSender{}
	if err := (Multi{failing, ok}).SendReminder(context.Background(), ReminderPayload{}); err == nil {
		t.Fatal("expected joined error")
	}
	if failing.calls != 1 || ok.calls != 1 {
		t.Fatalf("expected both senders called, got %d and %d", failing.calls, ok.calls)
	}
}
