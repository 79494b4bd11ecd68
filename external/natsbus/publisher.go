// Package natsbus publishes session completions and meeting reminders to NATS subjects.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxseedlab/meetscribe/internal/notify"
	"github.com/nats-io/nats.go"
)

type Publisher struct {
	nc                *nats.Conn
	completionSubject string
	reminderSubject   string
}

func Connect(url, completionSubject, reminderSubject string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("meetscribe"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Publisher{nc: nc, completionSubject: completionSubject, reminderSubject: reminderSubject}, nil
}

func (p *Publisher) SendCompletion(ctx context.Context, payload notify.CompletionPayload) error {
	return p.publish(ctx, p.completionSubject, payload.SessionID, payload)
}

func (p *Publisher) SendReminder(ctx context.Context, payload notify.ReminderPayload) error {
	return p.publish(ctx, p.reminderSubject, payload.ReminderID, payload)
}

// publish flushes after every message so a lost connection surfaces as a task failure
// instead of a silently buffered message.
func (p *Publisher) publish(ctx context.Context, subject, msgID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, msgID)
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", subject, err)
	}
	return nil
}

func (p *Publisher) Shutdown() error {
	return p.nc.Drain()
}
