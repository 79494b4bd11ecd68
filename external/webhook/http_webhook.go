package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/foxseedlab/meetscribe/internal/notify"
)

const (
	requestTimeout   = 30 * time.Second
	maxErrorBodySize = 512
	userAgent        = "meetscribe-webhook/1"
)

const (
	eventCompletion = "session.completed"
	eventReminder   = "meeting.reminder"
)

// HTTPSender posts completion and reminder payloads as JSON to one URL; X-Event-Type
// tells them apart. An empty URL disables it.
type HTTPSender struct {
	webhookURL string
	client     *http.Client
}

func NewHTTPSender(webhookURL string) *HTTPSender {
	return &HTTPSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: requestTimeout},
	}
}

func (s *HTTPSender) SendCompletion(ctx context.Context, payload notify.CompletionPayload) error {
	return s.post(ctx, eventCompletion, payload.SchemaVersion, payload.SessionID, payload)
}

func (s *HTTPSender) SendReminder(ctx context.Context, payload notify.ReminderPayload) error {
	return s.post(ctx, eventReminder, payload.SchemaVersion, payload.ReminderID, payload)
}

func (s *HTTPSender) post(ctx context.Context, event string, schemaVersion int, key string, payload any) error {
	if s.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Event-Type", event)
	req.Header.Set("X-Schema-Version", strconv.Itoa(schemaVersion))
	// Lets receivers drop redeliveries of the same notice.
	req.Header.Set("Idempotency-Key", key)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
