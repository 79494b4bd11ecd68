package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	CalendarProviderGoogle = "google"
	CalendarProviderStatic = "static"

	SpeechEngineSubprocess  = "subprocess"
	SpeechEngineCloudSpeech = "cloud_speech"

	MemoryDatabaseURL = "memory://"
)

type Config struct {
	Env         string
	DatabaseURL string
	HTTPAddr    string

	CalendarProvider      string
	GoogleCredentialsFile string
	GoogleCalendarID      string
	CalendarStaticFile    string
	CalendarPollInterval  time.Duration
	CalendarHorizon       time.Duration
	CalendarLookback      time.Duration
	CalendarRetryAttempts int
	CalendarRetryInitial  time.Duration
	CalendarRetryMax      time.Duration

	JoinLeadWindow        time.Duration
	JoinGraceWindow       time.Duration
	MaxConcurrentSessions int
	JoinTimeout           time.Duration
	JoinMaxAttempts       int
	JoinRetryInitial      time.Duration
	SessionSilenceTimeout time.Duration
	SessionMaxDuration    time.Duration

	SpeechEngine                 string
	SpeechCommand                string
	SpeechModelPath              string
	SpeechLanguage               string
	SpeechWindow                 time.Duration
	SpeechDecodeTimeout          time.Duration
	SpeechMaxConsecutiveFailures int
	GoogleCloudProjectID         string
	GoogleCloudSpeechLocation    string
	GoogleCloudSpeechModel       string

	DiscordToken          string
	DiscordCountOtherBots bool

	TaskWorkers      int
	TaskMaxRetries   int
	TaskPollInterval time.Duration
	TaskLease        time.Duration
	TaskRetryInitial time.Duration
	TaskRetryMax     time.Duration

	TranscriptTimezone   string
	TranscriptWebhookURL string
	NatsURL              string
	NatsSubject          string
	NatsReminderSubject  string

	// MeetingReminders lists how long before a meeting starts a reminder goes out.
	// Empty disables reminders.
	MeetingReminders []time.Duration
}

func (c *Config) Validate() error {
	for _, req := range c.requiredFieldChecks() {
		if strings.TrimSpace(req.value) == "" {
			return fmt.Errorf("%s is required", req.name)
		}
	}
	if err := c.validateCalendar(); err != nil {
		return err
	}
	if err := c.validateSpeech(); err != nil {
		return err
	}
	for _, p := range c.positiveDurationChecks() {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", p.name, p.value)
		}
	}
	if c.JoinLeadWindow < 0 {
		return fmt.Errorf("JOIN_LEAD_WINDOW must not be negative, got %s", c.JoinLeadWindow)
	}
	if c.JoinGraceWindow < 0 {
		return fmt.Errorf("JOIN_GRACE_WINDOW must not be negative, got %s", c.JoinGraceWindow)
	}
	for _, p := range c.positiveIntChecks() {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}
	if c.TaskMaxRetries < 0 {
		return fmt.Errorf("TASK_MAX_RETRIES must not be negative, got %d", c.TaskMaxRetries)
	}
	for _, lead := range c.MeetingReminders {
		if lead <= 0 {
			return fmt.Errorf("MEETING_REMINDERS entries must be positive, got %s", lead)
		}
	}
	if _, err := time.LoadLocation(c.TranscriptTimezone); err != nil {
		return fmt.Errorf("TRANSCRIPT_TIMEZONE is invalid: %w", err)
	}
	return nil
}

func (c *Config) validateCalendar() error {
	switch c.CalendarProvider {
	case CalendarProviderGoogle:
		if c.GoogleCredentialsFile == "" {
			return fmt.Errorf("GOOGLE_CREDENTIALS_FILE is required when CALENDAR_PROVIDER=%s", CalendarProviderGoogle)
		}
	case CalendarProviderStatic:
		if c.CalendarStaticFile == "" {
			return fmt.Errorf("CALENDAR_STATIC_FILE is required when CALENDAR_PROVIDER=%s", CalendarProviderStatic)
		}
	default:
		return fmt.Errorf("CALENDAR_PROVIDER must be %q or %q, got %q", CalendarProviderGoogle, CalendarProviderStatic, c.CalendarProvider)
	}
	return nil
}

func (c *Config) validateSpeech() error {
	switch c.SpeechEngine {
	case SpeechEngineSubprocess:
		if c.SpeechCommand == "" {
			return fmt.Errorf("SPEECH_COMMAND is required when SPEECH_ENGINE=%s", SpeechEngineSubprocess)
		}
	case SpeechEngineCloudSpeech:
		if c.GoogleCloudProjectID == "" {
			return fmt.Errorf("GOOGLE_CLOUD_PROJECT_ID is required when SPEECH_ENGINE=%s", SpeechEngineCloudSpeech)
		}
		if c.GoogleCredentialsFile == "" {
			return fmt.Errorf("GOOGLE_CREDENTIALS_FILE is required when SPEECH_ENGINE=%s", SpeechEngineCloudSpeech)
		}
	default:
		return fmt.Errorf("SPEECH_ENGINE must be %q or %q, got %q", SpeechEngineSubprocess, SpeechEngineCloudSpeech, c.SpeechEngine)
	}
	return nil
}

type requiredEnvField struct {
	name  string
	value string
}

func (c *Config) requiredFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "DATABASE_URL", value: c.DatabaseURL},
		{name: "DISCORD_TOKEN", value: c.DiscordToken},
		{name: "SPEECH_LANGUAGE", value: c.SpeechLanguage},
		{name: "TRANSCRIPT_TIMEZONE", value: c.TranscriptTimezone},
	}
}

type durationField struct {
	name  string
	value time.Duration
}

func (c *Config) positiveDurationChecks() []durationField {
	return []durationField{
		{name: "CALENDAR_POLL_INTERVAL", value: c.CalendarPollInterval},
		{name: "CALENDAR_HORIZON", value: c.CalendarHorizon},
		{name: "JOIN_TIMEOUT", value: c.JoinTimeout},
		{name: "SESSION_SILENCE_TIMEOUT", value: c.SessionSilenceTimeout},
		{name: "SESSION_MAX_DURATION", value: c.SessionMaxDuration},
		{name: "SPEECH_WINDOW", value: c.SpeechWindow},
		{name: "SPEECH_DECODE_TIMEOUT", value: c.SpeechDecodeTimeout},
		{name: "TASK_POLL_INTERVAL", value: c.TaskPollInterval},
		{name: "TASK_LEASE", value: c.TaskLease},
	}
}

type intField struct {
	name  string
	value int
}

func (c *Config) positiveIntChecks() []intField {
	return []intField{
		{name: "MAX_CONCURRENT_SESSIONS", value: c.MaxConcurrentSessions},
		{name: "JOIN_MAX_ATTEMPTS", value: c.JoinMaxAttempts},
		{name: "CALENDAR_RETRY_ATTEMPTS", value: c.CalendarRetryAttempts},
		{name: "SPEECH_MAX_CONSECUTIVE_FAILURES", value: c.SpeechMaxConsecutiveFailures},
		{name: "TASK_WORKERS", value: c.TaskWorkers},
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) UsesMemoryStore() bool {
	return strings.HasPrefix(c.DatabaseURL, MemoryDatabaseURL)
}
