package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	internalconfig "github.com/foxseedlab/meetscribe/internal/config"
)

type envConfig struct {
	Env         string `env:"ENV" envDefault:"production"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`

	CalendarProvider      string        `env:"CALENDAR_PROVIDER" envDefault:"google"`
	GoogleCredentialsFile string        `env:"GOOGLE_CREDENTIALS_FILE"`
	GoogleCalendarID      string        `env:"GOOGLE_CALENDAR_ID" envDefault:"primary"`
	CalendarStaticFile    string        `env:"CALENDAR_STATIC_FILE"`
	CalendarPollInterval  time.Duration `env:"CALENDAR_POLL_INTERVAL" envDefault:"1m"`
	CalendarHorizon       time.Duration `env:"CALENDAR_HORIZON" envDefault:"24h"`
	CalendarLookback      time.Duration `env:"CALENDAR_LOOKBACK" envDefault:"1h"`
	CalendarRetryAttempts int           `env:"CALENDAR_RETRY_ATTEMPTS" envDefault:"4"`
	CalendarRetryInitial  time.Duration `env:"CALENDAR_RETRY_INITIAL" envDefault:"2s"`
	CalendarRetryMax      time.Duration `env:"CALENDAR_RETRY_MAX" envDefault:"1m"`

	JoinLeadWindow        time.Duration `env:"JOIN_LEAD_WINDOW" envDefault:"2m"`
	JoinGraceWindow       time.Duration `env:"JOIN_GRACE_WINDOW" envDefault:"5m"`
	MaxConcurrentSessions int           `env:"MAX_CONCURRENT_SESSIONS" envDefault:"8"`
	JoinTimeout           time.Duration `env:"JOIN_TIMEOUT" envDefault:"20s"`
	JoinMaxAttempts       int           `env:"JOIN_MAX_ATTEMPTS" envDefault:"3"`
	JoinRetryInitial      time.Duration `env:"JOIN_RETRY_INITIAL" envDefault:"2s"`
	SessionSilenceTimeout time.Duration `env:"SESSION_SILENCE_TIMEOUT" envDefault:"10m"`
	SessionMaxDuration    time.Duration `env:"SESSION_MAX_DURATION" envDefault:"3h"`

	SpeechEngine                 string        `env:"SPEECH_ENGINE" envDefault:"subprocess"`
	SpeechCommand                string        `env:"SPEECH_COMMAND"`
	SpeechModelPath              string        `env:"SPEECH_MODEL_PATH"`
	SpeechLanguage               string        `env:"SPEECH_LANGUAGE" envDefault:"ru-RU"`
	SpeechWindow                 time.Duration `env:"SPEECH_WINDOW" envDefault:"250ms"`
	SpeechDecodeTimeout          time.Duration `env:"SPEECH_DECODE_TIMEOUT" envDefault:"5s"`
	SpeechMaxConsecutiveFailures int           `env:"SPEECH_MAX_CONSECUTIVE_FAILURES" envDefault:"20"`
	GoogleCloudProjectID         string        `env:"GOOGLE_CLOUD_PROJECT_ID"`
	GoogleCloudSpeechLocation    string        `env:"GOOGLE_CLOUD_SPEECH_LOCATION" envDefault:"europe-west4"`
	GoogleCloudSpeechModel       string        `env:"GOOGLE_CLOUD_SPEECH_MODEL" envDefault:"chirp_2"`

	DiscordToken          string `env:"DISCORD_TOKEN,required"`
	DiscordCountOtherBots bool   `env:"DISCORD_COUNT_OTHER_BOTS" envDefault:"false"`

	TaskWorkers      int           `env:"TASK_WORKERS" envDefault:"4"`
	TaskMaxRetries   int           `env:"TASK_MAX_RETRIES" envDefault:"5"`
	TaskPollInterval time.Duration `env:"TASK_POLL_INTERVAL" envDefault:"1s"`
	TaskLease        time.Duration `env:"TASK_LEASE" envDefault:"2m"`
	TaskRetryInitial time.Duration `env:"TASK_RETRY_INITIAL" envDefault:"1s"`
	TaskRetryMax     time.Duration `env:"TASK_RETRY_MAX" envDefault:"5m"`

	TranscriptTimezone   string `env:"TRANSCRIPT_TIMEZONE" envDefault:"UTC"`
	TranscriptWebhookURL string `env:"TRANSCRIPT_WEBHOOK_URL"`
	NatsURL              string `env:"NATS_URL"`
	NatsSubject          string `env:"NATS_SUBJECT" envDefault:"meetscribe.session.completed"`

	MeetingRemindersEnabled bool            `env:"MEETING_REMINDERS_ENABLED" envDefault:"true"`
	MeetingReminders        []time.Duration `env:"MEETING_REMINDERS" envSeparator:"," envDefault:"24h,1h"`
	NatsReminderSubject     string          `env:"NATS_REMINDER_SUBJECT" envDefault:"meetscribe.meeting.reminder"`
}

func Load() (*internalconfig.Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	cfg := &internalconfig.Config{
		Env:                          raw.Env,
		DatabaseURL:                  raw.DatabaseURL,
		HTTPAddr:                     raw.HTTPAddr,
		CalendarProvider:             raw.CalendarProvider,
		GoogleCredentialsFile:        raw.GoogleCredentialsFile,
		GoogleCalendarID:             raw.GoogleCalendarID,
		CalendarStaticFile:           raw.CalendarStaticFile,
		CalendarPollInterval:         raw.CalendarPollInterval,
		CalendarHorizon:              raw.CalendarHorizon,
		CalendarLookback:             raw.CalendarLookback,
		CalendarRetryAttempts:        raw.CalendarRetryAttempts,
		CalendarRetryInitial:         raw.CalendarRetryInitial,
		CalendarRetryMax:             raw.CalendarRetryMax,
		JoinLeadWindow:               raw.JoinLeadWindow,
		JoinGraceWindow:              raw.JoinGraceWindow,
		MaxConcurrentSessions:        raw.MaxConcurrentSessions,
		JoinTimeout:                  raw.JoinTimeout,
		JoinMaxAttempts:              raw.JoinMaxAttempts,
		JoinRetryInitial:             raw.JoinRetryInitial,
		SessionSilenceTimeout:        raw.SessionSilenceTimeout,
		SessionMaxDuration:           raw.SessionMaxDuration,
		SpeechEngine:                 raw.SpeechEngine,
		SpeechCommand:                raw.SpeechCommand,
		SpeechModelPath:              raw.SpeechModelPath,
		SpeechLanguage:               raw.SpeechLanguage,
		SpeechWindow:                 raw.SpeechWindow,
		SpeechDecodeTimeout:          raw.SpeechDecodeTimeout,
		SpeechMaxConsecutiveFailures: raw.SpeechMaxConsecutiveFailures,
		GoogleCloudProjectID:         raw.GoogleCloudProjectID,
		GoogleCloudSpeechLocation:    raw.GoogleCloudSpeechLocation,
		GoogleCloudSpeechModel:       raw.GoogleCloudSpeechModel,
		DiscordToken:                 raw.DiscordToken,
		DiscordCountOtherBots:        raw.DiscordCountOtherBots,
		TaskWorkers:                  raw.TaskWorkers,
		TaskMaxRetries:               raw.TaskMaxRetries,
		TaskPollInterval:             raw.TaskPollInterval,
		TaskLease:                    raw.TaskLease,
		TaskRetryInitial:             raw.TaskRetryInitial,
		TaskRetryMax:                 raw.TaskRetryMax,
		TranscriptTimezone:           raw.TranscriptTimezone,
		TranscriptWebhookURL:         raw.TranscriptWebhookURL,
		NatsURL:                      raw.NatsURL,
		NatsSubject:                  raw.NatsSubject,
		NatsReminderSubject:          raw.NatsReminderSubject,
	}
	if raw.MeetingRemindersEnabled {
		cfg.MeetingReminders = raw.MeetingReminders
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
