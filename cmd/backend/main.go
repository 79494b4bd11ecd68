package main

import (
	"log/slog"
	"os"

	audioimpl "github.com/foxseedlab/meetscribe/external/audio"
	calendarimpl "github.com/foxseedlab/meetscribe/external/calendar"
	configloader "github.com/foxseedlab/meetscribe/external/config"
	"github.com/foxseedlab/meetscribe/external/discord"
	"github.com/foxseedlab/meetscribe/external/natsbus"
	repositoryimpl "github.com/foxseedlab/meetscribe/external/repository"
	speechimpl "github.com/foxseedlab/meetscribe/external/speech"
	webhookimpl "github.com/foxseedlab/meetscribe/external/webhook"
	"github.com/foxseedlab/meetscribe/internal/calendar"
	"github.com/foxseedlab/meetscribe/internal/config"
	"github.com/foxseedlab/meetscribe/internal/metrics"
	"github.com/foxseedlab/meetscribe/internal/notify"
	"github.com/foxseedlab/meetscribe/internal/queue"
	"github.com/foxseedlab/meetscribe/internal/scheduler"
	"github.com/foxseedlab/meetscribe/internal/session"
	"github.com/foxseedlab/meetscribe/internal/tasks"
	"github.com/samber/do/v2"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "meetscribe",
		Short:         "Joins scheduled meetings and transcribes them",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(
		newServeCommand(),
		newReconcileCommand(),
		newTasksCommand(),
		newSessionsCommand(),
	)
	return root
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// bootstrap loads configuration, installs the logger and builds the dependency graph.
// Providers are lazy, so commands only open what they invoke.
func bootstrap() (*config.Config, do.Injector) {
	slog.Info("startup: loading configuration")
	cfg := mustLoadConfig()
	initLogger(cfg)
	slog.Info("startup: configuration loaded", "env", cfg.Env)
	return cfg, setupDI(cfg)
}

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, metrics.New())
	repositoryimpl.RegisterDI(injector)
	audioimpl.RegisterDI(injector)
	discord.RegisterDI(injector)
	speechimpl.RegisterDI(injector)
	calendarimpl.RegisterDI(injector)
	webhookimpl.RegisterDI(injector)
	natsbus.RegisterDI(injector)
	do.Provide(injector, provideCompletionSender)

	queue.RegisterDI(injector)
	session.RegisterDI(injector)
	scheduler.RegisterDI(injector)
	calendar.RegisterDI(injector)
	tasks.RegisterDI(injector)
	do.Provide(injector, provideSignalHandler)

	return injector
}

// provideSignalHandler hands calendar changes to the scheduler and the reminder planner.
func provideSignalHandler(i do.Injector) (calendar.SignalHandler, error) {
	sched, err := do.Invoke[*scheduler.Scheduler](i)
	if err != nil {
		return nil, err
	}
	planner, err := do.Invoke[*tasks.ReminderPlanner](i)
	if err != nil {
		return nil, err
	}
	return calendar.Fanout{sched, planner}, nil
}

// provideCompletionSender fans completion notices and reminders out to every configured
// consumer.
func provideCompletionSender(i do.Injector) (notify.Sender, error) {
	c := do.MustInvoke[*config.Config](i)
	var senders notify.Multi
	if c.TranscriptWebhookURL != "" {
		senders = append(senders, do.MustInvoke[*webhookimpl.HTTPSender](i))
	}
	if c.NatsURL != "" {
		pub, err := do.Invoke[*natsbus.Publisher](i)
		if err != nil {
			return nil, err
		}
		senders = append(senders, pub)
	}
	if len(senders) == 0 {
		slog.Warn("no completion consumer configured; transcripts stay in the store only")
	}
	return senders, nil
}
