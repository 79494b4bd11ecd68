package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/foxseedlab/meetscribe/internal/apperrors"
	"github.com/foxseedlab/meetscribe/internal/notify"
	"github.com/foxseedlab/meetscribe/internal/queue"
	"github.com/foxseedlab/meetscribe/internal/repository"
	"github.com/foxseedlab/meetscribe/internal/tasks"
	"github.com/samber/do/v2"
	"github.com/spf13/cobra"
)

const commandTimeout = 30 * time.Second

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Request an immediate calendar reconciliation",
		Long:  "Enqueues a reconcile_calendar task. A running serve process picks it up.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, injector := bootstrap()
			defer injector.Shutdown()

			q, err := do.Invoke[*queue.Queue](injector)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			id, err := tasks.RequestReconcile(ctx, q, "cli")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reconciliation requested (task %s)\n", id)
			return nil
		},
	}
}

func newTasksCommand() *cobra.Command {
	tasksCmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect durable tasks",
	}

	var limit int
	var jsonOutput bool
	deadCmd := &cobra.Command{
		Use:   "dead",
		Short: "List dead-lettered tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, injector := bootstrap()
			defer injector.Shutdown()

			repo, err := do.Invoke[repository.Repository](injector)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			list, err := repo.ListDeadLetteredTasks(ctx, limit)
			if err != nil {
				return fmt.Errorf("list dead-lettered tasks: %w", err)
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			return printDeadTasks(cmd, list)
		},
	}
	deadCmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of tasks to list")
	deadCmd.Flags().BoolVar(&jsonOutput, "json", false, "print tasks as JSON")

	tasksCmd.AddCommand(deadCmd)
	return tasksCmd
}

func printDeadTasks(cmd *cobra.Command, list []repository.Task) error {
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No dead-lettered tasks.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tATTEMPTS\tUPDATED\tLAST ERROR")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", t.ID, t.Kind, t.Attempts, t.UpdatedAt.Format(time.RFC3339), t.LastError)
	}
	return w.Flush()
}

func newSessionsCommand() *cobra.Command {
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect bot sessions",
	}
	showCmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session record and its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, injector := bootstrap()
			defer injector.Shutdown()

			repo, err := do.Invoke[repository.Repository](injector)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			return showSession(ctx, cmd, repo, args[0], cfg.TranscriptTimezone)
		},
	}
	sessionsCmd.AddCommand(showCmd)
	return sessionsCmd
}

func showSession(ctx context.Context, cmd *cobra.Command, repo repository.Repository, id, timezone string) error {
	rec, err := repo.GetBotSession(ctx, id)
	if errors.Is(err, apperrors.ErrNotFound) {
		return fmt.Errorf("session %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	meeting := repository.MeetingEvent{ID: rec.MeetingID}
	if ev, err := repo.GetMeetingEvent(ctx, rec.MeetingID); err == nil {
		meeting = *ev
	}
	segments, err := repo.ListSegments(ctx, id)
	if err != nil {
		return fmt.Errorf("list segments: %w", err)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session:  %s\n", rec.ID)
	fmt.Fprintf(out, "Meeting:  %s\n", rec.MeetingID)
	fmt.Fprintf(out, "State:    %s\n", rec.State)
	if rec.EndReason != "" {
		fmt.Fprintf(out, "Ended:    %s\n", rec.EndReason)
	}
	if rec.FailureReason != "" {
		fmt.Fprintf(out, "Failed:   %s\n", rec.FailureReason)
	}
	fmt.Fprintf(out, "Segments: %d\n\n", len(segments))
	fmt.Fprintln(out, notify.RenderText(notify.Transcript{
		Session:  *rec,
		Meeting:  meeting,
		Segments: segments,
		Timezone: timezone,
		Location: loc,
	}))
	return nil
}
