package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"discourse/backend/features/job"
	"discourse/backend/features/tasks"
)

var enqueueAt string

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a background job",
}

func enqueueRunE(build func() (job.Job, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		j, err := build()
		if err != nil {
			return err
		}

		at := time.Now().UTC()
		if enqueueAt != "" {
			at, err = time.Parse(time.RFC3339, enqueueAt)
			if err != nil {
				return fmt.Errorf("invalid --at: %w", err)
			}
		}

		a, closeFn, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		hash, err := a.Enqueuer.EnqueueAt(cmd.Context(), j, at)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s task_hash=%s scheduled_at=%s\n", j.JobName(), hash, at.UTC().Format(time.RFC3339))
		return nil
	}
}

var welcome tasks.WelcomeEmail

var enqueueWelcomeCmd = &cobra.Command{
	Use:   "welcome-email",
	Short: "Send a welcome email to a new user",
	RunE: enqueueRunE(func() (job.Job, error) {
		return welcome, welcome.Validate()
	}),
}

var topic tasks.ProcessTopic

var enqueueTopicCmd = &cobra.Command{
	Use:   "process-topic",
	Short: "Run a maintenance action against a topic",
	RunE: enqueueRunE(func() (job.Job, error) {
		return topic, topic.Validate()
	}),
}

var rename tasks.PropagateUsername

var enqueueRenameCmd = &cobra.Command{
	Use:   "propagate-username",
	Short: "Rewrite mentions of a renamed user",
	RunE: enqueueRunE(func() (job.Job, error) {
		return rename, rename.Validate()
	}),
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print counts of jobs by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, closeFn, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		c, err := a.JobService.Counts(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "scheduled=%d pending=%d running=%d succeeded=%d failed=%d\n",
			c.Scheduled, c.Pending, c.Running, c.Succeeded, c.Failed)

		if a.Statistics != nil {
			t, err := a.Statistics.Totals(cmd.Context())
			if err != nil {
				fmt.Fprintf(out, "worker totals unavailable: %v\n", err)
				return nil
			}
			fmt.Fprintf(out, "processed=%d failed=%d workers=%d\n", t.Processed, t.Failed, t.Workers)
		}
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <id>",
	Short: "Show one job record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, closeFn, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		rec, err := a.JobService.Get(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("job %s: %w", args[0], err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

var (
	listState string
	listTask  string
	listLimit int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List job records",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, closeFn, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		now := time.Now().UTC()
		records, err := a.JobService.List(cmd.Context(), job.ListFilter{
			State:    job.State(listState),
			TaskName: listTask,
			Limit:    listLimit,
			Now:      now,
		})
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTASK\tSTATE\tRETRIES\tSCHEDULED\tERROR")
		for _, r := range records {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
				r.ID, r.TaskName, r.State(now), r.Retries, r.ScheduledAt.Format(time.RFC3339), r.Error)
		}
		return tw.Flush()
	},
}

func init() {
	enqueueCmd.PersistentFlags().StringVar(&enqueueAt, "at", "", "Schedule for a later time (RFC3339)")

	enqueueWelcomeCmd.Flags().Int64Var(&welcome.UserID, "user-id", 0, "User id")
	enqueueWelcomeCmd.Flags().StringVar(&welcome.Username, "username", "", "Username")
	enqueueWelcomeCmd.Flags().StringVar(&welcome.Email, "email", "", "Email address")

	enqueueTopicCmd.Flags().Int64Var(&topic.TopicID, "topic-id", 0, "Topic id")
	enqueueTopicCmd.Flags().StringVar(&topic.Action, "action", "", "Action name")

	enqueueRenameCmd.Flags().Int64Var(&rename.UserID, "user-id", 0, "User id")
	enqueueRenameCmd.Flags().StringVar(&rename.OldUsername, "old", "", "Previous username")
	enqueueRenameCmd.Flags().StringVar(&rename.NewUsername, "new", "", "New username")

	enqueueCmd.AddCommand(enqueueWelcomeCmd, enqueueTopicCmd, enqueueRenameCmd)

	listCmd.Flags().StringVar(&listState, "state", "", "Filter by state (scheduled, pending, running, succeeded, failed)")
	listCmd.Flags().StringVar(&listTask, "task", "", "Filter by task name")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum rows")

	rootCmd.AddCommand(enqueueCmd, statusCmd, inspectCmd, listCmd)
}
