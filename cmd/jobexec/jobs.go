package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"jobexec/internal/app"
	"jobexec/internal/job"
	"jobexec/internal/queue"
	"jobexec/internal/storage"
)

func submitCmd(f *rootFlags, opts app.Options) *cobra.Command {
	var (
		group, args, subject, priority string
		maxRetries                     int
		delay                          time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <task>",
		Short: "Add a job to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, pos []string) error {
			prio, err := job.ParsePriority(priority)
			if err != nil {
				return err
			}
			req := queue.Request{
				Task:     pos[0],
				Group:    group,
				Subject:  subject,
				Priority: prio,
				Delay:    delay,
			}
			if args != "" {
				if !json.Valid([]byte(args)) {
					return fmt.Errorf("--args is not valid JSON")
				}
				req.Args = json.RawMessage(args)
			}
			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &maxRetries
			}
			return withClient(cmd, f, opts, func(ctx context.Context, c *app.Client) error {
				id, err := c.Queue.Submit(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "concurrency group; one job per group runs at a time")
	cmd.Flags().StringVar(&args, "args", "", "task arguments as JSON")
	cmd.Flags().StringVar(&subject, "subject", "", "human readable description")
	cmd.Flags().StringVar(&priority, "priority", "low", "high or low")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "override the configured retry limit")
	cmd.Flags().DurationVar(&delay, "delay", 0, "earliest start relative to now")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

func cancelCmd(f *rootFlags, opts app.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Remove a waiting job or stop a running one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, pos []string) error {
			return withClient(cmd, f, opts, func(ctx context.Context, c *app.Client) error {
				res, err := c.Queue.Cancel(ctx, pos[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), res)
				if res == job.CancelNotFound {
					return fmt.Errorf("job %s: %w", pos[0], job.ErrNotFound)
				}
				return nil
			})
		},
	}
}

func showCmd(f *rootFlags, opts app.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Print a job and its log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, pos []string) error {
			return withClient(cmd, f, opts, func(ctx context.Context, c *app.Client) error {
				j, logs, err := c.Queue.Get(ctx, pos[0])
				if err != nil {
					return err
				}
				if logs == nil {
					logs = []job.LogEntry{}
				}
				return printJSON(cmd.OutOrStdout(), struct {
					Job  *job.Job       `json:"job"`
					Logs []job.LogEntry `json:"logs"`
				}{j, logs})
			})
		},
	}
}

func queueCmd(f *rootFlags, opts app.Options) *cobra.Command {
	var (
		group     string
		doneLimit int
		withLogs  bool
	)
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Print running, queued and recently finished jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if doneLimit < 0 {
				return fmt.Errorf("--done-limit must be >= 0")
			}
			return withClient(cmd, f, opts, func(ctx context.Context, c *app.Client) error {
				st, err := c.Queue.QueueState(ctx, group, storage.QueueQuery{DoneLimit: doneLimit, WithLogs: withLogs})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "only this group")
	cmd.Flags().IntVar(&doneLimit, "done-limit", 0, "finished jobs to show (0 = default)")
	cmd.Flags().BoolVar(&withLogs, "logs", false, "attach job logs")
	return cmd
}
