package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"jobexec/internal/app"
)

func periodicCmd(f *rootFlags, opts app.Options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "periodic",
		Short: "List stored periodic definitions and their next occurrence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, f, opts, func(ctx context.Context, c *app.Client) error {
				snap, err := c.Periodic.Snapshot(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), snap)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tTASK\tGROUP\tTIMER\tENABLED\tLAST\tNEXT")
				for _, s := range snap.Schedules {
					last := "-"
					if s.LastTriggered != nil {
						last = s.LastTriggered.Format(time.RFC3339)
					}
					next := "-"
					switch {
					case s.Error != "":
						next = "error: " + s.Error
					case !s.Next.IsZero():
						next = s.Next.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n", s.Name, s.Task, s.Group, s.Timer, s.Enabled, last, next)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full snapshot as JSON")
	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Store the periodic definitions from the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, f, opts, func(ctx context.Context, c *app.Client) error {
				return c.SyncPeriodic(ctx)
			})
		},
	})
	return cmd
}
