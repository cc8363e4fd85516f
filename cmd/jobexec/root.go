package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"jobexec/internal/app"
	logx "jobexec/pkg/logx"
)

type rootFlags struct {
	config   string
	logLevel string
}

func newRootCmd(opts app.Options) *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "jobexec",
		Short:         "Distributed job queue with periodic scheduling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&f.config, "config", "c", envOr("JOBEXEC_CONFIG", "./config.yaml"), "path to config file (yaml or json)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "warn", "log level for one-shot commands (written to stderr)")

	root.AddCommand(
		serveCmd(f, opts),
		submitCmd(f, opts),
		cancelCmd(f, opts),
		showCmd(f, opts),
		queueCmd(f, opts),
		periodicCmd(f, opts),
	)
	return root
}

// withClient opens the store for a one-shot command and closes it after.
func withClient(cmd *cobra.Command, f *rootFlags, opts app.Options, fn func(ctx context.Context, c *app.Client) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	log := logx.NewWriter(cmd.ErrOrStderr(), f.logLevel)
	c, err := app.OpenClient(ctx, f.config, opts, log)
	if err != nil {
		return err
	}
	runErr := fn(ctx, c)
	if err := c.Close(ctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
