package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/ekko-hq/ekko/internal/app"
	"github.com/ekko-hq/ekko/internal/platform/config"
	"github.com/ekko-hq/ekko/internal/platform/telemetry"
	"github.com/spf13/cobra"
)

type cli struct {
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "ekkoctl",
		Short: "ekko administration CLI",
		Long: `ekkoctl runs maintenance tasks against the ekko database.

Configuration comes from the same YAML file and EKKO_* environment
variables as the server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.cfgFile)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			c.cfg = cfg
			c.logger = telemetry.NewLogger(cfg.Log.Level, "text", cmd.ErrOrStderr())
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.cfgFile, "config", "config.yaml", "config file")

	root.AddCommand(
		c.migrateCmd(),
		c.refreshViewCmd(),
		c.sweepCmd(),
		c.runJobsCmd(),
		c.jobStatsCmd(),
		c.viewStatusCmd(),
		c.checkAccessCmd(),
		c.queryCmd(),
		c.createNodeCmd(),
		c.createUserCmd(),
		c.bootstrapCmd(),
		c.tokenCmd(),
	)
	return root
}

// withApp connects, builds the object graph, runs fn and tears it down.
func (c *cli) withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	pool, err := app.Connect(ctx, c.cfg, "ekkoctl")
	if err != nil {
		return err
	}
	defer pool.Close()

	a, err := app.New(ctx, c.cfg, pool, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			c.logger.Warn("closing app", "error", err)
		}
	}()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
