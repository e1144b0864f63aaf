package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/ekko-hq/ekko/internal/access"
	"github.com/ekko-hq/ekko/internal/app"
	"github.com/ekko-hq/ekko/internal/auth"
	"github.com/ekko-hq/ekko/internal/directory"
	"github.com/ekko-hq/ekko/internal/freshness"
	"github.com/ekko-hq/ekko/internal/hierarchy"
	"github.com/ekko-hq/ekko/internal/platform/database"
	"github.com/spf13/cobra"
)

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.Database.URL == "" {
				return errors.New("database.url is required")
			}
			url := fmt.Sprintf("file://%s", c.cfg.Database.MigrationsPath)
			if err := database.RunMigrations(c.cfg.Database.URL, url); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations complete")
			return nil
		},
	}
}

func (c *cli) refreshViewCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "refresh-view",
		Short: "Rebuild the precomputed access snapshot",
		Long:  "Rebuilds the snapshot for every requester, or only for --user.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var target *string
				if userID != "" {
					target = &userID
				}
				if err := a.Planner.RefreshView(ctx, target); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "snapshot refreshed")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "refresh only this requester")
	return cmd
}

func (c *cli) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-expired",
		Short: "Deactivate permissions past their expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Sweeper.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "expired %d permission(s)\n", n)
				return nil
			})
		},
	}
}

func (c *cli) runJobsCmd() *cobra.Command {
	var loop bool
	cmd := &cobra.Command{
		Use:   "run-jobs",
		Short: "Process due background jobs",
		Long:  "Runs one pass over due jobs, or with --loop keeps polling until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if loop {
					ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
					defer stop()
					return a.Scheduler.Run(ctx)
				}
				n, err := a.Scheduler.RunDueJobs(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "processed %d job(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "keep polling until interrupted")
	return cmd
}

func (c *cli) jobStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "job-stats",
		Short: "Count background jobs by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.JobStore.CountByStatus(ctx, a.Pool)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), counts)
			})
		},
	}
}

func (c *cli) viewStatusCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "view-status [user-id]",
		Short: "Show access view freshness for one user, or the stalest records",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if len(args) == 0 {
					stale, err := a.Freshness.ListStale(ctx, a.Pool, limit)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), stale)
				}
				rec, err := freshness.NewTracker(a.Pool, a.Freshness).Get(ctx, args[0])
				if err != nil {
					return err
				}
				if rec == nil {
					return fmt.Errorf("no freshness record for %s", args[0])
				}
				age, ok := rec.Age(time.Now())
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"record":      rec,
					"refreshed":   ok,
					"age_seconds": age.Seconds(),
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum stale records to list")
	return cmd
}

func (c *cli) checkAccessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-access <requester-id> <target-user-id>",
		Short: "Report whether one user can see another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ok, err := a.Planner.CheckAccess(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"requester_id":   args[0],
					"target_user_id": args[1],
					"has_access":     ok,
				})
			})
		},
	}
}

func (c *cli) queryCmd() *cobra.Command {
	var (
		consistency string
		search      string
		limit       int
		offset      int
	)
	cmd := &cobra.Command{
		Use:   "accessible-users <requester-id>",
		Short: "List the users a requester can see",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Planner.Query(ctx, access.Query{
					RequesterID: args[0],
					Consistency: access.Consistency(consistency),
					Filters:     access.Filters{Search: search},
					Page:        access.Page{Offset: offset, Limit: limit},
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&consistency, "consistency", "STRONG", "STRONG or EVENTUAL")
	cmd.Flags().StringVar(&search, "search", "", "name or email substring")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func (c *cli) createNodeCmd() *cobra.Command {
	var parentID string
	var level int
	cmd := &cobra.Command{
		Use:   "create-node <name>",
		Short: "Create an organization node as the system",
		Long: `Creates a node without an authority check. A first root node and its
admin come from here and bootstrap-admin; later changes go through the API.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := hierarchy.CreateNodeInput{Name: args[0]}
			if parentID != "" {
				in.ParentID = &parentID
			}
			if cmd.Flags().Changed("level") {
				in.Level = &level
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				node, err := a.Nodes.CreateNode(ctx, "", in)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), node)
			})
		},
	}
	cmd.Flags().StringVar(&parentID, "parent", "", "parent node id; empty creates a root")
	cmd.Flags().IntVar(&level, "level", hierarchy.DefaultRootLevel, "level of a new root")
	return cmd
}

func (c *cli) createUserCmd() *cobra.Command {
	var in directory.CreateUserInput
	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create a user as the system",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				user, err := a.Users.CreateUser(ctx, "", in)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), user)
			})
		},
	}
	cmd.Flags().StringVar(&in.Email, "email", "", "email address")
	cmd.Flags().StringVar(&in.Name, "name", "", "display name")
	cmd.Flags().StringVar(&in.NodeID, "node", "", "node the user belongs to")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("node")
	return cmd
}

func (c *cli) bootstrapCmd() *cobra.Command {
	var userID, nodeID string
	cmd := &cobra.Command{
		Use:   "bootstrap-admin",
		Short: "Grant the first ADMIN on a root node",
		Long: `Grants ADMIN on a root node to a user on behalf of the system. It
refuses once the node already has an active ADMIN.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res := a.Permissions.Bootstrap(ctx, userID, nodeID)
				if !res.Success {
					return fmt.Errorf("bootstrap failed: %s (%s)", res.Error, res.Code)
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user to make admin")
	cmd.Flags().StringVar(&nodeID, "node", "", "root node")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("node")
	return cmd
}

func (c *cli) tokenCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint an access token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(c.cfg.Auth.JWT.SigningKey) < 32 {
				return errors.New("auth.jwt.signingkey must be at least 32 bytes")
			}
			svc := auth.NewTokenService(c.cfg.Auth.JWT.SigningKey, c.cfg.Auth.JWT.Issuer, c.cfg.Auth.JWT.ExpiryHours)
			token, err := svc.CreateAccessToken(&auth.Identity{UserID: args[0], Email: email})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	return cmd
}
