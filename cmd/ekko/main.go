package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ekko-hq/ekko/internal/app"
	"github.com/ekko-hq/ekko/internal/platform/config"
	"github.com/ekko-hq/ekko/internal/platform/database"
	"github.com/ekko-hq/ekko/internal/platform/telemetry"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return err
	}

	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
	telemetry.SetDefault(logger)

	slog.Info("ekko starting",
		"version", version,
		"port", cfg.Server.Port,
	)

	// Graceful shutdown on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("connecting to database")
	pool, err := app.Connect(ctx, cfg, "ekko")
	if err != nil {
		return err
	}
	defer pool.Close()

	migrationsURL := fmt.Sprintf("file://%s", cfg.Database.MigrationsPath)
	if err := database.RunMigrations(cfg.Database.URL, migrationsURL); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	slog.Info("migrations complete")

	a, err := app.New(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("closing app", "error", err)
		}
	}()

	if cfg.Auth.DevMode {
		slog.Warn("running in dev mode, 'Bearer dev' authenticates as the dev user", "user_id", cfg.Auth.DevUserID)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := a.Server(addr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})
	if cfg.Scheduler.Enabled {
		g.Go(func() error {
			return a.Scheduler.Run(ctx)
		})
		slog.Info("job scheduler started", "interval_secs", cfg.Scheduler.IntervalSecs)
	}

	slog.Info("server ready", "addr", addr, "dev_mode", cfg.Auth.DevMode)
	return g.Wait()
}

func validate(cfg *config.Config) error {
	if cfg.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if !cfg.Auth.DevMode && len(cfg.Auth.JWT.SigningKey) < 32 {
		return errors.New("auth.jwt.signingkey must be at least 32 bytes")
	}
	return nil
}
