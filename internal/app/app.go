// Package app wires stores, services and handlers from configuration. Both
// the server and the admin CLI build their object graph here.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ekko-hq/ekko/internal/access"
	"github.com/ekko-hq/ekko/internal/audit"
	"github.com/ekko-hq/ekko/internal/auth"
	"github.com/ekko-hq/ekko/internal/directory"
	"github.com/ekko-hq/ekko/internal/freshness"
	"github.com/ekko-hq/ekko/internal/hierarchy"
	"github.com/ekko-hq/ekko/internal/jobs"
	"github.com/ekko-hq/ekko/internal/notify"
	"github.com/ekko-hq/ekko/internal/permission"
	"github.com/ekko-hq/ekko/internal/platform/config"
	"github.com/ekko-hq/ekko/internal/platform/database"
	"github.com/ekko-hq/ekko/internal/platform/server"
	"github.com/ekko-hq/ekko/internal/platform/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

// App is the wired object graph.
type App struct {
	Config   *config.Config
	Pool     *database.Pool
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *telemetry.Metrics
	Tokens   *auth.TokenService
	Notifier notify.Notifier

	Nodes       *hierarchy.Service
	Users       *directory.Service
	Permissions *permission.Pipeline
	Sweeper     *permission.Sweeper
	Planner     *access.Planner
	Scheduler   *jobs.Scheduler
	JobStore    *jobs.Store
	Freshness   *freshness.Store
	AuditStore  *audit.Store
}

// Connect opens the pool described by cfg.
func Connect(ctx context.Context, cfg *config.Config, applicationName string) (*database.Pool, error) {
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database.url is required")
	}
	pool, err := database.Connect(ctx, database.PoolOptions{
		URL:              cfg.Database.URL,
		MaxConns:         cfg.Database.MaxConns,
		MinConns:         cfg.Database.MinConns,
		ApplicationName:  applicationName,
		StatementTimeout: seconds(cfg.Database.StatementTimeoutSecs),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return pool, nil
}

// New builds the graph on top of an open pool. Close releases what New
// opened.
func New(ctx context.Context, cfg *config.Config, pool *database.Pool, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reg := prometheus.NewRegistry()
	var metrics *telemetry.Metrics
	if cfg.Metrics.Enabled {
		metrics = telemetry.NewMetrics(reg)
	}

	notifier, err := notify.New(ctx, notify.Options{
		Driver:   cfg.Notify.Driver,
		NATSURL:  cfg.Notify.NATSURL,
		RedisURL: cfg.Notify.RedisURL,
		Subject:  cfg.Notify.Subject,
	}, telemetry.Component(logger, "notify"))
	if err != nil {
		return nil, fmt.Errorf("creating notifier: %w", err)
	}

	tx := database.NewTransactor(pool)
	nodeStore := hierarchy.NewNodeStore()
	closure := hierarchy.NewClosureStore()
	userStore := directory.NewStore()
	ledger := permission.NewLedger()
	freshStore := freshness.NewStore()
	auditStore := audit.NewStore()
	jobStore := jobs.NewStore(cfg.Scheduler.MaxRetries)
	invalidator := freshness.NewInvalidator(ledger, freshStore)
	checker := permission.NewChecker(ledger, closure)

	sc := cfg.Scheduler
	scheduler := jobs.NewScheduler(pool, jobStore, jobs.Config{
		Interval:       seconds(sc.IntervalSecs),
		SweepInterval:  seconds(sc.SweepSecs),
		ClaimBatchSize: sc.ClaimBatchSize,
		LockTimeout:    seconds(sc.LockTimeoutSecs),
		BaseRetryDelay: seconds(sc.BaseRetrySecs),
		MaxRetryDelay:  seconds(sc.MaxRetrySecs),
		JitterFraction: sc.JitterFraction,
		RefreshRate:    sc.RefreshPerSecond,
		RefreshBurst:   sc.RefreshBurst,
	}, metrics, telemetry.Component(logger, "jobs"))

	a := &App{
		Config:     cfg,
		Pool:       pool,
		Logger:     logger,
		Registry:   reg,
		Metrics:    metrics,
		Notifier:   notifier,
		Scheduler:  scheduler,
		JobStore:   jobStore,
		Freshness:  freshStore,
		AuditStore: auditStore,
		Tokens: auth.NewTokenService(
			cfg.Auth.JWT.SigningKey,
			cfg.Auth.JWT.Issuer,
			cfg.Auth.JWT.ExpiryHours,
		),
	}

	a.Nodes = hierarchy.NewService(hierarchy.ServiceDeps{
		DB:          pool,
		Tx:          tx,
		Nodes:       nodeStore,
		Closure:     closure,
		Authz:       checker,
		Audit:       auditStore,
		Invalidator: invalidator,
		Notifier:    notifier,
		Logger:      telemetry.Component(logger, "hierarchy"),
	})
	a.Users = directory.NewService(directory.ServiceDeps{
		DB:          pool,
		Tx:          tx,
		Users:       userStore,
		Nodes:       nodeStore,
		Closure:     closure,
		Authz:       checker,
		Audit:       auditStore,
		Invalidator: invalidator,
		Notifier:    notifier,
		Logger:      telemetry.Component(logger, "directory"),
	})
	a.Permissions = permission.NewPipeline(permission.PipelineDeps{
		DB:              pool,
		Tx:              tx,
		Ledger:          ledger,
		Users:           userStore,
		Nodes:           nodeStore,
		Checker:         checker,
		Freshness:       freshStore,
		Audit:           auditStore,
		Notifier:        notifier,
		Refresh:         scheduler,
		Metrics:         metrics,
		Logger:          telemetry.Component(logger, "permission"),
		RefreshOnGrant:  sc.RefreshOnGrant,
		RefreshPriority: jobs.PriorityHigh,
	})
	a.Sweeper = permission.NewSweeper(tx, ledger, freshStore, auditStore, notifier, telemetry.Component(logger, "sweeper"))
	a.Planner = access.NewPlanner(access.PlannerDeps{
		DB:        pool,
		Tx:        tx,
		Direct:    access.NewDirectStore(),
		Snapshots: access.NewSnapshotStore(),
		Freshness: freshStore,
		Scheduler: scheduler,
		Admins:    checker,
		Metrics:   metrics,
		Logger:    telemetry.Component(logger, "access"),
		Config: access.Config{
			FreshnessThreshold: cfg.Access.FreshnessThreshold(),
			DefaultPageSize:    cfg.Access.DefaultPageSize,
			MaxPageSize:        cfg.Access.MaxPageSize,
			RefreshPriority:    jobs.PriorityNormal,
		},
	})

	scheduler.Register(jobs.TypeRefreshAccessView, jobs.RefreshViewHandler(a.Planner))
	scheduler.Register(jobs.TypeExpirePermissions, jobs.ExpirySweepHandler(a.Sweeper, telemetry.Component(logger, "sweeper")))

	return a, nil
}

// Server builds the HTTP server for addr.
func (a *App) Server(addr string) *server.Server {
	var devIdentity *auth.Identity
	if a.Config.Auth.DevMode && a.Config.Auth.DevUserID != "" {
		devIdentity = &auth.Identity{UserID: a.Config.Auth.DevUserID, TokenType: auth.TokenTypeAccess}
	}

	deps := server.Dependencies{
		Pool:               a.Pool,
		Auth:               a.Tokens,
		NodeHandler:        hierarchy.NewHandler(a.Nodes),
		UserHandler:        directory.NewHandler(a.Users),
		PermissionHandler:  permission.NewHandler(a.Permissions),
		AccessHandler:      access.NewHandler(a.Planner),
		AuditHandler:       audit.NewHandler(a.Pool, a.AuditStore),
		CronSecret:         a.Config.Cron.Secret,
		DevMode:            a.Config.Auth.DevMode,
		DevIdentity:        devIdentity,
		Logger:             a.Logger,
		CORSAllowedOrigins: a.Config.Server.CORSOrigins,
	}
	if a.Metrics != nil {
		deps.MetricsGatherer = a.Registry
	}
	return server.New(addr, deps)
}

// Close waits for in-flight refresh requests and closes the notifier.
func (a *App) Close() error {
	a.Scheduler.Wait()
	return a.Notifier.Close()
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
