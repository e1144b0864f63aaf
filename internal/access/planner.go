package access

import (
	"context"
	"log/slog"
	"time"

	"github.com/ekko-hq/ekko/internal/apperr"
	"github.com/ekko-hq/ekko/internal/freshness"
	"github.com/ekko-hq/ekko/internal/platform/database"
	"github.com/ekko-hq/ekko/internal/platform/telemetry"
)

type directReader interface {
	List(ctx context.Context, q database.Querier, requesterID string, f Filters, p Page, now time.Time) ([]AccessibleUser, int, error)
	CanSee(ctx context.Context, q database.Querier, requesterID, targetID string, now time.Time) (bool, error)
}

type snapshotStore interface {
	List(ctx context.Context, q database.Querier, requesterID string, f Filters, p Page) ([]AccessibleUser, int, error)
	Rebuild(ctx context.Context, q database.Querier, requesterID *string, at time.Time) (int64, error)
}

type freshnessStore interface {
	Get(ctx context.Context, q database.Querier, userID string) (*freshness.Record, error)
	LockForRefresh(ctx context.Context, q database.Querier, userID *string) (time.Time, error)
	MarkRefreshed(ctx context.Context, q database.Querier, userIDs []string, startedAt time.Time) error
	MarkAllRefreshed(ctx context.Context, q database.Querier, startedAt time.Time) (int64, error)
}

type refreshScheduler interface {
	ScheduleRefreshAsync(userID string, priority int)
}

type adminLookup interface {
	HasAnyAdmin(ctx context.Context, q database.Querier, userID string) (bool, error)
}

// Config tunes routing and paging.
type Config struct {
	// FreshnessThreshold is the oldest snapshot an EVENTUAL read accepts.
	FreshnessThreshold time.Duration
	DefaultPageSize    int
	MaxPageSize        int
	// RefreshPriority is the job priority of refreshes requested by reads.
	RefreshPriority int
}

// PlannerDeps wires a Planner. Without Admins, requesters may only refresh
// their own view.
type PlannerDeps struct {
	DB        database.Querier
	Tx        database.Transactor
	Direct    directReader
	Snapshots snapshotStore
	Freshness freshnessStore
	Scheduler refreshScheduler
	Admins    adminLookup
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger
	Config    Config
}

// Planner routes accessible-users reads and rebuilds the snapshot.
type Planner struct {
	db        database.Querier
	tx        database.Transactor
	direct    directReader
	snapshots snapshotStore
	freshness freshnessStore
	scheduler refreshScheduler
	admins    adminLookup
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

func NewPlanner(d PlannerDeps) *Planner {
	cfg := d.Config
	if cfg.FreshnessThreshold <= 0 {
		cfg.FreshnessThreshold = 5 * time.Minute
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 20
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 100
	}
	cfg.DefaultPageSize = min(cfg.DefaultPageSize, cfg.MaxPageSize)
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		db:        d.DB,
		tx:        d.Tx,
		direct:    d.Direct,
		snapshots: d.Snapshots,
		freshness: d.Freshness,
		scheduler: d.Scheduler,
		admins:    d.Admins,
		metrics:   d.Metrics,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Query returns the users q.RequesterID can see.
//
// STRONG reads always take the live path. EVENTUAL reads use the snapshot
// only when the requester's freshness record exists, is not stale and is
// younger than the freshness threshold; otherwise a refresh is scheduled in
// the background and this read goes live. A failing snapshot read is logged
// and retried on the live path, reported as direct_fallback.
func (p *Planner) Query(ctx context.Context, q Query) (*Result, error) {
	start := p.now()
	if err := p.normalize(&q); err != nil {
		return nil, err
	}

	if q.Consistency == Strong {
		return p.queryDirect(ctx, q, start, SourceDirect)
	}

	rec, err := p.freshness.Get(ctx, p.db, q.RequesterID)
	if err != nil {
		p.logger.WarnContext(ctx, "freshness lookup failed, using live path", "requester_id", q.RequesterID, "error", err)
		p.metrics.IncViewFallback()
		return p.queryDirect(ctx, q, start, SourceFallback)
	}
	if rec == nil || rec.IsStale {
		p.scheduleRefresh(q.RequesterID)
		return p.queryDirect(ctx, q, start, SourceDirect)
	}
	if age, ok := rec.Age(start); !ok || age > p.cfg.FreshnessThreshold {
		p.scheduleRefresh(q.RequesterID)
		return p.queryDirect(ctx, q, start, SourceDirect)
	}

	res, err := p.queryView(ctx, q, start, rec)
	if err != nil {
		p.logger.WarnContext(ctx, "snapshot read failed, using live path", "requester_id", q.RequesterID, "error", err)
		p.metrics.IncViewFallback()
		return p.queryDirect(ctx, q, start, SourceFallback)
	}
	return res, nil
}

func (p *Planner) queryDirect(ctx context.Context, q Query, start time.Time, source DataSource) (*Result, error) {
	users, total, err := p.direct.List(ctx, p.db, q.RequesterID, q.Filters, q.Page, start)
	if err != nil {
		return nil, err
	}
	now := p.now()
	return p.result(users, total, q.Page, source, start, &now), nil
}

func (p *Planner) queryView(ctx context.Context, q Query, start time.Time, rec *freshness.Record) (*Result, error) {
	if q.Filters.IsActive != nil && !*q.Filters.IsActive {
		return p.result([]AccessibleUser{}, 0, q.Page, SourceView, start, rec.LastRefreshed), nil
	}
	users, total, err := p.snapshots.List(ctx, p.db, q.RequesterID, q.Filters, q.Page)
	if err != nil {
		return nil, err
	}
	return p.result(users, total, q.Page, SourceView, start, rec.LastRefreshed), nil
}

func (p *Planner) result(users []AccessibleUser, total int, page Page, source DataSource, start time.Time, lastUpdated *time.Time) *Result {
	elapsed := p.now().Sub(start)
	p.metrics.ObserveQuery(string(source), elapsed)
	return &Result{
		Users:           users,
		TotalCount:      total,
		HasNextPage:     page.Offset+page.Limit < total,
		HasPreviousPage: page.Offset > 0,
		DataSource:      source,
		ExecutionTime:   elapsed,
		LastUpdated:     lastUpdated,
	}
}

func (p *Planner) scheduleRefresh(userID string) {
	if p.scheduler == nil {
		return
	}
	p.scheduler.ScheduleRefreshAsync(userID, p.cfg.RefreshPriority)
}

func (p *Planner) normalize(q *Query) error {
	if err := apperr.RequireUUID("requester_id", q.RequesterID); err != nil {
		return err
	}
	c, err := ParseConsistency(string(q.Consistency))
	if err != nil {
		return err
	}
	q.Consistency = c

	for _, id := range q.Filters.NodeIDs {
		if err := apperr.RequireUUID("node_ids", id); err != nil {
			return err
		}
	}
	if q.Filters.IsActive == nil {
		active := true
		q.Filters.IsActive = &active
	}

	if q.Page.Offset < 0 {
		return apperr.Validation("offset", "must not be negative")
	}
	switch {
	case q.Page.Limit < 0:
		return apperr.Validation("limit", "must not be negative")
	case q.Page.Limit == 0:
		q.Page.Limit = p.cfg.DefaultPageSize
	case q.Page.Limit > p.cfg.MaxPageSize:
		q.Page.Limit = p.cfg.MaxPageSize
	}
	return nil
}

// CheckAccess reports whether requesterID can see targetUserID. Everyone can
// see themselves; otherwise the answer always comes from the live path.
func (p *Planner) CheckAccess(ctx context.Context, requesterID, targetUserID string) (bool, error) {
	if err := apperr.RequireUUID("requester_id", requesterID); err != nil {
		return false, err
	}
	if err := apperr.RequireUUID("target_user_id", targetUserID); err != nil {
		return false, err
	}
	if requesterID == targetUserID {
		return true, nil
	}
	return p.direct.CanSee(ctx, p.db, requesterID, targetUserID, p.now())
}

// RefreshViewAs rebuilds userID's view on behalf of requesterID. Anyone may
// refresh their own view; another user's needs an effective ADMIN somewhere.
func (p *Planner) RefreshViewAs(ctx context.Context, requesterID, userID string) error {
	if userID != requesterID {
		allowed := false
		if p.admins != nil {
			var err error
			if allowed, err = p.admins.HasAnyAdmin(ctx, p.db, requesterID); err != nil {
				return err
			}
		}
		if !allowed {
			return apperr.Domain(apperr.CodeInsufficientAuthority, "refreshing another user's view requires ADMIN")
		}
	}
	return p.RefreshView(ctx, &userID)
}

// RefreshView rebuilds the snapshot and clears staleness in one
// transaction. A nil userID rebuilds every requester and marks every
// record refreshed.
func (p *Planner) RefreshView(ctx context.Context, userID *string) error {
	if userID != nil {
		if err := apperr.RequireUUID("user_id", *userID); err != nil {
			return err
		}
	}

	start := p.now()
	var rows int64
	err := p.tx.InTx(ctx, func(ctx context.Context, q database.Querier) error {
		startedAt, err := p.freshness.LockForRefresh(ctx, q, userID)
		if err != nil {
			return err
		}
		if rows, err = p.snapshots.Rebuild(ctx, q, userID, startedAt); err != nil {
			return err
		}
		if userID == nil {
			_, err = p.freshness.MarkAllRefreshed(ctx, q, startedAt)
			return err
		}
		return p.freshness.MarkRefreshed(ctx, q, []string{*userID}, startedAt)
	})
	if err != nil {
		return err
	}

	if userID == nil {
		p.logger.InfoContext(ctx, "access snapshot rebuilt", "rows", rows, "elapsed", p.now().Sub(start))
	} else {
		p.logger.DebugContext(ctx, "access snapshot refreshed", "user_id", *userID, "rows", rows, "elapsed", p.now().Sub(start))
	}
	return nil
}
