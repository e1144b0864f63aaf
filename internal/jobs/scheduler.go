package jobs

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/ekko-hq/ekko/internal/apperr"
	"github.com/ekko-hq/ekko/internal/platform/database"
	"github.com/ekko-hq/ekko/internal/platform/telemetry"
	"golang.org/x/time/rate"
)

type jobStore interface {
	EnqueueUnique(ctx context.Context, q database.Querier, nj NewJob) (*Job, bool, error)
	ClaimDue(ctx context.Context, q database.Querier, now time.Time, limit int) ([]Job, error)
	MarkCompleted(ctx context.Context, q database.Querier, id string, lockedAt time.Time) error
	MarkRetry(ctx context.Context, q database.Querier, id string, lockedAt, next time.Time, lastError string) error
	MarkFailed(ctx context.Context, q database.Querier, id string, lockedAt time.Time, lastError string) error
	RecoverStale(ctx context.Context, q database.Querier, lockedBefore time.Time) (int64, error)
}

// Config controls polling, claiming and retry behavior.
type Config struct {
	Interval       time.Duration
	SweepInterval  time.Duration
	ClaimBatchSize int
	LockTimeout    time.Duration
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	JitterFraction float64

	// RefreshRate and RefreshBurst throttle ScheduleRefreshAsync.
	RefreshRate  float64
	RefreshBurst int
}

// Scheduler enqueues refresh and sweep jobs and runs due jobs through the
// registered handlers.
type Scheduler struct {
	db       database.Querier
	store    jobStore
	cfg      Config
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	limiter  *rate.Limiter
	now      func() time.Time
	jitter   func() float64
	mu       sync.RWMutex
	handlers map[string]Handler
	inflight sync.WaitGroup
}

// NewScheduler creates a scheduler with safe defaults.
func NewScheduler(db database.Querier, store jobStore, cfg Config, metrics *telemetry.Metrics, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.ClaimBatchSize <= 0 {
		cfg.ClaimBatchSize = 10
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 10 * time.Minute
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = 5 * time.Second
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 5 * time.Minute
	}
	cfg.JitterFraction = min(max(cfg.JitterFraction, 0), 1)
	if cfg.RefreshRate <= 0 {
		cfg.RefreshRate = 5
	}
	if cfg.RefreshBurst <= 0 {
		cfg.RefreshBurst = 20
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		db:       db,
		store:    store,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RefreshRate), cfg.RefreshBurst),
		now:      time.Now,
		jitter:   cryptoRandomUnitFloat64,
		handlers: make(map[string]Handler),
	}
}

// Register installs the handler for jobType, replacing any previous one.
func (s *Scheduler) Register(jobType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = h
}

func (s *Scheduler) handler(jobType string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[jobType]
	return h, ok
}

// ScheduleRefresh enqueues a view refresh for userID. It returns false when
// an outstanding refresh for the same user already covers the request.
func (s *Scheduler) ScheduleRefresh(ctx context.Context, userID string, priority int) (bool, error) {
	if err := apperr.RequireUUID("user_id", userID); err != nil {
		return false, err
	}
	payload, err := json.Marshal(RefreshPayload{UserID: &userID})
	if err != nil {
		return false, fmt.Errorf("encoding refresh payload: %w", err)
	}
	key := RefreshDedupeKey(userID)
	_, created, err := s.store.EnqueueUnique(ctx, s.db, NewJob{
		Type:      TypeRefreshAccessView,
		Payload:   payload,
		DedupeKey: &key,
		Priority:  priority,
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// ScheduleRefreshAsync enqueues a refresh in the background. Requests over
// the rate limit are dropped: the user stays stale, so a later read asks
// again. Failures are only logged.
func (s *Scheduler) ScheduleRefreshAsync(userID string, priority int) {
	if !s.limiter.Allow() {
		s.logger.Debug("refresh scheduling throttled", "user_id", userID)
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.ScheduleRefresh(ctx, userID, priority); err != nil {
			s.logger.Warn("scheduling view refresh failed", "user_id", userID, "error", err)
		}
	}()
}

// Wait blocks until background scheduling calls have finished.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// ScheduleExpirySweep enqueues a permission expiry sweep unless one is
// already outstanding.
func (s *Scheduler) ScheduleExpirySweep(ctx context.Context) (bool, error) {
	key := TypeExpirePermissions
	_, created, err := s.store.EnqueueUnique(ctx, s.db, NewJob{
		Type:      TypeExpirePermissions,
		DedupeKey: &key,
		Priority:  PriorityNormal,
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// RunDueJobs recovers stale locks, then claims and runs due jobs until none
// are left. It returns how many jobs it processed.
func (s *Scheduler) RunDueJobs(ctx context.Context) (int, error) {
	now := s.now().UTC()
	recovered, err := s.store.RecoverStale(ctx, s.db, now.Add(-s.cfg.LockTimeout))
	if err != nil {
		return 0, fmt.Errorf("recovering stale jobs: %w", err)
	}
	if recovered > 0 {
		s.logger.Warn("recovered stale jobs", "count", recovered)
	}

	processed := 0
	for ctx.Err() == nil {
		claimed, err := s.store.ClaimDue(ctx, s.db, now, s.cfg.ClaimBatchSize)
		if err != nil {
			return processed, fmt.Errorf("claiming due jobs: %w", err)
		}
		if len(claimed) == 0 {
			return processed, nil
		}
		for _, job := range claimed {
			if err := s.process(ctx, job, now); err != nil {
				return processed, err
			}
			processed++
		}
	}
	return processed, ctx.Err()
}

// process runs one claimed job and records its outcome. Only store failures
// are returned; handler failures become retries. Handlers get at most
// LockTimeout, after which the job would be recovered by another pass.
func (s *Scheduler) process(ctx context.Context, job Job, now time.Time) error {
	var lockedAt time.Time
	if job.LockedAt != nil {
		lockedAt = *job.LockedAt
	}

	h, ok := s.handler(job.Type)
	if !ok {
		s.logger.Error("no handler for job type", "job_id", job.ID, "job_type", job.Type)
		s.metrics.ObserveJob(job.Type, "failed")
		return s.record(job, s.store.MarkFailed(ctx, s.db, job.ID, lockedAt, "no handler registered for job type"))
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTimeout)
	runErr := h(runCtx, job)
	cancel()
	if runErr == nil {
		s.metrics.ObserveJob(job.Type, "completed")
		return s.record(job, s.store.MarkCompleted(ctx, s.db, job.ID, lockedAt))
	}

	errText := strings.TrimSpace(runErr.Error())
	if errText == "" {
		errText = "job failed"
	}
	if job.RetryCount >= job.MaxRetries {
		s.logger.Error("job failed permanently", "job_id", job.ID, "job_type", job.Type, "retries", job.RetryCount, "error", runErr)
		s.metrics.ObserveJob(job.Type, "failed")
		return s.record(job, s.store.MarkFailed(ctx, s.db, job.ID, lockedAt, errText))
	}

	next := now.Add(s.retryDelay(job.RetryCount + 1))
	s.logger.Warn("job failed, will retry", "job_id", job.ID, "job_type", job.Type, "next_attempt", next, "error", runErr)
	s.metrics.ObserveJob(job.Type, "retry")
	return s.record(job, s.store.MarkRetry(ctx, s.db, job.ID, lockedAt, next, errText))
}

// record handles the result of an outcome write. A lost claim is logged and
// dropped: the job's state belongs to whoever recovered it.
func (s *Scheduler) record(job Job, err error) error {
	if errors.Is(err, ErrClaimLost) {
		s.logger.Warn("job outcome discarded, claim was lost", "job_id", job.ID, "job_type", job.Type)
		s.metrics.ObserveJob(job.Type, "claim_lost")
		return nil
	}
	if err != nil {
		return fmt.Errorf("recording job outcome: %w", err)
	}
	return nil
}

// Run drains due jobs immediately, then every Interval, and schedules an
// expiry sweep every SweepInterval. It returns when ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.cfg.Interval, "sweep_interval", s.cfg.SweepInterval)

	s.scheduleSweep(ctx)
	s.runPass(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case <-sweep.C:
			s.scheduleSweep(ctx)
		case <-ticker.C:
			s.runPass(ctx)
		}
	}
}

func (s *Scheduler) runPass(ctx context.Context) {
	n, err := s.RunDueJobs(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("running due jobs failed", "processed", n, "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("processed due jobs", "count", n)
	}
}

func (s *Scheduler) scheduleSweep(ctx context.Context) {
	if _, err := s.ScheduleExpirySweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduling expiry sweep failed", "error", err)
	}
}

// retryDelay is BaseRetryDelay * 2^(retry-1), capped at MaxRetryDelay, with
// up to JitterFraction extra.
func (s *Scheduler) retryDelay(retry int) time.Duration {
	if retry <= 0 {
		retry = 1
	}

	delay := s.cfg.MaxRetryDelay
	if d := float64(s.cfg.BaseRetryDelay) * math.Pow(2, float64(retry-1)); d < float64(s.cfg.MaxRetryDelay) {
		delay = time.Duration(d)
	}

	if s.cfg.JitterFraction <= 0 {
		return delay
	}
	jitter := min(max(s.jitter(), 0), 1)
	jittered := time.Duration(float64(delay) * (1 + s.cfg.JitterFraction*jitter))
	return min(jittered, s.cfg.MaxRetryDelay)
}

func cryptoRandomUnitFloat64() float64 {
	var b [8]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return 0
	}
	// Top 53 bits map uniformly into [0, 1).
	return float64(binary.BigEndian.Uint64(b[:])>>11) / float64(1<<53)
}
