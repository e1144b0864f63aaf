// Package jobs is the durable background job queue and the scheduler loop
// that drains it. Jobs live in Postgres, so any number of scheduler instances
// can run side by side; claiming uses row locks with SKIP LOCKED.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type Status string

// ErrClaimLost means a job's claim expired and the job was recovered, so
// the worker that held it may no longer record an outcome.
var ErrClaimLost = errors.New("job claim lost")

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

const (
	TypeRefreshAccessView = "refresh_access_view"
	TypeExpirePermissions = "expire_permissions"
)

// Priorities: lower runs first.
const (
	PriorityHigh   = 1
	PriorityNormal = 5
	PriorityLow    = 9
)

// Job is one row of background_jobs.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"job_type"`
	Payload     json.RawMessage `json:"payload"`
	DedupeKey   *string         `json:"dedupe_key,omitempty"`
	Status      Status          `json:"status"`
	Priority    int             `json:"priority"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	LastError   *string         `json:"last_error,omitempty"`
	LockedAt    *time.Time      `json:"locked_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewJob describes a job to enqueue. A zero ScheduledAt means now.
type NewJob struct {
	Type        string
	Payload     json.RawMessage
	DedupeKey   *string
	Priority    int
	ScheduledAt time.Time
	MaxRetries  int
}

// Handler executes one claimed job. A returned error schedules a retry.
type Handler func(ctx context.Context, job Job) error

// RefreshPayload is the payload of refresh_access_view jobs. A nil UserID
// rebuilds the whole view.
type RefreshPayload struct {
	UserID *string `json:"user_id,omitempty"`
}

// RefreshDedupeKey is the coalescing key of a per-user refresh.
func RefreshDedupeKey(userID string) string {
	return TypeRefreshAccessView + ":" + userID
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// newID returns a time-sortable job id.
func newID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
