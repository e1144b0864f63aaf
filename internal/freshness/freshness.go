// Package freshness tracks, per requester, whether the precomputed access
// view can be trusted. Records are created lazily on the first staleness mark.
package freshness

import (
	"context"
	"time"

	"github.com/ekko-hq/ekko/internal/platform/database"
)

// Record is the freshness state of one requester's slice of the view.
type Record struct {
	UserID        string     `json:"user_id"`
	IsStale       bool       `json:"is_stale"`
	LastRefreshed *time.Time `json:"last_refreshed,omitempty"`
	RefreshCount  int        `json:"refresh_count"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Age reports how long ago the view was refreshed for this requester. ok is
// false when it never was.
func (r *Record) Age(now time.Time) (age time.Duration, ok bool) {
	if r == nil || r.LastRefreshed == nil {
		return 0, false
	}
	return now.Sub(*r.LastRefreshed), true
}

// HolderFinder returns users holding an effective permission on any of nodeIDs.
type HolderFinder interface {
	HoldersOn(ctx context.Context, q database.Querier, nodeIDs []string, now time.Time) ([]string, error)
}

// Tracker binds the store to a connection pool for callers outside a
// transaction, like the query planner.
type Tracker struct {
	db    database.Querier
	store *Store
}

func NewTracker(db database.Querier, store *Store) *Tracker {
	return &Tracker{db: db, store: store}
}

func (t *Tracker) MarkStale(ctx context.Context, userID string) error {
	return t.store.MarkStale(ctx, t.db, userID)
}

// IsStale treats a missing record as stale.
func (t *Tracker) IsStale(ctx context.Context, userID string) (bool, error) {
	rec, err := t.store.Get(ctx, t.db, userID)
	if err != nil {
		return false, err
	}
	return rec == nil || rec.IsStale, nil
}

func (t *Tracker) Get(ctx context.Context, userID string) (*Record, error) {
	return t.store.Get(ctx, t.db, userID)
}

// Invalidator marks stale every requester whose visible set may change when
// the given nodes change.
type Invalidator struct {
	holders HolderFinder
	store   *Store
	now     func() time.Time
}

func NewInvalidator(holders HolderFinder, store *Store) *Invalidator {
	return &Invalidator{holders: holders, store: store, now: time.Now}
}

// InvalidateNodes marks the holders on nodeIDs stale and returns them.
func (i *Invalidator) InvalidateNodes(ctx context.Context, q database.Querier, nodeIDs []string) ([]string, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	users, err := i.holders.HoldersOn(ctx, q, nodeIDs, i.now())
	if err != nil {
		return nil, err
	}
	if err := i.store.MarkStaleMany(ctx, q, users); err != nil {
		return nil, err
	}
	return users, nil
}
