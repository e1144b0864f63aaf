package freshness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ekko-hq/ekko/internal/platform/database"
	"github.com/jackc/pgx/v5"
)

// Store handles view_freshness persistence. Methods accept database.Querier
// so staleness marks commit with the change that caused them.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

// MarkStale upserts the record for userID with is_stale = true.
func (s *Store) MarkStale(ctx context.Context, q database.Querier, userID string) error {
	_, err := q.Exec(ctx,
		`INSERT INTO view_freshness (user_id, is_stale, updated_at)
		 VALUES ($1, true, clock_timestamp())
		 ON CONFLICT (user_id) DO UPDATE SET is_stale = true, updated_at = clock_timestamp()`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("marking view stale: %w", err)
	}
	return nil
}

// MarkStaleMany marks every user in userIDs stale with one statement.
func (s *Store) MarkStaleMany(ctx context.Context, q database.Querier, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := q.Exec(ctx,
		`INSERT INTO view_freshness (user_id, is_stale, updated_at)
		 SELECT DISTINCT u, true, clock_timestamp() FROM unnest($1::uuid[]) AS u
		 ON CONFLICT (user_id) DO UPDATE SET is_stale = true, updated_at = clock_timestamp()`,
		userIDs,
	)
	if err != nil {
		return fmt.Errorf("marking views stale: %w", err)
	}
	return nil
}

// Get returns the record for userID, or nil when none exists.
func (s *Store) Get(ctx context.Context, q database.Querier, userID string) (*Record, error) {
	var r Record
	err := q.QueryRow(ctx,
		`SELECT user_id, is_stale, last_refreshed, refresh_count, updated_at
		 FROM view_freshness WHERE user_id = $1`,
		userID,
	).Scan(&r.UserID, &r.IsStale, &r.LastRefreshed, &r.RefreshCount, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting freshness record: %w", err)
	}
	return &r, nil
}

// LockForRefresh serializes a view rebuild against staleness marks until
// the transaction ends. A nil userID locks the whole table; otherwise only
// that user's record, created first if absent. Marks written while the lock
// is held wait, and marks committed before it are visible to the rebuild.
// It returns the database clock once the lock is held.
func (s *Store) LockForRefresh(ctx context.Context, q database.Querier, userID *string) (time.Time, error) {
	if userID == nil {
		if _, err := q.Exec(ctx, `LOCK TABLE view_freshness IN EXCLUSIVE MODE`); err != nil {
			return time.Time{}, fmt.Errorf("locking freshness table: %w", err)
		}
	} else {
		if _, err := q.Exec(ctx,
			`INSERT INTO view_freshness (user_id, is_stale, updated_at)
			 VALUES ($1, true, clock_timestamp())
			 ON CONFLICT (user_id) DO NOTHING`,
			*userID,
		); err != nil {
			return time.Time{}, fmt.Errorf("creating freshness record: %w", err)
		}
		if _, err := q.Exec(ctx, `SELECT 1 FROM view_freshness WHERE user_id = $1 FOR UPDATE`, *userID); err != nil {
			return time.Time{}, fmt.Errorf("locking freshness record: %w", err)
		}
	}

	var startedAt time.Time
	if err := q.QueryRow(ctx, `SELECT clock_timestamp()`).Scan(&startedAt); err != nil {
		return time.Time{}, fmt.Errorf("reading database clock: %w", err)
	}
	return startedAt, nil
}

// MarkRefreshed records a refresh that started at startedAt. A record marked
// stale after startedAt stays stale: the rebuild may not have seen that change.
func (s *Store) MarkRefreshed(ctx context.Context, q database.Querier, userIDs []string, startedAt time.Time) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := q.Exec(ctx,
		`INSERT INTO view_freshness (user_id, is_stale, last_refreshed, refresh_count, updated_at)
		 SELECT DISTINCT u, false, $2, 1, $2 FROM unnest($1::uuid[]) AS u
		 ON CONFLICT (user_id) DO UPDATE SET
		     is_stale = view_freshness.is_stale AND view_freshness.updated_at > $2,
		     last_refreshed = $2,
		     refresh_count = view_freshness.refresh_count + 1`,
		userIDs, startedAt,
	)
	if err != nil {
		return fmt.Errorf("marking views refreshed: %w", err)
	}
	return nil
}

// MarkAllRefreshed applies MarkRefreshed to every existing record.
func (s *Store) MarkAllRefreshed(ctx context.Context, q database.Querier, startedAt time.Time) (int64, error) {
	tag, err := q.Exec(ctx,
		`UPDATE view_freshness SET
		     is_stale = is_stale AND updated_at > $1,
		     last_refreshed = $1,
		     refresh_count = refresh_count + 1`,
		startedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("marking all views refreshed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListStale returns up to limit stale records, oldest mark first.
func (s *Store) ListStale(ctx context.Context, q database.Querier, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.Query(ctx,
		`SELECT user_id, is_stale, last_refreshed, refresh_count, updated_at
		 FROM view_freshness WHERE is_stale ORDER BY updated_at LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing stale views: %w", err)
	}
	defer rows.Close()

	var result []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.UserID, &r.IsStale, &r.LastRefreshed, &r.RefreshCount, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning freshness record: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
