package permission

import (
	"context"
	"log/slog"
	"time"

	"github.com/ekko-hq/ekko/internal/audit"
	"github.com/ekko-hq/ekko/internal/notify"
	"github.com/ekko-hq/ekko/internal/platform/database"
)

type expirer interface {
	ExpireDue(ctx context.Context, q database.Querier, now time.Time) ([]ExpiredGrant, error)
}

type bulkStaleMarker interface {
	MarkStaleMany(ctx context.Context, q database.Querier, userIDs []string) error
}

// Sweeper deactivates expired permissions. Reads already treat them as
// ineffective; the sweep keeps the active set small and records the expiry.
type Sweeper struct {
	tx        database.Transactor
	ledger    expirer
	freshness bulkStaleMarker
	audit     audit.Appender
	notifier  notify.Notifier
	logger    *slog.Logger
	now       func() time.Time
}

func NewSweeper(tx database.Transactor, ledger expirer, freshness bulkStaleMarker, auditLog audit.Appender, notifier notify.Notifier, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		tx:        tx,
		ledger:    ledger,
		freshness: freshness,
		audit:     auditLog,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
	}
}

// Sweep expires every due permission in one transaction and returns how many
// it touched.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	var expired []ExpiredGrant
	err := s.tx.InTx(ctx, func(ctx context.Context, q database.Querier) error {
		var err error
		if expired, err = s.ledger.ExpireDue(ctx, q, now); err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}
		if err := s.freshness.MarkStaleMany(ctx, q, affectedUsers(expired)); err != nil {
			return err
		}
		if s.audit == nil {
			return nil
		}
		for _, e := range expired {
			if _, err := s.audit.Append(ctx, q, audit.Event{
				AggregateType: audit.AggregatePermission,
				AggregateID:   e.PermissionID,
				EventType:     audit.EventPermissionExpired,
				Payload:       map[string]any{"user_id": e.UserID, "node_id": e.NodeID, "swept_at": now},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(expired) > 0 {
		s.logger.Info("expired permissions swept", "count", len(expired))
		notify.Publish(ctx, s.notifier, s.logger, notify.Change{
			Kind:    notify.KindPermissionExpired,
			UserIDs: affectedUsers(expired),
			At:      now.UTC(),
		})
	}
	return len(expired), nil
}

func affectedUsers(expired []ExpiredGrant) []string {
	seen := make(map[string]struct{}, len(expired))
	users := make([]string, 0, len(expired))
	for _, e := range expired {
		if _, ok := seen[e.UserID]; ok {
			continue
		}
		seen[e.UserID] = struct{}{}
		users = append(users, e.UserID)
	}
	return users
}
