package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// ViewRefresher rebuilds the precomputed access view. A nil userID
// rebuilds it for everyone.
type ViewRefresher interface {
	RefreshView(ctx context.Context, userID *string) error
}

// ExpirySweeper deactivates expired permissions.
type ExpirySweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// RefreshViewHandler runs refresh_access_view jobs.
func RefreshViewHandler(r ViewRefresher) Handler {
	return func(ctx context.Context, job Job) error {
		var p RefreshPayload
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &p); err != nil {
				return fmt.Errorf("decoding refresh payload: %w", err)
			}
		}
		return r.RefreshView(ctx, p.UserID)
	}
}

// ExpirySweepHandler runs expire_permissions jobs.
func ExpirySweepHandler(s ExpirySweeper, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, job Job) error {
		n, err := s.Sweep(ctx)
		if err != nil {
			return err
		}
		logger.Debug("expiry sweep finished", "job_id", job.ID, "expired", n)
		return nil
	}
}
