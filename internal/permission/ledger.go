package permission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ekko-hq/ekko/internal/apperr"
	"github.com/ekko-hq/ekko/internal/platform/database"
	"github.com/jackc/pgx/v5"
)

const permissionColumns = `id, user_id, node_id, permission_type, granted_by, granted_at, expires_at, is_active, revoked_at, revoked_by`

// Ledger is the permissions store. Methods accept database.Querier so they
// run inside the pipeline's transaction.
type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Insert writes p and fills in its id. GrantedAt defaults to the database
// clock when zero. A duplicate active grant maps to CONFLICT.
func (l *Ledger) Insert(ctx context.Context, q database.Querier, p *Permission) error {
	var grantedAt *time.Time
	if !p.GrantedAt.IsZero() {
		grantedAt = &p.GrantedAt
	}
	err := q.QueryRow(ctx,
		`INSERT INTO permissions (user_id, node_id, permission_type, granted_by, granted_at, expires_at)
		 VALUES ($1, $2, $3, $4, COALESCE($5, now()), $6)
		 RETURNING id, granted_at, is_active`,
		p.UserID, p.NodeID, string(p.Type), p.GrantedBy, grantedAt, p.ExpiresAt,
	).Scan(&p.ID, &p.GrantedAt, &p.IsActive)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return apperr.Conflict("an active permission of this type already exists for this user and node")
		}
		return fmt.Errorf("inserting permission: %w", err)
	}
	return nil
}

func (l *Ledger) GetByID(ctx context.Context, q database.Querier, id string) (*Permission, error) {
	return l.get(ctx, q, `SELECT `+permissionColumns+` FROM permissions WHERE id = $1`, id)
}

// GetByIDForUpdate locks the row until the transaction ends.
func (l *Ledger) GetByIDForUpdate(ctx context.Context, q database.Querier, id string) (*Permission, error) {
	return l.get(ctx, q, `SELECT `+permissionColumns+` FROM permissions WHERE id = $1 FOR UPDATE`, id)
}

func (l *Ledger) get(ctx context.Context, q database.Querier, sql, id string) (*Permission, error) {
	p, err := scanPermission(q.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("permission", id)
		}
		return nil, fmt.Errorf("getting permission: %w", err)
	}
	return p, nil
}

// FindActive returns the active permission for (user, node, type), or nil.
// The row is locked; it may already be past its expiry.
func (l *Ledger) FindActive(ctx context.Context, q database.Querier, userID, nodeID string, t Type) (*Permission, error) {
	p, err := scanPermission(q.QueryRow(ctx,
		`SELECT `+permissionColumns+` FROM permissions
		 WHERE user_id = $1 AND node_id = $2 AND permission_type = $3 AND is_active
		 FOR UPDATE`,
		userID, nodeID, string(t),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding active permission: %w", err)
	}
	return p, nil
}

// Revoke deactivates an active permission. It reports false when the row was
// already inactive. The expiry is left untouched.
func (l *Ledger) Revoke(ctx context.Context, q database.Querier, id, revokerID string) (bool, error) {
	tag, err := q.Exec(ctx,
		`UPDATE permissions
		 SET is_active = false, revoked_at = now(), revoked_by = $2, updated_at = now()
		 WHERE id = $1 AND is_active`,
		id, revokerID,
	)
	if err != nil {
		return false, fmt.Errorf("revoking permission: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Reactivate turns a revoked permission back on. Expired permissions stay
// off for good.
func (l *Ledger) Reactivate(ctx context.Context, q database.Querier, id string, now time.Time) error {
	p, err := l.GetByIDForUpdate(ctx, q, id)
	if err != nil {
		return err
	}
	if p.IsExpired(now) {
		return apperr.Domain(apperr.CodePermissionExpired, "an expired permission cannot be reactivated")
	}
	if p.IsActive {
		return nil
	}
	_, err = q.Exec(ctx,
		`UPDATE permissions
		 SET is_active = true, revoked_at = NULL, revoked_by = NULL, updated_at = now()
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return apperr.Conflict("another active permission of this type exists for this user and node")
		}
		return fmt.Errorf("reactivating permission: %w", err)
	}
	return nil
}

// UpdateExpiry sets or clears the expiry.
func (l *Ledger) UpdateExpiry(ctx context.Context, q database.Querier, id string, expiresAt *time.Time) error {
	tag, err := q.Exec(ctx,
		`UPDATE permissions SET expires_at = $2, updated_at = now() WHERE id = $1`,
		id, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("updating permission expiry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("permission", id)
	}
	return nil
}

// ListByUser returns every permission held by userID, newest first.
func (l *Ledger) ListByUser(ctx context.Context, q database.Querier, userID string) ([]Permission, error) {
	return l.list(ctx, q,
		`SELECT `+permissionColumns+` FROM permissions WHERE user_id = $1 ORDER BY granted_at DESC, id`,
		userID,
	)
}

// ListAuthority returns userID's effective ADMIN and MANAGE permissions.
func (l *Ledger) ListAuthority(ctx context.Context, q database.Querier, userID string, now time.Time) ([]Permission, error) {
	return l.list(ctx, q,
		`SELECT `+permissionColumns+` FROM permissions
		 WHERE user_id = $1 AND is_active
		   AND (expires_at IS NULL OR expires_at > $2)
		   AND permission_type IN ('ADMIN', 'MANAGE')`,
		userID, now,
	)
}

// ListEffective returns every effective permission userID holds.
func (l *Ledger) ListEffective(ctx context.Context, q database.Querier, userID string, now time.Time) ([]Permission, error) {
	return l.list(ctx, q,
		`SELECT `+permissionColumns+` FROM permissions
		 WHERE user_id = $1 AND is_active
		   AND (expires_at IS NULL OR expires_at > $2)
		 ORDER BY granted_at, id`,
		userID, now,
	)
}

// HoldersOn returns the users holding an effective permission on any of nodeIDs.
func (l *Ledger) HoldersOn(ctx context.Context, q database.Querier, nodeIDs []string, now time.Time) ([]string, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	rows, err := q.Query(ctx,
		`SELECT DISTINCT user_id FROM permissions
		 WHERE node_id = ANY($1::uuid[]) AND is_active
		   AND (expires_at IS NULL OR expires_at > $2)`,
		nodeIDs, now,
	)
	if err != nil {
		return nil, fmt.Errorf("listing permission holders: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning holder: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// HasActiveAdmin reports whether anyone holds an effective ADMIN on nodeID.
func (l *Ledger) HasActiveAdmin(ctx context.Context, q database.Querier, nodeID string, now time.Time) (bool, error) {
	var ok bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM permissions
		     WHERE node_id = $1 AND permission_type = 'ADMIN' AND is_active
		       AND (expires_at IS NULL OR expires_at > $2)
		 )`,
		nodeID, now,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("checking node admins: %w", err)
	}
	return ok, nil
}

// ExpireOne deactivates a single active permission whose expiry has passed.
// It reports false when the row was inactive or still effective.
func (l *Ledger) ExpireOne(ctx context.Context, q database.Querier, id string, now time.Time) (bool, error) {
	tag, err := q.Exec(ctx,
		`UPDATE permissions SET is_active = false, updated_at = now()
		 WHERE id = $1 AND is_active AND expires_at IS NOT NULL AND expires_at <= $2`,
		id, now,
	)
	if err != nil {
		return false, fmt.Errorf("expiring permission: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireDue deactivates active permissions whose expiry has passed.
func (l *Ledger) ExpireDue(ctx context.Context, q database.Querier, now time.Time) ([]ExpiredGrant, error) {
	rows, err := q.Query(ctx,
		`UPDATE permissions SET is_active = false, updated_at = now()
		 WHERE is_active AND expires_at IS NOT NULL AND expires_at <= $1
		 RETURNING id, user_id, node_id`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("expiring permissions: %w", err)
	}
	defer rows.Close()

	var expired []ExpiredGrant
	for rows.Next() {
		var e ExpiredGrant
		if err := rows.Scan(&e.PermissionID, &e.UserID, &e.NodeID); err != nil {
			return nil, fmt.Errorf("scanning expired permission: %w", err)
		}
		expired = append(expired, e)
	}
	return expired, rows.Err()
}

func (l *Ledger) list(ctx context.Context, q database.Querier, sql string, args ...any) ([]Permission, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing permissions: %w", err)
	}
	defer rows.Close()

	var result []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning permission: %w", err)
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func scanPermission(row pgx.Row) (*Permission, error) {
	var (
		p  Permission
		pt string
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.NodeID, &pt, &p.GrantedBy, &p.GrantedAt, &p.ExpiresAt, &p.IsActive, &p.RevokedAt, &p.RevokedBy); err != nil {
		return nil, err
	}
	p.Type = Type(pt)
	return &p, nil
}
