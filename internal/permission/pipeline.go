package permission

import (
	"context"
	"log/slog"
	"time"

	"github.com/ekko-hq/ekko/internal/apperr"
	"github.com/ekko-hq/ekko/internal/audit"
	"github.com/ekko-hq/ekko/internal/directory"
	"github.com/ekko-hq/ekko/internal/hierarchy"
	"github.com/ekko-hq/ekko/internal/notify"
	"github.com/ekko-hq/ekko/internal/platform/database"
	"github.com/ekko-hq/ekko/internal/platform/telemetry"
)

type ledgerStore interface {
	authorityLister
	Insert(ctx context.Context, q database.Querier, p *Permission) error
	GetByIDForUpdate(ctx context.Context, q database.Querier, id string) (*Permission, error)
	FindActive(ctx context.Context, q database.Querier, userID, nodeID string, t Type) (*Permission, error)
	ExpireOne(ctx context.Context, q database.Querier, id string, now time.Time) (bool, error)
	Revoke(ctx context.Context, q database.Querier, id, revokerID string) (bool, error)
	Reactivate(ctx context.Context, q database.Querier, id string, now time.Time) error
	UpdateExpiry(ctx context.Context, q database.Querier, id string, expiresAt *time.Time) error
	ListByUser(ctx context.Context, q database.Querier, userID string) ([]Permission, error)
	HasActiveAdmin(ctx context.Context, q database.Querier, nodeID string, now time.Time) (bool, error)
}

type userGetter interface {
	Get(ctx context.Context, q database.Querier, id string) (*directory.User, error)
}

type nodeGetter interface {
	Get(ctx context.Context, q database.Querier, id string) (*hierarchy.Node, error)
}

type authority interface {
	CanGrant(ctx context.Context, q database.Querier, granterID, targetNodeID string, requested Type) (bool, error)
	CanRevoke(ctx context.Context, q database.Querier, revokerID string, p *Permission) (bool, error)
}

type staleMarker interface {
	MarkStale(ctx context.Context, q database.Querier, userID string) error
}

// RefreshScheduler queues a background rebuild of a requester's view.
type RefreshScheduler interface {
	ScheduleRefreshAsync(userID string, priority int)
}

// PipelineDeps wires a Pipeline. Audit, Notifier, Refresh and Metrics may be nil.
type PipelineDeps struct {
	DB        database.Querier
	Tx        database.Transactor
	Ledger    ledgerStore
	Users     userGetter
	Nodes     nodeGetter
	Checker   authority
	Freshness staleMarker
	Audit     audit.Appender
	Notifier  notify.Notifier
	Refresh   RefreshScheduler
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger

	// RefreshOnGrant queues a view refresh for the subject after each
	// committed change, at RefreshPriority.
	RefreshOnGrant  bool
	RefreshPriority int
}

// Pipeline runs grant and revoke commands. Each command moves through
// validation, authorization and commit; any gate can reject it. Failures are
// returned as structured results, never as Go errors.
type Pipeline struct {
	db              database.Querier
	tx              database.Transactor
	ledger          ledgerStore
	users           userGetter
	nodes           nodeGetter
	checker         authority
	freshness       staleMarker
	audit           audit.Appender
	notifier        notify.Notifier
	refresh         RefreshScheduler
	metrics         *telemetry.Metrics
	logger          *slog.Logger
	refreshOnGrant  bool
	refreshPriority int
	now             func() time.Time
}

func NewPipeline(d PipelineDeps) *Pipeline {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		db:              d.DB,
		tx:              d.Tx,
		ledger:          d.Ledger,
		users:           d.Users,
		nodes:           d.Nodes,
		checker:         d.Checker,
		freshness:       d.Freshness,
		audit:           d.Audit,
		notifier:        d.Notifier,
		refresh:         d.Refresh,
		metrics:         d.Metrics,
		logger:          logger,
		refreshOnGrant:  d.RefreshOnGrant,
		refreshPriority: d.RefreshPriority,
		now:             time.Now,
	}
}

// Grant creates one permission.
func (p *Pipeline) Grant(ctx context.Context, req GrantRequest) GrantResult {
	perm, err := p.grant(ctx, req)
	if err != nil {
		return p.grantFailure(ctx, "grant", err)
	}
	p.metrics.ObserveCommand("grant", "OK")
	p.afterCommit(ctx, notify.KindPermissionGranted, perm)
	return GrantResult{Success: true, PermissionID: perm.ID}
}

func (p *Pipeline) grant(ctx context.Context, req GrantRequest) (*Permission, error) {
	now := p.now()

	// Validated
	t, err := validateGrant(req, now)
	if err != nil {
		return nil, err
	}
	if req.UserID == req.GrantedBy {
		return nil, apperr.Domain(apperr.CodeSelfGrantForbidden, "users cannot grant permissions to themselves")
	}

	var perm *Permission
	err = p.tx.InTx(ctx, func(ctx context.Context, q database.Querier) error {
		if err := p.requireActiveTarget(ctx, q, req.UserID, req.NodeID); err != nil {
			return err
		}
		if _, err := p.users.Get(ctx, q, req.GrantedBy); err != nil {
			return err
		}

		// Authorized
		ok, err := p.checker.CanGrant(ctx, q, req.GrantedBy, req.NodeID, t)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Domain(apperr.CodeInsufficientAuthority, "granter has no authority to grant this permission on this node")
		}
		if err := p.retireExpired(ctx, q, req.UserID, req.NodeID, t, now); err != nil {
			return err
		}

		// Committed
		perm = &Permission{
			UserID:    req.UserID,
			NodeID:    req.NodeID,
			Type:      t,
			GrantedBy: req.GrantedBy,
			GrantedAt: now,
			ExpiresAt: req.ExpiresAt,
		}
		if err := p.ledger.Insert(ctx, q, perm); err != nil {
			return err
		}
		if err := p.appendEvent(ctx, q, req.GrantedBy, perm.ID, audit.EventPermissionGranted, grantPayload(perm)); err != nil {
			return err
		}
		return p.freshness.MarkStale(ctx, q, perm.UserID)
	})
	if err != nil {
		return nil, err
	}
	return perm, nil
}

// Bootstrap grants the first ADMIN on a root node. It is recorded as granted
// by SystemPrincipal and refused once the node has an effective ADMIN.
func (p *Pipeline) Bootstrap(ctx context.Context, userID, nodeID string) GrantResult {
	now := p.now()
	perm := &Permission{UserID: userID, NodeID: nodeID, Type: Admin, GrantedBy: SystemPrincipal, GrantedAt: now}

	err := func() error {
		if err := apperr.RequireUUID("user_id", userID); err != nil {
			return err
		}
		if err := apperr.RequireUUID("node_id", nodeID); err != nil {
			return err
		}
		return p.tx.InTx(ctx, func(ctx context.Context, q database.Querier) error {
			if err := p.requireActiveTarget(ctx, q, userID, nodeID); err != nil {
				return err
			}
			node, err := p.nodes.Get(ctx, q, nodeID)
			if err != nil {
				return err
			}
			if node.ParentID != nil {
				return apperr.Validation("node_id", "bootstrap is only allowed on a root node")
			}
			exists, err := p.ledger.HasActiveAdmin(ctx, q, nodeID, now)
			if err != nil {
				return err
			}
			if exists {
				return apperr.Conflict("node already has an administrator")
			}
			if err := p.ledger.Insert(ctx, q, perm); err != nil {
				return err
			}
			if err := p.appendEvent(ctx, q, "", perm.ID, audit.EventPermissionBootstrapped, grantPayload(perm)); err != nil {
				return err
			}
			return p.freshness.MarkStale(ctx, q, userID)
		})
	}()
	if err != nil {
		return p.grantFailure(ctx, "bootstrap", err)
	}

	p.metrics.ObserveCommand("bootstrap", "OK")
	p.logger.Info("bootstrap admin granted", "user_id", userID, "node_id", nodeID, "permission_id", perm.ID)
	p.afterCommit(ctx, notify.KindPermissionGranted, perm)
	return GrantResult{Success: true, PermissionID: perm.ID}
}

// Revoke deactivates a permission. Revoking an inactive permission succeeds
// without changing anything.
func (p *Pipeline) Revoke(ctx context.Context, permissionID, revokerID string) RevokeResult {
	var (
		perm    *Permission
		changed bool
	)
	err := func() error {
		if err := apperr.RequireUUID("permission_id", permissionID); err != nil {
			return err
		}
		if err := apperr.RequireUUID("revoked_by", revokerID); err != nil {
			return err
		}
		return p.tx.InTx(ctx, func(ctx context.Context, q database.Querier) error {
			var err error
			if perm, err = p.authorizeChange(ctx, q, permissionID, revokerID); err != nil {
				return err
			}
			if !perm.IsActive {
				return nil
			}
			if changed, err = p.ledger.Revoke(ctx, q, permissionID, revokerID); err != nil {
				return err
			}
			if !changed {
				return nil
			}
			if err := p.appendEvent(ctx, q, revokerID, permissionID, audit.EventPermissionRevoked, map[string]any{
				"user_id":         perm.UserID,
				"node_id":         perm.NodeID,
				"permission_type": perm.Type,
				"revoked_by":      revokerID,
			}); err != nil {
				return err
			}
			return p.freshness.MarkStale(ctx, q, perm.UserID)
		})
	}()
	if err != nil {
		e := p.reject(ctx, "revoke", err)
		return RevokeResult{PermissionID: permissionID, Error: apperr.PublicMessage(e), Code: string(e.Code)}
	}

	p.metrics.ObserveCommand("revoke", "OK")
	if !changed {
		return RevokeResult{Success: true, PermissionID: permissionID, AlreadyRevoked: true}
	}
	p.afterCommit(ctx, notify.KindPermissionRevoked, perm)
	return RevokeResult{Success: true, PermissionID: permissionID}
}

// BulkGrant runs each request in its own transaction. One failure never
// affects another item; results follow input order.
func (p *Pipeline) BulkGrant(ctx context.Context, reqs []GrantRequest) BulkGrantResult {
	out := BulkGrantResult{Results: make([]GrantResult, 0, len(reqs))}
	for _, req := range reqs {
		res := p.Grant(ctx, req)
		if res.Success {
			out.Succeeded++
		} else {
			out.Failed++
		}
		out.Results = append(out.Results, res)
	}
	return out
}

// BulkRevoke revokes each id independently, in input order.
func (p *Pipeline) BulkRevoke(ctx context.Context, revokerID string, permissionIDs []string) BulkRevokeResult {
	out := BulkRevokeResult{Results: make([]RevokeResult, 0, len(permissionIDs))}
	for _, id := range permissionIDs {
		res := p.Revoke(ctx, id, revokerID)
		if res.Success {
			out.Succeeded++
		} else {
			out.Failed++
		}
		out.Results = append(out.Results, res)
	}
	return out
}

// UpdateExpiration sets or clears the expiry of an active permission. The
// actor needs the same authority as for a revoke.
func (p *Pipeline) UpdateExpiration(ctx context.Context, permissionID, actorID string, expiresAt *time.Time) GrantResult {
	now := p.now()
	var perm *Permission
	err := func() error {
		if err := apperr.RequireUUID("permission_id", permissionID); err != nil {
			return err
		}
		if err := apperr.RequireUUID("actor_id", actorID); err != nil {
			return err
		}
		if expiresAt != nil && !expiresAt.After(now) {
			return apperr.Validation("expires_at", "must be in the future")
		}
		return p.tx.InTx(ctx, func(ctx context.Context, q database.Querier) error {
			var err error
			if perm, err = p.authorizeChange(ctx, q, permissionID, actorID); err != nil {
				return err
			}
			if !perm.IsEffective(now) {
				return apperr.Conflict("only an effective permission can have its expiry changed")
			}
			if err := p.ledger.UpdateExpiry(ctx, q, permissionID, expiresAt); err != nil {
				return err
			}
			if err := p.appendEvent(ctx, q, actorID, permissionID, audit.EventPermissionExpiryUpdate, map[string]any{
				"expires_at":     expiresAt,
				"old_expires_at": perm.ExpiresAt,
			}); err != nil {
				return err
			}
			perm.ExpiresAt = expiresAt
			return p.freshness.MarkStale(ctx, q, perm.UserID)
		})
	}()
	if err != nil {
		return p.grantFailure(ctx, "update_expiration", err)
	}

	p.metrics.ObserveCommand("update_expiration", "OK")
	p.afterCommit(ctx, notify.KindPermissionUpdated, perm)
	return GrantResult{Success: true, PermissionID: permissionID}
}

// Reactivate restores a revoked permission that has not expired. The subject
// and node must still be active.
func (p *Pipeline) Reactivate(ctx context.Context, permissionID, actorID string) GrantResult {
	now := p.now()
	var (
		perm    *Permission
		changed bool
	)
	err := func() error {
		if err := apperr.RequireUUID("permission_id", permissionID); err != nil {
			return err
		}
		if err := apperr.RequireUUID("actor_id", actorID); err != nil {
			return err
		}
		return p.tx.InTx(ctx, func(ctx context.Context, q database.Querier) error {
			var err error
			if perm, err = p.authorizeChange(ctx, q, permissionID, actorID); err != nil {
				return err
			}
			if perm.IsExpired(now) {
				return apperr.Domain(apperr.CodePermissionExpired, "an expired permission cannot be reactivated")
			}
			if perm.IsActive {
				return nil
			}
			if err := p.requireActiveTarget(ctx, q, perm.UserID, perm.NodeID); err != nil {
				return err
			}
			if err := p.ledger.Reactivate(ctx, q, permissionID, now); err != nil {
				return err
			}
			changed = true
			if err := p.appendEvent(ctx, q, actorID, permissionID, audit.EventPermissionReactivated, map[string]any{
				"user_id": perm.UserID,
				"node_id": perm.NodeID,
			}); err != nil {
				return err
			}
			return p.freshness.MarkStale(ctx, q, perm.UserID)
		})
	}()
	if err != nil {
		return p.grantFailure(ctx, "reactivate", err)
	}

	p.metrics.ObserveCommand("reactivate", "OK")
	if changed {
		p.afterCommit(ctx, notify.KindPermissionReactivated, perm)
	}
	return GrantResult{Success: true, PermissionID: permissionID}
}

// ListUserPermissions returns every permission of userID with its
// effectiveness computed now.
func (p *Pipeline) ListUserPermissions(ctx context.Context, userID string) ([]View, error) {
	if err := apperr.RequireUUID("user_id", userID); err != nil {
		return nil, err
	}
	perms, err := p.ledger.ListByUser(ctx, p.db, userID)
	if err != nil {
		return nil, err
	}
	now := p.now()
	views := make([]View, 0, len(perms))
	for _, perm := range perms {
		views = append(views, View{Permission: perm, IsEffective: perm.IsEffective(now)})
	}
	return views, nil
}

// retireExpired enforces uniqueness for a new grant. An active row that is
// already past its expiry is flipped off so the grant can replace it; only an
// effective row is a conflict.
func (p *Pipeline) retireExpired(ctx context.Context, q database.Querier, userID, nodeID string, t Type, now time.Time) error {
	existing, err := p.ledger.FindActive(ctx, q, userID, nodeID, t)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if existing.IsEffective(now) {
		return apperr.Conflict("an active permission of this type already exists for this user and node")
	}
	expired, err := p.ledger.ExpireOne(ctx, q, existing.ID, now)
	if err != nil || !expired {
		return err
	}
	return p.appendEvent(ctx, q, "", existing.ID, audit.EventPermissionExpired, map[string]any{
		"user_id":    existing.UserID,
		"node_id":    existing.NodeID,
		"expired_at": existing.ExpiresAt,
	})
}

// authorizeChange loads and locks a permission and checks that actorID may
// revoke or modify it.
func (p *Pipeline) authorizeChange(ctx context.Context, q database.Querier, permissionID, actorID string) (*Permission, error) {
	perm, err := p.ledger.GetByIDForUpdate(ctx, q, permissionID)
	if err != nil {
		return nil, err
	}
	ok, err := p.checker.CanRevoke(ctx, q, actorID, perm)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Domain(apperr.CodeInsufficientAuthority, "no authority over this permission")
	}
	return perm, nil
}

func (p *Pipeline) requireActiveTarget(ctx context.Context, q database.Querier, userID, nodeID string) error {
	user, err := p.users.Get(ctx, q, userID)
	if err != nil {
		return err
	}
	if !user.IsActive {
		return apperr.Domain(apperr.CodeUserInactive, "user is inactive")
	}
	node, err := p.nodes.Get(ctx, q, nodeID)
	if err != nil {
		return err
	}
	if !node.IsActive {
		return apperr.Domain(apperr.CodeNodeInactive, "node is inactive")
	}
	return nil
}

func (p *Pipeline) appendEvent(ctx context.Context, q database.Querier, actorID, permissionID, eventType string, payload map[string]any) error {
	if p.audit == nil {
		return nil
	}
	_, err := p.audit.Append(ctx, q, audit.Event{
		AggregateType: audit.AggregatePermission,
		AggregateID:   permissionID,
		EventType:     eventType,
		ActorID:       audit.Actor(actorID),
		Payload:       payload,
	})
	return err
}

// afterCommit publishes the change and queues a refresh for the subject.
// Neither can undo the committed command.
func (p *Pipeline) afterCommit(ctx context.Context, kind string, perm *Permission) {
	notify.Publish(ctx, p.notifier, p.logger, notify.Change{
		Kind:         kind,
		PermissionID: perm.ID,
		NodeID:       perm.NodeID,
		UserIDs:      []string{perm.UserID},
		At:           p.now().UTC(),
	})
	if p.refreshOnGrant && p.refresh != nil {
		p.refresh.ScheduleRefreshAsync(perm.UserID, p.refreshPriority)
	}
}

// reject classifies err, logs unexpected failures with their detail and
// counts the command.
func (p *Pipeline) reject(ctx context.Context, op string, err error) *apperr.Error {
	e := apperr.As(err)
	if e.Kind == apperr.KindInternal {
		p.logger.ErrorContext(ctx, "permission command failed", "operation", op, "error", err)
	} else {
		p.logger.DebugContext(ctx, "permission command rejected", "operation", op, "code", e.Code)
	}
	p.metrics.ObserveCommand(op, string(e.Code))
	return e
}

func (p *Pipeline) grantFailure(ctx context.Context, op string, err error) GrantResult {
	e := p.reject(ctx, op, err)
	return GrantResult{Error: apperr.PublicMessage(e), Code: string(e.Code), Field: e.Field}
}

func validateGrant(req GrantRequest, now time.Time) (Type, error) {
	if err := apperr.RequireUUID("user_id", req.UserID); err != nil {
		return "", err
	}
	if err := apperr.RequireUUID("node_id", req.NodeID); err != nil {
		return "", err
	}
	if err := apperr.RequireUUID("granted_by", req.GrantedBy); err != nil {
		return "", err
	}
	t, err := ParseType(req.Type)
	if err != nil {
		return "", err
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return "", apperr.Validation("expires_at", "must be in the future")
	}
	return t, nil
}

func grantPayload(p *Permission) map[string]any {
	return map[string]any{
		"user_id":         p.UserID,
		"node_id":         p.NodeID,
		"permission_type": p.Type,
		"granted_by":      p.GrantedBy,
		"granted_at":      p.GrantedAt,
		"expires_at":      p.ExpiresAt,
	}
}
