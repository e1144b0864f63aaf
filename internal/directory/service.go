package directory

import (
	"context"
	"log/slog"
	"time"

	"github.com/ekko-hq/ekko/internal/apperr"
	"github.com/ekko-hq/ekko/internal/audit"
	"github.com/ekko-hq/ekko/internal/hierarchy"
	"github.com/ekko-hq/ekko/internal/notify"
	"github.com/ekko-hq/ekko/internal/platform/database"
)

type ServiceDeps struct {
	DB          database.Querier
	Tx          database.Transactor
	Users       *Store
	Nodes       *hierarchy.NodeStore
	Closure     *hierarchy.ClosureStore
	Authz       hierarchy.Authorizer
	Audit       audit.Appender
	Invalidator hierarchy.Invalidator
	Notifier    notify.Notifier
	Logger      *slog.Logger
}

// Service manages users. Every mutation invalidates the views of requesters
// who can see the user, before and after the change.
type Service struct {
	db          database.Querier
	tx          database.Transactor
	users       *Store
	nodes       *hierarchy.NodeStore
	closure     *hierarchy.ClosureStore
	authz       hierarchy.Authorizer
	audit       audit.Appender
	invalidator hierarchy.Invalidator
	notifier    notify.Notifier
	logger      *slog.Logger
	now         func() time.Time
}

func NewService(d ServiceDeps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:          d.DB,
		tx:          d.Tx,
		users:       d.Users,
		nodes:       d.Nodes,
		closure:     d.Closure,
		authz:       d.Authz,
		audit:       d.Audit,
		invalidator: d.Invalidator,
		notifier:    d.Notifier,
		logger:      logger,
		now:         time.Now,
	}
}

// CreateUser adds a user. The actor needs ADMIN over the user's node.
func (s *Service) CreateUser(ctx context.Context, actorID string, in CreateUserInput) (*User, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	name, err := normalizeName(in.Name)
	if err != nil {
		return nil, err
	}
	if err := apperr.RequireUUID("node_id", in.NodeID); err != nil {
		return nil, err
	}

	var (
		user  *User
		stale []string
	)
	err = s.tx.InTx(ctx, func(ctx context.Context, q database.Querier) error {
		if err := hierarchy.RequireAdmin(ctx, s.authz, q, actorID, in.NodeID); err != nil {
			return err
		}
		if err := s.requireActiveNode(ctx, q, in.NodeID); err != nil {
			return err
		}
		created, err := s.users.Create(ctx, q, email, name, in.NodeID)
		if err != nil {
			return err
		}
		if stale, err = s.invalidate(ctx, q, in.NodeID); err != nil {
			return err
		}
		user = created
		return s.appendEvent(ctx, q, actorID, created.ID, audit.EventUserCreated, map[string]any{
			"email":   created.Email,
			"name":    created.Name,
			"node_id": created.NodeID,
		})
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, user.ID, stale)
	return user, nil
}

// UpdateUser changes a user's email, name or node. The actor needs ADMIN
// over the user's node, and over the new node when it changes.
func (s *Service) UpdateUser(ctx context.Context, actorID, id string, in UpdateUserInput) (*User, error) {
	if err := apperr.RequireUUID("id", id); err != nil {
		return nil, err
	}

	var (
		user  *User
		stale []string
	)
	err := s.tx.InTx(ctx, func(ctx context.Context, q database.Querier) error {
		current, err := s.users.GetForUpdate(ctx, q, id)
		if err != nil {
			return err
		}
		if err := hierarchy.RequireAdmin(ctx, s.authz, q, actorID, current.NodeID); err != nil {
			return err
		}

		email, name, nodeID := current.Email, current.Name, current.NodeID
		if in.Email != nil {
			if email, err = normalizeEmail(*in.Email); err != nil {
				return err
			}
		}
		if in.Name != nil {
			if name, err = normalizeName(*in.Name); err != nil {
				return err
			}
		}
		if in.NodeID != nil && *in.NodeID != current.NodeID {
			if err := apperr.RequireUUID("node_id", *in.NodeID); err != nil {
				return err
			}
			if err := hierarchy.RequireAdmin(ctx, s.authz, q, actorID, *in.NodeID); err != nil {
				return err
			}
			if err := s.requireActiveNode(ctx, q, *in.NodeID); err != nil {
				return err
			}
			nodeID = *in.NodeID
		}

		updated, err := s.users.Update(ctx, q, id, email, name, nodeID)
		if err != nil {
			return err
		}
		if stale, err = s.invalidate(ctx, q, current.NodeID, nodeID); err != nil {
			return err
		}
		user = updated
		return s.appendEvent(ctx, q, actorID, id, audit.EventUserUpdated, map[string]any{
			"email":        email,
			"name":         name,
			"node_id":      nodeID,
			"from_node_id": current.NodeID,
		})
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, id, stale)
	return user, nil
}

// SetActive activates or deactivates a user. Inactive users never appear in
// accessible-users results and cannot receive grants. The actor needs ADMIN
// over the user's node.
func (s *Service) SetActive(ctx context.Context, actorID, id string, active bool) (*User, error) {
	if err := apperr.RequireUUID("id", id); err != nil {
		return nil, err
	}
	eventType := audit.EventUserDeactivated
	if active {
		eventType = audit.EventUserActivated
	}

	var (
		user  *User
		stale []string
	)
	err := s.tx.InTx(ctx, func(ctx context.Context, q database.Querier) error {
		current, err := s.users.GetForUpdate(ctx, q, id)
		if err != nil {
			return err
		}
		if err := hierarchy.RequireAdmin(ctx, s.authz, q, actorID, current.NodeID); err != nil {
			return err
		}
		updated, err := s.users.SetActive(ctx, q, id, active)
		if err != nil {
			return err
		}
		if stale, err = s.invalidate(ctx, q, updated.NodeID); err != nil {
			return err
		}
		user = updated
		return s.appendEvent(ctx, q, actorID, id, eventType, map[string]any{"is_active": active})
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, id, stale)
	return user, nil
}

// GetUser returns a user. Callers see themselves and users under a node
// they hold a permission on.
func (s *Service) GetUser(ctx context.Context, actorID, id string) (*User, error) {
	if err := apperr.RequireUUID("id", id); err != nil {
		return nil, err
	}
	user, err := s.users.Get(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if actorID != id {
		if err := hierarchy.RequireView(ctx, s.authz, s.db, actorID, user.NodeID); err != nil {
			return nil, err
		}
	}
	return user, nil
}

// ListUsers pages through the users below the actor's permitted nodes.
func (s *Service) ListUsers(ctx context.Context, actorID string, p ListParams) ([]User, int, error) {
	if p.NodeID != nil {
		if err := apperr.RequireUUID("node_id", *p.NodeID); err != nil {
			return nil, 0, err
		}
	}
	p.Within = nil
	if actorID != "" && s.authz != nil {
		roots, err := s.authz.ScopeRoots(ctx, s.db, actorID)
		if err != nil {
			return nil, 0, err
		}
		if len(roots) == 0 {
			return []User{}, 0, nil
		}
		p.Within = roots
	}
	return s.users.List(ctx, s.db, p)
}

func (s *Service) requireActiveNode(ctx context.Context, q database.Querier, nodeID string) error {
	node, err := s.nodes.Get(ctx, q, nodeID)
	if err != nil {
		return err
	}
	if !node.IsActive {
		return apperr.Domain(apperr.CodeNodeInactive, "node is inactive")
	}
	return nil
}

// invalidate marks stale the holders on each node's ancestor chain,
// the nodes themselves included.
func (s *Service) invalidate(ctx context.Context, q database.Querier, nodeIDs ...string) ([]string, error) {
	if s.invalidator == nil {
		return nil, nil
	}
	seen := map[string]struct{}{}
	var chain []string
	for _, id := range nodeIDs {
		ancestors, err := s.closure.AncestorsOf(ctx, q, id)
		if err != nil {
			return nil, err
		}
		for _, n := range append([]string{id}, ancestors...) {
			if _, ok := seen[n]; !ok {
				seen[n] = struct{}{}
				chain = append(chain, n)
			}
		}
	}
	return s.invalidator.InvalidateNodes(ctx, q, chain)
}

func (s *Service) appendEvent(ctx context.Context, q database.Querier, actorID, userID, eventType string, payload map[string]any) error {
	if s.audit == nil {
		return nil
	}
	_, err := s.audit.Append(ctx, q, audit.Event{
		AggregateType: audit.AggregateUser,
		AggregateID:   userID,
		EventType:     eventType,
		ActorID:       audit.Actor(actorID),
		Payload:       payload,
	})
	return err
}

func (s *Service) publish(ctx context.Context, userID string, stale []string) {
	notify.Publish(ctx, s.notifier, s.logger, notify.Change{
		Kind:    notify.KindUserChanged,
		UserIDs: append([]string{userID}, stale...),
		At:      s.now().UTC(),
	})
}
