package hierarchy

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/ekko-hq/ekko/internal/apperr"
	"github.com/ekko-hq/ekko/internal/audit"
	"github.com/ekko-hq/ekko/internal/notify"
	"github.com/ekko-hq/ekko/internal/platform/database"
)

// ServiceDeps wires a Service. Invalidator and Notifier may be nil. A nil
// Authz runs every caller as the system principal.
type ServiceDeps struct {
	DB          database.Querier
	Tx          database.Transactor
	Nodes       *NodeStore
	Closure     *ClosureStore
	Authz       Authorizer
	Audit       audit.Appender
	Invalidator Invalidator
	Notifier    notify.Notifier
	Logger      *slog.Logger
}

// Service runs node lifecycle operations, each in one transaction.
type Service struct {
	db          database.Querier
	tx          database.Transactor
	nodes       *NodeStore
	closure     *ClosureStore
	authz       Authorizer
	audit       audit.Appender
	invalidator Invalidator
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

// CreateNode inserts a node with its closure rows. A child's level is one
// below its parent's. The actor needs ADMIN over the parent, or over an
// existing root to create a new root.
func (s *Service) CreateNode(ctx context.Context, actorID string, in CreateNodeInput) (*Node, error) {
	name, err := normalizeName(in.Name)
	if err != nil {
		return nil, err
	}
	if in.ParentID != nil {
		if err := apperr.RequireUUID("parent_id", *in.ParentID); err != nil {
			return nil, err
		}
	}

	var node *Node
	err = s.tx.InTx(ctx, func(ctx context.Context, q database.Querier) error {
		if err := s.nodes.LockStructure(ctx, q, false); err != nil {
			return err
		}
		level := DefaultRootLevel
		if in.Level != nil {
			level = *in.Level
		}
		if in.ParentID == nil {
			if err := s.requireRootAdmin(ctx, q, actorID); err != nil {
				return err
			}
		} else {
			if err := RequireAdmin(ctx, s.authz, q, actorID, *in.ParentID); err != nil {
				return err
			}
			parent, err := s.nodes.GetForUpdate(ctx, q, *in.ParentID)
			if err != nil {
				return err
			}
			if !parent.IsActive {
				return apperr.Domain(apperr.CodeNodeInactive, "parent node is inactive")
			}
			if parent.Level == 0 {
				return apperr.Validation("parent_id", "a level 0 node cannot have children")
			}
			level = parent.Level - 1
		}
		if level < 0 {
			return apperr.Validation("level", "must not be negative")
		}

		created, err := s.nodes.Create(ctx, q, name, in.ParentID, level, in.Metadata)
		if err != nil {
			return err
		}
		if err := s.closure.AddNode(ctx, q, created.ID, in.ParentID); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, q, actorID, created.ID, audit.EventNodeCreated, map[string]any{
			"name":      created.Name,
			"parent_id": created.ParentID,
			"level":     created.Level,
		}); err != nil {
			return err
		}
		node = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("node created", "node_id", node.ID, "level", node.Level)
	return node, nil
}

// UpdateNode renames a node or replaces its metadata.
func (s *Service) UpdateNode(ctx context.Context, actorID, id string, in UpdateNodeInput) (*Node, error) {
	if err := apperr.RequireUUID("id", id); err != nil {
		return nil, err
	}

	var node *Node
	err := s.tx.InTx(ctx, func(ctx context.Context, q database.Querier) error {
		if err := RequireAdmin(ctx, s.authz, q, actorID, id); err != nil {
			return err
		}
		current, err := s.nodes.GetForUpdate(ctx, q, id)
		if err != nil {
			return err
		}
		name := current.Name
		if in.Name != nil {
			if name, err = normalizeName(*in.Name); err != nil {
				return err
			}
		}
		metadata := current.Metadata
		if in.Metadata != nil {
			metadata = in.Metadata
		}

		node, err = s.nodes.Update(ctx, q, id, name, metadata)
		if err != nil {
			return err
		}
		// Snapshot rows carry the node name.
		if name != current.Name {
			if _, err := s.invalidateChain(ctx, q, id); err != nil {
				return err
			}
		}
		return s.appendEvent(ctx, q, actorID, id, audit.EventNodeUpdated, map[string]any{
			"name":     name,
			"old_name": current.Name,
		})
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// MoveNode re-parents a node. The subtree keeps its shape; levels shift by
// the difference between the old and new parent levels. The actor needs ADMIN
// over the old parent and the new one. Moves run one at a time: the
// ancestry check must see every earlier move.
func (s *Service) MoveNode(ctx context.Context, actorID, id string, newParentID *string) (*Node, error) {
	if err := apperr.RequireUUID("id", id); err != nil {
		return nil, err
	}
	if newParentID != nil {
		if err := apperr.RequireUUID("parent_id", *newParentID); err != nil {
			return nil, err
		}
		if *newParentID == id {
			return nil, apperr.Domain(apperr.CodeStructuralIntegrity, "a node cannot be its own parent")
		}
	}

	var users []string
	err := s.tx.InTx(ctx, func(ctx context.Context, q database.Querier) error {
		if err := s.nodes.LockStructure(ctx, q, true); err != nil {
			return err
		}
		ids := []string{id}
		if newParentID != nil {
			ids = append(ids, *newParentID)
		}
		locked, err := s.nodes.LockInOrder(ctx, q, ids...)
		if err != nil {
			return err
		}
		node := locked[id]
		if err := s.authorizeMove(ctx, q, actorID, node, newParentID); err != nil {
			return err
		}

		oldAncestors, err := s.closure.AncestorsOf(ctx, q, id)
		if err != nil {
			return err
		}

		newLevel := node.Level
		if newParentID != nil {
			cycle, err := s.closure.IsAncestor(ctx, q, id, *newParentID)
			if err != nil {
				return err
			}
			if cycle {
				return apperr.Domain(apperr.CodeStructuralIntegrity, "a node cannot move under its own descendant")
			}
			parent := locked[*newParentID]
			if !parent.IsActive {
				return apperr.Domain(apperr.CodeNodeInactive, "parent node is inactive")
			}
			if parent.Level == 0 {
				return apperr.Validation("parent_id", "a level 0 node cannot have children")
			}
			newLevel = parent.Level - 1
		}

		if err := s.closure.Move(ctx, q, id, newParentID); err != nil {
			return err
		}

		delta := newLevel - node.Level
		minLevel, err := s.nodes.SubtreeMinLevel(ctx, q, id)
		if err != nil {
			return err
		}
		if minLevel+delta < 0 {
			return apperr.Validation("parent_id", "the subtree would fall below level 0")
		}
		if err := s.nodes.ShiftSubtreeLevels(ctx, q, id, delta); err != nil {
			return err
		}
		if err := s.nodes.SetParent(ctx, q, id, newParentID); err != nil {
			return err
		}

		newAncestors, err := s.closure.AncestorsOf(ctx, q, id)
		if err != nil {
			return err
		}
		if users, err = s.invalidate(ctx, q, union(oldAncestors, newAncestors)); err != nil {
			return err
		}

		return s.appendEvent(ctx, q, actorID, id, audit.EventNodeMoved, map[string]any{
			"from_parent_id": node.ParentID,
			"to_parent_id":   newParentID,
			"level_delta":    delta,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("node moved", "node_id", id, "stale_users", len(users))
	notify.Publish(ctx, s.notifier, s.logger, notify.Change{
		Kind:    notify.KindNodeMoved,
		NodeID:  id,
		UserIDs: users,
		At:      s.now().UTC(),
	})
	return s.nodes.Get(ctx, s.db, id)
}

// DeactivateNode soft-deletes a node. New grants on it are refused.
func (s *Service) DeactivateNode(ctx context.Context, actorID, id string) (*Node, error) {
	return s.setActive(ctx, actorID, id, false)
}

func (s *Service) ActivateNode(ctx context.Context, actorID, id string) (*Node, error) {
	return s.setActive(ctx, actorID, id, true)
}

func (s *Service) setActive(ctx context.Context, actorID, id string, active bool) (*Node, error) {
	if err := apperr.RequireUUID("id", id); err != nil {
		return nil, err
	}
	eventType, kind := audit.EventNodeDeactivated, notify.KindNodeDeactivated
	if active {
		eventType, kind = audit.EventNodeActivated, notify.KindNodeActivated
	}

	var users []string
	err := s.tx.InTx(ctx, func(ctx context.Context, q database.Querier) error {
		if err := RequireAdmin(ctx, s.authz, q, actorID, id); err != nil {
			return err
		}
		if err := s.nodes.SetActive(ctx, q, id, active); err != nil {
			return err
		}
		var err error
		if users, err = s.invalidateChain(ctx, q, id); err != nil {
			return err
		}
		return s.appendEvent(ctx, q, actorID, id, eventType, map[string]any{"is_active": active})
	})
	if err != nil {
		return nil, err
	}

	notify.Publish(ctx, s.notifier, s.logger, notify.Change{Kind: kind, NodeID: id, UserIDs: users, At: s.now().UTC()})
	return s.nodes.Get(ctx, s.db, id)
}

// GetNode returns a node the actor holds a permission over.
func (s *Service) GetNode(ctx context.Context, actorID, id string) (*Node, error) {
	if err := apperr.RequireUUID("id", id); err != nil {
		return nil, err
	}
	node, err := s.nodes.Get(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if err := RequireView(ctx, s.authz, s.db, actorID, id); err != nil {
		return nil, err
	}
	return node, nil
}

// Tree returns the part of the forest the actor can see, or the subtree
// under rootID, with children ordered by name. Each returned root is a node
// the actor holds an effective permission on; the system actor sees every
// root.
func (s *Service) Tree(ctx context.Context, actorID string, rootID *string) ([]*TreeNode, error) {
	if rootID != nil {
		if err := apperr.RequireUUID("root_id", *rootID); err != nil {
			return nil, err
		}
		if _, err := s.nodes.Get(ctx, s.db, *rootID); err != nil {
			return nil, err
		}
		if err := RequireView(ctx, s.authz, s.db, actorID, *rootID); err != nil {
			return nil, err
		}
		return s.subtree(ctx, rootID)
	}
	if actorID == "" || s.authz == nil {
		return s.subtree(ctx, nil)
	}

	roots, err := s.authz.ScopeRoots(ctx, s.db, actorID)
	if err != nil {
		return nil, err
	}
	forest := []*TreeNode{}
	for _, id := range roots {
		sub, err := s.subtree(ctx, &id)
		if err != nil {
			return nil, err
		}
		forest = append(forest, sub...)
	}
	sort.SliceStable(forest, func(i, j int) bool { return forest[i].Name < forest[j].Name })
	return forest, nil
}

func (s *Service) subtree(ctx context.Context, rootID *string) ([]*TreeNode, error) {
	nodes, err := s.nodes.List(ctx, s.db, rootID)
	if err != nil {
		return nil, err
	}
	return BuildTree(nodes), nil
}

// authorizeMove needs ADMIN over where the node hangs now and where it is
// going. A root is its own origin; a new root needs root authority.
func (s *Service) authorizeMove(ctx context.Context, q database.Querier, actorID string, node *Node, newParentID *string) error {
	from := node.ID
	if node.ParentID != nil {
		from = *node.ParentID
	}
	if err := RequireAdmin(ctx, s.authz, q, actorID, from); err != nil {
		return err
	}
	if newParentID == nil {
		return s.requireRootAdmin(ctx, q, actorID)
	}
	return RequireAdmin(ctx, s.authz, q, actorID, *newParentID)
}

// requireRootAdmin passes when the actor holds ADMIN on some root node.
func (s *Service) requireRootAdmin(ctx context.Context, q database.Querier, actorID string) error {
	if actorID == "" || s.authz == nil {
		return nil
	}
	held, err := s.authz.ScopeRoots(ctx, q, actorID)
	if err != nil {
		return err
	}
	for _, id := range held {
		n, err := s.nodes.Get(ctx, q, id)
		if err != nil {
			return err
		}
		if n.ParentID != nil {
			continue
		}
		ok, err := s.authz.HasAdminOver(ctx, q, actorID, id)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return apperr.Domain(apperr.CodeInsufficientAuthority, "ADMIN on a root node is required")
}

// invalidateChain marks stale the holders on id and each of its ancestors.
func (s *Service) invalidateChain(ctx context.Context, q database.Querier, id string) ([]string, error) {
	ancestors, err := s.closure.AncestorsOf(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return s.invalidate(ctx, q, append([]string{id}, ancestors...))
}

func (s *Service) invalidate(ctx context.Context, q database.Querier, nodeIDs []string) ([]string, error) {
	if s.invalidator == nil || len(nodeIDs) == 0 {
		return nil, nil
	}
	return s.invalidator.InvalidateNodes(ctx, q, nodeIDs)
}

func (s *Service) appendEvent(ctx context.Context, q database.Querier, actorID, nodeID, eventType string, payload map[string]any) error {
	if s.audit == nil {
		return nil
	}
	_, err := s.audit.Append(ctx, q, audit.Event{
		AggregateType: audit.AggregateNode,
		AggregateID:   nodeID,
		EventType:     eventType,
		ActorID:       audit.Actor(actorID),
		Payload:       payload,
	})
	return err
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
