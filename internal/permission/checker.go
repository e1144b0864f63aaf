package permission

import (
	"context"
	"time"

	"github.com/ekko-hq/ekko/internal/platform/database"
)

type authorityLister interface {
	ListAuthority(ctx context.Context, q database.Querier, userID string, now time.Time) ([]Permission, error)
	ListEffective(ctx context.Context, q database.Querier, userID string, now time.Time) ([]Permission, error)
}

type ancestry interface {
	IsAncestor(ctx context.Context, q database.Querier, a, b string) (bool, error)
}

// Checker decides whether a user may grant, revoke, administer or view part
// of the tree. It only reads.
type Checker struct {
	ledger  authorityLister
	closure ancestry
	now     func() time.Time
}

func NewChecker(ledger authorityLister, closure ancestry) *Checker {
	return &Checker{ledger: ledger, closure: closure, now: time.Now}
}

// CanGrant reports whether granterID may grant requested on targetNodeID.
// Authority comes from an effective ADMIN or MANAGE permission on the target
// or one of its ancestors. ADMIN grants any type; MANAGE grants READ only.
func (c *Checker) CanGrant(ctx context.Context, q database.Querier, granterID, targetNodeID string, requested Type) (bool, error) {
	perms, err := c.ledger.ListAuthority(ctx, q, granterID, c.now())
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if !attenuates(p.Type, requested) {
			continue
		}
		covers, err := c.covers(ctx, q, p.NodeID, targetNodeID)
		if err != nil {
			return false, err
		}
		if covers {
			return true, nil
		}
	}
	return false, nil
}

// CanRevoke reports whether revokerID may revoke (or otherwise modify) p:
// its original granter, or an effective ADMIN on p's node or an ancestor.
func (c *Checker) CanRevoke(ctx context.Context, q database.Querier, revokerID string, p *Permission) (bool, error) {
	if revokerID == p.GrantedBy {
		return true, nil
	}
	perms, err := c.ledger.ListAuthority(ctx, q, revokerID, c.now())
	if err != nil {
		return false, err
	}
	for _, held := range perms {
		if held.Type != Admin {
			continue
		}
		covers, err := c.covers(ctx, q, held.NodeID, p.NodeID)
		if err != nil {
			return false, err
		}
		if covers {
			return true, nil
		}
	}
	return false, nil
}

// HasAdminOver reports whether userID holds an effective ADMIN on nodeID or
// one of its ancestors.
func (c *Checker) HasAdminOver(ctx context.Context, q database.Querier, userID, nodeID string) (bool, error) {
	perms, err := c.ledger.ListAuthority(ctx, q, userID, c.now())
	if err != nil {
		return false, err
	}
	return c.anyCovers(ctx, q, perms, nodeID, func(t Type) bool { return t == Admin })
}

// HasAnyAdmin reports whether userID holds an effective ADMIN anywhere.
func (c *Checker) HasAnyAdmin(ctx context.Context, q database.Querier, userID string) (bool, error) {
	perms, err := c.ledger.ListAuthority(ctx, q, userID, c.now())
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p.Type == Admin {
			return true, nil
		}
	}
	return false, nil
}

// CanView reports whether any effective permission of userID, READ included,
// sits on nodeID or one of its ancestors.
func (c *Checker) CanView(ctx context.Context, q database.Querier, userID, nodeID string) (bool, error) {
	perms, err := c.ledger.ListEffective(ctx, q, userID, c.now())
	if err != nil {
		return false, err
	}
	return c.anyCovers(ctx, q, perms, nodeID, func(Type) bool { return true })
}

// ScopeRoots returns the topmost nodes on which userID holds an effective
// permission. Nodes already covered by another returned node are dropped.
func (c *Checker) ScopeRoots(ctx context.Context, q database.Querier, userID string) ([]string, error) {
	perms, err := c.ledger.ListEffective(ctx, q, userID, c.now())
	if err != nil {
		return nil, err
	}
	var held []string
	seen := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		if _, ok := seen[p.NodeID]; !ok {
			seen[p.NodeID] = struct{}{}
			held = append(held, p.NodeID)
		}
	}

	roots := make([]string, 0, len(held))
	for _, n := range held {
		covered := false
		for _, other := range held {
			if other == n {
				continue
			}
			if covered, err = c.closure.IsAncestor(ctx, q, other, n); err != nil {
				return nil, err
			}
			if covered {
				break
			}
		}
		if !covered {
			roots = append(roots, n)
		}
	}
	return roots, nil
}

func (c *Checker) anyCovers(ctx context.Context, q database.Querier, perms []Permission, target string, match func(Type) bool) (bool, error) {
	for _, p := range perms {
		if !match(p.Type) {
			continue
		}
		ok, err := c.covers(ctx, q, p.NodeID, target)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (c *Checker) covers(ctx context.Context, q database.Querier, heldNode, target string) (bool, error) {
	if heldNode == target {
		return true, nil
	}
	return c.closure.IsAncestor(ctx, q, heldNode, target)
}

// attenuates reports whether a holder of held may hand out requested.
func attenuates(held, requested Type) bool {
	switch held {
	case Admin:
		return true
	case Manage:
		return requested == Read
	default:
		return false
	}
}
