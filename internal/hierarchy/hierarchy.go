// Package hierarchy owns the organization tree: node rows and the closure
// table that answers ancestry questions without recursion.
package hierarchy

import (
	"context"
	"strings"
	"time"

	"github.com/ekko-hq/ekko/internal/apperr"
	"github.com/ekko-hq/ekko/internal/platform/database"
)

// DefaultRootLevel is the level given to a root node when none is requested.
const DefaultRootLevel = 2

const maxNameLength = 255

// Node is one organizational unit.
type Node struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	ParentID  *string        `json:"parent_id,omitempty"`
	Level     int            `json:"level"`
	Metadata  map[string]any `json:"metadata"`
	IsActive  bool           `json:"is_active"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Edge is one closure row: Ancestor reaches Descendant in Depth steps.
type Edge struct {
	AncestorID   string `json:"ancestor_id"`
	DescendantID string `json:"descendant_id"`
	Depth        int    `json:"depth"`
}

// TreeNode is a node with its children, for tree rendering.
type TreeNode struct {
	*Node
	Children []*TreeNode `json:"children"`
}

type CreateNodeInput struct {
	Name     string         `json:"name"`
	ParentID *string        `json:"parent_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	// Level applies to roots only; children derive theirs from the parent.
	Level *int `json:"level,omitempty"`
}

type UpdateNodeInput struct {
	Name     *string        `json:"name,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Invalidator marks stale the cached views of requesters whose visible set
// depends on the given nodes.
type Invalidator interface {
	InvalidateNodes(ctx context.Context, q database.Querier, nodeIDs []string) ([]string, error)
}

// Authorizer answers authority questions about the tree. An empty actor is
// the system principal and is never checked.
type Authorizer interface {
	HasAdminOver(ctx context.Context, q database.Querier, userID, nodeID string) (bool, error)
	CanView(ctx context.Context, q database.Querier, userID, nodeID string) (bool, error)
	ScopeRoots(ctx context.Context, q database.Querier, userID string) ([]string, error)
}

// RequireAdmin fails with INSUFFICIENT_AUTHORITY unless actorID holds an
// effective ADMIN over every node in nodeIDs.
func RequireAdmin(ctx context.Context, authz Authorizer, q database.Querier, actorID string, nodeIDs ...string) error {
	if actorID == "" || authz == nil {
		return nil
	}
	for _, id := range nodeIDs {
		ok, err := authz.HasAdminOver(ctx, q, actorID, id)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Domain(apperr.CodeInsufficientAuthority, "ADMIN over the node is required")
		}
	}
	return nil
}

// RequireView fails with INSUFFICIENT_AUTHORITY unless some effective
// permission of actorID covers nodeID.
func RequireView(ctx context.Context, authz Authorizer, q database.Querier, actorID, nodeID string) error {
	if actorID == "" || authz == nil {
		return nil
	}
	ok, err := authz.CanView(ctx, q, actorID, nodeID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Domain(apperr.CodeInsufficientAuthority, "no permission covers the node")
	}
	return nil
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.Validation("name", "is required")
	}
	if len(name) > maxNameLength {
		return "", apperr.Validation("name", "must be at most 255 characters")
	}
	return name, nil
}

// BuildTree nests nodes under their parents. Nodes whose parent is not in the
// list become roots. Input order is preserved among siblings.
func BuildTree(nodes []Node) []*TreeNode {
	byID := make(map[string]*TreeNode, len(nodes))
	for i := range nodes {
		byID[nodes[i].ID] = &TreeNode{Node: &nodes[i], Children: []*TreeNode{}}
	}

	var roots []*TreeNode
	for i := range nodes {
		tn := byID[nodes[i].ID]
		if nodes[i].ParentID != nil {
			if parent, ok := byID[*nodes[i].ParentID]; ok {
				parent.Children = append(parent.Children, tn)
				continue
			}
		}
		roots = append(roots, tn)
	}
	return roots
}
