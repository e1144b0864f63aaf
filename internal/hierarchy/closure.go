package hierarchy

import (
	"context"
	"fmt"

	"github.com/ekko-hq/ekko/internal/apperr"
	"github.com/ekko-hq/ekko/internal/platform/database"
)

// ClosureStore maintains closure_edges. Every method joins the caller's
// transaction through q.
type ClosureStore struct{}

func NewClosureStore() *ClosureStore {
	return &ClosureStore{}
}

// AddNode inserts the self edge for id and, under a parent, one edge from
// each of the parent's ancestors (the parent included).
func (s *ClosureStore) AddNode(ctx context.Context, q database.Querier, id string, parentID *string) error {
	if _, err := q.Exec(ctx,
		`INSERT INTO closure_edges (ancestor_id, descendant_id, depth) VALUES ($1, $1, 0)`,
		id,
	); err != nil {
		return fmt.Errorf("inserting self edge: %w", err)
	}
	if parentID == nil {
		return nil
	}

	tag, err := q.Exec(ctx,
		`INSERT INTO closure_edges (ancestor_id, descendant_id, depth)
		 SELECT ancestor_id, $1, depth + 1 FROM closure_edges WHERE descendant_id = $2`,
		id, *parentID,
	)
	if err != nil {
		return fmt.Errorf("inserting ancestor edges: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Domain(apperr.CodeStructuralIntegrity, "parent node has no closure rows")
	}
	return nil
}

// AncestorsOf returns the strict ancestors of nodeID, nearest first.
func (s *ClosureStore) AncestorsOf(ctx context.Context, q database.Querier, nodeID string) ([]string, error) {
	return s.collect(ctx, q,
		`SELECT ancestor_id FROM closure_edges
		 WHERE descendant_id = $1 AND depth > 0 ORDER BY depth`,
		nodeID,
	)
}

// DescendantsOf returns the strict descendants of nodeID, nearest first.
func (s *ClosureStore) DescendantsOf(ctx context.Context, q database.Querier, nodeID string) ([]string, error) {
	return s.collect(ctx, q,
		`SELECT descendant_id FROM closure_edges
		 WHERE ancestor_id = $1 AND depth > 0 ORDER BY depth, descendant_id`,
		nodeID,
	)
}

// IsAncestor reports whether a is a strict ancestor of b.
func (s *ClosureStore) IsAncestor(ctx context.Context, q database.Querier, a, b string) (bool, error) {
	var ok bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM closure_edges
		     WHERE ancestor_id = $1 AND descendant_id = $2 AND depth > 0
		 )`,
		a, b,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("checking ancestry: %w", err)
	}
	return ok, nil
}

// Edges returns every closure row touching nodeID's subtree.
func (s *ClosureStore) Edges(ctx context.Context, q database.Querier, nodeID string) ([]Edge, error) {
	rows, err := q.Query(ctx,
		`SELECT ancestor_id, descendant_id, depth FROM closure_edges
		 WHERE descendant_id IN (SELECT descendant_id FROM closure_edges WHERE ancestor_id = $1)
		 ORDER BY descendant_id, depth`,
		nodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing closure edges: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.AncestorID, &e.DescendantID, &e.Depth); err != nil {
			return nil, fmt.Errorf("scanning closure edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// Move re-parents nodeID and its subtree under newParentID (nil makes it a
// root). Moving a node under itself or one of its descendants is rejected.
func (s *ClosureStore) Move(ctx context.Context, q database.Querier, nodeID string, newParentID *string) error {
	if newParentID != nil {
		if *newParentID == nodeID {
			return apperr.Domain(apperr.CodeStructuralIntegrity, "a node cannot be its own parent")
		}
		cycle, err := s.IsAncestor(ctx, q, nodeID, *newParentID)
		if err != nil {
			return err
		}
		if cycle {
			return apperr.Domain(apperr.CodeStructuralIntegrity, "a node cannot move under its own descendant")
		}
	}

	if _, err := q.Exec(ctx,
		`DELETE FROM closure_edges
		 WHERE descendant_id IN (SELECT descendant_id FROM closure_edges WHERE ancestor_id = $1)
		   AND ancestor_id NOT IN (SELECT descendant_id FROM closure_edges WHERE ancestor_id = $1)`,
		nodeID,
	); err != nil {
		return fmt.Errorf("detaching subtree: %w", err)
	}
	if newParentID == nil {
		return nil
	}

	if _, err := q.Exec(ctx,
		`INSERT INTO closure_edges (ancestor_id, descendant_id, depth)
		 SELECT p.ancestor_id, sub.descendant_id, p.depth + sub.depth + 1
		 FROM closure_edges p
		 CROSS JOIN closure_edges sub
		 WHERE p.descendant_id = $2 AND sub.ancestor_id = $1`,
		nodeID, *newParentID,
	); err != nil {
		return fmt.Errorf("attaching subtree: %w", err)
	}
	return nil
}

func (s *ClosureStore) collect(ctx context.Context, q database.Querier, sql, arg string) ([]string, error) {
	rows, err := q.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("querying closure: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning closure row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
