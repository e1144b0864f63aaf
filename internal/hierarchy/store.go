package hierarchy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/ekko-hq/ekko/internal/apperr"
	"github.com/ekko-hq/ekko/internal/platform/database"
	"github.com/jackc/pgx/v5"
)

// structureLock is the advisory lock key guarding the shape of the tree.
const structureLock int64 = 0x6f72675f74726565

const nodeColumns = `id, name, parent_id, level, metadata, is_active, created_at, updated_at`

// NodeStore handles organization_nodes persistence.
type NodeStore struct{}

func NewNodeStore() *NodeStore {
	return &NodeStore{}
}

// Create inserts a node row. Closure rows are the ClosureStore's job.
func (s *NodeStore) Create(ctx context.Context, q database.Querier, name string, parentID *string, level int, metadata map[string]any) (*Node, error) {
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	row := q.QueryRow(ctx,
		`INSERT INTO organization_nodes (name, parent_id, level, metadata)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+nodeColumns,
		name, parentID, level, meta,
	)
	n, err := scanNode(row)
	if err != nil {
		return nil, fmt.Errorf("creating node: %w", err)
	}
	return n, nil
}

// Get returns the node with id, or a NOT_FOUND error.
func (s *NodeStore) Get(ctx context.Context, q database.Querier, id string) (*Node, error) {
	return s.get(ctx, q, `SELECT `+nodeColumns+` FROM organization_nodes WHERE id = $1`, id)
}

// GetForUpdate is Get with a row lock held until the transaction ends.
func (s *NodeStore) GetForUpdate(ctx context.Context, q database.Querier, id string) (*Node, error) {
	return s.get(ctx, q, `SELECT `+nodeColumns+` FROM organization_nodes WHERE id = $1 FOR UPDATE`, id)
}

// LockInOrder row-locks ids in ascending id order, so two transactions
// locking an overlapping set cannot deadlock, and returns the nodes by id.
func (s *NodeStore) LockInOrder(ctx context.Context, q database.Querier, ids ...string) (map[string]*Node, error) {
	sorted := slices.Compact(slices.Sorted(slices.Values(ids)))
	locked := make(map[string]*Node, len(sorted))
	for _, id := range sorted {
		n, err := s.GetForUpdate(ctx, q, id)
		if err != nil {
			return nil, err
		}
		locked[id] = n
	}
	return locked, nil
}

// LockStructure takes the tree-wide advisory lock until the transaction
// ends. Moves hold it exclusively; node creation shares it.
func (s *NodeStore) LockStructure(ctx context.Context, q database.Querier, exclusive bool) error {
	fn := "pg_advisory_xact_lock_shared"
	if exclusive {
		fn = "pg_advisory_xact_lock"
	}
	if _, err := q.Exec(ctx, `SELECT `+fn+`($1)`, structureLock); err != nil {
		return fmt.Errorf("locking tree structure: %w", err)
	}
	return nil
}

func (s *NodeStore) get(ctx context.Context, q database.Querier, sql, id string) (*Node, error) {
	n, err := scanNode(q.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("node", id)
		}
		return nil, fmt.Errorf("getting node: %w", err)
	}
	return n, nil
}

// Update writes name and metadata.
func (s *NodeStore) Update(ctx context.Context, q database.Querier, id, name string, metadata map[string]any) (*Node, error) {
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	n, err := scanNode(q.QueryRow(ctx,
		`UPDATE organization_nodes SET name = $2, metadata = $3, updated_at = now()
		 WHERE id = $1
		 RETURNING `+nodeColumns,
		id, name, meta,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("node", id)
		}
		return nil, fmt.Errorf("updating node: %w", err)
	}
	return n, nil
}

// SetParent rewrites the parent pointer of id.
func (s *NodeStore) SetParent(ctx context.Context, q database.Querier, id string, parentID *string) error {
	if _, err := q.Exec(ctx,
		`UPDATE organization_nodes SET parent_id = $2, updated_at = now() WHERE id = $1`,
		id, parentID,
	); err != nil {
		return fmt.Errorf("setting parent: %w", err)
	}
	return nil
}

// SetActive flips the soft-delete flag.
func (s *NodeStore) SetActive(ctx context.Context, q database.Querier, id string, active bool) error {
	tag, err := q.Exec(ctx,
		`UPDATE organization_nodes SET is_active = $2, updated_at = now() WHERE id = $1`,
		id, active,
	)
	if err != nil {
		return fmt.Errorf("setting node active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("node", id)
	}
	return nil
}

// SubtreeMinLevel returns the lowest level found in id's subtree.
func (s *NodeStore) SubtreeMinLevel(ctx context.Context, q database.Querier, id string) (int, error) {
	var level int
	err := q.QueryRow(ctx,
		`SELECT COALESCE(MIN(n.level), 0)
		 FROM organization_nodes n
		 JOIN closure_edges c ON c.descendant_id = n.id
		 WHERE c.ancestor_id = $1`,
		id,
	).Scan(&level)
	if err != nil {
		return 0, fmt.Errorf("reading subtree levels: %w", err)
	}
	return level, nil
}

// ShiftSubtreeLevels adds delta to the level of id and every descendant.
func (s *NodeStore) ShiftSubtreeLevels(ctx context.Context, q database.Querier, id string, delta int) error {
	if delta == 0 {
		return nil
	}
	if _, err := q.Exec(ctx,
		`UPDATE organization_nodes SET level = level + $2, updated_at = now()
		 WHERE id IN (SELECT descendant_id FROM closure_edges WHERE ancestor_id = $1)`,
		id, delta,
	); err != nil {
		return fmt.Errorf("shifting subtree levels: %w", err)
	}
	return nil
}

// List returns nodes ordered by name. With rootID set only that subtree
// (root included) is returned.
func (s *NodeStore) List(ctx context.Context, q database.Querier, rootID *string) ([]Node, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if rootID == nil {
		rows, err = q.Query(ctx, `SELECT `+nodeColumns+` FROM organization_nodes ORDER BY name, id`)
	} else {
		rows, err = q.Query(ctx,
			`SELECT n.id, n.name, n.parent_id, n.level, n.metadata, n.is_active, n.created_at, n.updated_at
			 FROM organization_nodes n
			 JOIN closure_edges c ON c.descendant_id = n.id
			 WHERE c.ancestor_id = $1
			 ORDER BY n.name, n.id`,
			*rootID,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}

func scanNode(row pgx.Row) (*Node, error) {
	var (
		n    Node
		meta []byte
	)
	if err := row.Scan(&n.ID, &n.Name, &n.ParentID, &n.Level, &meta, &n.IsActive, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	n.Metadata = map[string]any{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &n.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return &n, nil
}

func encodeMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, apperr.Validation("metadata", "must be a JSON object")
	}
	return b, nil
}
