package access

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ekko-hq/ekko/internal/platform/database"
)

var snapshotColumns = columns{nodeID: "target_node_id", name: "target_name", email: "target_email"}

// SnapshotStore reads and rebuilds access_snapshot, the precomputed
// projection of the accessible-users relation. Rows are only ever written by
// Rebuild; the table can be dropped and regenerated at any time.
type SnapshotStore struct{}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{}
}

// List reads one page of requesterID's slice. The snapshot holds active
// users only, so Filters.IsActive is not applied here.
func (s *SnapshotStore) List(ctx context.Context, q database.Querier, requesterID string, f Filters, p Page) ([]AccessibleUser, int, error) {
	conds, args := appendFilters(snapshotColumns, f, []string{"requester_id = $1"}, []any{requesterID})
	where := " WHERE " + strings.Join(conds, " AND ")

	var total int
	if err := q.QueryRow(ctx, `SELECT count(*) FROM access_snapshot`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting snapshot rows: %w", err)
	}
	if total == 0 {
		return []AccessibleUser{}, 0, nil
	}

	page, args := pageClause(p, args)
	rows, err := q.Query(ctx,
		`SELECT target_user_id, target_name, target_email, target_node_id, node_name, true
		 FROM access_snapshot`+where+
			` ORDER BY target_name, target_user_id`+page,
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("listing snapshot rows: %w", err)
	}
	users, err := collectUsers(rows)
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

// Rebuild regenerates the snapshot from the closure table, the ledger and
// the users table as of at. A nil requesterID rebuilds every requester;
// otherwise only that requester's rows are replaced. It returns the number
// of rows written.
func (s *SnapshotStore) Rebuild(ctx context.Context, q database.Querier, requesterID *string, at time.Time) (int64, error) {
	deleteSQL := `DELETE FROM access_snapshot`
	insertSQL := `INSERT INTO access_snapshot
		     (requester_id, target_user_id, target_name, target_email, target_node_id, node_name, refreshed_at)
		 SELECT DISTINCT p.user_id, u.id, u.name, u.email, u.node_id, n.name, $1::timestamptz
		 FROM permissions p
		 JOIN closure_edges ce ON ce.ancestor_id = p.node_id
		 JOIN users u ON u.node_id = ce.descendant_id
		 JOIN organization_nodes n ON n.id = u.node_id
		 WHERE p.is_active
		   AND (p.expires_at IS NULL OR p.expires_at > $1)
		   AND u.is_active
		   AND u.id <> p.user_id`
	deleteArgs := []any{}
	insertArgs := []any{at}
	if requesterID != nil {
		deleteSQL += ` WHERE requester_id = $1`
		deleteArgs = append(deleteArgs, *requesterID)
		insertSQL += ` AND p.user_id = $2`
		insertArgs = append(insertArgs, *requesterID)
	}

	if _, err := q.Exec(ctx, deleteSQL, deleteArgs...); err != nil {
		return 0, fmt.Errorf("clearing access snapshot: %w", err)
	}
	tag, err := q.Exec(ctx, insertSQL, insertArgs...)
	if err != nil {
		return 0, fmt.Errorf("rebuilding access snapshot: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Rows returns requesterID's snapshot rows ordered by target. Used to
// compare a rebuild against the live path.
func (s *SnapshotStore) Rows(ctx context.Context, q database.Querier, requesterID string) ([]SnapshotRow, error) {
	rows, err := q.Query(ctx,
		`SELECT requester_id, target_user_id, target_name, target_email, target_node_id, node_name, refreshed_at
		 FROM access_snapshot WHERE requester_id = $1
		 ORDER BY target_user_id`,
		requesterID,
	)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot rows: %w", err)
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		if err := rows.Scan(&r.RequesterID, &r.TargetUserID, &r.TargetName, &r.TargetEmail, &r.TargetNodeID, &r.NodeName, &r.RefreshedAt); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
