package access

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ekko-hq/ekko/internal/platform/database"
	"github.com/jackc/pgx/v5"
)

// reachable is true for users attached to a node at or below any node where
// the requester ($1) holds a permission effective at $2.
const reachable = `EXISTS (
	SELECT 1 FROM permissions p
	JOIN closure_edges ce ON ce.ancestor_id = p.node_id
	WHERE p.user_id = $1 AND p.is_active
	  AND (p.expires_at IS NULL OR p.expires_at > $2)
	  AND ce.descendant_id = u.node_id
)`

var directColumns = columns{isActive: "u.is_active", nodeID: "u.node_id", name: "u.name", email: "u.email"}

// DirectStore computes accessible users live from the closure table and the
// permission ledger. It is always current.
type DirectStore struct{}

func NewDirectStore() *DirectStore {
	return &DirectStore{}
}

// List returns one page of the users requesterID can see at now, ordered by
// name then id, and the total count.
func (s *DirectStore) List(ctx context.Context, q database.Querier, requesterID string, f Filters, p Page, now time.Time) ([]AccessibleUser, int, error) {
	conds, args := appendFilters(directColumns, f,
		[]string{"u.id <> $1", reachable},
		[]any{requesterID, now},
	)
	where := " WHERE " + strings.Join(conds, " AND ")

	var total int
	if err := q.QueryRow(ctx, `SELECT count(*) FROM users u`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting accessible users: %w", err)
	}
	if total == 0 {
		return []AccessibleUser{}, 0, nil
	}

	page, args := pageClause(p, args)
	rows, err := q.Query(ctx,
		`SELECT u.id, u.name, u.email, u.node_id, n.name, u.is_active
		 FROM users u
		 JOIN organization_nodes n ON n.id = u.node_id`+where+
			` ORDER BY u.name, u.id`+page,
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("listing accessible users: %w", err)
	}
	users, err := collectUsers(rows)
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

// CanSee reports whether targetID is an active user requesterID can see.
func (s *DirectStore) CanSee(ctx context.Context, q database.Querier, requesterID, targetID string, now time.Time) (bool, error) {
	var ok bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM users u
		     WHERE u.id = $3 AND u.is_active AND `+reachable+`
		 )`,
		requesterID, now, targetID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("checking access: %w", err)
	}
	return ok, nil
}

func collectUsers(rows pgx.Rows) ([]AccessibleUser, error) {
	defer rows.Close()
	users := []AccessibleUser{}
	for rows.Next() {
		var u AccessibleUser
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.NodeID, &u.NodeName, &u.IsActive); err != nil {
			return nil, fmt.Errorf("scanning accessible user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
