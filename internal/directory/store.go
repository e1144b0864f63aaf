package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ekko-hq/ekko/internal/apperr"
	"github.com/ekko-hq/ekko/internal/platform/database"
	"github.com/jackc/pgx/v5"
)

const userColumns = `id, email, name, node_id, is_active, created_at, updated_at`

// Store handles users persistence.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Create(ctx context.Context, q database.Querier, email, name, nodeID string) (*User, error) {
	u, err := scanUser(q.QueryRow(ctx,
		`INSERT INTO users (email, name, node_id) VALUES ($1, $2, $3)
		 RETURNING `+userColumns,
		email, name, nodeID,
	))
	if err != nil {
		return nil, classify("creating user", err)
	}
	return u, nil
}

func (s *Store) Get(ctx context.Context, q database.Querier, id string) (*User, error) {
	return s.get(ctx, q, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetForUpdate is Get with a row lock held until the transaction ends.
func (s *Store) GetForUpdate(ctx context.Context, q database.Querier, id string) (*User, error) {
	return s.get(ctx, q, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id)
}

func (s *Store) get(ctx context.Context, q database.Querier, sql, id string) (*User, error) {
	u, err := scanUser(q.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("user", id)
		}
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return u, nil
}

func (s *Store) Update(ctx context.Context, q database.Querier, id, email, name, nodeID string) (*User, error) {
	u, err := scanUser(q.QueryRow(ctx,
		`UPDATE users SET email = $2, name = $3, node_id = $4, updated_at = now()
		 WHERE id = $1
		 RETURNING `+userColumns,
		id, email, name, nodeID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("user", id)
		}
		return nil, classify("updating user", err)
	}
	return u, nil
}

func (s *Store) SetActive(ctx context.Context, q database.Querier, id string, active bool) (*User, error) {
	u, err := scanUser(q.QueryRow(ctx,
		`UPDATE users SET is_active = $2, updated_at = now() WHERE id = $1
		 RETURNING `+userColumns,
		id, active,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("user", id)
		}
		return nil, fmt.Errorf("setting user active: %w", err)
	}
	return u, nil
}

// List returns users ordered by name, then id, with the total match count.
func (s *Store) List(ctx context.Context, q database.Querier, p ListParams) ([]User, int, error) {
	where, args := buildUserFilter(p)

	var total int
	if err := q.QueryRow(ctx, `SELECT count(*) FROM users`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting users: %w", err)
	}

	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, max(p.Offset, 0))
	rows, err := q.Query(ctx,
		`SELECT `+userColumns+` FROM users`+where+
			fmt.Sprintf(` ORDER BY name, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, *u)
	}
	return users, total, rows.Err()
}

func buildUserFilter(p ListParams) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	if p.NodeID != nil {
		args = append(args, *p.NodeID)
		conditions = append(conditions, fmt.Sprintf("node_id = $%d", len(args)))
	}
	if p.IsActive != nil {
		args = append(args, *p.IsActive)
		conditions = append(conditions, fmt.Sprintf("is_active = $%d", len(args)))
	}
	if s := strings.TrimSpace(p.Search); s != "" {
		args = append(args, "%"+EscapeLike(s)+"%")
		conditions = append(conditions, fmt.Sprintf("(name ILIKE $%d OR email ILIKE $%d)", len(args), len(args)))
	}
	if len(p.Within) > 0 {
		args = append(args, p.Within)
		conditions = append(conditions, fmt.Sprintf(
			"node_id IN (SELECT descendant_id FROM closure_edges WHERE ancestor_id = ANY($%d::uuid[]))", len(args)))
	}
	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.NodeID, &u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func classify(op string, err error) error {
	switch {
	case database.IsUniqueViolation(err):
		return apperr.Conflict("email is already in use")
	case database.IsForeignKeyViolation(err):
		return apperr.Validation("node_id", "node does not exist")
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
