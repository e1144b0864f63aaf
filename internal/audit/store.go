package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ekko-hq/ekko/internal/platform/database"
)

// Store handles audit event persistence.
type Store struct{}

// NewStore creates an audit Store.
func NewStore() *Store {
	return &Store{}
}

// Append inserts one event with the next version for its aggregate. It must
// run in the same transaction as the state change it records.
func (s *Store) Append(ctx context.Context, q database.Querier, e Event) (*Event, error) {
	if e.AggregateID == "" || e.EventType == "" {
		return nil, fmt.Errorf("appending audit event: aggregate id and event type are required")
	}

	payload := []byte("{}")
	if e.Payload != nil {
		var err error
		payload, err = json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling payload: %w", err)
		}
	}

	err := q.QueryRow(ctx,
		`INSERT INTO audit_events (aggregate_type, aggregate_id, event_type, actor_id, payload, version)
		 SELECT $1, $2, $3, $4, $5, COALESCE(MAX(version), 0) + 1
		 FROM audit_events WHERE aggregate_id = $2
		 RETURNING id, version, created_at`,
		e.AggregateType, e.AggregateID, e.EventType, e.ActorID, payload,
	).Scan(&e.ID, &e.Version, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting audit event: %w", err)
	}
	return &e, nil
}

// ListEventsParams defines filters for querying audit events.
type ListEventsParams struct {
	AggregateID   *string
	AggregateType *string
	EventType     *string
	ActorID       *string
	After         *time.Time
	Limit         int

	// VisibleTo keeps only events the user acted in, plus events on nodes,
	// users and permissions at or below a node they hold an effective
	// permission on.
	VisibleTo *string
}

// List returns events matching p, oldest first per aggregate version.
func (s *Store) List(ctx context.Context, q database.Querier, p ListEventsParams) ([]Event, error) {
	sql, args := buildListQuery(p)
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e   Event
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.ActorID, &raw, &e.Version, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Payload); err != nil {
				return nil, fmt.Errorf("decoding payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// visibleTo renders the scope condition for the user bound to $n.
func visibleTo(n int) string {
	scope := fmt.Sprintf(`SELECT ce.descendant_id FROM permissions sp
			JOIN closure_edges ce ON ce.ancestor_id = sp.node_id
			WHERE sp.user_id::text = $%d AND sp.is_active
			  AND (sp.expires_at IS NULL OR sp.expires_at > now())`, n)
	return fmt.Sprintf(`(actor_id = $%[1]d
		OR (aggregate_type = '%[2]s' AND aggregate_id = $%[1]d)
		OR (aggregate_type = '%[3]s' AND aggregate_id IN (SELECT id::text FROM organization_nodes WHERE id IN (%[5]s)))
		OR (aggregate_type = '%[2]s' AND aggregate_id IN (SELECT id::text FROM users WHERE node_id IN (%[5]s)))
		OR (aggregate_type = '%[4]s' AND aggregate_id IN (SELECT id::text FROM permissions WHERE node_id IN (%[5]s))))`,
		n, AggregateUser, AggregateNode, AggregatePermission, scope)
}

// buildListQuery constructs a parameterized SELECT for audit events.
func buildListQuery(p ListEventsParams) (string, []any) {
	var conditions []string
	var args []any
	argN := 1

	if p.AggregateID != nil {
		conditions = append(conditions, fmt.Sprintf("aggregate_id = $%d", argN))
		args = append(args, *p.AggregateID)
		argN++
	}
	if p.AggregateType != nil {
		conditions = append(conditions, fmt.Sprintf("aggregate_type = $%d", argN))
		args = append(args, *p.AggregateType)
		argN++
	}
	if p.EventType != nil {
		conditions = append(conditions, fmt.Sprintf("event_type = $%d", argN))
		args = append(args, *p.EventType)
		argN++
	}
	if p.ActorID != nil {
		conditions = append(conditions, fmt.Sprintf("actor_id = $%d", argN))
		args = append(args, *p.ActorID)
		argN++
	}
	if p.After != nil {
		conditions = append(conditions, fmt.Sprintf("created_at > $%d", argN))
		args = append(args, *p.After)
		argN++
	}
	if p.VisibleTo != nil {
		conditions = append(conditions, visibleTo(argN))
		args = append(args, *p.VisibleTo)
		argN++
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}

	sql := fmt.Sprintf(
		`SELECT id, aggregate_type, aggregate_id, event_type, actor_id, payload, version, created_at
		FROM audit_events
		%s
		ORDER BY created_at ASC, version ASC
		LIMIT $%d`,
		where, argN,
	)
	args = append(args, limit)

	return sql, args
}
