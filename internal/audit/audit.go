package audit

import (
	"context"
	"time"

	"github.com/ekko-hq/ekko/internal/platform/database"
)

// Event is one immutable entry in the append-only audit log. Version is
// assigned by the store and increases by one per aggregate.
type Event struct {
	ID            string         `json:"id"`
	AggregateType string         `json:"aggregate_type"` // "permission", "node", "user"
	AggregateID   string         `json:"aggregate_id"`
	EventType     string         `json:"event_type"`
	ActorID       *string        `json:"actor_id,omitempty"` // nil for system events
	Payload       map[string]any `json:"payload"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
}

const (
	AggregatePermission = "permission"
	AggregateNode       = "node"
	AggregateUser       = "user"
)

const (
	EventPermissionGranted      = "permission.granted"
	EventPermissionBootstrapped = "permission.bootstrapped"
	EventPermissionRevoked      = "permission.revoked"
	EventPermissionReactivated  = "permission.reactivated"
	EventPermissionExpiryUpdate = "permission.expiry_updated"
	EventPermissionExpired      = "permission.expired"

	EventNodeCreated     = "node.created"
	EventNodeUpdated     = "node.updated"
	EventNodeMoved       = "node.moved"
	EventNodeDeactivated = "node.deactivated"
	EventNodeActivated   = "node.activated"

	EventUserCreated     = "user.created"
	EventUserUpdated     = "user.updated"
	EventUserDeactivated = "user.deactivated"
	EventUserActivated   = "user.activated"
)

// Appender writes audit events inside the caller's transaction.
type Appender interface {
	Append(ctx context.Context, q database.Querier, event Event) (*Event, error)
}

// Actor is a convenience for building the optional ActorID.
func Actor(userID string) *string {
	if userID == "" {
		return nil
	}
	return &userID
}
