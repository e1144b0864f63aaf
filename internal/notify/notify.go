// Package notify publishes access-change notifications to an external sink
// after commands commit. Publishing is best effort: a failed publish is
// logged by the caller and never undoes the change.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Kinds of change published on the sink.
const (
	KindPermissionGranted     = "permission.granted"
	KindPermissionRevoked     = "permission.revoked"
	KindPermissionReactivated = "permission.reactivated"
	KindPermissionUpdated     = "permission.updated"
	KindPermissionExpired     = "permission.expired"
	KindNodeMoved             = "node.moved"
	KindNodeDeactivated       = "node.deactivated"
	KindNodeActivated         = "node.activated"
	KindUserChanged           = "user.changed"
)

// Change describes one committed modification of who can see whom.
type Change struct {
	Kind         string    `json:"kind"`
	PermissionID string    `json:"permission_id,omitempty"`
	NodeID       string    `json:"node_id,omitempty"`
	UserIDs      []string  `json:"user_ids,omitempty"`
	At           time.Time `json:"at"`
}

// Notifier publishes changes.
type Notifier interface {
	Publish(ctx context.Context, change Change) error
	Close() error
}

// Nop discards every change.
type Nop struct{}

func (Nop) Publish(context.Context, Change) error { return nil }
func (Nop) Close() error                          { return nil }

func encode(change Change) ([]byte, error) {
	if change.At.IsZero() {
		change.At = time.Now().UTC()
	}
	data, err := json.Marshal(change)
	if err != nil {
		return nil, fmt.Errorf("marshaling change: %w", err)
	}
	return data, nil
}

// Publish sends change through n and logs failures. It is what command
// handlers call after their transaction commits.
func Publish(ctx context.Context, n Notifier, logger *slog.Logger, change Change) {
	if n == nil {
		return
	}
	if err := n.Publish(ctx, change); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("publishing access change failed", "kind", change.Kind, "error", err)
	}
}
