// Package permission holds the permission ledger, the authority checker and
// the grant/revoke command pipeline.
package permission

import (
	"strings"
	"time"

	"github.com/ekko-hq/ekko/internal/apperr"
)

// Type is a permission level. READ < MANAGE < ADMIN.
type Type string

const (
	Read   Type = "READ"
	Manage Type = "MANAGE"
	Admin  Type = "ADMIN"
)

// SystemPrincipal is recorded as the granter of bootstrap ADMIN permissions.
const SystemPrincipal = "00000000-0000-0000-0000-000000000000"

// ParseType accepts a permission type in any case.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToUpper(strings.TrimSpace(s))); t {
	case Read, Manage, Admin:
		return t, nil
	default:
		return "", apperr.Validation("permission_type", "must be one of READ, MANAGE, ADMIN")
	}
}

// Rank orders types: READ=1, MANAGE=2, ADMIN=3.
func (t Type) Rank() int {
	switch t {
	case Read:
		return 1
	case Manage:
		return 2
	case Admin:
		return 3
	default:
		return 0
	}
}

// Permission is one row of the ledger.
type Permission struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	NodeID    string     `json:"node_id"`
	Type      Type       `json:"permission_type"`
	GrantedBy string     `json:"granted_by"`
	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	IsActive  bool       `json:"is_active"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	RevokedBy *string    `json:"revoked_by,omitempty"`
}

// IsEffective reports whether p grants anything at now. Expiry is strict: a
// permission expiring exactly at now is no longer effective.
func (p *Permission) IsEffective(now time.Time) bool {
	return p.IsActive && (p.ExpiresAt == nil || p.ExpiresAt.After(now))
}

// IsExpired reports whether p has an expiry at or before now.
func (p *Permission) IsExpired(now time.Time) bool {
	return p.ExpiresAt != nil && !p.ExpiresAt.After(now)
}

// ExpiredGrant identifies a permission deactivated by the expiry sweep.
type ExpiredGrant struct {
	PermissionID string
	UserID       string
	NodeID       string
}

// View is a permission with its effectiveness at read time.
type View struct {
	Permission
	IsEffective bool `json:"is_effective"`
}

// GrantRequest asks for one permission.
type GrantRequest struct {
	UserID    string     `json:"user_id"`
	NodeID    string     `json:"node_id"`
	Type      string     `json:"permission_type"`
	GrantedBy string     `json:"-"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// GrantResult reports a grant, expiry update or reactivation. Failures carry
// a stable code and, for validation failures, the offending field.
type GrantResult struct {
	Success      bool   `json:"success"`
	PermissionID string `json:"permission_id,omitempty"`
	Error        string `json:"error,omitempty"`
	Code         string `json:"code,omitempty"`
	Field        string `json:"field,omitempty"`
}

// RevokeResult reports a revoke. AlreadyRevoked is set for the idempotent
// no-op on an inactive permission.
type RevokeResult struct {
	Success        bool   `json:"success"`
	PermissionID   string `json:"permission_id,omitempty"`
	AlreadyRevoked bool   `json:"already_revoked,omitempty"`
	Error          string `json:"error,omitempty"`
	Code           string `json:"code,omitempty"`
}

type BulkGrantResult struct {
	Results   []GrantResult `json:"results"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
}

type BulkRevokeResult struct {
	Results   []RevokeResult `json:"results"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
}
