// Package access answers "which users can this requester see?". Reads go
// either to a live traversal of the closure table and the permission ledger,
// or to a precomputed per-requester snapshot, depending on the requested
// consistency and on how fresh that snapshot is.
package access

import (
	"strings"
	"time"

	"github.com/ekko-hq/ekko/internal/apperr"
)

type Consistency string

const (
	Strong   Consistency = "STRONG"
	Eventual Consistency = "EVENTUAL"
)

// ParseConsistency accepts any case; empty means EVENTUAL.
func ParseConsistency(s string) (Consistency, error) {
	switch c := Consistency(strings.ToUpper(strings.TrimSpace(s))); c {
	case "":
		return Eventual, nil
	case Strong, Eventual:
		return c, nil
	default:
		return "", apperr.Validation("consistency", "must be STRONG or EVENTUAL")
	}
}

// DataSource names the path that produced a result.
type DataSource string

const (
	SourceDirect   DataSource = "direct"
	SourceView     DataSource = "materialized_view"
	SourceFallback DataSource = "direct_fallback"
)

// Filters narrow the accessible set. A nil IsActive means active users only.
type Filters struct {
	IsActive *bool
	NodeIDs  []string
	Search   string
}

type Page struct {
	Offset int
	Limit  int
}

type Query struct {
	RequesterID string
	Consistency Consistency
	Filters     Filters
	Page        Page
}

// AccessibleUser is one user the requester can see.
type AccessibleUser struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	NodeID   string `json:"node_id"`
	NodeName string `json:"node_name"`
	IsActive bool   `json:"is_active"`
}

type Result struct {
	Users           []AccessibleUser `json:"users"`
	TotalCount      int              `json:"total_count"`
	HasNextPage     bool             `json:"has_next_page"`
	HasPreviousPage bool             `json:"has_previous_page"`
	DataSource      DataSource       `json:"data_source"`
	ExecutionTime   time.Duration    `json:"-"`
	LastUpdated     *time.Time       `json:"last_updated,omitempty"`
}

// SnapshotRow is one row of access_snapshot.
type SnapshotRow struct {
	RequesterID  string
	TargetUserID string
	TargetName   string
	TargetEmail  string
	TargetNodeID string
	NodeName     string
	RefreshedAt  time.Time
}
