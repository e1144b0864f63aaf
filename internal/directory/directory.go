// Package directory keeps the users (subjects) that permissions are granted
// to and that appear in accessible-users results.
package directory

import (
	"net/mail"
	"strings"
	"time"

	"github.com/ekko-hq/ekko/internal/apperr"
)

// User is a subject attached to one organization node.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	NodeID    string    `json:"node_id"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CreateUserInput struct {
	Email  string `json:"email"`
	Name   string `json:"name"`
	NodeID string `json:"node_id"`
}

type UpdateUserInput struct {
	Email  *string `json:"email,omitempty"`
	Name   *string `json:"name,omitempty"`
	NodeID *string `json:"node_id,omitempty"`
}

// ListParams filters ListUsers. A nil IsActive lists every user.
type ListParams struct {
	NodeID   *string
	IsActive *bool
	Search   string
	Offset   int
	Limit    int

	// Within restricts results to users at or below these nodes.
	Within []string
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", apperr.Validation("email", "is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", apperr.Validation("email", "must be a valid address")
	}
	return email, nil
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.Validation("name", "is required")
	}
	if len(name) > 255 {
		return "", apperr.Validation("name", "must be at most 255 characters")
	}
	return name, nil
}

// EscapeLike escapes the LIKE wildcards in s so it matches literally.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
