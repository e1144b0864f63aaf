// Package apperr defines the single error type shared by the command
// pipeline, the planner and the HTTP layer. Each error carries a kind
// (the taxonomy bucket) and a stable machine-readable code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Kind is the taxonomy bucket of an error.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindDomain
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindDomain:
		return "domain"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Code is a stable identifier surfaced to callers.
type Code string

const (
	CodeValidation            Code = "VALIDATION_ERROR"
	CodeSelfGrantForbidden    Code = "SELF_GRANT_FORBIDDEN"
	CodeUserInactive          Code = "USER_INACTIVE"
	CodeNodeInactive          Code = "NODE_INACTIVE"
	CodeInsufficientAuthority Code = "INSUFFICIENT_AUTHORITY"
	CodeConflict              Code = "CONFLICT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeInternal              Code = "INTERNAL_ERROR"
	CodePermissionExpired     Code = "PERMISSION_EXPIRED"
	CodeStructuralIntegrity   Code = "STRUCTURAL_INTEGRITY"
)

// Error is the application error. Field is set for validation errors.
type Error struct {
	Kind    Kind
	Code    Code
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error by code, so errors.Is(err, apperr.ErrConflict) works
// regardless of message or field.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation            = &Error{Kind: KindValidation, Code: CodeValidation}
	ErrSelfGrantForbidden    = &Error{Kind: KindDomain, Code: CodeSelfGrantForbidden}
	ErrUserInactive          = &Error{Kind: KindDomain, Code: CodeUserInactive}
	ErrNodeInactive          = &Error{Kind: KindDomain, Code: CodeNodeInactive}
	ErrInsufficientAuthority = &Error{Kind: KindDomain, Code: CodeInsufficientAuthority}
	ErrConflict              = &Error{Kind: KindConflict, Code: CodeConflict}
	ErrNotFound              = &Error{Kind: KindNotFound, Code: CodeNotFound}
	ErrInternal              = &Error{Kind: KindInternal, Code: CodeInternal}
	ErrPermissionExpired     = &Error{Kind: KindDomain, Code: CodePermissionExpired}
	ErrStructuralIntegrity   = &Error{Kind: KindDomain, Code: CodeStructuralIntegrity}
)

func Validation(field, msg string) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Field: field, Message: msg}
}

func Domain(code Code, msg string) *Error {
	return &Error{Kind: KindDomain, Code: code, Message: msg}
}

func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

func Conflict(msg string) *Error {
	return &Error{Kind: KindConflict, Code: CodeConflict, Message: msg}
}

// Internal wraps an unexpected failure. The wrapped error is kept for logs;
// PublicMessage never exposes it.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: "internal error", Err: err}
}

// As extracts an *Error from err. Errors that are not *Error are classified
// as internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// CodeOf returns the code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return As(err).Code
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	return As(err).Kind
}

// PublicMessage is safe to return to a caller: internal errors collapse to a
// generic text.
func PublicMessage(err error) string {
	e := As(err)
	if e.Kind == KindInternal {
		return "internal error"
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// HTTPStatus maps err to the response status used by the JSON handlers.
func HTTPStatus(err error) int {
	e := As(err)
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindDomain:
		switch e.Code {
		case CodeUserInactive, CodeNodeInactive, CodeStructuralIntegrity:
			return http.StatusUnprocessableEntity
		case CodePermissionExpired:
			return http.StatusConflict
		}
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON error envelope returned by handlers.
type Body struct {
	Error string `json:"error"`
	Code  Code   `json:"code"`
	Field string `json:"field,omitempty"`
}

// BodyOf builds the public error envelope for err.
func BodyOf(err error) Body {
	e := As(err)
	return Body{Error: PublicMessage(err), Code: e.Code, Field: e.Field}
}

// RequireUUID returns a validation error unless value is a well-formed UUID.
func RequireUUID(field, value string) error {
	if value == "" {
		return Validation(field, "is required")
	}
	if _, err := uuid.Parse(value); err != nil {
		return Validation(field, "must be a valid UUID")
	}
	return nil
}

// StatusForCode maps a result code carried outside an error value (as in
// command results) to its HTTP status.
func StatusForCode(code Code) int {
	for _, s := range []*Error{
		ErrValidation, ErrSelfGrantForbidden, ErrUserInactive, ErrNodeInactive,
		ErrInsufficientAuthority, ErrConflict, ErrNotFound, ErrPermissionExpired,
		ErrStructuralIntegrity,
	} {
		if s.Code == code {
			return HTTPStatus(s)
		}
	}
	return http.StatusInternalServerError
}
