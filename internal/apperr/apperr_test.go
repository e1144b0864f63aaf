package apperr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/ekko-hq/ekko/internal/apperr"
	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("granting: %w", apperr.Domain(apperr.CodeSelfGrantForbidden, "cannot grant to yourself"))

	assert.True(t, errors.Is(err, apperr.ErrSelfGrantForbidden))
	assert.False(t, errors.Is(err, apperr.ErrConflict))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(apperr.Validation("user_id", "is required")))
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(apperr.NotFound("user", "u-1")))
	assert.Equal(t, apperr.CodeInternal, apperr.CodeOf(errors.New("boom")))
	assert.Equal(t, apperr.Code(""), apperr.CodeOf(nil))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(apperr.Conflict("dup")))
	assert.Equal(t, apperr.KindDomain, apperr.KindOf(apperr.ErrPermissionExpired))
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(errors.New("db down")))
	assert.Equal(t, "not_found", apperr.KindNotFound.String())
}

func TestPublicMessage_HidesInternals(t *testing.T) {
	err := apperr.Internal(errors.New("pq: connection refused to 10.0.0.3"))

	assert.Equal(t, "internal error", apperr.PublicMessage(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.ErrorContains(t, errors.Unwrap(err), "10.0.0.3")
}

func TestPublicMessage_ValidationIncludesField(t *testing.T) {
	err := apperr.Validation("expires_at", "must be in the future")
	assert.Equal(t, "expires_at: must be in the future", apperr.PublicMessage(err))
	assert.Equal(t, "expires_at", apperr.As(err).Field)
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.Validation("node_id", "is required"), http.StatusBadRequest},
		{apperr.ErrSelfGrantForbidden, http.StatusForbidden},
		{apperr.ErrInsufficientAuthority, http.StatusForbidden},
		{apperr.ErrUserInactive, http.StatusUnprocessableEntity},
		{apperr.ErrNodeInactive, http.StatusUnprocessableEntity},
		{apperr.ErrStructuralIntegrity, http.StatusUnprocessableEntity},
		{apperr.ErrPermissionExpired, http.StatusConflict},
		{apperr.NotFound("permission", "p-1"), http.StatusNotFound},
		{apperr.Conflict("duplicate"), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, apperr.HTTPStatus(tc.err), "%v", tc.err)
	}
}

func TestBodyOf(t *testing.T) {
	body := apperr.BodyOf(apperr.Validation("expires_at", "must be in the future"))
	assert.Equal(t, apperr.CodeValidation, body.Code)
	assert.Equal(t, "expires_at", body.Field)

	body = apperr.BodyOf(errors.New("secret dsn"))
	assert.Equal(t, "internal error", body.Error)
	assert.Equal(t, apperr.CodeInternal, body.Code)
}

func TestRequireUUID(t *testing.T) {
	assert.NoError(t, apperr.RequireUUID("user_id", "6f1c2a9e-8f65-4c1e-9b1a-0e2f4b8c9d10"))

	err := apperr.RequireUUID("user_id", "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, "user_id", apperr.As(err).Field)

	err = apperr.RequireUUID("node_id", "not-a-uuid")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestStatusForCode(t *testing.T) {
	assert.Equal(t, http.StatusForbidden, apperr.StatusForCode(apperr.CodeSelfGrantForbidden))
	assert.Equal(t, http.StatusConflict, apperr.StatusForCode(apperr.CodeConflict))
	assert.Equal(t, http.StatusBadRequest, apperr.StatusForCode(apperr.CodeValidation))
	assert.Equal(t, http.StatusInternalServerError, apperr.StatusForCode(apperr.CodeInternal))
	assert.Equal(t, http.StatusInternalServerError, apperr.StatusForCode("SOMETHING_ELSE"))
}
