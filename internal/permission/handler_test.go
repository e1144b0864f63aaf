package permission

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ekko-hq/ekko/internal/apperr"
	"github.com/ekko-hq/ekko/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCommands struct {
	grants    []GrantRequest
	revoker   string
	revoked   []string
	expiresAt *time.Time
	grantRes  GrantResult
	revokeRes RevokeResult
	views     []View
}

func (f *fakeCommands) Grant(_ context.Context, req GrantRequest) GrantResult {
	f.grants = append(f.grants, req)
	return f.grantRes
}

func (f *fakeCommands) BulkGrant(_ context.Context, reqs []GrantRequest) BulkGrantResult {
	f.grants = append(f.grants, reqs...)
	out := BulkGrantResult{}
	for range reqs {
		out.Results = append(out.Results, GrantResult{Success: true})
		out.Succeeded++
	}
	return out
}

func (f *fakeCommands) Revoke(_ context.Context, id, revokerID string) RevokeResult {
	f.revoker = revokerID
	f.revoked = append(f.revoked, id)
	return f.revokeRes
}

func (f *fakeCommands) BulkRevoke(_ context.Context, revokerID string, ids []string) BulkRevokeResult {
	f.revoker = revokerID
	f.revoked = append(f.revoked, ids...)
	return BulkRevokeResult{Succeeded: len(ids)}
}

func (f *fakeCommands) UpdateExpiration(_ context.Context, id, _ string, expiresAt *time.Time) GrantResult {
	f.expiresAt = expiresAt
	return GrantResult{Success: true, PermissionID: id}
}

func (f *fakeCommands) Reactivate(_ context.Context, id, _ string) GrantResult {
	return f.grantRes
}

func (f *fakeCommands) ListUserPermissions(context.Context, string) ([]View, error) {
	return f.views, nil
}

func asCaller(req *http.Request, userID string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UserID: userID}))
}

func TestHandleGrant_UsesCallerAsGranter(t *testing.T) {
	cmds := &fakeCommands{grantRes: GrantResult{Success: true, PermissionID: "p-1"}}
	h := NewHandler(cmds)

	body := `{"user_id":"u-2","node_id":"n-1","permission_type":"READ","granted_by":"someone-else"}`
	req := asCaller(httptest.NewRequest(http.MethodPost, "/api/v1/permissions", strings.NewReader(body)), "u-1")
	w := httptest.NewRecorder()
	h.HandleGrant(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, cmds.grants, 1)
	assert.Equal(t, "u-1", cmds.grants[0].GrantedBy)

	var res GrantResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, "p-1", res.PermissionID)
}

func TestHandleGrant_FailureStatus(t *testing.T) {
	tests := []struct {
		code   apperr.Code
		status int
	}{
		{apperr.CodeValidation, http.StatusBadRequest},
		{apperr.CodeSelfGrantForbidden, http.StatusForbidden},
		{apperr.CodeInsufficientAuthority, http.StatusForbidden},
		{apperr.CodeUserInactive, http.StatusUnprocessableEntity},
		{apperr.CodeNotFound, http.StatusNotFound},
		{apperr.CodeConflict, http.StatusConflict},
		{apperr.CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			h := NewHandler(&fakeCommands{grantRes: GrantResult{Code: string(tt.code), Error: "nope"}})
			req := asCaller(httptest.NewRequest(http.MethodPost, "/api/v1/permissions", strings.NewReader(`{}`)), "u-1")
			w := httptest.NewRecorder()
			h.HandleGrant(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestHandleGrant_Unauthenticated(t *testing.T) {
	cmds := &fakeCommands{}
	h := NewHandler(cmds)

	w := httptest.NewRecorder()
	h.HandleGrant(w, httptest.NewRequest(http.MethodPost, "/api/v1/permissions", strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, cmds.grants)
}

func TestHandleGrant_BadBody(t *testing.T) {
	h := NewHandler(&fakeCommands{})
	req := asCaller(httptest.NewRequest(http.MethodPost, "/api/v1/permissions", strings.NewReader(`{`)), "u-1")
	w := httptest.NewRecorder()
	h.HandleGrant(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleBulkGrant(t *testing.T) {
	cmds := &fakeCommands{}
	h := NewHandler(cmds)

	body := `{"grants":[{"user_id":"a","node_id":"n","permission_type":"READ"},{"user_id":"b","node_id":"n","permission_type":"READ"}]}`
	req := asCaller(httptest.NewRequest(http.MethodPost, "/api/v1/permissions/bulk", strings.NewReader(body)), "u-1")
	w := httptest.NewRecorder()
	h.HandleBulkGrant(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, cmds.grants, 2)
	for _, g := range cmds.grants {
		assert.Equal(t, "u-1", g.GrantedBy)
	}

	req = asCaller(httptest.NewRequest(http.MethodPost, "/api/v1/permissions/bulk", strings.NewReader(`{"grants":[]}`)), "u-1")
	w = httptest.NewRecorder()
	h.HandleBulkGrant(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRevoke(t *testing.T) {
	cmds := &fakeCommands{revokeRes: RevokeResult{Success: true, PermissionID: "p-1", AlreadyRevoked: true}}
	h := NewHandler(cmds)

	req := asCaller(httptest.NewRequest(http.MethodDelete, "/api/v1/permissions/p-1", nil), "u-1")
	req.SetPathValue("id", "p-1")
	w := httptest.NewRecorder()
	h.HandleRevoke(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u-1", cmds.revoker)
	assert.Equal(t, []string{"p-1"}, cmds.revoked)
	assert.Contains(t, w.Body.String(), `"already_revoked":true`)

	cmds.revokeRes = RevokeResult{Code: string(apperr.CodeInsufficientAuthority)}
	w = httptest.NewRecorder()
	h.HandleRevoke(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleBulkRevoke(t *testing.T) {
	cmds := &fakeCommands{}
	h := NewHandler(cmds)

	req := asCaller(httptest.NewRequest(http.MethodPost, "/api/v1/permissions/bulk-revoke", strings.NewReader(`{"permission_ids":["p-1","p-2"]}`)), "u-1")
	w := httptest.NewRecorder()
	h.HandleBulkRevoke(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"p-1", "p-2"}, cmds.revoked)
}

func TestHandleUpdate_NullClearsExpiry(t *testing.T) {
	cmds := &fakeCommands{}
	h := NewHandler(cmds)

	req := asCaller(httptest.NewRequest(http.MethodPatch, "/api/v1/permissions/p-1", strings.NewReader(`{"expires_at":null}`)), "u-1")
	req.SetPathValue("id", "p-1")
	w := httptest.NewRecorder()
	h.HandleUpdate(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, cmds.expiresAt)

	req = asCaller(httptest.NewRequest(http.MethodPatch, "/api/v1/permissions/p-1", strings.NewReader(`{"expires_at":"2030-01-01T00:00:00Z"}`)), "u-1")
	req.SetPathValue("id", "p-1")
	w = httptest.NewRecorder()
	h.HandleUpdate(w, req)

	require.NotNil(t, cmds.expiresAt)
	assert.Equal(t, 2030, cmds.expiresAt.Year())
}

func TestHandleReactivate_Expired(t *testing.T) {
	h := NewHandler(&fakeCommands{grantRes: GrantResult{Code: string(apperr.CodePermissionExpired)}})

	req := asCaller(httptest.NewRequest(http.MethodPost, "/api/v1/permissions/p-1/reactivate", nil), "u-1")
	req.SetPathValue("id", "p-1")
	w := httptest.NewRecorder()
	h.HandleReactivate(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandleMyPermissions(t *testing.T) {
	h := NewHandler(&fakeCommands{views: []View{{Permission: Permission{ID: "p-1"}, IsEffective: true}}})

	req := asCaller(httptest.NewRequest(http.MethodGet, "/api/v1/me/permissions", nil), "u-1")
	w := httptest.NewRecorder()
	h.HandleMyPermissions(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Permissions []View `json:"permissions"`
		Count       int    `json:"count"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, 1, body.Count)
	assert.True(t, body.Permissions[0].IsEffective)
}
