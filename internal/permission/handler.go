package permission

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ekko-hq/ekko/internal/apperr"
	"github.com/ekko-hq/ekko/internal/auth"
)

const maxBulkItems = 500

type commands interface {
	Grant(ctx context.Context, req GrantRequest) GrantResult
	BulkGrant(ctx context.Context, reqs []GrantRequest) BulkGrantResult
	Revoke(ctx context.Context, permissionID, revokerID string) RevokeResult
	BulkRevoke(ctx context.Context, revokerID string, permissionIDs []string) BulkRevokeResult
	UpdateExpiration(ctx context.Context, permissionID, actorID string, expiresAt *time.Time) GrantResult
	Reactivate(ctx context.Context, permissionID, actorID string) GrantResult
	ListUserPermissions(ctx context.Context, userID string) ([]View, error)
}

// Handler serves the permission command endpoints. The authenticated caller
// is always the granter or revoker.
type Handler struct {
	cmds commands
}

func NewHandler(cmds commands) *Handler {
	return &Handler{cmds: cmds}
}

// HandleGrant POST /api/v1/permissions
func (h *Handler) HandleGrant(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 16<<10)
	callerID, ok := caller(w, r)
	if !ok {
		return
	}

	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	req.GrantedBy = callerID

	res := h.cmds.Grant(r.Context(), req)
	writeGrantResult(w, res, http.StatusCreated)
}

// HandleBulkGrant POST /api/v1/permissions/bulk
func (h *Handler) HandleBulkGrant(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	callerID, ok := caller(w, r)
	if !ok {
		return
	}

	var body struct {
		Grants []GrantRequest `json:"grants"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(body.Grants) == 0 || len(body.Grants) > maxBulkItems {
		writeError(w, apperr.Validation("grants", "must contain between 1 and 500 items"))
		return
	}
	for i := range body.Grants {
		body.Grants[i].GrantedBy = callerID
	}

	writeJSON(w, http.StatusOK, h.cmds.BulkGrant(r.Context(), body.Grants))
}

// HandleRevoke DELETE /api/v1/permissions/{id}
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	callerID, ok := caller(w, r)
	if !ok {
		return
	}

	res := h.cmds.Revoke(r.Context(), r.PathValue("id"), callerID)
	if !res.Success {
		writeJSON(w, apperr.StatusForCode(apperr.Code(res.Code)), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleBulkRevoke POST /api/v1/permissions/bulk-revoke
func (h *Handler) HandleBulkRevoke(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 256<<10)
	callerID, ok := caller(w, r)
	if !ok {
		return
	}

	var body struct {
		PermissionIDs []string `json:"permission_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(body.PermissionIDs) == 0 || len(body.PermissionIDs) > maxBulkItems {
		writeError(w, apperr.Validation("permission_ids", "must contain between 1 and 500 items"))
		return
	}

	writeJSON(w, http.StatusOK, h.cmds.BulkRevoke(r.Context(), callerID, body.PermissionIDs))
}

// HandleUpdate changes the expiry. A null expires_at removes it.
// PATCH /api/v1/permissions/{id}
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
	callerID, ok := caller(w, r)
	if !ok {
		return
	}

	var body struct {
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	res := h.cmds.UpdateExpiration(r.Context(), r.PathValue("id"), callerID, body.ExpiresAt)
	writeGrantResult(w, res, http.StatusOK)
}

// HandleReactivate POST /api/v1/permissions/{id}/reactivate
func (h *Handler) HandleReactivate(w http.ResponseWriter, r *http.Request) {
	callerID, ok := caller(w, r)
	if !ok {
		return
	}
	res := h.cmds.Reactivate(r.Context(), r.PathValue("id"), callerID)
	writeGrantResult(w, res, http.StatusOK)
}

// HandleMyPermissions GET /api/v1/me/permissions
func (h *Handler) HandleMyPermissions(w http.ResponseWriter, r *http.Request) {
	callerID, ok := caller(w, r)
	if !ok {
		return
	}
	views, err := h.cmds.ListUserPermissions(r.Context(), callerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": views, "count": len(views)})
}

func writeGrantResult(w http.ResponseWriter, res GrantResult, okStatus int) {
	if !res.Success {
		writeJSON(w, apperr.StatusForCode(apperr.Code(res.Code)), res)
		return
	}
	writeJSON(w, okStatus, res)
}

func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := auth.RequireIdentity(r.Context())
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
		return "", false
	}
	return id, true
}

func writeError(w http.ResponseWriter, err error) {
	if apperr.KindOf(err) == apperr.KindInternal {
		slog.Error("permission request failed", "error", err)
	}
	writeJSON(w, apperr.HTTPStatus(err), apperr.BodyOf(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
