package hierarchy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ekko-hq/ekko/internal/apperr"
	"github.com/ekko-hq/ekko/internal/auth"
)

type nodeService interface {
	CreateNode(ctx context.Context, actorID string, in CreateNodeInput) (*Node, error)
	UpdateNode(ctx context.Context, actorID, id string, in UpdateNodeInput) (*Node, error)
	MoveNode(ctx context.Context, actorID, id string, newParentID *string) (*Node, error)
	DeactivateNode(ctx context.Context, actorID, id string) (*Node, error)
	ActivateNode(ctx context.Context, actorID, id string) (*Node, error)
	GetNode(ctx context.Context, actorID, id string) (*Node, error)
	Tree(ctx context.Context, actorID string, rootID *string) ([]*TreeNode, error)
}

// Handler serves the organization node endpoints.
type Handler struct {
	svc nodeService
}

func NewHandler(svc nodeService) *Handler {
	return &Handler{svc: svc}
}

// HandleCreate creates a node.
// POST /api/v1/nodes
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	actorID, ok := actor(w, r)
	if !ok {
		return
	}

	var in CreateNodeInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	node, err := h.svc.CreateNode(r.Context(), actorID, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

// HandleTree returns the subtrees the caller holds permissions over.
// GET /api/v1/nodes/tree?root_id=<id>
func (h *Handler) HandleTree(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	var rootID *string
	if v := r.URL.Query().Get("root_id"); v != "" {
		rootID = &v
	}
	tree, err := h.svc.Tree(r.Context(), actorID, rootID)
	if err != nil {
		writeError(w, err)
		return
	}
	if tree == nil {
		tree = []*TreeNode{}
	}
	writeJSON(w, http.StatusOK, tree)
}

// HandleGet returns one node.
// GET /api/v1/nodes/{id}
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	node, err := h.svc.GetNode(r.Context(), actorID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// HandleUpdate renames a node or replaces its metadata.
// PATCH /api/v1/nodes/{id}
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	actorID, ok := actor(w, r)
	if !ok {
		return
	}

	var in UpdateNodeInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	node, err := h.svc.UpdateNode(r.Context(), actorID, r.PathValue("id"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// HandleMove re-parents a node. A null parent_id makes it a root.
// POST /api/v1/nodes/{id}/move
func (h *Handler) HandleMove(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
	actorID, ok := actor(w, r)
	if !ok {
		return
	}

	var req struct {
		ParentID *string `json:"parent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	node, err := h.svc.MoveNode(r.Context(), actorID, r.PathValue("id"), req.ParentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// HandleDeactivate soft-deletes a node.
// POST /api/v1/nodes/{id}/deactivate
func (h *Handler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, h.svc.DeactivateNode)
}

// HandleActivate restores a deactivated node.
// POST /api/v1/nodes/{id}/activate
func (h *Handler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, h.svc.ActivateNode)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, string) (*Node, error)) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	node, err := fn(r.Context(), actorID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := auth.RequireIdentity(r.Context())
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
		return "", false
	}
	return id, true
}

func writeError(w http.ResponseWriter, err error) {
	if apperr.KindOf(err) == apperr.KindInternal {
		slog.Error("node request failed", "error", err)
	}
	writeJSON(w, apperr.HTTPStatus(err), apperr.BodyOf(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
