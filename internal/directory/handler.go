package directory

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ekko-hq/ekko/internal/apperr"
	"github.com/ekko-hq/ekko/internal/auth"
)

type userService interface {
	CreateUser(ctx context.Context, actorID string, in CreateUserInput) (*User, error)
	UpdateUser(ctx context.Context, actorID, id string, in UpdateUserInput) (*User, error)
	SetActive(ctx context.Context, actorID, id string, active bool) (*User, error)
	GetUser(ctx context.Context, actorID, id string) (*User, error)
	ListUsers(ctx context.Context, actorID string, p ListParams) ([]User, int, error)
}

// Handler serves the user directory endpoints.
type Handler struct {
	svc userService
}

func NewHandler(svc userService) *Handler {
	return &Handler{svc: svc}
}

// HandleCreate adds a user.
// POST /api/v1/users
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 16<<10)
	actorID, ok := actor(w, r)
	if !ok {
		return
	}

	var in CreateUserInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	user, err := h.svc.CreateUser(r.Context(), actorID, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// HandleList lists the users below the caller's permitted nodes.
// GET /api/v1/users?node_id=<id>&active=true&search=<text>&offset=0&limit=50
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	p := ListParams{Search: query.Get("search")}
	if v := query.Get("node_id"); v != "" {
		p.NodeID = &v
	}
	if v := query.Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "active must be a boolean"})
			return
		}
		p.IsActive = &b
	}
	var err error
	if p.Offset, err = intParam(query.Get("offset"), 0, 0, 1<<30); err != nil {
		writeError(w, apperr.Validation("offset", err.Error()))
		return
	}
	if p.Limit, err = intParam(query.Get("limit"), 50, 1, 200); err != nil {
		writeError(w, apperr.Validation("limit", err.Error()))
		return
	}

	users, total, err := h.svc.ListUsers(r.Context(), actorID, p)
	if err != nil {
		writeError(w, err)
		return
	}
	if users == nil {
		users = []User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "total_count": total})
}

// HandleGet returns one user.
// GET /api/v1/users/{id}
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	user, err := h.svc.GetUser(r.Context(), actorID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// HandleUpdate changes a user's email, name or node.
// PATCH /api/v1/users/{id}
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 16<<10)
	actorID, ok := actor(w, r)
	if !ok {
		return
	}

	var in UpdateUserInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	user, err := h.svc.UpdateUser(r.Context(), actorID, r.PathValue("id"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// HandleDeactivate POST /api/v1/users/{id}/deactivate
func (h *Handler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

// HandleActivate POST /api/v1/users/{id}/activate
func (h *Handler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	user, err := h.svc.SetActive(r.Context(), actorID, r.PathValue("id"), active)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type rangeError string

func (e rangeError) Error() string { return string(e) }

func intParam(raw string, def, lo, hi int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, rangeError("must be an integer between " + strconv.Itoa(lo) + " and " + strconv.Itoa(hi))
	}
	return n, nil
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
		slog.Error("user request failed", "error", err)
	}
	writeJSON(w, apperr.HTTPStatus(err), apperr.BodyOf(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
