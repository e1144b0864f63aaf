package access

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ekko-hq/ekko/internal/apperr"
	"github.com/ekko-hq/ekko/internal/auth"
)

type planner interface {
	Query(ctx context.Context, q Query) (*Result, error)
	CheckAccess(ctx context.Context, requesterID, targetUserID string) (bool, error)
	RefreshView(ctx context.Context, userID *string) error
	RefreshViewAs(ctx context.Context, requesterID, userID string) error
}

// Handler serves accessible-users reads and refresh triggers. The
// authenticated caller is the requester.
type Handler struct {
	planner planner
}

func NewHandler(p planner) *Handler {
	return &Handler{planner: p}
}

type queryResponse struct {
	*Result
	ExecutionTimeMS float64 `json:"execution_time_ms"`
}

// HandleQuery lists the users the caller can see.
// GET /api/v1/access/users?consistency=STRONG&active=true&node_id=<id>&search=<text>&offset=0&limit=20
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := caller(w, r)
	if !ok {
		return
	}

	params := r.URL.Query()
	q := Query{
		RequesterID: requesterID,
		Consistency: Consistency(params.Get("consistency")),
		Filters:     Filters{Search: params.Get("search"), NodeIDs: splitList(params["node_id"])},
	}
	if v := params.Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, apperr.Validation("active", "must be a boolean"))
			return
		}
		q.Filters.IsActive = &b
	}
	var err error
	if q.Page.Offset, err = intParam(params.Get("offset")); err != nil {
		writeError(w, apperr.Validation("offset", "must be an integer"))
		return
	}
	if q.Page.Limit, err = intParam(params.Get("limit")); err != nil {
		writeError(w, apperr.Validation("limit", "must be an integer"))
		return
	}

	res, err := h.planner.Query(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queryResponse{
		Result:          res,
		ExecutionTimeMS: float64(res.ExecutionTime) / float64(time.Millisecond),
	})
}

// HandleCheck reports whether the caller can see a user.
// GET /api/v1/access/check/{userID}
func (h *Handler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := caller(w, r)
	if !ok {
		return
	}
	target := r.PathValue("userID")
	allowed, err := h.planner.CheckAccess(r.Context(), requesterID, target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requester_id":   requesterID,
		"target_user_id": target,
		"has_access":     allowed,
	})
}

// HandleRefresh rebuilds the snapshot for the caller, or for the user named
// in the optional body when the caller is an admin.
// POST /api/v1/access/refresh
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
	requesterID, ok := caller(w, r)
	if !ok {
		return
	}

	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	userID := requesterID
	if body.UserID != "" {
		userID = body.UserID
	}

	if err := h.planner.RefreshViewAs(r.Context(), requesterID, userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refreshed": true, "user_id": userID})
}

// HandleCronRefresh rebuilds the whole snapshot. It is mounted behind the
// cron bearer secret, not user authentication.
// POST /api/cron/refresh-materialized-views
func (h *Handler) HandleCronRefresh(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := h.planner.RefreshView(r.Context(), nil); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"refreshed":   true,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// splitList accepts repeated parameters and comma-separated values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
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
		slog.Error("access request failed", "error", err)
	}
	writeJSON(w, apperr.HTTPStatus(err), apperr.BodyOf(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
