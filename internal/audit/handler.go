package audit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ekko-hq/ekko/internal/auth"
	"github.com/ekko-hq/ekko/internal/platform/database"
)

// Handler serves audit query endpoints.
type Handler struct {
	db    database.Querier
	store *Store
}

// NewHandler creates an audit query handler.
func NewHandler(db database.Querier, store *Store) *Handler {
	return &Handler{db: db, store: store}
}

// HandleListEvents returns the audit events visible to the caller.
// GET /api/v1/audit/{aggregateID}?event_type=<type>&limit=50&after=<timestamp>
// GET /api/v1/audit/events?aggregate_id=<id>
func (h *Handler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	caller, err := auth.RequireIdentity(r.Context())
	if err != nil {
		writeAuditJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
		return
	}
	params := ListEventsParams{Limit: 50, VisibleTo: &caller}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			writeAuditJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 200"})
			return
		}
		params.Limit = n
	}
	if raw := r.URL.Query().Get("after"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeAuditJSON(w, http.StatusBadRequest, map[string]string{"error": "after must be RFC3339"})
			return
		}
		params.After = &t
	}
	if v := r.PathValue("aggregateID"); v != "" {
		params.AggregateID = &v
	} else if v := r.URL.Query().Get("aggregate_id"); v != "" {
		params.AggregateID = &v
	}
	if v := r.URL.Query().Get("aggregate_type"); v != "" {
		params.AggregateType = &v
	}
	if v := r.URL.Query().Get("event_type"); v != "" {
		params.EventType = &v
	}

	if h.db == nil || h.store == nil {
		writeAuditJSON(w, http.StatusOK, map[string]any{"events": []Event{}, "count": 0})
		return
	}

	events, err := h.store.List(r.Context(), h.db, params)
	if err != nil {
		writeAuditJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	if events == nil {
		events = []Event{}
	}

	writeAuditJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func writeAuditJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
