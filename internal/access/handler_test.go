package access

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

type fakePlanner struct {
	query     Query
	result    *Result
	err       error
	checked   [2]string
	allowed   bool
	refreshed []*string
	onBehalf  []string
}

func (f *fakePlanner) Query(_ context.Context, q Query) (*Result, error) {
	f.query = q
	return f.result, f.err
}

func (f *fakePlanner) CheckAccess(_ context.Context, requesterID, targetUserID string) (bool, error) {
	f.checked = [2]string{requesterID, targetUserID}
	return f.allowed, f.err
}

func (f *fakePlanner) RefreshView(_ context.Context, userID *string) error {
	f.refreshed = append(f.refreshed, userID)
	return f.err
}

func (f *fakePlanner) RefreshViewAs(ctx context.Context, requesterID, userID string) error {
	f.onBehalf = append(f.onBehalf, requesterID)
	return f.RefreshView(ctx, &userID)
}

func authed(r *http.Request) *http.Request {
	return r.WithContext(auth.WithIdentity(r.Context(), &auth.Identity{UserID: requesterID}))
}

func TestHandleQuery_ParsesParameters(t *testing.T) {
	p := &fakePlanner{result: &Result{
		Users:         []AccessibleUser{{ID: targetID, Name: "Sam"}},
		TotalCount:    1,
		DataSource:    SourceView,
		ExecutionTime: 1500 * time.Microsecond,
	}}
	h := NewHandler(p)

	url := "/api/v1/access/users?consistency=strong&active=false&node_id=a,b&node_id=c&search=sam&offset=20&limit=10"
	rec := httptest.NewRecorder()
	h.HandleQuery(rec, authed(httptest.NewRequest(http.MethodGet, url, nil)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, requesterID, p.query.RequesterID)
	assert.Equal(t, Consistency("strong"), p.query.Consistency)
	require.NotNil(t, p.query.Filters.IsActive)
	assert.False(t, *p.query.Filters.IsActive)
	assert.Equal(t, []string{"a", "b", "c"}, p.query.Filters.NodeIDs)
	assert.Equal(t, "sam", p.query.Filters.Search)
	assert.Equal(t, Page{Offset: 20, Limit: 10}, p.query.Page)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "materialized_view", body["data_source"])
	assert.InDelta(t, 1.5, body["execution_time_ms"], 0.0001)
	assert.InDelta(t, 1, body["total_count"], 0)
	assert.Len(t, body["users"], 1)
}

func TestHandleQuery_Defaults(t *testing.T) {
	p := &fakePlanner{result: &Result{Users: []AccessibleUser{}}}
	rec := httptest.NewRecorder()
	NewHandler(p).HandleQuery(rec, authed(httptest.NewRequest(http.MethodGet, "/api/v1/access/users", nil)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, p.query.Filters.IsActive)
	assert.Empty(t, p.query.Filters.NodeIDs)
	assert.Equal(t, Page{}, p.query.Page)
}

func TestHandleQuery_BadParameters(t *testing.T) {
	for _, qs := range []string{"active=maybe", "offset=x", "limit=1.5"} {
		t.Run(qs, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewHandler(&fakePlanner{}).HandleQuery(rec, authed(httptest.NewRequest(http.MethodGet, "/api/v1/access/users?"+qs, nil)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandleQuery_PlannerErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	p := &fakePlanner{err: apperr.Validation("consistency", "must be STRONG or EVENTUAL")}
	NewHandler(p).HandleQuery(rec, authed(httptest.NewRequest(http.MethodGet, "/api/v1/access/users?consistency=x", nil)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR")

	rec = httptest.NewRecorder()
	p = &fakePlanner{err: apperr.Internal(assert.AnError)}
	NewHandler(p).HandleQuery(rec, authed(httptest.NewRequest(http.MethodGet, "/api/v1/access/users", nil)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
}

func TestHandleQuery_RequiresAuth(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(&fakePlanner{}).HandleQuery(rec, httptest.NewRequest(http.MethodGet, "/api/v1/access/users", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleCheck(t *testing.T) {
	p := &fakePlanner{allowed: true}
	req := authed(httptest.NewRequest(http.MethodGet, "/api/v1/access/check/"+targetID, nil))
	req.SetPathValue("userID", targetID)
	rec := httptest.NewRecorder()

	NewHandler(p).HandleCheck(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, [2]string{requesterID, targetID}, p.checked)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["has_access"])
}

func TestHandleRefresh(t *testing.T) {
	p := &fakePlanner{}
	h := NewHandler(p)

	rec := httptest.NewRecorder()
	h.HandleRefresh(rec, authed(httptest.NewRequest(http.MethodPost, "/api/v1/access/refresh", nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, p.refreshed, 1)
	assert.Equal(t, requesterID, *p.refreshed[0], "defaults to the caller")

	rec = httptest.NewRecorder()
	body := strings.NewReader(`{"user_id":"` + targetID + `"}`)
	h.HandleRefresh(rec, authed(httptest.NewRequest(http.MethodPost, "/api/v1/access/refresh", body)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, targetID, *p.refreshed[1])
	assert.Equal(t, []string{requesterID, requesterID}, p.onBehalf)

	rec = httptest.NewRecorder()
	h.HandleRefresh(rec, authed(httptest.NewRequest(http.MethodPost, "/api/v1/access/refresh", strings.NewReader("{"))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRefresh_OtherUserForbidden(t *testing.T) {
	p := &fakePlanner{err: apperr.Domain(apperr.CodeInsufficientAuthority, "refreshing another user's view requires ADMIN")}
	h := NewHandler(p)

	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"user_id":"` + targetID + `"}`)
	h.HandleRefresh(rec, authed(httptest.NewRequest(http.MethodPost, "/api/v1/access/refresh", body)))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	var resp apperr.Body
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, apperr.CodeInsufficientAuthority, resp.Code)
}

func TestHandleCronRefresh(t *testing.T) {
	p := &fakePlanner{}
	rec := httptest.NewRecorder()
	NewHandler(p).HandleCronRefresh(rec, httptest.NewRequest(http.MethodPost, "/api/cron/refresh-materialized-views", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, p.refreshed, 1)
	assert.Nil(t, p.refreshed[0])
	assert.Contains(t, rec.Body.String(), `"refreshed":true`)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList([]string{" a , ", "b"}))
	assert.Nil(t, splitList(nil))
}
