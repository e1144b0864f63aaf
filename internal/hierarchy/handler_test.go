package hierarchy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ekko-hq/ekko/internal/apperr"
	"github.com/ekko-hq/ekko/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNodeService struct {
	created   CreateNodeInput
	movedTo   *string
	actor     string
	err       error
	treeRoots []*TreeNode
}

func (f *fakeNodeService) CreateNode(_ context.Context, actorID string, in CreateNodeInput) (*Node, error) {
	f.actor, f.created = actorID, in
	if f.err != nil {
		return nil, f.err
	}
	return &Node{ID: "n-1", Name: in.Name, Level: DefaultRootLevel, IsActive: true}, nil
}

func (f *fakeNodeService) UpdateNode(_ context.Context, actorID, id string, in UpdateNodeInput) (*Node, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &Node{ID: id, Name: *in.Name}, nil
}

func (f *fakeNodeService) MoveNode(_ context.Context, actorID, id string, newParentID *string) (*Node, error) {
	f.actor, f.movedTo = actorID, newParentID
	if f.err != nil {
		return nil, f.err
	}
	return &Node{ID: id, ParentID: newParentID}, nil
}

func (f *fakeNodeService) DeactivateNode(_ context.Context, actorID, id string) (*Node, error) {
	return &Node{ID: id, IsActive: false}, f.err
}

func (f *fakeNodeService) ActivateNode(_ context.Context, actorID, id string) (*Node, error) {
	return &Node{ID: id, IsActive: true}, f.err
}

func (f *fakeNodeService) GetNode(_ context.Context, actorID, id string) (*Node, error) {
	f.actor = actorID
	if f.err != nil {
		return nil, f.err
	}
	return &Node{ID: id}, nil
}

func (f *fakeNodeService) Tree(_ context.Context, actorID string, _ *string) ([]*TreeNode, error) {
	f.actor = actorID
	return f.treeRoots, f.err
}

func withActor(req *http.Request) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UserID: "actor-1"}))
}

func TestHandleCreate(t *testing.T) {
	svc := &fakeNodeService{}
	h := NewHandler(svc)

	req := withActor(httptest.NewRequest(http.MethodPost, "/api/v1/nodes", strings.NewReader(`{"name":"National"}`)))
	w := httptest.NewRecorder()
	h.HandleCreate(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "actor-1", svc.actor)
	assert.Equal(t, "National", svc.created.Name)
}

func TestHandleCreate_RequiresIdentity(t *testing.T) {
	h := NewHandler(&fakeNodeService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/nodes", strings.NewReader(`{"name":"National"}`))
	w := httptest.NewRecorder()
	h.HandleCreate(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleCreate_InvalidBody(t *testing.T) {
	h := NewHandler(&fakeNodeService{})

	req := withActor(httptest.NewRequest(http.MethodPost, "/api/v1/nodes", strings.NewReader(`{`)))
	w := httptest.NewRecorder()
	h.HandleCreate(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCreate_ValidationError(t *testing.T) {
	h := NewHandler(&fakeNodeService{err: apperr.Validation("name", "is required")})

	req := withActor(httptest.NewRequest(http.MethodPost, "/api/v1/nodes", strings.NewReader(`{"name":""}`)))
	w := httptest.NewRecorder()
	h.HandleCreate(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body apperr.Body
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, apperr.CodeValidation, body.Code)
	assert.Equal(t, "name", body.Field)
}

func TestHandleMove_StructuralIntegrity(t *testing.T) {
	svc := &fakeNodeService{err: apperr.Domain(apperr.CodeStructuralIntegrity, "cycle")}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/nodes/{id}/move", NewHandler(svc).HandleMove)

	req := withActor(httptest.NewRequest(http.MethodPost, "/api/v1/nodes/n-1/move", strings.NewReader(`{"parent_id":"n-2"}`)))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.NotNil(t, svc.movedTo)
	assert.Equal(t, "n-2", *svc.movedTo)
}

func TestHandleMove_InsufficientAuthority(t *testing.T) {
	svc := &fakeNodeService{err: apperr.Domain(apperr.CodeInsufficientAuthority, "ADMIN over the node is required")}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/nodes/{id}/move", NewHandler(svc).HandleMove)

	req := withActor(httptest.NewRequest(http.MethodPost, "/api/v1/nodes/n-1/move", strings.NewReader(`{"parent_id":"n-2"}`)))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "actor-1", svc.actor)
	var body apperr.Body
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, apperr.CodeInsufficientAuthority, body.Code)
}

func TestHandleTree_RequiresIdentity(t *testing.T) {
	h := NewHandler(&fakeNodeService{})

	w := httptest.NewRecorder()
	h.HandleTree(w, httptest.NewRequest(http.MethodGet, "/api/v1/nodes/tree", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleMove_ToRoot(t *testing.T) {
	svc := &fakeNodeService{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/nodes/{id}/move", NewHandler(svc).HandleMove)

	req := withActor(httptest.NewRequest(http.MethodPost, "/api/v1/nodes/n-1/move", strings.NewReader(`{"parent_id":null}`)))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, svc.movedTo)
}

func TestHandleGet_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/nodes/{id}", NewHandler(&fakeNodeService{err: apperr.NotFound("node", "n-9")}).HandleGet)

	req := withActor(httptest.NewRequest(http.MethodGet, "/api/v1/nodes/n-9", nil))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleTree_EmptyIsArray(t *testing.T) {
	svc := &fakeNodeService{}
	h := NewHandler(svc)

	req := withActor(httptest.NewRequest(http.MethodGet, "/api/v1/nodes/tree", nil))
	w := httptest.NewRecorder()
	h.HandleTree(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
	assert.Equal(t, "actor-1", svc.actor)
}
