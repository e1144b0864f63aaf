package permission_test

import (
	"context"
	"testing"
	"time"

	"github.com/ekko-hq/ekko/internal/apperr"
	"github.com/ekko-hq/ekko/internal/audit"
	"github.com/ekko-hq/ekko/internal/directory"
	"github.com/ekko-hq/ekko/internal/freshness"
	"github.com/ekko-hq/ekko/internal/hierarchy"
	"github.com/ekko-hq/ekko/internal/permission"
	"github.com/ekko-hq/ekko/internal/platform/database"
	"github.com/ekko-hq/ekko/internal/platform/database/databasetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	pool      *database.Pool
	ledger    *permission.Ledger
	freshness *freshness.Store
	audit     *audit.Store
	pipeline  *permission.Pipeline
	sweeper   *permission.Sweeper

	national, london, westminster *hierarchy.Node
	admin, manager, alice         *directory.User
}

func setup(t *testing.T) *env {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	pool := databasetest.Setup(t)
	tx := database.NewTransactor(pool)

	nodes := hierarchy.NewNodeStore()
	closure := hierarchy.NewClosureStore()
	users := directory.NewStore()
	ledger := permission.NewLedger()
	fresh := freshness.NewStore()
	auditLog := audit.NewStore()

	e := &env{pool: pool, ledger: ledger, freshness: fresh, audit: auditLog}

	mkNode := func(name string, parent *hierarchy.Node, level int) *hierarchy.Node {
		var parentID *string
		if parent != nil {
			parentID = &parent.ID
		}
		n, err := nodes.Create(ctx, pool, name, parentID, level, nil)
		require.NoError(t, err)
		require.NoError(t, closure.AddNode(ctx, pool, n.ID, parentID))
		return n
	}
	e.national = mkNode("National", nil, 2)
	e.london = mkNode("London", e.national, 1)
	e.westminster = mkNode("Westminster", e.london, 0)

	mkUser := func(email, name string, node *hierarchy.Node) *directory.User {
		u, err := users.Create(ctx, pool, email, name, node.ID)
		require.NoError(t, err)
		return u
	}
	e.admin = mkUser("admin@example.com", "Ada Admin", e.national)
	e.manager = mkUser("manager@example.com", "Max Manager", e.london)
	e.alice = mkUser("alice@example.com", "Alice", e.westminster)

	e.pipeline = permission.NewPipeline(permission.PipelineDeps{
		DB:        pool,
		Tx:        tx,
		Ledger:    ledger,
		Users:     users,
		Nodes:     nodes,
		Checker:   permission.NewChecker(ledger, closure),
		Freshness: fresh,
		Audit:     auditLog,
	})
	e.sweeper = permission.NewSweeper(tx, ledger, fresh, auditLog, nil, nil)

	res := e.pipeline.Bootstrap(ctx, e.admin.ID, e.national.ID)
	require.True(t, res.Success, res.Error)
	return e
}

func TestPipeline_GrantRevokeRegrant(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	res := e.pipeline.Grant(ctx, permission.GrantRequest{UserID: e.manager.ID, NodeID: e.london.ID, Type: "MANAGE", GrantedBy: e.admin.ID})
	require.True(t, res.Success, res.Error)

	read := e.pipeline.Grant(ctx, permission.GrantRequest{UserID: e.alice.ID, NodeID: e.westminster.ID, Type: "READ", GrantedBy: e.manager.ID})
	require.True(t, read.Success, read.Error)

	dup := e.pipeline.Grant(ctx, permission.GrantRequest{UserID: e.alice.ID, NodeID: e.westminster.ID, Type: "READ", GrantedBy: e.admin.ID})
	assert.Equal(t, string(apperr.CodeConflict), dup.Code)

	rec, err := e.freshness.Get(ctx, e.pool, e.alice.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.IsStale)

	rev := e.pipeline.Revoke(ctx, read.PermissionID, e.manager.ID)
	require.True(t, rev.Success, rev.Error)
	again := e.pipeline.Revoke(ctx, read.PermissionID, e.manager.ID)
	assert.True(t, again.AlreadyRevoked)

	p, err := e.ledger.GetByID(ctx, e.pool, read.PermissionID)
	require.NoError(t, err)
	assert.False(t, p.IsActive)
	require.NotNil(t, p.RevokedBy)
	assert.Equal(t, e.manager.ID, *p.RevokedBy)

	regrant := e.pipeline.Grant(ctx, permission.GrantRequest{UserID: e.alice.ID, NodeID: e.westminster.ID, Type: "READ", GrantedBy: e.manager.ID})
	assert.True(t, regrant.Success, regrant.Error)

	events, err := e.audit.List(ctx, e.pool, audit.ListEventsParams{AggregateID: &read.PermissionID})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, audit.EventPermissionGranted, events[0].EventType)
	assert.Equal(t, audit.EventPermissionRevoked, events[1].EventType)
	assert.Equal(t, int64(2), events[1].Version)
}

func TestPipeline_BootstrapOnlyOnce(t *testing.T) {
	e := setup(t)

	res := e.pipeline.Bootstrap(context.Background(), e.manager.ID, e.national.ID)
	assert.Equal(t, string(apperr.CodeConflict), res.Code)

	views, err := e.pipeline.ListUserPermissions(context.Background(), e.admin.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, permission.Admin, views[0].Type)
	assert.Equal(t, permission.SystemPrincipal, views[0].GrantedBy)
}

func TestLedger_HoldersAndExpiry(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	now := time.Now()

	expiring := &permission.Permission{
		UserID:    e.alice.ID,
		NodeID:    e.westminster.ID,
		Type:      permission.Read,
		GrantedBy: e.admin.ID,
		GrantedAt: now.Add(-2 * time.Hour),
		ExpiresAt: ptr(now.Add(-time.Hour)),
	}
	require.NoError(t, e.ledger.Insert(ctx, e.pool, expiring))

	holders, err := e.ledger.HoldersOn(ctx, e.pool, []string{e.westminster.ID, e.national.ID}, now)
	require.NoError(t, err)
	assert.Equal(t, []string{e.admin.ID}, holders, "expired permissions hold nothing")

	n, err := e.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err := e.ledger.GetByID(ctx, e.pool, expiring.ID)
	require.NoError(t, err)
	assert.False(t, p.IsActive)
	assert.Nil(t, p.RevokedBy, "expiry is not a revoke")

	react := e.pipeline.Reactivate(ctx, expiring.ID, e.admin.ID)
	assert.Equal(t, string(apperr.CodePermissionExpired), react.Code)
}

func TestLedger_UniqueActiveIndex(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	p := &permission.Permission{UserID: e.alice.ID, NodeID: e.london.ID, Type: permission.Read, GrantedBy: e.admin.ID}
	require.NoError(t, e.ledger.Insert(ctx, e.pool, p))

	dup := &permission.Permission{UserID: e.alice.ID, NodeID: e.london.ID, Type: permission.Read, GrantedBy: e.manager.ID}
	err := e.ledger.Insert(ctx, e.pool, dup)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	other := &permission.Permission{UserID: e.alice.ID, NodeID: e.london.ID, Type: permission.Manage, GrantedBy: e.admin.ID}
	assert.NoError(t, e.ledger.Insert(ctx, e.pool, other), "a different type is a separate grant")
}

func ptr[T any](v T) *T { return &v }

func TestPipeline_RegrantReplacesExpiredBeforeSweep(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	old := &permission.Permission{
		UserID:    e.alice.ID,
		NodeID:    e.westminster.ID,
		Type:      permission.Read,
		GrantedBy: e.admin.ID,
		GrantedAt: past.Add(-time.Hour),
		ExpiresAt: &past,
	}
	require.NoError(t, e.ledger.Insert(ctx, e.pool, old))
	require.True(t, old.IsActive)

	res := e.pipeline.Grant(ctx, permission.GrantRequest{UserID: e.alice.ID, NodeID: e.westminster.ID, Type: "READ", GrantedBy: e.admin.ID})
	require.True(t, res.Success, res.Error)

	stored, err := e.ledger.GetByID(ctx, e.pool, old.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.Nil(t, stored.RevokedBy, "expiry is not a revocation")

	events, err := e.audit.List(ctx, e.pool, audit.ListEventsParams{AggregateID: &old.ID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventPermissionExpired, events[0].EventType)

	n, err := e.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
