package access_test

import (
	"context"
	"testing"
	"time"

	"github.com/ekko-hq/ekko/internal/access"
	"github.com/ekko-hq/ekko/internal/directory"
	"github.com/ekko-hq/ekko/internal/freshness"
	"github.com/ekko-hq/ekko/internal/hierarchy"
	"github.com/ekko-hq/ekko/internal/permission"
	"github.com/ekko-hq/ekko/internal/platform/database"
	"github.com/ekko-hq/ekko/internal/platform/database/databasetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scenario struct {
	pool      *database.Pool
	planner   *access.Planner
	snapshots *access.SnapshotStore
	freshness *freshness.Store
	ledger    *permission.Ledger

	national, london, westminster *hierarchy.Node
	// admin holds ADMIN on National, manager MANAGE on London, staff READ on
	// Westminster.
	admin, manager, staff *directory.User
}

func setupScenario(t *testing.T) *scenario {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	pool := databasetest.Setup(t)

	nodes := hierarchy.NewNodeStore()
	closure := hierarchy.NewClosureStore()
	users := directory.NewStore()

	s := &scenario{
		pool:      pool,
		snapshots: access.NewSnapshotStore(),
		freshness: freshness.NewStore(),
		ledger:    permission.NewLedger(),
	}

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
	s.national = mkNode("National", nil, 2)
	s.london = mkNode("London", s.national, 1)
	s.westminster = mkNode("Westminster", s.london, 0)

	mkUser := func(email, name string, node *hierarchy.Node) *directory.User {
		u, err := users.Create(ctx, pool, email, name, node.ID)
		require.NoError(t, err)
		return u
	}
	s.admin = mkUser("a@example.com", "Ada", s.national)
	s.manager = mkUser("m@example.com", "Max", s.london)
	s.staff = mkUser("s@example.com", "Sam", s.westminster)

	s.grant(t, s.admin.ID, s.national.ID, permission.Admin, permission.SystemPrincipal)
	s.grant(t, s.manager.ID, s.london.ID, permission.Manage, s.admin.ID)
	s.grant(t, s.staff.ID, s.westminster.ID, permission.Read, s.manager.ID)

	s.planner = access.NewPlanner(access.PlannerDeps{
		DB:        pool,
		Tx:        database.NewTransactor(pool),
		Direct:    access.NewDirectStore(),
		Snapshots: s.snapshots,
		Freshness: s.freshness,
	})
	return s
}

func (s *scenario) grant(t *testing.T, userID, nodeID string, typ permission.Type, by string) *permission.Permission {
	t.Helper()
	p := &permission.Permission{UserID: userID, NodeID: nodeID, Type: typ, GrantedBy: by}
	require.NoError(t, s.ledger.Insert(context.Background(), s.pool, p))
	return p
}

func ids(users []access.AccessibleUser) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.ID)
	}
	return out
}

func TestDirect_HierarchyScenario(t *testing.T) {
	s := setupScenario(t)
	ctx := context.Background()

	query := func(requester string) *access.Result {
		res, err := s.planner.Query(ctx, access.Query{RequesterID: requester, Consistency: access.Strong})
		require.NoError(t, err)
		assert.Equal(t, access.SourceDirect, res.DataSource)
		return res
	}

	assert.ElementsMatch(t, []string{s.manager.ID, s.staff.ID}, ids(query(s.admin.ID).Users))
	assert.Equal(t, []string{s.staff.ID}, ids(query(s.manager.ID).Users))
	assert.Empty(t, query(s.staff.ID).Users, "nobody else sits at or below Westminster")

	ok, err := s.planner.CheckAccess(ctx, s.staff.ID, s.manager.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.planner.CheckAccess(ctx, s.admin.ID, s.staff.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.planner.CheckAccess(ctx, s.staff.ID, s.staff.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDirect_FiltersAndSearch(t *testing.T) {
	s := setupScenario(t)
	ctx := context.Background()

	res, err := s.planner.Query(ctx, access.Query{
		RequesterID: s.admin.ID,
		Consistency: access.Strong,
		Filters:     access.Filters{NodeIDs: []string{s.westminster.ID}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{s.staff.ID}, ids(res.Users))
	assert.Equal(t, "Westminster", res.Users[0].NodeName)

	res, err = s.planner.Query(ctx, access.Query{
		RequesterID: s.admin.ID,
		Consistency: access.Strong,
		Filters:     access.Filters{Search: "MAX"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{s.manager.ID}, ids(res.Users))

	res, err = s.planner.Query(ctx, access.Query{
		RequesterID: s.admin.ID,
		Consistency: access.Strong,
		Page:        access.Page{Limit: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalCount)
	assert.Len(t, res.Users, 1)
	assert.True(t, res.HasNextPage)
	assert.Equal(t, "Max", res.Users[0].Name, "ordered by name")
}

func TestDirect_ExpiredPermissionGrantsNothing(t *testing.T) {
	s := setupScenario(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	p := &permission.Permission{
		UserID:    s.staff.ID,
		NodeID:    s.national.ID,
		Type:      permission.Read,
		GrantedBy: s.admin.ID,
		GrantedAt: past.Add(-time.Hour),
		ExpiresAt: &past,
	}
	require.NoError(t, s.ledger.Insert(ctx, s.pool, p))

	res, err := s.planner.Query(ctx, access.Query{RequesterID: s.staff.ID, Consistency: access.Strong})
	require.NoError(t, err)
	assert.Empty(t, res.Users)
}

func TestEventual_MatchesStrongAfterRefresh(t *testing.T) {
	s := setupScenario(t)
	ctx := context.Background()

	first, err := s.planner.Query(ctx, access.Query{RequesterID: s.admin.ID, Consistency: access.Eventual})
	require.NoError(t, err)
	assert.Equal(t, access.SourceDirect, first.DataSource, "no freshness record yet")

	require.NoError(t, s.planner.RefreshView(ctx, nil))

	for _, requester := range []string{s.admin.ID, s.manager.ID} {
		require.NoError(t, s.freshness.MarkStale(ctx, s.pool, requester))
		require.NoError(t, s.planner.RefreshView(ctx, &requester))

		strong, err := s.planner.Query(ctx, access.Query{RequesterID: requester, Consistency: access.Strong})
		require.NoError(t, err)
		eventual, err := s.planner.Query(ctx, access.Query{RequesterID: requester, Consistency: access.Eventual})
		require.NoError(t, err)

		assert.Equal(t, access.SourceView, eventual.DataSource)
		assert.Equal(t, ids(strong.Users), ids(eventual.Users))
		assert.Equal(t, strong.TotalCount, eventual.TotalCount)
		require.NotNil(t, eventual.LastUpdated)
	}
}

func TestEventual_StaleAfterGrantGoesLive(t *testing.T) {
	s := setupScenario(t)
	ctx := context.Background()

	require.NoError(t, s.freshness.MarkStale(ctx, s.pool, s.staff.ID))
	staff := s.staff.ID
	require.NoError(t, s.planner.RefreshView(ctx, &staff))

	s.grant(t, s.staff.ID, s.london.ID, permission.Read, s.admin.ID)
	require.NoError(t, s.freshness.MarkStale(ctx, s.pool, s.staff.ID))

	res, err := s.planner.Query(ctx, access.Query{RequesterID: s.staff.ID})
	require.NoError(t, err)
	assert.Equal(t, access.SourceDirect, res.DataSource)
	assert.Equal(t, []string{s.manager.ID}, ids(res.Users))
}

func TestSnapshot_RebuildIsReproducible(t *testing.T) {
	s := setupScenario(t)
	ctx := context.Background()

	require.NoError(t, s.planner.RefreshView(ctx, nil))
	first, err := s.snapshots.Rows(ctx, s.pool, s.admin.ID)
	require.NoError(t, err)
	require.Len(t, first, 2)

	require.NoError(t, s.planner.RefreshView(ctx, nil))
	second, err := s.snapshots.Rows(ctx, s.pool, s.admin.ID)
	require.NoError(t, err)

	key := func(rows []access.SnapshotRow) []string {
		out := make([]string, 0, len(rows))
		for _, r := range rows {
			out = append(out, r.RequesterID+"/"+r.TargetUserID+"/"+r.TargetNodeID+"/"+r.NodeName)
		}
		return out
	}
	assert.ElementsMatch(t, key(first), key(second))

	self, err := s.snapshots.Rows(ctx, s.pool, s.staff.ID)
	require.NoError(t, err)
	assert.Empty(t, self, "requesters never appear in their own slice")
}
