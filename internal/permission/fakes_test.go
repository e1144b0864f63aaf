package permission

import (
	"context"
	"sync"
	"time"

	"github.com/ekko-hq/ekko/internal/apperr"
	"github.com/ekko-hq/ekko/internal/audit"
	"github.com/ekko-hq/ekko/internal/directory"
	"github.com/ekko-hq/ekko/internal/hierarchy"
	"github.com/ekko-hq/ekko/internal/notify"
	"github.com/ekko-hq/ekko/internal/platform/database"
	"github.com/google/uuid"
)

// fakeTx runs fn without a database.
type fakeTx struct{}

func (fakeTx) InTx(ctx context.Context, fn func(ctx context.Context, q database.Querier) error) error {
	return fn(ctx, nil)
}

type memLedger struct {
	perms     map[string]*Permission
	order     []string
	insertErr error
}

func newMemLedger() *memLedger {
	return &memLedger{perms: map[string]*Permission{}}
}

func (l *memLedger) Insert(_ context.Context, _ database.Querier, p *Permission) error {
	if l.insertErr != nil {
		return l.insertErr
	}
	for _, existing := range l.perms {
		if existing.IsActive && existing.UserID == p.UserID && existing.NodeID == p.NodeID && existing.Type == p.Type {
			return apperr.Conflict("duplicate")
		}
	}
	p.ID = uuid.NewString()
	p.IsActive = true
	cp := *p
	l.perms[p.ID] = &cp
	l.order = append(l.order, p.ID)
	return nil
}

// seed inserts an active permission directly.
func (l *memLedger) seed(userID, nodeID string, t Type, grantedBy string, expiresAt *time.Time) *Permission {
	p := &Permission{UserID: userID, NodeID: nodeID, Type: t, GrantedBy: grantedBy, GrantedAt: time.Unix(0, 0), ExpiresAt: expiresAt}
	if err := l.Insert(context.Background(), nil, p); err != nil {
		panic(err)
	}
	return l.perms[p.ID]
}

func (l *memLedger) GetByIDForUpdate(_ context.Context, _ database.Querier, id string) (*Permission, error) {
	p, ok := l.perms[id]
	if !ok {
		return nil, apperr.NotFound("permission", id)
	}
	cp := *p
	return &cp, nil
}

func (l *memLedger) FindActive(_ context.Context, _ database.Querier, userID, nodeID string, t Type) (*Permission, error) {
	for _, p := range l.perms {
		if p.IsActive && p.UserID == userID && p.NodeID == nodeID && p.Type == t {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (l *memLedger) ExpireOne(_ context.Context, _ database.Querier, id string, now time.Time) (bool, error) {
	p, ok := l.perms[id]
	if !ok || !p.IsActive || !p.IsExpired(now) {
		return false, nil
	}
	p.IsActive = false
	return true, nil
}

func (l *memLedger) Revoke(_ context.Context, _ database.Querier, id, revokerID string) (bool, error) {
	p, ok := l.perms[id]
	if !ok || !p.IsActive {
		return false, nil
	}
	p.IsActive = false
	p.RevokedBy = &revokerID
	return true, nil
}

func (l *memLedger) Reactivate(_ context.Context, _ database.Querier, id string, now time.Time) error {
	p, ok := l.perms[id]
	if !ok {
		return apperr.NotFound("permission", id)
	}
	if p.IsExpired(now) {
		return apperr.ErrPermissionExpired
	}
	for _, other := range l.perms {
		if other.ID != id && other.IsActive && other.UserID == p.UserID && other.NodeID == p.NodeID && other.Type == p.Type {
			return apperr.Conflict("duplicate")
		}
	}
	p.IsActive = true
	p.RevokedBy = nil
	return nil
}

func (l *memLedger) UpdateExpiry(_ context.Context, _ database.Querier, id string, expiresAt *time.Time) error {
	p, ok := l.perms[id]
	if !ok {
		return apperr.NotFound("permission", id)
	}
	p.ExpiresAt = expiresAt
	return nil
}

func (l *memLedger) ListByUser(_ context.Context, _ database.Querier, userID string) ([]Permission, error) {
	var out []Permission
	for _, id := range l.order {
		if p := l.perms[id]; p.UserID == userID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (l *memLedger) ListAuthority(_ context.Context, _ database.Querier, userID string, now time.Time) ([]Permission, error) {
	var out []Permission
	for _, id := range l.order {
		p := l.perms[id]
		if p.UserID == userID && p.IsEffective(now) && (p.Type == Admin || p.Type == Manage) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (l *memLedger) ListEffective(_ context.Context, _ database.Querier, userID string, now time.Time) ([]Permission, error) {
	var out []Permission
	for _, id := range l.order {
		if p := l.perms[id]; p.UserID == userID && p.IsEffective(now) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (l *memLedger) HasActiveAdmin(_ context.Context, _ database.Querier, nodeID string, now time.Time) (bool, error) {
	for _, p := range l.perms {
		if p.NodeID == nodeID && p.Type == Admin && p.IsEffective(now) {
			return true, nil
		}
	}
	return false, nil
}

func (l *memLedger) ExpireDue(_ context.Context, _ database.Querier, now time.Time) ([]ExpiredGrant, error) {
	var out []ExpiredGrant
	for _, id := range l.order {
		p := l.perms[id]
		if p.IsActive && p.IsExpired(now) {
			p.IsActive = false
			out = append(out, ExpiredGrant{PermissionID: p.ID, UserID: p.UserID, NodeID: p.NodeID})
		}
	}
	return out, nil
}

func (l *memLedger) activeCount() int {
	n := 0
	for _, p := range l.perms {
		if p.IsActive {
			n++
		}
	}
	return n
}

// memTree answers ancestry from a parent map.
type memTree struct {
	parent map[string]string
}

func (m *memTree) IsAncestor(_ context.Context, _ database.Querier, a, b string) (bool, error) {
	for cur, ok := m.parent[b]; ok; cur, ok = m.parent[cur] {
		if cur == a {
			return true, nil
		}
	}
	return false, nil
}

type memUsers map[string]*directory.User

func (m memUsers) Get(_ context.Context, _ database.Querier, id string) (*directory.User, error) {
	u, ok := m[id]
	if !ok {
		return nil, apperr.NotFound("user", id)
	}
	return u, nil
}

type memNodes map[string]*hierarchy.Node

func (m memNodes) Get(_ context.Context, _ database.Querier, id string) (*hierarchy.Node, error) {
	n, ok := m[id]
	if !ok {
		return nil, apperr.NotFound("node", id)
	}
	return n, nil
}

type memFreshness struct {
	marks []string
}

func (m *memFreshness) MarkStale(_ context.Context, _ database.Querier, userID string) error {
	m.marks = append(m.marks, userID)
	return nil
}

func (m *memFreshness) MarkStaleMany(_ context.Context, _ database.Querier, userIDs []string) error {
	m.marks = append(m.marks, userIDs...)
	return nil
}

type memAudit struct {
	events []audit.Event
}

func (m *memAudit) Append(_ context.Context, _ database.Querier, e audit.Event) (*audit.Event, error) {
	e.Version = int64(len(m.events) + 1)
	m.events = append(m.events, e)
	return &e, nil
}

func (m *memAudit) ofType(eventType string) int {
	n := 0
	for _, e := range m.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

type memNotifier struct {
	mu      sync.Mutex
	changes []notify.Change
}

func (m *memNotifier) Publish(_ context.Context, c notify.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, c)
	return nil
}

func (m *memNotifier) Close() error { return nil }

type memRefresh struct {
	users []string
}

func (m *memRefresh) ScheduleRefreshAsync(userID string, _ int) {
	m.users = append(m.users, userID)
}
