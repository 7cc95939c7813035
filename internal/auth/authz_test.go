package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubOwnership struct {
	assigned map[string][]string
	err      error
	calls    int
}

func (s *stubOwnership) AssignedPrincipals(_ context.Context, kind, id string) ([]string, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	ids, ok := s.assigned[kind+"/"+id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return ids, nil
}

type countingPermissions struct {
	*memStore
	calls int
}

func (c *countingPermissions) PermissionsForRole(ctx context.Context, role string) ([]string, error) {
	c.calls++
	return c.memStore.PermissionsForRole(ctx, role)
}

func newEvaluatorFixture() (*Evaluator, *stubOwnership, *countingPermissions) {
	ownership := &stubOwnership{assigned: map[string][]string{
		KindCustomer + "/c-1": {"u-alice", "u-bob"},
		KindDeal + "/d-1":     {"u-bob"},
		KindTask + "/t-1":     {},
	}}
	perms := &countingPermissions{memStore: newMemStore()}
	perms.perms[RoleManager] = []string{"customers:read", "deals:write"}
	perms.perms[RoleUser] = []string{"customers:read"}
	return NewEvaluator(ownership, perms, time.Minute), ownership, perms
}

func TestEvaluatorCanAccess(t *testing.T) {
	e, _, _ := newEvaluatorFixture()
	ctx := context.Background()

	admin := Identity{PrincipalID: "u-root", Roles: []string{RoleAdmin}}
	alice := Identity{PrincipalID: "u-alice", Roles: []string{RoleUser}}
	manager := Identity{PrincipalID: "u-carol", Roles: []string{RoleManager}}

	tests := []struct {
		name string
		id   Identity
		kind string
		rid  string
		want bool
	}{
		{"owner", alice, KindCustomer, "c-1", true},
		{"non owner", alice, KindDeal, "d-1", false},
		{"unassigned task", alice, KindTask, "t-1", false},
		{"missing record", alice, KindCustomer, "missing", false},
		{"manager without assignment", manager, KindCustomer, "c-1", false},
		{"admin on assigned record", admin, KindDeal, "d-1", true},
		{"admin on missing record", admin, KindDeal, "missing", true},
		{"anonymous", Identity{}, KindCustomer, "c-1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.CanAccess(ctx, tt.id, tt.kind, tt.rid)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluatorAdminSkipsOwnershipLookup(t *testing.T) {
	e, ownership, _ := newEvaluatorFixture()
	ok, err := e.CanAccess(context.Background(), Identity{PrincipalID: "u-root", Roles: []string{RoleAdmin}}, KindCustomer, "c-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, ownership.calls)
}

func TestEvaluatorAuthorize(t *testing.T) {
	e, ownership, _ := newEvaluatorFixture()
	ctx := context.Background()

	assert.NoError(t, e.Authorize(ctx, Identity{PrincipalID: "u-bob"}, KindDeal, "d-1"))
	assert.ErrorIs(t, e.Authorize(ctx, Identity{PrincipalID: "u-alice"}, KindDeal, "d-1"), ErrForbidden)

	ownership.err = errors.New("db down")
	err := e.Authorize(ctx, Identity{PrincipalID: "u-bob"}, KindDeal, "d-1")
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.NotErrorIs(t, err, ErrForbidden)
}

func TestEvaluatorHasRole(t *testing.T) {
	e, _, _ := newEvaluatorFixture()
	id := Identity{PrincipalID: "u-1", Roles: []string{RoleManager, RoleUser}}
	assert.True(t, e.HasRole(id, RoleManager))
	assert.False(t, e.HasRole(id, RoleAdmin))
	assert.False(t, e.HasRole(Identity{}, RoleUser))
}

func TestEvaluatorHasPermissionCachesPerRole(t *testing.T) {
	e, _, perms := newEvaluatorFixture()
	ctx := context.Background()
	manager := Identity{PrincipalID: "u-carol", Roles: []string{RoleUser, RoleManager}}

	ok, err := e.HasPermission(ctx, manager, "deals:write")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.HasPermission(ctx, manager, "users:delete")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, perms.calls)

	ok, err = e.HasPermission(ctx, Identity{PrincipalID: "u-alice", Roles: []string{RoleUser}}, "customers:read")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, perms.calls, "role permissions should come from the cache")
}

func TestEvaluatorHasPermissionUpstreamFailure(t *testing.T) {
	e, _, perms := newEvaluatorFixture()
	perms.failWith = errors.New("timeout")

	_, err := e.HasPermission(context.Background(), Identity{Roles: []string{RoleUser}}, "customers:read")
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}
