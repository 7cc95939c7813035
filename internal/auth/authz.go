package auth

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"saas-crm/internal/observability"
)

const (
	KindCustomer = "customer"
	KindDeal     = "deal"
	KindTask     = "task"
)

// Evaluator answers role, ownership and permission questions for an explicit
// identity. It never looks up the caller from ambient state.
type Evaluator struct {
	ownership   OwnershipStore
	permissions PermissionStore
	cache       *expirable.LRU[string, []string]
	metrics     *observability.Metrics
}

func NewEvaluator(ownership OwnershipStore, permissions PermissionStore, cacheTTL time.Duration) *Evaluator {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &Evaluator{
		ownership:   ownership,
		permissions: permissions,
		cache:       expirable.NewLRU[string, []string](64, nil, cacheTTL),
	}
}

func (e *Evaluator) WithMetrics(m *observability.Metrics) *Evaluator {
	e.metrics = m
	return e
}

func (e *Evaluator) HasRole(id Identity, role string) bool {
	return id.HasRole(role)
}

// IsOwner reports whether id is assigned to the record. A missing record is
// not an error; it is simply not owned.
func (e *Evaluator) IsOwner(ctx context.Context, id Identity, kind, resourceID string) (bool, error) {
	if id.PrincipalID == "" {
		return false, nil
	}
	assigned, err := e.ownership.AssignedPrincipals(ctx, kind, resourceID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return false, nil
		}
		return false, upstream(err)
	}
	return slices.Contains(assigned, id.PrincipalID), nil
}

func (e *Evaluator) CanAccess(ctx context.Context, id Identity, kind, resourceID string) (bool, error) {
	if e.HasRole(id, RoleAdmin) {
		return true, nil
	}
	return e.IsOwner(ctx, id, kind, resourceID)
}

// Authorize is CanAccess expressed as an error, for use at the top of a
// protected handler.
func (e *Evaluator) Authorize(ctx context.Context, id Identity, kind, resourceID string) error {
	ok, err := e.CanAccess(ctx, id, kind, resourceID)
	if err != nil {
		return err
	}
	if !ok {
		e.metrics.ObserveAuthz(kind, "denied")
		return ErrForbidden
	}
	e.metrics.ObserveAuthz(kind, "allowed")
	return nil
}

// HasPermission reports whether any of the identity's roles grants perm.
func (e *Evaluator) HasPermission(ctx context.Context, id Identity, perm string) (bool, error) {
	for _, role := range id.Roles {
		perms, err := e.rolePermissions(ctx, role)
		if err != nil {
			return false, err
		}
		if slices.Contains(perms, perm) {
			return true, nil
		}
	}
	return false, nil
}

func (e *Evaluator) rolePermissions(ctx context.Context, role string) ([]string, error) {
	if perms, ok := e.cache.Get(role); ok {
		return perms, nil
	}
	perms, err := e.permissions.PermissionsForRole(ctx, role)
	if err != nil {
		return nil, upstream(err)
	}
	e.cache.Add(role, perms)
	return perms, nil
}
