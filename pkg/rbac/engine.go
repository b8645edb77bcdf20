// Package rbac resolves effective permissions from static role assignments
// and condition-gated dynamic policies, and applies administrative
// mutations with their audit records in one transaction.
package rbac

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"time"

	"trustcore/pkg/models"
	"trustcore/pkg/policyexpr"
	"trustcore/pkg/store"
)

// Permissions gating the engine's own administrative surface.
const (
	PermManageRoles    models.PermissionKey = "security.roles.manage"
	PermManagePolicies models.PermissionKey = "security.policies.manage"
)

// AuthorizationError is a uniform denial. It deliberately carries no hint
// of which role or policy was missing, so policy structure does not leak to
// an unauthorized actor.
type AuthorizationError struct{}

func (*AuthorizationError) Error() string { return "access denied" }

// Actor identifies the principal performing a check or mutation, together
// with the context snapshot dynamic policies evaluate against.
type Actor struct {
	UserID  string
	Context policyexpr.Context
}

// Engine is stateless per call; concurrent checks need no locking.
type Engine struct {
	Store    Store
	Cache    store.Cache // optional; caches the static role union only
	CacheTTL time.Duration
}

func NewEngine(s Store) *Engine {
	return &Engine{Store: s, CacheTTL: 30 * time.Second}
}

// EffectivePermissions unions (a) permissions of every role the user holds
// in the tenant and (b) grants of every enabled dynamic policy whose
// condition evaluates true against ectx. A condition that errors or whose
// evaluation deadline passed contributes nothing (fail closed) and is
// logged, distinguished from a legitimate false.
func (e *Engine) EffectivePermissions(ctx context.Context, userID, tenantID string, ectx policyexpr.Context) ([]models.PermissionKey, error) {
	set, err := e.roleUnion(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	policies, err := e.Store.PoliciesForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		if ctx.Err() != nil {
			// deadline passed mid-evaluation: remaining policies deny
			log.Printf("rbac: policy evaluation cut off for tenant %s: %v", tenantID, ctx.Err())
			break
		}
		ok, evalErr := policyexpr.Evaluate(p.Condition, ectx)
		if evalErr != nil {
			log.Printf("rbac: policy %s failed to evaluate, denying its grants: %v", p.ID, evalErr)
			continue
		}
		if !ok {
			continue
		}
		for _, perm := range p.Permissions {
			set[perm] = struct{}{}
		}
	}
	out := make([]models.PermissionKey, 0, len(set))
	for perm := range set {
		out = append(out, perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// HasPermission reports whether the user holds one permission.
func (e *Engine) HasPermission(ctx context.Context, userID, tenantID string, perm models.PermissionKey, ectx policyexpr.Context) (bool, error) {
	results, err := e.HasPermissions(ctx, userID, tenantID, []models.PermissionKey{perm}, ectx)
	if err != nil {
		return false, err
	}
	return results[perm], nil
}

// HasPermissions answers a batch of checks with one resolution, so a UI can
// ask about twenty actions in one call.
func (e *Engine) HasPermissions(ctx context.Context, userID, tenantID string, perms []models.PermissionKey, ectx policyexpr.Context) (map[models.PermissionKey]bool, error) {
	effective, err := e.EffectivePermissions(ctx, userID, tenantID, ectx)
	if err != nil {
		return nil, err
	}
	held := make(map[models.PermissionKey]struct{}, len(effective))
	for _, p := range effective {
		held[p] = struct{}{}
	}
	out := make(map[models.PermissionKey]bool, len(perms))
	for _, p := range perms {
		_, ok := held[p]
		out[p] = ok
	}
	return out, nil
}

// roleUnion returns the static portion of the permission set, cached per
// tenant epoch. Dynamic grants are context-dependent and never cached.
func (e *Engine) roleUnion(ctx context.Context, userID, tenantID string) (map[models.PermissionKey]struct{}, error) {
	key := e.cacheKey(ctx, userID, tenantID)
	if key != "" {
		if raw, err := e.Cache.Get(ctx, key); err == nil && raw != "" {
			var perms []models.PermissionKey
			if json.Unmarshal([]byte(raw), &perms) == nil {
				set := make(map[models.PermissionKey]struct{}, len(perms))
				for _, p := range perms {
					set[p] = struct{}{}
				}
				return set, nil
			}
		}
	}
	roles, err := e.Store.RolesForUser(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	set := map[models.PermissionKey]struct{}{}
	for _, role := range roles {
		for _, perm := range role.Permissions {
			set[perm] = struct{}{}
		}
	}
	if key != "" {
		perms := make([]models.PermissionKey, 0, len(set))
		for p := range set {
			perms = append(perms, p)
		}
		sort.Slice(perms, func(i, j int) bool { return perms[i] < perms[j] })
		if raw, err := json.Marshal(perms); err == nil {
			_ = e.Cache.Set(ctx, key, string(raw), e.CacheTTL)
		}
	}
	return set, nil
}

// cacheKey folds the tenant's mutation epoch into the key so role changes
// invalidate every cached union at once. Empty when caching is off.
func (e *Engine) cacheKey(ctx context.Context, userID, tenantID string) string {
	if e.Cache == nil || e.CacheTTL <= 0 {
		return ""
	}
	epoch, err := e.Cache.Get(ctx, "rbac:epoch:"+tenantID)
	if err != nil || epoch == "" {
		epoch = "0"
	}
	return "rbac:perms:" + tenantID + ":" + epoch + ":" + userID
}

// bumpEpoch invalidates cached unions for a tenant after a mutation.
func (e *Engine) bumpEpoch(ctx context.Context, tenantID string) {
	if e.Cache == nil {
		return
	}
	_ = e.Cache.Set(ctx, "rbac:epoch:"+tenantID, time.Now().UTC().Format("20060102150405.000000000"), 24*time.Hour)
}
