package rbac

import (
	"context"
	"encoding/json"

	"trustcore/pkg/cryptoutil"
	"trustcore/pkg/ledger"
	"trustcore/pkg/models"
	"trustcore/pkg/policyexpr"
)

// Administrative mutations. Every one is gated on the actor's own
// permissions and appends an audit record describing the change inside the
// same transaction as the write: a role mutation that is not auditable is a
// bug, not an optimization target.

func (e *Engine) CreateRole(ctx context.Context, actor Actor, role models.RoleDefinition) (models.RoleDefinition, error) {
	if err := e.requirePermission(ctx, actor, role.TenantID, PermManageRoles); err != nil {
		return models.RoleDefinition{}, err
	}
	if err := role.Validate(); err != nil {
		return models.RoleDefinition{}, err
	}
	if role.ID == "" {
		role.ID = cryptoutil.NewID()
	}
	err := e.Store.Mutate(ctx, func(m Mutator) error {
		if err := m.CreateRole(ctx, role); err != nil {
			return err
		}
		return appendAudit(ctx, m, actor, role.TenantID, "role.created", role.ID, map[string]interface{}{
			"key":         role.Key,
			"label":       role.Label,
			"permissions": role.Permissions,
		})
	})
	if err != nil {
		return models.RoleDefinition{}, err
	}
	e.bumpEpoch(ctx, role.TenantID)
	return role, nil
}

func (e *Engine) UpdateRolePermissions(ctx context.Context, actor Actor, tenantID, roleID string, perms []models.PermissionKey) error {
	if err := e.requirePermission(ctx, actor, tenantID, PermManageRoles); err != nil {
		return err
	}
	before, err := e.Store.Role(ctx, tenantID, roleID)
	if err != nil {
		return err
	}
	err = e.Store.Mutate(ctx, func(m Mutator) error {
		if err := m.UpdateRolePermissions(ctx, tenantID, roleID, perms); err != nil {
			return err
		}
		return appendAudit(ctx, m, actor, tenantID, "role.permissions_updated", roleID, map[string]interface{}{
			"before": before.Permissions,
			"after":  perms,
		})
	})
	if err != nil {
		return err
	}
	e.bumpEpoch(ctx, tenantID)
	return nil
}

func (e *Engine) DeleteRole(ctx context.Context, actor Actor, tenantID, roleID string) error {
	if err := e.requirePermission(ctx, actor, tenantID, PermManageRoles); err != nil {
		return err
	}
	before, err := e.Store.Role(ctx, tenantID, roleID)
	if err != nil {
		return err
	}
	err = e.Store.Mutate(ctx, func(m Mutator) error {
		if err := m.DeleteRole(ctx, tenantID, roleID); err != nil {
			return err
		}
		return appendAudit(ctx, m, actor, tenantID, "role.deleted", roleID, map[string]interface{}{
			"key":         before.Key,
			"permissions": before.Permissions,
		})
	})
	if err != nil {
		return err
	}
	e.bumpEpoch(ctx, tenantID)
	return nil
}

func (e *Engine) AssignRole(ctx context.Context, actor Actor, ur models.UserRole) error {
	if err := e.requirePermission(ctx, actor, ur.TenantID, PermManageRoles); err != nil {
		return err
	}
	err := e.Store.Mutate(ctx, func(m Mutator) error {
		if err := m.AssignRole(ctx, ur); err != nil {
			return err
		}
		return appendAudit(ctx, m, actor, ur.TenantID, "role.assigned", ur.RoleID, map[string]interface{}{
			"user_id": ur.UserID,
		})
	})
	if err != nil {
		return err
	}
	e.bumpEpoch(ctx, ur.TenantID)
	return nil
}

func (e *Engine) RevokeRole(ctx context.Context, actor Actor, ur models.UserRole) error {
	if err := e.requirePermission(ctx, actor, ur.TenantID, PermManageRoles); err != nil {
		return err
	}
	err := e.Store.Mutate(ctx, func(m Mutator) error {
		if err := m.RevokeRole(ctx, ur); err != nil {
			return err
		}
		return appendAudit(ctx, m, actor, ur.TenantID, "role.revoked", ur.RoleID, map[string]interface{}{
			"user_id": ur.UserID,
		})
	})
	if err != nil {
		return err
	}
	e.bumpEpoch(ctx, ur.TenantID)
	return nil
}

// CreateDynamicPolicy validates that the condition parses before anything
// is stored; a policy that cannot evaluate would only ever deny.
func (e *Engine) CreateDynamicPolicy(ctx context.Context, actor Actor, p models.DynamicPolicy) (models.DynamicPolicy, error) {
	if err := e.requirePermission(ctx, actor, p.TenantID, PermManagePolicies); err != nil {
		return models.DynamicPolicy{}, err
	}
	if err := p.Validate(); err != nil {
		return models.DynamicPolicy{}, err
	}
	if _, err := policyexpr.Parse(p.Condition); err != nil {
		return models.DynamicPolicy{}, &models.ValidationError{Field: "condition", Reason: err.Error()}
	}
	if p.ID == "" {
		p.ID = cryptoutil.NewID()
	}
	err := e.Store.Mutate(ctx, func(m Mutator) error {
		if err := m.CreatePolicy(ctx, p); err != nil {
			return err
		}
		return appendAudit(ctx, m, actor, p.TenantID, "policy.created", p.ID, map[string]interface{}{
			"name":        p.Name,
			"condition":   p.Condition,
			"permissions": p.Permissions,
			"enabled":     p.Enabled,
		})
	})
	if err != nil {
		return models.DynamicPolicy{}, err
	}
	e.bumpEpoch(ctx, p.TenantID)
	return p, nil
}

func (e *Engine) SetPolicyEnabled(ctx context.Context, actor Actor, tenantID, policyID string, enabled bool) error {
	if err := e.requirePermission(ctx, actor, tenantID, PermManagePolicies); err != nil {
		return err
	}
	err := e.Store.Mutate(ctx, func(m Mutator) error {
		if err := m.SetPolicyEnabled(ctx, tenantID, policyID, enabled); err != nil {
			return err
		}
		return appendAudit(ctx, m, actor, tenantID, "policy.enabled_changed", policyID, map[string]interface{}{
			"enabled": enabled,
		})
	})
	if err != nil {
		return err
	}
	e.bumpEpoch(ctx, tenantID)
	return nil
}

func (e *Engine) requirePermission(ctx context.Context, actor Actor, tenantID string, perm models.PermissionKey) error {
	ok, err := e.HasPermission(ctx, actor.UserID, tenantID, perm, actor.Context)
	if err != nil {
		return err
	}
	if !ok {
		return &AuthorizationError{}
	}
	return nil
}

func appendAudit(ctx context.Context, m Mutator, actor Actor, tenantID, action, resource string, payload map[string]interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = m.AppendAudit(ctx, ledger.AppendRequest{
		TenantID:    tenantID,
		ActorUserID: actor.UserID,
		Module:      "rbac",
		Action:      action,
		Resource:    resource,
		Payload:     raw,
	})
	return err
}
