package rbac

import (
	"context"
	"errors"
	"sync"

	"trustcore/pkg/ledger"
	"trustcore/pkg/models"
)

var (
	ErrRoleNotFound   = errors.New("rbac: role not found")
	ErrPolicyNotFound = errors.New("rbac: policy not found")
	ErrSystemRole     = errors.New("rbac: system roles cannot be deleted")
	ErrDuplicateRole  = errors.New("rbac: role key already exists")
)

// Store is the persistence contract for roles, assignments and dynamic
// policies. Reads are lock-free for callers; mutations go through Mutate so
// the role/policy write and its audit record commit together or not at all.
type Store interface {
	Role(ctx context.Context, tenantID, roleID string) (models.RoleDefinition, error)
	RolesForUser(ctx context.Context, tenantID, userID string) ([]models.RoleDefinition, error)
	PoliciesForTenant(ctx context.Context, tenantID string) ([]models.DynamicPolicy, error)
	AssignmentsForTenant(ctx context.Context, tenantID string) ([]models.UserRole, error)
	Mutate(ctx context.Context, fn func(m Mutator) error) error
}

// Mutator is the transactional view handed to Mutate callbacks.
type Mutator interface {
	CreateRole(ctx context.Context, role models.RoleDefinition) error
	UpdateRolePermissions(ctx context.Context, tenantID, roleID string, perms []models.PermissionKey) error
	DeleteRole(ctx context.Context, tenantID, roleID string) error
	AssignRole(ctx context.Context, ur models.UserRole) error
	RevokeRole(ctx context.Context, ur models.UserRole) error
	CreatePolicy(ctx context.Context, p models.DynamicPolicy) error
	SetPolicyEnabled(ctx context.Context, tenantID, policyID string, enabled bool) error
	// AppendAudit writes the mutation's audit record inside the same
	// transaction boundary.
	AppendAudit(ctx context.Context, req ledger.AppendRequest) (models.AuditRecord, error)
}

// MemoryStore backs tests and dev mode. Mutate snapshots state up front and
// restores it when the callback fails, mirroring transaction semantics.
type MemoryStore struct {
	mu          sync.Mutex
	roles       map[string]models.RoleDefinition // roleID -> role
	assignments map[string][]models.UserRole     // tenantID -> assignments
	policies    map[string]models.DynamicPolicy  // policyID -> policy
	auditStore  *ledger.MemoryStore
}

func NewMemoryStore(auditStore *ledger.MemoryStore) *MemoryStore {
	if auditStore == nil {
		auditStore = ledger.NewMemoryStore()
	}
	return &MemoryStore{
		roles:       map[string]models.RoleDefinition{},
		assignments: map[string][]models.UserRole{},
		policies:    map[string]models.DynamicPolicy{},
		auditStore:  auditStore,
	}
}

// AuditStore exposes the backing ledger store so tests can verify chains.
func (m *MemoryStore) AuditStore() *ledger.MemoryStore { return m.auditStore }

func (m *MemoryStore) Role(ctx context.Context, tenantID, roleID string) (models.RoleDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[roleID]
	if !ok || role.TenantID != tenantID {
		return models.RoleDefinition{}, ErrRoleNotFound
	}
	return role, nil
}

func (m *MemoryStore) RolesForUser(ctx context.Context, tenantID, userID string) ([]models.RoleDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RoleDefinition
	for _, ur := range m.assignments[tenantID] {
		if ur.UserID != userID {
			continue
		}
		if role, ok := m.roles[ur.RoleID]; ok {
			out = append(out, role)
		}
	}
	return out, nil
}

func (m *MemoryStore) PoliciesForTenant(ctx context.Context, tenantID string) ([]models.DynamicPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DynamicPolicy
	for _, p := range m.policies {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryStore) AssignmentsForTenant(ctx context.Context, tenantID string) ([]models.UserRole, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.UserRole(nil), m.assignments[tenantID]...), nil
}

func (m *MemoryStore) Mutate(ctx context.Context, fn func(mu Mutator) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapRoles := make(map[string]models.RoleDefinition, len(m.roles))
	for k, v := range m.roles {
		snapRoles[k] = v
	}
	snapAssign := make(map[string][]models.UserRole, len(m.assignments))
	for k, v := range m.assignments {
		snapAssign[k] = append([]models.UserRole(nil), v...)
	}
	snapPolicies := make(map[string]models.DynamicPolicy, len(m.policies))
	for k, v := range m.policies {
		snapPolicies[k] = v
	}
	if err := fn(&memMutator{store: m}); err != nil {
		m.roles = snapRoles
		m.assignments = snapAssign
		m.policies = snapPolicies
		return err
	}
	return nil
}

type memMutator struct {
	store *MemoryStore
}

func (t *memMutator) CreateRole(ctx context.Context, role models.RoleDefinition) error {
	for _, existing := range t.store.roles {
		if existing.TenantID == role.TenantID && existing.Key == role.Key {
			return ErrDuplicateRole
		}
	}
	t.store.roles[role.ID] = role
	return nil
}

func (t *memMutator) UpdateRolePermissions(ctx context.Context, tenantID, roleID string, perms []models.PermissionKey) error {
	role, ok := t.store.roles[roleID]
	if !ok || role.TenantID != tenantID {
		return ErrRoleNotFound
	}
	role.Permissions = append([]models.PermissionKey(nil), perms...)
	t.store.roles[roleID] = role
	return nil
}

func (t *memMutator) DeleteRole(ctx context.Context, tenantID, roleID string) error {
	role, ok := t.store.roles[roleID]
	if !ok || role.TenantID != tenantID {
		return ErrRoleNotFound
	}
	if role.IsSystem {
		return ErrSystemRole
	}
	delete(t.store.roles, roleID)
	kept := t.store.assignments[tenantID][:0]
	for _, ur := range t.store.assignments[tenantID] {
		if ur.RoleID != roleID {
			kept = append(kept, ur)
		}
	}
	t.store.assignments[tenantID] = kept
	return nil
}

func (t *memMutator) AssignRole(ctx context.Context, ur models.UserRole) error {
	role, ok := t.store.roles[ur.RoleID]
	if !ok || role.TenantID != ur.TenantID {
		return ErrRoleNotFound
	}
	for _, existing := range t.store.assignments[ur.TenantID] {
		if existing == ur {
			return nil
		}
	}
	t.store.assignments[ur.TenantID] = append(t.store.assignments[ur.TenantID], ur)
	return nil
}

func (t *memMutator) RevokeRole(ctx context.Context, ur models.UserRole) error {
	kept := t.store.assignments[ur.TenantID][:0]
	for _, existing := range t.store.assignments[ur.TenantID] {
		if existing != ur {
			kept = append(kept, existing)
		}
	}
	t.store.assignments[ur.TenantID] = kept
	return nil
}

func (t *memMutator) CreatePolicy(ctx context.Context, p models.DynamicPolicy) error {
	t.store.policies[p.ID] = p
	return nil
}

func (t *memMutator) SetPolicyEnabled(ctx context.Context, tenantID, policyID string, enabled bool) error {
	p, ok := t.store.policies[policyID]
	if !ok || p.TenantID != tenantID {
		return ErrPolicyNotFound
	}
	p.Enabled = enabled
	t.store.policies[policyID] = p
	return nil
}

func (t *memMutator) AppendAudit(ctx context.Context, req ledger.AppendRequest) (models.AuditRecord, error) {
	return ledger.New(t.store.auditStore).Append(ctx, req)
}
