package rbac

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"trustcore/pkg/ledger"
	"trustcore/pkg/models"
)

type rbacDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists roles, assignments and dynamic policies. Mutations
// run inside one pgx transaction shared with the ledger append, so a role
// change and its audit record commit atomically.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

func (s *PostgresStore) Role(ctx context.Context, tenantID, roleID string) (models.RoleDefinition, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, tenant_id, key, label, permissions, is_system, priority
		FROM role_definitions WHERE tenant_id=$1 AND id=$2
	`, tenantID, roleID)
	role, err := scanRole(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RoleDefinition{}, ErrRoleNotFound
	}
	return role, err
}

func (s *PostgresStore) RolesForUser(ctx context.Context, tenantID, userID string) ([]models.RoleDefinition, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT r.id, r.tenant_id, r.key, r.label, r.permissions, r.is_system, r.priority
		FROM role_definitions r
		JOIN user_roles ur ON ur.role_id = r.id AND ur.tenant_id = r.tenant_id
		WHERE ur.tenant_id=$1 AND ur.user_id=$2
		ORDER BY r.priority DESC, r.key
	`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.RoleDefinition
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PoliciesForTenant(ctx context.Context, tenantID string) ([]models.DynamicPolicy, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, tenant_id, name, condition, permissions, enabled, priority
		FROM dynamic_policies WHERE tenant_id=$1
		ORDER BY priority DESC, name
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.DynamicPolicy
	for rows.Next() {
		var p models.DynamicPolicy
		var perms []string
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.Condition, &perms, &p.Enabled, &p.Priority); err != nil {
			return nil, err
		}
		p.Permissions = toPermissionKeys(perms)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AssignmentsForTenant(ctx context.Context, tenantID string) ([]models.UserRole, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT user_id, tenant_id, role_id FROM user_roles WHERE tenant_id=$1
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.UserRole
	for rows.Next() {
		var ur models.UserRole
		if err := rows.Scan(&ur.UserID, &ur.TenantID, &ur.RoleID); err != nil {
			return nil, err
		}
		out = append(out, ur)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Mutate(ctx context.Context, fn func(m Mutator) error) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(&pgMutator{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgMutator struct {
	tx pgx.Tx
}

func (t *pgMutator) CreateRole(ctx context.Context, role models.RoleDefinition) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO role_definitions (id, tenant_id, key, label, permissions, is_system, priority)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, role.ID, role.TenantID, role.Key, role.Label, toStrings(role.Permissions), role.IsSystem, role.Priority)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateRole
	}
	return err
}

func (t *pgMutator) UpdateRolePermissions(ctx context.Context, tenantID, roleID string, perms []models.PermissionKey) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE role_definitions SET permissions=$3 WHERE tenant_id=$1 AND id=$2
	`, tenantID, roleID, toStrings(perms))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRoleNotFound
	}
	return nil
}

func (t *pgMutator) DeleteRole(ctx context.Context, tenantID, roleID string) error {
	row := t.tx.QueryRow(ctx, `
		SELECT is_system FROM role_definitions WHERE tenant_id=$1 AND id=$2
	`, tenantID, roleID)
	var isSystem bool
	if err := row.Scan(&isSystem); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRoleNotFound
		}
		return err
	}
	if isSystem {
		return ErrSystemRole
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM user_roles WHERE tenant_id=$1 AND role_id=$2`, tenantID, roleID); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `DELETE FROM role_definitions WHERE tenant_id=$1 AND id=$2`, tenantID, roleID)
	return err
}

func (t *pgMutator) AssignRole(ctx context.Context, ur models.UserRole) error {
	row := t.tx.QueryRow(ctx, `
		SELECT 1 FROM role_definitions WHERE tenant_id=$1 AND id=$2
	`, ur.TenantID, ur.RoleID)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRoleNotFound
		}
		return err
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO user_roles (user_id, tenant_id, role_id)
		VALUES ($1,$2,$3) ON CONFLICT DO NOTHING
	`, ur.UserID, ur.TenantID, ur.RoleID)
	return err
}

func (t *pgMutator) RevokeRole(ctx context.Context, ur models.UserRole) error {
	_, err := t.tx.Exec(ctx, `
		DELETE FROM user_roles WHERE user_id=$1 AND tenant_id=$2 AND role_id=$3
	`, ur.UserID, ur.TenantID, ur.RoleID)
	return err
}

func (t *pgMutator) CreatePolicy(ctx context.Context, p models.DynamicPolicy) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO dynamic_policies (id, tenant_id, name, condition, permissions, enabled, priority)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, p.ID, p.TenantID, p.Name, p.Condition, toStrings(p.Permissions), p.Enabled, p.Priority)
	return err
}

func (t *pgMutator) SetPolicyEnabled(ctx context.Context, tenantID, policyID string, enabled bool) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE dynamic_policies SET enabled=$3 WHERE tenant_id=$1 AND id=$2
	`, tenantID, policyID, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

func (t *pgMutator) AppendAudit(ctx context.Context, req ledger.AppendRequest) (models.AuditRecord, error) {
	return ledger.New(ledger.NewPostgresStore(t.tx)).Append(ctx, req)
}

type roleScanner interface {
	Scan(dest ...any) error
}

func scanRole(row roleScanner) (models.RoleDefinition, error) {
	var role models.RoleDefinition
	var perms []string
	err := row.Scan(&role.ID, &role.TenantID, &role.Key, &role.Label, &perms, &role.IsSystem, &role.Priority)
	if err != nil {
		return models.RoleDefinition{}, err
	}
	role.Permissions = toPermissionKeys(perms)
	return role, nil
}

func toStrings(perms []models.PermissionKey) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

func toPermissionKeys(perms []string) []models.PermissionKey {
	out := make([]models.PermissionKey, len(perms))
	for i, p := range perms {
		out[i] = models.PermissionKey(p)
	}
	return out
}
