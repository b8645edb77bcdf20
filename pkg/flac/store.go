package flac

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"trustcore/pkg/models"
)

// MemoryStore backs tests and dev mode.
type MemoryStore struct {
	mu       sync.Mutex
	policies map[string][]models.FieldPolicy             // tenant|table -> policies
	classes  map[string]map[string]models.DataClassification // tenant|table -> field -> class
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: map[string][]models.FieldPolicy{},
		classes:  map[string]map[string]models.DataClassification{},
	}
}

func tableKey(tenantID, tableName string) string { return tenantID + "|" + tableName }

func (m *MemoryStore) PoliciesForTable(ctx context.Context, tenantID, tableName string) ([]models.FieldPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.FieldPolicy(nil), m.policies[tableKey(tenantID, tableName)]...), nil
}

func (m *MemoryStore) ClassificationsForTable(ctx context.Context, tenantID, tableName string) (map[string]models.DataClassification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]models.DataClassification{}
	for field, c := range m.classes[tableKey(tenantID, tableName)] {
		out[field] = c
	}
	return out, nil
}

func (m *MemoryStore) SavePolicy(ctx context.Context, p models.FieldPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tableKey(p.TenantID, p.TableName)
	for i, existing := range m.policies[key] {
		if existing.ID == p.ID {
			m.policies[key][i] = p
			return nil
		}
	}
	m.policies[key] = append(m.policies[key], p)
	return nil
}

func (m *MemoryStore) SaveClassification(ctx context.Context, c models.DataClassification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tableKey(c.TenantID, c.TableName)
	if m.classes[key] == nil {
		m.classes[key] = map[string]models.DataClassification{}
	}
	m.classes[key][c.FieldName] = c
	return nil
}

type flacDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists field policies and classifications.
type PostgresStore struct {
	DB flacDB
}

func NewPostgresStore(db flacDB) *PostgresStore {
	return &PostgresStore{DB: db}
}

func (s *PostgresStore) PoliciesForTable(ctx context.Context, tenantID, tableName string) ([]models.FieldPolicy, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, tenant_id, table_name, field_name, role_id, can_read, can_write, mask_type, COALESCE(condition,'')
		FROM field_policies WHERE tenant_id=$1 AND table_name=$2
	`, tenantID, tableName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.FieldPolicy
	for rows.Next() {
		var p models.FieldPolicy
		var mask string
		if err := rows.Scan(&p.ID, &p.TenantID, &p.TableName, &p.FieldName, &p.RoleID, &p.CanRead, &p.CanWrite, &mask, &p.Condition); err != nil {
			return nil, err
		}
		p.Mask = models.MaskType(mask)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ClassificationsForTable(ctx context.Context, tenantID, tableName string) (map[string]models.DataClassification, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT tenant_id, table_name, field_name, level, categories, retention_days, encryption_required
		FROM data_classifications WHERE tenant_id=$1 AND table_name=$2
	`, tenantID, tableName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]models.DataClassification{}
	for rows.Next() {
		var c models.DataClassification
		var level string
		if err := rows.Scan(&c.TenantID, &c.TableName, &c.FieldName, &level, &c.Categories, &c.RetentionDays, &c.EncryptionRequired); err != nil {
			return nil, err
		}
		c.Level = models.ClassificationLevel(level)
		out[c.FieldName] = c
	}
	return out, rows.Err()
}

func (s *PostgresStore) SavePolicy(ctx context.Context, p models.FieldPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO field_policies (id, tenant_id, table_name, field_name, role_id, can_read, can_write, mask_type, condition)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,''))
		ON CONFLICT (id) DO UPDATE SET can_read=$6, can_write=$7, mask_type=$8, condition=NULLIF($9,'')
	`, p.ID, p.TenantID, p.TableName, p.FieldName, p.RoleID, p.CanRead, p.CanWrite, string(p.Mask), p.Condition)
	return err
}

func (s *PostgresStore) SaveClassification(ctx context.Context, c models.DataClassification) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO data_classifications (tenant_id, table_name, field_name, level, categories, retention_days, encryption_required)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (tenant_id, table_name, field_name) DO UPDATE SET level=$4, categories=$5, retention_days=$6, encryption_required=$7
	`, c.TenantID, c.TableName, c.FieldName, string(c.Level), c.Categories, c.RetentionDays, c.EncryptionRequired)
	return err
}
