package anchor

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"trustcore/pkg/models"
)

// MemoryStore backs tests and dev mode.
type MemoryStore struct {
	mu      sync.Mutex
	anchors map[string]models.Anchor
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{anchors: map[string]models.Anchor{}}
}

func (m *MemoryStore) Insert(ctx context.Context, a models.Anchor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anchors[a.ID] = a
	return nil
}

func (m *MemoryStore) Last(ctx context.Context, tenantID string) (models.Anchor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best models.Anchor
	found := false
	for _, a := range m.anchors {
		if a.TenantID != tenantID {
			continue
		}
		if !found || a.ToSeq > best.ToSeq {
			best = a
			found = true
		}
	}
	return best, found, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (models.Anchor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.anchors[id]
	if !ok {
		return models.Anchor{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) List(ctx context.Context, tenantID string, limit int) ([]models.Anchor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Anchor
	for _, a := range m.anchors {
		if tenantID == "" || a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToSeq > out[j].ToSeq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SetTxID(ctx context.Context, id, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.anchors[id]
	if !ok {
		return ErrNotFound
	}
	if a.TxID != "" {
		return nil
	}
	a.TxID = txID
	m.anchors[id] = a
	return nil
}

type anchorDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists anchors in the audit_anchors table.
type PostgresStore struct {
	DB anchorDB
}

func NewPostgresStore(db anchorDB) *PostgresStore {
	return &PostgresStore{DB: db}
}

func (s *PostgresStore) Insert(ctx context.Context, a models.Anchor) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO audit_anchors (id, tenant_id, chain, merkle_root, tx_id, from_seq, to_seq, anchored_at)
		VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,$7,$8)
	`, a.ID, a.TenantID, a.Chain, a.MerkleRoot, a.TxID, a.FromSeq, a.ToSeq, a.AnchoredAt)
	return err
}

func (s *PostgresStore) Last(ctx context.Context, tenantID string) (models.Anchor, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, tenant_id, chain, merkle_root, COALESCE(tx_id,''), from_seq, to_seq, anchored_at
		FROM audit_anchors WHERE tenant_id=$1 ORDER BY to_seq DESC LIMIT 1
	`, tenantID)
	a, err := scanAnchor(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Anchor{}, false, nil
	}
	if err != nil {
		return models.Anchor{}, false, err
	}
	return a, true, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (models.Anchor, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, tenant_id, chain, merkle_root, COALESCE(tx_id,''), from_seq, to_seq, anchored_at
		FROM audit_anchors WHERE id=$1
	`, id)
	a, err := scanAnchor(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Anchor{}, ErrNotFound
	}
	return a, err
}

func (s *PostgresStore) List(ctx context.Context, tenantID string, limit int) ([]models.Anchor, error) {
	query := `
		SELECT id, tenant_id, chain, merkle_root, COALESCE(tx_id,''), from_seq, to_seq, anchored_at
		FROM audit_anchors`
	args := []any{}
	if tenantID != "" {
		query += ` WHERE tenant_id=$1 ORDER BY to_seq DESC LIMIT $2`
		args = append(args, tenantID, limit)
	} else {
		query += ` ORDER BY anchored_at DESC LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Anchor
	for rows.Next() {
		a, err := scanAnchor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetTxID(ctx context.Context, id, txID string) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE audit_anchors SET tx_id=$2 WHERE id=$1 AND tx_id IS NULL
	`, id, txID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// either unknown or already confirmed; only the former is an error
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

type anchorScanner interface {
	Scan(dest ...any) error
}

func scanAnchor(row anchorScanner) (models.Anchor, error) {
	var a models.Anchor
	err := row.Scan(&a.ID, &a.TenantID, &a.Chain, &a.MerkleRoot, &a.TxID, &a.FromSeq, &a.ToSeq, &a.AnchoredAt)
	if err != nil {
		return models.Anchor{}, err
	}
	a.AnchoredAt = a.AnchoredAt.UTC()
	return a, nil
}
