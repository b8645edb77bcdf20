package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"trustcore/pkg/models"
)

type ledgerDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists chains in the audit_records table. The insert is
// guarded twice: the statement itself only fires when the tenant tail still
// equals the record's prev_hash, and the unique (tenant_id, seq) index
// catches the race where two guards pass concurrently.
type PostgresStore struct {
	DB ledgerDB
}

func NewPostgresStore(db ledgerDB) *PostgresStore {
	return &PostgresStore{DB: db}
}

func (s *PostgresStore) Tail(ctx context.Context, tenantID string) (string, int64, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT curr_hash, seq FROM audit_records
		WHERE tenant_id=$1 ORDER BY seq DESC LIMIT 1
	`, tenantID)
	var hash string
	var seq int64
	if err := row.Scan(&hash, &seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, nil
		}
		return "", 0, err
	}
	return hash, seq, nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec models.AuditRecord) error {
	tag, err := s.DB.Exec(ctx, `
		INSERT INTO audit_records
		(id, tenant_id, actor_user_id, module, action, resource, payload, prev_hash, curr_hash, enc_version, seq, created_at)
		SELECT $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
		WHERE COALESCE((
			SELECT curr_hash FROM audit_records
			WHERE tenant_id=$2 ORDER BY seq DESC LIMIT 1
		), '') = $8
	`, rec.ID, rec.TenantID, nullIfEmpty(rec.ActorUserID), rec.Module, rec.Action, rec.Resource,
		rec.Payload, rec.PrevHash, rec.CurrHash, rec.EncVersion, rec.Seq, rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrTailMoved
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTailMoved
	}
	return nil
}

func (s *PostgresStore) Range(ctx context.Context, tenantID string, fromSeq, toSeq int64) ([]models.AuditRecord, error) {
	query := `
		SELECT id, tenant_id, COALESCE(actor_user_id,''), module, action, resource, payload, prev_hash, curr_hash, enc_version, seq, created_at
		FROM audit_records
		WHERE tenant_id=$1 AND seq >= $2`
	args := []any{tenantID, fromSeq}
	if toSeq > 0 {
		query += ` AND seq <= $3`
		args = append(args, toSeq)
	}
	query += ` ORDER BY seq ASC`
	rows, err := s.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (models.AuditRecord, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, tenant_id, COALESCE(actor_user_id,''), module, action, resource, payload, prev_hash, curr_hash, enc_version, seq, created_at
		FROM audit_records WHERE id=$1
	`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AuditRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) RecentByActor(ctx context.Context, tenantID, actorUserID string, limit int) ([]models.AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id, tenant_id, COALESCE(actor_user_id,''), module, action, resource, payload, prev_hash, curr_hash, enc_version, seq, created_at
		FROM audit_records
		WHERE tenant_id=$1 AND actor_user_id=$2
		ORDER BY seq DESC LIMIT $3
	`, tenantID, actorUserID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.AuditRecord, error) {
	var rec models.AuditRecord
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.ActorUserID, &rec.Module, &rec.Action, &rec.Resource,
		&rec.Payload, &rec.PrevHash, &rec.CurrHash, &rec.EncVersion, &rec.Seq, &rec.CreatedAt)
	if err != nil {
		return models.AuditRecord{}, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

func scanRecords(rows pgx.Rows) ([]models.AuditRecord, error) {
	var out []models.AuditRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	return out, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
