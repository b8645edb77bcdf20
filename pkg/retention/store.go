package retention

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// SecurityEvent is one row of the operator review queue: an anomaly
// assessment or integrity alert kept for triage. This working set is what
// the sweeper prunes; the corresponding ledger records stay forever.
type SecurityEvent struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Resource  string          `json:"resource"`
	EventType string          `json:"event_type"`
	RiskScore int             `json:"risk_score"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventStore extends Store with the review-queue surface the gateway uses.
type EventStore interface {
	Store
	InsertEvent(ctx context.Context, ev SecurityEvent) error
	Events(ctx context.Context, tenantID string, limit int) ([]SecurityEvent, error)
}

// MemoryStore backs tests and single-node deploys.
type MemoryStore struct {
	mu     sync.RWMutex
	holds  map[string][]Hold // tenant -> holds
	events map[string][]SecurityEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{holds: map[string][]Hold{}, events: map[string][]SecurityEvent{}}
}

func (m *MemoryStore) AddHold(ctx context.Context, h Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holds[h.TenantID] = append(m.holds[h.TenantID], h)
	return nil
}

func (m *MemoryStore) RemoveHold(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	holds := m.holds[tenantID]
	for i, h := range holds {
		if h.ID == id {
			m.holds[tenantID] = append(holds[:i], holds[i+1:]...)
			return nil
		}
	}
	return ErrHoldNotFound
}

func (m *MemoryStore) Holds(ctx context.Context, tenantID string) ([]Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Hold, len(m.holds[tenantID]))
	copy(out, m.holds[tenantID])
	return out, nil
}

func (m *MemoryStore) PruneEvents(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	held := map[string]struct{}{}
	for _, h := range m.holds[tenantID] {
		held[h.Resource] = struct{}{}
	}
	kept := m.events[tenantID][:0]
	var removed int64
	for _, ev := range m.events[tenantID] {
		_, pinned := held[ev.Resource]
		if !pinned && ev.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	m.events[tenantID] = kept
	return removed, nil
}

func (m *MemoryStore) Tenants(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]struct{}{}
	for t := range m.events {
		seen[t] = struct{}{}
	}
	for t := range m.holds {
		seen[t] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) InsertEvent(ctx context.Context, ev SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.TenantID] = append(m.events[ev.TenantID], ev)
	return nil
}

func (m *MemoryStore) Events(ctx context.Context, tenantID string, limit int) ([]SecurityEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[tenantID]
	out := make([]SecurityEvent, len(events))
	copy(out, events)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type retentionDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore persists holds and security events in legal_holds and
// security_events.
type PostgresStore struct {
	db retentionDB
}

func NewPostgresStore(db retentionDB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) AddHold(ctx context.Context, h Hold) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO legal_holds (id, tenant_id, resource, reason, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		h.ID, h.TenantID, h.Resource, h.Reason, h.CreatedBy, h.CreatedAt)
	return err
}

func (p *PostgresStore) RemoveHold(ctx context.Context, tenantID, id string) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM legal_holds WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrHoldNotFound
	}
	return nil
}

func (p *PostgresStore) Holds(ctx context.Context, tenantID string) ([]Hold, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, tenant_id, resource, reason, created_by, created_at
		FROM legal_holds WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Hold
	for rows.Next() {
		var h Hold
		if err := rows.Scan(&h.ID, &h.TenantID, &h.Resource, &h.Reason, &h.CreatedBy, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PruneEvents(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	tag, err := p.db.Exec(ctx, `
		DELETE FROM security_events
		WHERE tenant_id = $1 AND created_at < $2
		  AND resource NOT IN (SELECT resource FROM legal_holds WHERE tenant_id = $1)`,
		tenantID, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresStore) Tenants(ctx context.Context) ([]string, error) {
	rows, err := p.db.Query(ctx, `SELECT DISTINCT tenant_id FROM security_events`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) InsertEvent(ctx context.Context, ev SecurityEvent) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO security_events (id, tenant_id, resource, event_type, risk_score, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.TenantID, ev.Resource, ev.EventType, ev.RiskScore, ev.Detail, ev.CreatedAt)
	return err
}

func (p *PostgresStore) Events(ctx context.Context, tenantID string, limit int) ([]SecurityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.Query(ctx, `
		SELECT id, tenant_id, resource, event_type, risk_score, detail, created_at
		FROM security_events WHERE tenant_id = $1
		ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SecurityEvent
	for rows.Next() {
		var ev SecurityEvent
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.Resource, &ev.EventType, &ev.RiskScore, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
