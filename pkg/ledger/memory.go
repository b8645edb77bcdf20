package ledger

import (
	"context"
	"sync"

	"trustcore/pkg/models"
)

// MemoryStore keeps per-tenant chains in memory. It backs tests and dev
// mode; production uses PostgresStore. The tail check happens under the
// same lock as the insert, which is the CAS the Store contract requires.
type MemoryStore struct {
	mu     sync.Mutex
	chains map[string][]models.AuditRecord
	byID   map[string]models.AuditRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains: map[string][]models.AuditRecord{},
		byID:   map[string]models.AuditRecord{},
	}
}

func (m *MemoryStore) Tail(ctx context.Context, tenantID string) (string, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.chains[tenantID]
	if len(chain) == 0 {
		return "", 0, nil
	}
	last := chain[len(chain)-1]
	return last.CurrHash, last.Seq, nil
}

func (m *MemoryStore) Insert(ctx context.Context, rec models.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.chains[rec.TenantID]
	tail := ""
	if len(chain) > 0 {
		tail = chain[len(chain)-1].CurrHash
	}
	if rec.PrevHash != tail {
		return ErrTailMoved
	}
	m.chains[rec.TenantID] = append(chain, rec)
	m.byID[rec.ID] = rec
	return nil
}

func (m *MemoryStore) Range(ctx context.Context, tenantID string, fromSeq, toSeq int64) ([]models.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditRecord
	for _, rec := range m.chains[tenantID] {
		if rec.Seq < fromSeq {
			continue
		}
		if toSeq > 0 && rec.Seq > toSeq {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (models.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok {
		return models.AuditRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) RecentByActor(ctx context.Context, tenantID, actorUserID string, limit int) ([]models.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.chains[tenantID]
	var out []models.AuditRecord
	for i := len(chain) - 1; i >= 0 && len(out) < limit; i-- {
		if chain[i].ActorUserID == actorUserID {
			out = append(out, chain[i])
		}
	}
	return out, nil
}

// Tamper overwrites a stored record in place without recomputing hashes.
// Test-only hook for exercising verification; there is deliberately no
// production path that rewrites a record.
func (m *MemoryStore) Tamper(id string, mutate func(*models.AuditRecord)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok {
		return false
	}
	mutate(&rec)
	m.byID[id] = rec
	chain := m.chains[rec.TenantID]
	for i := range chain {
		if chain[i].ID == id {
			chain[i] = rec
			return true
		}
	}
	return false
}
