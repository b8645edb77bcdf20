// Package ledger implements the append-only, hash-chained audit ledger.
// Each record links to its predecessor through prev_hash; per-tenant chains
// are linearized with a compare-and-swap on the stored tail, never with
// process-local state, so correctness survives multiple instances.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trustcore/pkg/cryptoutil"
	"trustcore/pkg/models"
)

// ErrTailMoved is the store-level signal that a concurrent append advanced
// the tenant tail between read and insert. The ledger retries on it.
var ErrTailMoved = errors.New("ledger: chain tail moved")

// ErrNotFound is returned for lookups of unknown record IDs.
var ErrNotFound = errors.New("ledger: record not found")

// ConflictError surfaces when bounded retries are exhausted. Callers may
// retry the whole append against the new tail.
type ConflictError struct {
	TenantID string
	Attempts int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("ledger: append conflict for tenant %s after %d attempts", e.TenantID, e.Attempts)
}

// IntegrityError reports a verification mismatch. It is never retried and
// must reach an operator; a broken chain is an incident, not a log line.
type IntegrityError struct {
	RecordID string
	Reason   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger: integrity failure at record %s: %s", e.RecordID, e.Reason)
}

// Store is the persistence contract. Insert must reject a record whose
// PrevHash no longer matches the tenant's current tail with ErrTailMoved;
// that check is the serialization point of the whole ledger.
type Store interface {
	Tail(ctx context.Context, tenantID string) (hash string, seq int64, err error)
	Insert(ctx context.Context, rec models.AuditRecord) error
	Range(ctx context.Context, tenantID string, fromSeq, toSeq int64) ([]models.AuditRecord, error)
	Get(ctx context.Context, id string) (models.AuditRecord, error)
	RecentByActor(ctx context.Context, tenantID, actorUserID string, limit int) ([]models.AuditRecord, error)
}

// AppendRequest carries the caller-supplied fields of a new record. The
// ledger does not authorize; callers are expected to have done that.
type AppendRequest struct {
	TenantID    string
	ActorUserID string // empty for system actions
	Module      string
	Action      string
	Resource    string
	Payload     json.RawMessage
}

// Ledger appends and verifies audit records.
type Ledger struct {
	Store      Store
	Clock      func() time.Time
	MaxRetries int
}

func New(store Store) *Ledger {
	return &Ledger{Store: store, Clock: time.Now, MaxRetries: 5}
}

func (l *Ledger) now() time.Time {
	if l.Clock != nil {
		return l.Clock()
	}
	return time.Now()
}

// Append linearizes a new record onto the tenant's chain. It reads the
// current tail, computes the candidate digest, and inserts conditioned on
// the tail being unchanged; ErrTailMoved triggers a bounded re-read/retry.
func (l *Ledger) Append(ctx context.Context, req AppendRequest) (models.AuditRecord, error) {
	rec := models.AuditRecord{
		TenantID:    req.TenantID,
		ActorUserID: req.ActorUserID,
		Module:      req.Module,
		Action:      req.Action,
		Resource:    req.Resource,
		Payload:     req.Payload,
		EncVersion:  models.EncodingVersion,
	}
	if err := rec.Validate(); err != nil {
		return models.AuditRecord{}, err
	}
	attempts := l.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		tail, seq, err := l.Store.Tail(ctx, req.TenantID)
		if err != nil {
			return models.AuditRecord{}, fmt.Errorf("read tail: %w", err)
		}
		rec.ID = cryptoutil.NewID()
		rec.PrevHash = tail
		rec.Seq = seq + 1
		rec.CreatedAt = l.now().UTC().Truncate(time.Microsecond)
		digest, err := models.RecordDigest(rec)
		if err != nil {
			return models.AuditRecord{}, fmt.Errorf("compute digest: %w", err)
		}
		rec.CurrHash = digest
		err = l.Store.Insert(ctx, rec)
		if err == nil {
			return rec, nil
		}
		if errors.Is(err, ErrTailMoved) {
			continue
		}
		return models.AuditRecord{}, fmt.Errorf("insert record: %w", err)
	}
	return models.AuditRecord{}, &ConflictError{TenantID: req.TenantID, Attempts: attempts}
}

// Report is the outcome of a chain verification. Every break is listed so
// an operator can bound the blast radius, not just the first.
type Report struct {
	TenantID string   `json:"tenant_id"`
	Valid    bool     `json:"valid"`
	Checked  int      `json:"checked"`
	Breaks   []string `json:"breaks"`
}

// VerifyChain walks the tenant's records in chain order over [fromSeq,
// toSeq] (toSeq <= 0 means the current end) and checks both linkage
// (prev_hash against the predecessor's curr_hash) and content (stored
// curr_hash against its recomputation). A record that preserves linkage but
// altered content is still flagged.
func (l *Ledger) VerifyChain(ctx context.Context, tenantID string, fromSeq, toSeq int64) (Report, error) {
	if fromSeq <= 0 {
		fromSeq = 1
	}
	recs, err := l.Store.Range(ctx, tenantID, fromSeq, toSeq)
	if err != nil {
		return Report{}, fmt.Errorf("read range: %w", err)
	}
	report := Report{TenantID: tenantID, Valid: true, Breaks: []string{}}
	var prev *models.AuditRecord
	for i := range recs {
		rec := &recs[i]
		report.Checked++
		broken := false
		if prev != nil {
			if rec.PrevHash != prev.CurrHash {
				broken = true
			}
		} else if rec.Seq == 1 && rec.PrevHash != "" {
			// genesis must not claim a predecessor
			broken = true
		}
		digest, err := models.RecordDigest(*rec)
		if err != nil || digest != rec.CurrHash {
			broken = true
		}
		if broken {
			report.Valid = false
			report.Breaks = append(report.Breaks, rec.ID)
		}
		prev = rec
	}
	return report, nil
}

// VerifyRecord recomputes a single record's digest against its stored
// curr_hash, independent of chain position.
func (l *Ledger) VerifyRecord(ctx context.Context, id string) (bool, error) {
	rec, err := l.Store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	digest, err := models.RecordDigest(rec)
	if err != nil {
		return false, &IntegrityError{RecordID: id, Reason: err.Error()}
	}
	return digest == rec.CurrHash, nil
}

// Records returns the most recent window of a tenant's chain for the
// compliance/export surface. Never mutates.
func (l *Ledger) Records(ctx context.Context, tenantID string, limit int) ([]models.AuditRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	_, seq, err := l.Store.Tail(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	from := seq - int64(limit) + 1
	if from < 1 {
		from = 1
	}
	return l.Store.Range(ctx, tenantID, from, seq)
}

// Get fetches one record by ID.
func (l *Ledger) Get(ctx context.Context, id string) (models.AuditRecord, error) {
	return l.Store.Get(ctx, id)
}
