package anchor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trustcore/pkg/cryptoutil"
	"trustcore/pkg/ledger"
	"trustcore/pkg/models"
)

// ErrNothingToAnchor means no records have landed since the last anchor.
var ErrNothingToAnchor = errors.New("anchor: no records since last anchor")

// ErrNotFound is returned for unknown anchor IDs.
var ErrNotFound = errors.New("anchor: not found")

// Submitter commits a Merkle root to an external immutable store. Submit
// may return an empty txID when the commitment confirms asynchronously; the
// anchor is then updated later through Service.Confirm, idempotently.
type Submitter interface {
	Chain() string
	Submit(ctx context.Context, tenantID, merkleRoot string) (txID string, err error)
}

// Store persists anchors.
type Store interface {
	Insert(ctx context.Context, a models.Anchor) error
	Last(ctx context.Context, tenantID string) (models.Anchor, bool, error)
	Get(ctx context.Context, id string) (models.Anchor, error)
	List(ctx context.Context, tenantID string, limit int) ([]models.Anchor, error)
	// SetTxID records the confirmation reference. Must be a no-op when the
	// anchor already carries a tx_id (anchors are immutable once confirmed).
	SetTxID(ctx context.Context, id, txID string) error
}

// RecordSource is the slice of the ledger the anchor service reads.
type RecordSource interface {
	Tail(ctx context.Context, tenantID string) (hash string, seq int64, err error)
	Range(ctx context.Context, tenantID string, fromSeq, toSeq int64) ([]models.AuditRecord, error)
}

// Service runs anchor cycles over a tenant's chain.
type Service struct {
	Records   RecordSource
	Store     Store
	Submitter Submitter
	Clock     func() time.Time
	BatchMax  int
}

func NewService(records RecordSource, store Store, sub Submitter) *Service {
	return &Service{Records: records, Store: store, Submitter: sub, Clock: time.Now, BatchMax: 10000}
}

func (s *Service) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

// RunCycle anchors everything appended since the last anchor's upper bound.
// The cycle stores the anchor with whatever txID the submitter returned
// immediately; it never blocks waiting for external confirmation.
func (s *Service) RunCycle(ctx context.Context, tenantID string) (models.Anchor, error) {
	last, ok, err := s.Store.Last(ctx, tenantID)
	if err != nil {
		return models.Anchor{}, fmt.Errorf("read last anchor: %w", err)
	}
	fromSeq := int64(1)
	if ok {
		fromSeq = last.ToSeq + 1
	}
	// snapshot the tail first so a concurrent append cannot move the batch
	// boundary mid-read
	_, tailSeq, err := s.Records.Tail(ctx, tenantID)
	if err != nil {
		return models.Anchor{}, fmt.Errorf("read tail: %w", err)
	}
	if tailSeq < fromSeq {
		return models.Anchor{}, ErrNothingToAnchor
	}
	toSeq := tailSeq
	if s.BatchMax > 0 && toSeq-fromSeq+1 > int64(s.BatchMax) {
		toSeq = fromSeq + int64(s.BatchMax) - 1
	}
	recs, err := s.Records.Range(ctx, tenantID, fromSeq, toSeq)
	if err != nil {
		return models.Anchor{}, fmt.Errorf("read batch: %w", err)
	}
	if len(recs) == 0 {
		return models.Anchor{}, ErrNothingToAnchor
	}
	root := MerkleRoot(leafHashes(recs))
	a := models.Anchor{
		ID:         cryptoutil.NewID(),
		TenantID:   tenantID,
		Chain:      s.Submitter.Chain(),
		MerkleRoot: root,
		FromSeq:    recs[0].Seq,
		ToSeq:      recs[len(recs)-1].Seq,
		AnchoredAt: s.now().UTC(),
	}
	txID, err := s.Submitter.Submit(ctx, tenantID, root)
	if err != nil {
		// the root is still worth keeping; confirmation can be re-driven
		txID = ""
	}
	a.TxID = txID
	if err := s.Store.Insert(ctx, a); err != nil {
		return models.Anchor{}, fmt.Errorf("store anchor: %w", err)
	}
	return a, nil
}

// Confirm attaches the external transaction reference once the submission
// lands. Keyed by anchor ID; repeated confirmations are no-ops.
func (s *Service) Confirm(ctx context.Context, anchorID, txID string) error {
	if txID == "" {
		return errors.New("anchor: empty tx id")
	}
	return s.Store.SetTxID(ctx, anchorID, txID)
}

// Verify recomputes the Merkle root over the anchor's record range and
// compares it to the stored root. False means either the batch or the
// anchor row was altered.
func (s *Service) Verify(ctx context.Context, anchorID string) (bool, error) {
	a, err := s.Store.Get(ctx, anchorID)
	if err != nil {
		return false, err
	}
	recs, err := s.Records.Range(ctx, a.TenantID, a.FromSeq, a.ToSeq)
	if err != nil {
		return false, fmt.Errorf("read batch: %w", err)
	}
	if int64(len(recs)) != a.ToSeq-a.FromSeq+1 {
		return false, nil
	}
	return MerkleRoot(leafHashes(recs)) == a.MerkleRoot, nil
}

// ProveRecord builds an inclusion proof for one record inside an anchored
// batch.
func (s *Service) ProveRecord(ctx context.Context, anchorID, recordID string) (Proof, error) {
	a, err := s.Store.Get(ctx, anchorID)
	if err != nil {
		return Proof{}, err
	}
	recs, err := s.Records.Range(ctx, a.TenantID, a.FromSeq, a.ToSeq)
	if err != nil {
		return Proof{}, fmt.Errorf("read batch: %w", err)
	}
	idx := -1
	for i := range recs {
		if recs[i].ID == recordID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Proof{}, ledger.ErrNotFound
	}
	proof, ok := BuildProof(leafHashes(recs), idx)
	if !ok {
		return Proof{}, fmt.Errorf("anchor: proof index out of range")
	}
	return proof, nil
}

// Anchors lists recent anchors for the operator surface.
func (s *Service) Anchors(ctx context.Context, tenantID string, limit int) ([]models.Anchor, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.Store.List(ctx, tenantID, limit)
}

func leafHashes(recs []models.AuditRecord) []string {
	leaves := make([]string, len(recs))
	for i := range recs {
		leaves[i] = recs[i].CurrHash
	}
	return leaves
}

// LocalSubmitter is the dev/test submitter: it derives a deterministic
// pseudo transaction ID instead of talking to a real external chain.
type LocalSubmitter struct{}

func (LocalSubmitter) Chain() string { return "local" }

func (LocalSubmitter) Submit(ctx context.Context, tenantID, merkleRoot string) (string, error) {
	return "local:" + cryptoutil.HashHex([]byte(tenantID+"|"+merkleRoot))[:16], nil
}
