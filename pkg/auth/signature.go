package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"trustcore/pkg/models"
)

// SignedConfirmation is an external anchor submitter's signed report that
// a Merkle root was committed. The signature binds the anchor, the root
// and the transaction id so a compromised transport cannot re-point a
// confirmation at a different anchor.
type SignedConfirmation struct {
	AnchorID   string `json:"anchor_id"`
	TenantID   string `json:"tenant_id"`
	MerkleRoot string `json:"merkle_root"`
	TxID       string `json:"tx_id"`
	Chain      string `json:"chain"`
	SignedAt   string `json:"signed_at"`
	Kid        string `json:"kid"`
	Sig        string `json:"sig"` // base64 std encoding, ed25519
}

// ConfirmationPayload is the canonical byte form covered by the signature.
func ConfirmationPayload(c SignedConfirmation) ([]byte, error) {
	binding := struct {
		AnchorID   string `json:"anchor_id"`
		TenantID   string `json:"tenant_id"`
		MerkleRoot string `json:"merkle_root"`
		TxID       string `json:"tx_id"`
		Chain      string `json:"chain"`
		SignedAt   string `json:"signed_at"`
	}{
		AnchorID:   c.AnchorID,
		TenantID:   c.TenantID,
		MerkleRoot: c.MerkleRoot,
		TxID:       c.TxID,
		Chain:      c.Chain,
		SignedAt:   c.SignedAt,
	}
	raw, err := json.Marshal(binding)
	if err != nil {
		return nil, fmt.Errorf("marshal confirmation payload: %w", err)
	}
	canon, err := models.CanonicalizeJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize confirmation payload: %w", err)
	}
	return canon, nil
}

// VerifyConfirmation checks the ed25519 signature against the submitter's
// public key.
func VerifyConfirmation(pubKey ed25519.PublicKey, c SignedConfirmation) error {
	payload, err := ConfirmationPayload(c)
	if err != nil {
		return err
	}
	sigBytes, err := base64.StdEncoding.DecodeString(c.Sig)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pubKey, payload, sigBytes) {
		return errors.New("invalid signature")
	}
	return nil
}
