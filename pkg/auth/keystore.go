package auth

import "context"

// KeyRecord is the verification material for one anchor submitter key.
// Confirmations signed by a revoked key are rejected.
type KeyRecord struct {
	Kid       string
	Signer    string
	PublicKey []byte
	Status    string // "active" or "revoked"
}

// KeyStore looks up submitter keys by kid.
type KeyStore interface {
	GetKey(ctx context.Context, kid string) (*KeyRecord, error)
}
