// Package cryptoutil holds the hashing and token primitives shared by the
// ledger, FLAC masking, and the service surface. Hashing here is
// integrity-oriented; the FLAC hash mask reuses it purely for display.
package cryptoutil

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// NewID returns a random UUIDv4 string.
func NewID() string {
	return uuid.NewString()
}

// NewToken returns n random bytes, base64url-encoded without padding.
func NewToken(n int) (string, error) {
	if n <= 0 {
		n = 32
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashHex is sha256 over b, hex-encoded.
func HashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SaltedHash hashes b with an optional salt prefix. Used when pseudonymizing
// actor identifiers in exported audit data.
func SaltedHash(b, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

// SignHMAC returns a hex HMAC-SHA256 of msg under key. Shared-secret tokens
// for the operator surface are minted and checked with this.
func SignHMAC(key, msg []byte) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks sig against SignHMAC(key, msg) in constant time.
func VerifyHMAC(key, msg []byte, sig string) bool {
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(msg)
	return hmac.Equal(mac.Sum(nil), want)
}
