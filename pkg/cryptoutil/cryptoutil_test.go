package cryptoutil

import (
	"encoding/base64"
	"testing"

	"github.com/google/uuid"
)

func TestNewID(t *testing.T) {
	t.Parallel()
	a, b := NewID(), NewID()
	if a == b {
		t.Fatal("ids must be unique")
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Fatalf("not a uuid: %v", err)
	}
}

func TestNewToken(t *testing.T) {
	t.Parallel()
	tok, err := NewToken(32)
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		t.Fatalf("not base64url: %v", err)
	}
	if len(raw) != 32 {
		t.Fatalf("len = %d", len(raw))
	}
	// non-positive sizes fall back to 32 bytes
	tok, err = NewToken(0)
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	if raw, _ := base64.RawURLEncoding.DecodeString(tok); len(raw) != 32 {
		t.Fatalf("default len = %d", len(raw))
	}
}

func TestHashHex(t *testing.T) {
	t.Parallel()
	if got := HashHex([]byte("abc")); got != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("HashHex(abc) = %s", got)
	}
	if HashHex([]byte("a")) == HashHex([]byte("b")) {
		t.Fatal("distinct inputs collide")
	}
}

func TestSaltedHash(t *testing.T) {
	t.Parallel()
	if SaltedHash([]byte("user-1"), nil) != HashHex([]byte("user-1")) {
		t.Fatal("no salt must equal the plain hash")
	}
	salted := SaltedHash([]byte("user-1"), []byte("pepper"))
	if salted == HashHex([]byte("user-1")) {
		t.Fatal("salt must change the digest")
	}
	if salted != SaltedHash([]byte("user-1"), []byte("pepper")) {
		t.Fatal("salted hash must be deterministic")
	}
}

func TestHMACRoundTrip(t *testing.T) {
	t.Parallel()
	key := []byte("shared-secret")
	msg := []byte("anchor-confirmation")
	sig := SignHMAC(key, msg)
	if !VerifyHMAC(key, msg, sig) {
		t.Fatal("valid signature rejected")
	}
	if VerifyHMAC([]byte("other-key"), msg, sig) {
		t.Fatal("wrong key accepted")
	}
	if VerifyHMAC(key, []byte("other-msg"), sig) {
		t.Fatal("wrong message accepted")
	}
	if VerifyHMAC(key, msg, "zz-not-hex") {
		t.Fatal("malformed signature accepted")
	}
}
