package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestCanonicalizeJSONSortsAndCompacts(t *testing.T) {
	t.Parallel()

	out, err := CanonicalizeJSON(json.RawMessage(`{ "b": [1, 2.5, null], "a": {"z": true, "y": "s"} }`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"a":{"y":"s","z":true},"b":[1,2.5,null]}`
	if string(out) != want {
		t.Fatalf("got %s, want %s", out, want)
	}
}

func TestCanonicalizeJSONPreservesNumberTokens(t *testing.T) {
	t.Parallel()

	out, err := CanonicalizeJSON(json.RawMessage(`{"amount":10.10,"count":9007199254740993}`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if !strings.Contains(string(out), "10.10") {
		t.Fatalf("float token should survive untouched: %s", out)
	}
	if !strings.Contains(string(out), "9007199254740993") {
		t.Fatalf("big int should not lose precision: %s", out)
	}
}

func TestCanonicalizeJSONRejectsMalformed(t *testing.T) {
	t.Parallel()

	if _, err := CanonicalizeJSON(json.RawMessage(`{"a":`)); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
}

func baseRecord() AuditRecord {
	return AuditRecord{
		ID:          "r1",
		TenantID:    "acme",
		ActorUserID: "alice",
		Module:      "crm",
		Action:      "lead.update",
		Resource:    "lead-7",
		Payload:     json.RawMessage(`{"field":"status","new":"won"}`),
		PrevHash:    "",
		EncVersion:  EncodingVersion,
		Seq:         1,
		CreatedAt:   time.Date(2026, 2, 3, 12, 30, 45, 123456789, time.UTC),
	}
}

func TestRecordDigestDeterministic(t *testing.T) {
	t.Parallel()

	rec := baseRecord()
	d1, err := RecordDigest(rec)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	// Payload key order must not matter.
	rec.Payload = json.RawMessage(`{"new":"won","field":"status"}`)
	d2, err := RecordDigest(rec)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if d1 != d2 {
		t.Fatal("digest should be independent of payload key order")
	}
	if len(d1) != 64 {
		t.Fatalf("digest should be hex sha256, got %q", d1)
	}
}

func TestRecordDigestSensitiveToEveryField(t *testing.T) {
	t.Parallel()

	base, err := RecordDigest(baseRecord())
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	mutations := map[string]func(*AuditRecord){
		"tenant":    func(r *AuditRecord) { r.TenantID = "other" },
		"actor":     func(r *AuditRecord) { r.ActorUserID = "bob" },
		"module":    func(r *AuditRecord) { r.Module = "billing" },
		"action":    func(r *AuditRecord) { r.Action = "lead.delete" },
		"resource":  func(r *AuditRecord) { r.Resource = "lead-8" },
		"payload":   func(r *AuditRecord) { r.Payload = json.RawMessage(`{"field":"owner"}`) },
		"timestamp": func(r *AuditRecord) { r.CreatedAt = r.CreatedAt.Add(time.Microsecond) },
		"prev_hash": func(r *AuditRecord) { r.PrevHash = "abc" },
	}
	for name, mutate := range mutations {
		rec := baseRecord()
		mutate(&rec)
		d, err := RecordDigest(rec)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if d == base {
			t.Fatalf("mutating %s should change the digest", name)
		}
	}
}

func TestRecordDigestFieldBoundariesCannotShift(t *testing.T) {
	t.Parallel()

	// Adjacent free-form fields must not collide when content moves
	// across the field boundary.
	a := baseRecord()
	a.Action = "leads|export"
	a.Resource = "all"
	b := baseRecord()
	b.Action = "leads"
	b.Resource = "export|all"
	da, err := RecordDigest(a)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	db, err := RecordDigest(b)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if da == db {
		t.Fatal("records with shifted field content must not share a digest")
	}
}

func TestRecordDigestTruncatesToMicroseconds(t *testing.T) {
	t.Parallel()

	a := baseRecord()
	b := baseRecord()
	b.CreatedAt = b.CreatedAt.Truncate(time.Microsecond)
	da, _ := RecordDigest(a)
	db, _ := RecordDigest(b)
	if da != db {
		t.Fatal("sub-microsecond precision must not affect the digest")
	}
}

func TestRecordDigestEmptyActorAndPayload(t *testing.T) {
	t.Parallel()

	rec := baseRecord()
	rec.ActorUserID = ""
	rec.Payload = nil
	if _, err := RecordDigest(rec); err != nil {
		t.Fatalf("system record should digest: %v", err)
	}
}

func TestRecordDigestUnknownVersion(t *testing.T) {
	t.Parallel()

	rec := baseRecord()
	rec.EncVersion = "tc9"
	if _, err := RecordDigest(rec); err == nil {
		t.Fatal("unknown encoding version must fail, never fall back")
	}
}

func TestHashHex(t *testing.T) {
	t.Parallel()

	got := HashHex([]byte("abc"))
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Fatalf("HashHex = %s, want %s", got, want)
	}
}
