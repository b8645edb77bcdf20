package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"
)

// EncodingVersion tags the canonical encoding used for record digests.
// Changing field order, timestamp precision, or payload canonicalization
// silently breaks verification of every historical chain, so any change
// here must mint a new version token and keep the old encoder around.
const EncodingVersion = "tc1"

// nullActor stands in for a missing actor so the field count is stable.
const nullActor = "-"

// CanonicalizeJSON returns an RFC 8785-style canonical form: object keys
// sorted, no insignificant whitespace, numbers emitted as their JSON
// tokens. Used for audit payloads, which may carry floats.
func CanonicalizeJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := canonicalizeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonicalizeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, _ := json.Marshal(t)
		buf.Write(b)
	case json.Number:
		buf.WriteString(t.String())
	case []interface{}:
		buf.WriteString("[")
		for i, vv := range t {
			if i > 0 {
				buf.WriteString(",")
			}
			if err := canonicalizeValue(buf, vv); err != nil {
				return err
			}
		}
		buf.WriteString("]")
	case map[string]interface{}:
		buf.WriteString("{")
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(",")
			}
			ks, _ := json.Marshal(k)
			buf.Write(ks)
			buf.WriteString(":")
			if err := canonicalizeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteString("}")
	default:
		return errors.New("unsupported json type")
	}
	return nil
}

// RecordDigest computes the hash a stored record must carry: the sha256 of
// the length-prefixed concatenation of
//
//	version, tenant, actor, module, action, resource,
//	canonical(payload), created_at, prev_hash
//
// Each field is encoded as "<byte length>:<bytes>" so no field content can
// shift across a boundary; free-form fields like action and resource need
// no escaping. CreatedAt is truncated to microseconds and rendered RFC 3339
// UTC so the digest survives round-trips through stores with microsecond
// timestamp columns. PrevHash is empty for the genesis record.
func RecordDigest(rec AuditRecord) (string, error) {
	version := rec.EncVersion
	if version == "" {
		version = EncodingVersion
	}
	if version != EncodingVersion {
		return "", errors.New("unknown encoding version: " + version)
	}
	payload := "null"
	if len(rec.Payload) > 0 {
		canon, err := CanonicalizeJSON(rec.Payload)
		if err != nil {
			return "", err
		}
		payload = string(canon)
	}
	actor := rec.ActorUserID
	if actor == "" {
		actor = nullActor
	}
	ts := rec.CreatedAt.UTC().Truncate(time.Microsecond).Format("2006-01-02T15:04:05.000000Z")
	parts := []string{
		version,
		rec.TenantID,
		actor,
		rec.Module,
		rec.Action,
		rec.Resource,
		payload,
		ts,
		rec.PrevHash,
	}
	var preimage bytes.Buffer
	for _, part := range parts {
		preimage.WriteString(strconv.Itoa(len(part)))
		preimage.WriteByte(':')
		preimage.WriteString(part)
	}
	sum := sha256.Sum256(preimage.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// HashHex is the plain content hash used for Merkle leaves and spot checks.
func HashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
