package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PermissionKey names a single grantable capability, e.g. "crm.leads.read".
type PermissionKey string

// AuditRecord is one link of a tenant's hash chain. Records are created once
// on append and never mutated or deleted; legal-hold and export flows read
// them in place.
type AuditRecord struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	ActorUserID string          `json:"actor_user_id,omitempty"` // empty for system actions
	Module      string          `json:"module"`
	Action      string          `json:"action"`
	Resource    string          `json:"resource"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PrevHash    string          `json:"prev_hash"` // empty for the genesis record
	CurrHash    string          `json:"curr_hash"`
	EncVersion  string          `json:"enc_version"`
	Seq         int64           `json:"seq"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Anchor commits a contiguous batch of audit records to an external ledger.
// Immutable once TxID is set.
type Anchor struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	Chain      string    `json:"chain"`
	MerkleRoot string    `json:"merkle_root"`
	TxID       string    `json:"tx_id,omitempty"` // empty until confirmed
	FromSeq    int64     `json:"from_seq"`
	ToSeq      int64     `json:"to_seq"`
	AnchoredAt time.Time `json:"anchored_at"`
}

// RoleDefinition is a tenant-scoped named permission set. System roles are
// not deletable.
type RoleDefinition struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Key         string          `json:"key"`
	Label       string          `json:"label"`
	Permissions []PermissionKey `json:"permissions"`
	IsSystem    bool            `json:"is_system"`
	Priority    int             `json:"priority"`
}

// UserRole links a user to a role within one tenant.
type UserRole struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	RoleID   string `json:"role_id"`
}

// DynamicPolicy grants permissions when its condition evaluates true against
// the request context. Disabled policies contribute nothing.
type DynamicPolicy struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Name        string          `json:"name"`
	Condition   string          `json:"condition"`
	Permissions []PermissionKey `json:"permissions"`
	Enabled     bool            `json:"enabled"`
	Priority    int             `json:"priority"`
}

// MaskType selects the display transform applied to a readable field.
type MaskType string

const (
	MaskNone    MaskType = "none"
	MaskPartial MaskType = "partial"
	MaskHash    MaskType = "hash"
	MaskFull    MaskType = "full"
)

// maskRank orders masks by restrictiveness: full > hash > partial > none.
func maskRank(m MaskType) int {
	switch m {
	case MaskFull:
		return 3
	case MaskHash:
		return 2
	case MaskPartial:
		return 1
	default:
		return 0
	}
}

// StricterMask returns the more restrictive of two masks.
func StricterMask(a, b MaskType) MaskType {
	if maskRank(a) >= maskRank(b) {
		return a
	}
	return b
}

// FieldPolicy governs one (table, field, role) triple. Policies matching the
// same field through different roles combine with OR on read/write and the
// strictest non-none mask.
type FieldPolicy struct {
	ID        string   `json:"id"`
	TenantID  string   `json:"tenant_id"`
	TableName string   `json:"table_name"`
	FieldName string   `json:"field_name"`
	RoleID    string   `json:"role_id"`
	CanRead   bool     `json:"can_read"`
	CanWrite  bool     `json:"can_write"`
	Mask      MaskType `json:"mask_type"`
	Condition string   `json:"condition,omitempty"`
}

// ClassificationLevel is descriptive sensitivity metadata, consulted by FLAC
// only when no explicit FieldPolicy exists.
type ClassificationLevel string

const (
	ClassPublic       ClassificationLevel = "public"
	ClassInternal     ClassificationLevel = "internal"
	ClassConfidential ClassificationLevel = "confidential"
	ClassRestricted   ClassificationLevel = "restricted"
)

type DataClassification struct {
	TenantID           string              `json:"tenant_id"`
	TableName          string              `json:"table_name"`
	FieldName          string              `json:"field_name"`
	Level              ClassificationLevel `json:"level"`
	Categories         []string            `json:"categories,omitempty"`
	RetentionDays      int                 `json:"retention_days,omitempty"`
	EncryptionRequired bool                `json:"encryption_required,omitempty"`
}

// FieldAccess is the resolved verdict for one user/field pair.
type FieldAccess struct {
	CanRead  bool     `json:"can_read"`
	CanWrite bool     `json:"can_write"`
	Mask     MaskType `json:"mask_type"`
}

// AccessRecommendation suggests a permission an administrator may want to
// grant, based on what the user's peers hold. Advisory only; never
// auto-granted.
type AccessRecommendation struct {
	UserID     string        `json:"user_id"`
	TenantID   string        `json:"tenant_id"`
	Permission PermissionKey `json:"permission"`
	Confidence float64       `json:"confidence"` // fraction of peers holding it
	PeerCount  int           `json:"peer_count"`
}

// ValidationError reports malformed input to any core operation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks the fields an append must carry.
func (r AuditRecord) Validate() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if strings.TrimSpace(r.Module) == "" {
		return &ValidationError{Field: "module", Reason: "required"}
	}
	if strings.TrimSpace(r.Action) == "" {
		return &ValidationError{Field: "action", Reason: "required"}
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return &ValidationError{Field: "payload", Reason: "not valid JSON"}
	}
	return nil
}

func (r RoleDefinition) Validate() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if strings.TrimSpace(r.Key) == "" {
		return &ValidationError{Field: "key", Reason: "required"}
	}
	return nil
}

func (p DynamicPolicy) Validate() error {
	if strings.TrimSpace(p.TenantID) == "" {
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if strings.TrimSpace(p.Name) == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if strings.TrimSpace(p.Condition) == "" {
		return &ValidationError{Field: "condition", Reason: "required"}
	}
	return nil
}

func (p FieldPolicy) Validate() error {
	if strings.TrimSpace(p.TenantID) == "" {
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if strings.TrimSpace(p.TableName) == "" {
		return &ValidationError{Field: "table_name", Reason: "required"}
	}
	if strings.TrimSpace(p.FieldName) == "" {
		return &ValidationError{Field: "field_name", Reason: "required"}
	}
	switch p.Mask {
	case MaskNone, MaskPartial, MaskHash, MaskFull:
		return nil
	default:
		return &ValidationError{Field: "mask_type", Reason: "unknown mask"}
	}
}
