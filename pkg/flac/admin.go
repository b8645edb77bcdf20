package flac

import (
	"context"
	"encoding/json"

	"trustcore/pkg/ledger"
	"trustcore/pkg/models"
)

// Auditor records field-policy mutations on the tamper-evident ledger.
// *ledger.Ledger satisfies it.
type Auditor interface {
	Append(ctx context.Context, req ledger.AppendRequest) (models.AuditRecord, error)
}

// Administrative mutations. Each one appends an audit record carrying the
// prior state next to the new one; a masking rule that changes without a
// ledger trace is a bug, not an optimization target.

func (e *Engine) SavePolicy(ctx context.Context, actorUserID string, p models.FieldPolicy) error {
	var before *models.FieldPolicy
	existing, err := e.Store.PoliciesForTable(ctx, p.TenantID, p.TableName)
	if err != nil {
		return err
	}
	for i := range existing {
		if existing[i].ID == p.ID {
			before = &existing[i]
			break
		}
	}
	if err := e.Store.SavePolicy(ctx, p); err != nil {
		return err
	}
	return e.appendAudit(ctx, actorUserID, p.TenantID, "field_policy.saved", p.TableName+"."+p.FieldName, map[string]interface{}{
		"before": before,
		"after":  p,
	})
}

func (e *Engine) SaveClassification(ctx context.Context, actorUserID string, c models.DataClassification) error {
	classes, err := e.Store.ClassificationsForTable(ctx, c.TenantID, c.TableName)
	if err != nil {
		return err
	}
	var before *models.DataClassification
	if prev, ok := classes[c.FieldName]; ok {
		before = &prev
	}
	if err := e.Store.SaveClassification(ctx, c); err != nil {
		return err
	}
	return e.appendAudit(ctx, actorUserID, c.TenantID, "classification.saved", c.TableName+"."+c.FieldName, map[string]interface{}{
		"before": before,
		"after":  c,
	})
}

func (e *Engine) appendAudit(ctx context.Context, actorUserID, tenantID, action, resource string, payload map[string]interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = e.Audit.Append(ctx, ledger.AppendRequest{
		TenantID:    tenantID,
		ActorUserID: actorUserID,
		Module:      "flac",
		Action:      action,
		Resource:    resource,
		Payload:     raw,
	})
	return err
}
