// Package flac resolves field-level access and masking. Reads that leave
// the trust boundary pass through FilterRow/FilterRows, which omit fields
// the caller may not see and mask the ones it may only see redacted.
// Omission and masking are distinct outcomes on purpose.
package flac

import (
	"context"
	"log"

	"trustcore/pkg/models"
	"trustcore/pkg/policyexpr"
)

// RoleResolver supplies the caller's role set; satisfied by rbac.Store.
type RoleResolver interface {
	RolesForUser(ctx context.Context, tenantID, userID string) ([]models.RoleDefinition, error)
}

// Store is the persistence contract for field policies and classifications.
type Store interface {
	PoliciesForTable(ctx context.Context, tenantID, tableName string) ([]models.FieldPolicy, error)
	ClassificationsForTable(ctx context.Context, tenantID, tableName string) (map[string]models.DataClassification, error)
	SavePolicy(ctx context.Context, p models.FieldPolicy) error
	SaveClassification(ctx context.Context, c models.DataClassification) error
}

// Engine is stateless per call. Audit is required for the administrative
// mutations in admin.go; read paths never touch it.
type Engine struct {
	Roles RoleResolver
	Store Store
	Audit Auditor
}

func NewEngine(roles RoleResolver, store Store) *Engine {
	return &Engine{Roles: roles, Store: store}
}

// FieldAccess resolves one user/field pair. Policies matching through
// different roles combine by OR on read, OR on write, and the strictest
// non-none mask among the policies that grant read. When no policy is
// defined for the field at all, the classification fallback applies:
// restricted denies, confidential reads masked partial, otherwise open.
// Policies that exist but match no held role deny.
func (e *Engine) FieldAccess(ctx context.Context, userID, tenantID, table, field string, ectx policyexpr.Context) (models.FieldAccess, error) {
	roles, err := e.Roles.RolesForUser(ctx, tenantID, userID)
	if err != nil {
		return models.FieldAccess{}, err
	}
	policies, err := e.Store.PoliciesForTable(ctx, tenantID, table)
	if err != nil {
		return models.FieldAccess{}, err
	}
	classes, err := e.Store.ClassificationsForTable(ctx, tenantID, table)
	if err != nil {
		return models.FieldAccess{}, err
	}
	roleSet := roleIDs(roles)
	return resolveField(field, policies, roleSet, classes, ectx), nil
}

// FilterRow applies FieldAccess and masking per field. Unreadable fields
// are omitted from the output entirely. The result is always derived from
// the source row, so filtering twice equals filtering once.
func (e *Engine) FilterRow(ctx context.Context, userID, tenantID, table string, row map[string]interface{}, ectx policyexpr.Context) (map[string]interface{}, error) {
	roles, err := e.Roles.RolesForUser(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	policies, err := e.Store.PoliciesForTable(ctx, tenantID, table)
	if err != nil {
		return nil, err
	}
	classes, err := e.Store.ClassificationsForTable(ctx, tenantID, table)
	if err != nil {
		return nil, err
	}
	roleSet := roleIDs(roles)
	out := make(map[string]interface{}, len(row))
	for field, value := range row {
		access := resolveField(field, policies, roleSet, classes, ectx)
		if !access.CanRead {
			continue
		}
		out[field] = MaskValue(value, access.Mask)
	}
	return out, nil
}

// FilterRows filters a result set row by row.
func (e *Engine) FilterRows(ctx context.Context, userID, tenantID, table string, rows []map[string]interface{}, ectx policyexpr.Context) ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		filtered, err := e.FilterRow(ctx, userID, tenantID, table, row, ectx)
		if err != nil {
			return nil, err
		}
		out = append(out, filtered)
	}
	return out, nil
}

func resolveField(field string, policies []models.FieldPolicy, roleSet map[string]struct{}, classes map[string]models.DataClassification, ectx policyexpr.Context) models.FieldAccess {
	defined := false
	matched := false
	access := models.FieldAccess{Mask: models.MaskNone}
	// strictest mask among read-granting matches only; a deny-read policy's
	// mask is irrelevant once another role grants read
	var readMask models.MaskType = models.MaskNone
	for _, p := range policies {
		if p.FieldName != field {
			continue
		}
		defined = true
		if _, held := roleSet[p.RoleID]; !held {
			continue
		}
		if p.Condition != "" {
			ok, err := policyexpr.Evaluate(p.Condition, ectx)
			if err != nil {
				log.Printf("flac: field policy %s failed to evaluate, skipping: %v", p.ID, err)
				continue
			}
			if !ok {
				continue
			}
		}
		matched = true
		if p.CanRead {
			access.CanRead = true
			readMask = models.StricterMask(readMask, p.Mask)
		}
		if p.CanWrite {
			access.CanWrite = true
		}
	}
	if matched {
		access.Mask = readMask
		return access
	}
	if defined {
		// explicit policies exist for this field and none matched: deny
		return models.FieldAccess{Mask: models.MaskFull}
	}
	return classificationFallback(classes[field])
}

func classificationFallback(c models.DataClassification) models.FieldAccess {
	switch c.Level {
	case models.ClassRestricted:
		return models.FieldAccess{CanRead: false, CanWrite: false, Mask: models.MaskFull}
	case models.ClassConfidential:
		return models.FieldAccess{CanRead: true, CanWrite: false, Mask: models.MaskPartial}
	default:
		// internal, public, or unclassified
		return models.FieldAccess{CanRead: true, CanWrite: true, Mask: models.MaskNone}
	}
}

func roleIDs(roles []models.RoleDefinition) map[string]struct{} {
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		set[r.ID] = struct{}{}
	}
	return set
}
