package rbac

import (
	"context"
	"sort"

	"trustcore/pkg/models"
)

// DefaultConfidence is the fraction of peers that must hold a permission
// before it is surfaced as a suggestion.
const DefaultConfidence = 0.30

// Recommendations finds permissions the user's peers commonly hold that the
// user lacks. Peers are users sharing at least one role in the tenant. This
// is a heuristic for a human administrator, never an automatic grant.
func (e *Engine) Recommendations(ctx context.Context, userID, tenantID string, minConfidence float64) ([]models.AccessRecommendation, error) {
	if minConfidence <= 0 {
		minConfidence = DefaultConfidence
	}
	assignments, err := e.Store.AssignmentsForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	userRoles := map[string]struct{}{}
	for _, ur := range assignments {
		if ur.UserID == userID {
			userRoles[ur.RoleID] = struct{}{}
		}
	}
	if len(userRoles) == 0 {
		return nil, nil
	}
	peers := map[string]struct{}{}
	for _, ur := range assignments {
		if ur.UserID == userID {
			continue
		}
		if _, shared := userRoles[ur.RoleID]; shared {
			peers[ur.UserID] = struct{}{}
		}
	}
	if len(peers) == 0 {
		return nil, nil
	}
	own, err := e.roleUnion(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	counts := map[models.PermissionKey]int{}
	for peer := range peers {
		peerSet, err := e.roleUnion(ctx, peer, tenantID)
		if err != nil {
			return nil, err
		}
		for perm := range peerSet {
			if _, held := own[perm]; !held {
				counts[perm]++
			}
		}
	}
	var out []models.AccessRecommendation
	for perm, n := range counts {
		confidence := float64(n) / float64(len(peers))
		if confidence < minConfidence {
			continue
		}
		out = append(out, models.AccessRecommendation{
			UserID:     userID,
			TenantID:   tenantID,
			Permission: perm,
			Confidence: confidence,
			PeerCount:  n,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Permission < out[j].Permission
	})
	return out, nil
}
