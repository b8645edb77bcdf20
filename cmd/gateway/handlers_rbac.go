package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"trustcore/pkg/httpx"
	"trustcore/pkg/models"
	"trustcore/pkg/rbac"
	"trustcore/pkg/stream"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleEffectivePermissions(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	tenant := s.tenantFor(r, principal, "")
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	if userID == "" {
		userID = principal.Subject
	}
	// Reading someone else's grants is itself a managed action.
	if userID != principal.Subject && !s.requirePerm(w, r, actor, tenant, rbac.PermManageRoles) {
		return
	}
	if tenant == "" {
		s.deny(w, "security")
		return
	}
	perms, err := s.RBAC.EffectivePermissions(r.Context(), userID, tenant, actor.Context)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":     userID,
		"tenant_id":   tenant,
		"permissions": perms,
	})
}

type checkPermissionsRequest struct {
	UserID      string                 `json:"user_id"`
	TenantID    string                 `json:"tenant_id"`
	Permissions []models.PermissionKey `json:"permissions"`
}

func (s *Server) handleCheckPermissions(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req checkPermissionsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Permissions) == 0 {
		httpx.Error(w, http.StatusBadRequest, "permissions are required")
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = principal.Subject
	}
	tenant := s.tenantFor(r, principal, req.TenantID)
	if userID != principal.Subject && !s.requirePerm(w, r, actor, tenant, rbac.PermManageRoles) {
		return
	}
	if tenant == "" {
		s.deny(w, "security")
		return
	}
	results, err := s.RBAC.HasPermissions(r.Context(), userID, tenant, req.Permissions, actor.Context)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"results": results,
	})
}

type createRoleRequest struct {
	TenantID    string                 `json:"tenant_id"`
	Key         string                 `json:"key"`
	Label       string                 `json:"label"`
	Permissions []models.PermissionKey `json:"permissions"`
	Priority    int                    `json:"priority"`
}

func (s *Server) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req createRoleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tenant := s.tenantFor(r, principal, req.TenantID)
	if tenant == "" {
		s.deny(w, "security")
		return
	}
	role, err := s.RBAC.CreateRole(r.Context(), actor, models.RoleDefinition{
		TenantID:    tenant,
		Key:         req.Key,
		Label:       req.Label,
		Permissions: req.Permissions,
		Priority:    req.Priority,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.Events.Publish(stream.NewEvent("rbac.role.created", tenant, role))
	httpx.WriteJSON(w, http.StatusCreated, role)
}

func (s *Server) handleUpdateRolePermissions(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req struct {
		TenantID    string                 `json:"tenant_id"`
		Permissions []models.PermissionKey `json:"permissions"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tenant := s.tenantFor(r, principal, req.TenantID)
	if tenant == "" {
		s.deny(w, "security")
		return
	}
	roleID := chi.URLParam(r, "role_id")
	if err := s.RBAC.UpdateRolePermissions(r.Context(), actor, tenant, roleID, req.Permissions); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.Events.Publish(stream.NewEvent("rbac.role.updated", tenant, map[string]interface{}{
		"role_id":     roleID,
		"permissions": req.Permissions,
	}))
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"role_id": roleID})
}

func (s *Server) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	tenant := s.tenantFor(r, principal, "")
	if tenant == "" {
		s.deny(w, "security")
		return
	}
	roleID := chi.URLParam(r, "role_id")
	if err := s.RBAC.DeleteRole(r.Context(), actor, tenant, roleID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.Events.Publish(stream.NewEvent("rbac.role.deleted", tenant, map[string]string{"role_id": roleID}))
	w.WriteHeader(http.StatusNoContent)
}

type roleBindingRequest struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	RoleID   string `json:"role_id"`
}

func (s *Server) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	s.handleRoleBinding(w, r, "rbac.role.assigned", s.RBAC.AssignRole)
}

func (s *Server) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	s.handleRoleBinding(w, r, "rbac.role.revoked", s.RBAC.RevokeRole)
}

func (s *Server) handleRoleBinding(
	w http.ResponseWriter,
	r *http.Request,
	eventType string,
	apply func(ctx context.Context, actor rbac.Actor, ur models.UserRole) error,
) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req roleBindingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.RoleID == "" {
		httpx.Error(w, http.StatusBadRequest, "user_id and role_id are required")
		return
	}
	tenant := s.tenantFor(r, principal, req.TenantID)
	if tenant == "" {
		s.deny(w, "security")
		return
	}
	ur := models.UserRole{UserID: req.UserID, TenantID: tenant, RoleID: req.RoleID}
	if err := apply(r.Context(), actor, ur); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.Events.Publish(stream.NewEvent(eventType, tenant, ur))
	httpx.WriteJSON(w, http.StatusOK, ur)
}

type createPolicyRequest struct {
	TenantID    string                 `json:"tenant_id"`
	Name        string                 `json:"name"`
	Condition   string                 `json:"condition"`
	Permissions []models.PermissionKey `json:"permissions"`
	Priority    int                    `json:"priority"`
	Enabled     *bool                  `json:"enabled"`
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req createPolicyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tenant := s.tenantFor(r, principal, req.TenantID)
	if tenant == "" {
		s.deny(w, "security")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	policy, err := s.RBAC.CreateDynamicPolicy(r.Context(), actor, models.DynamicPolicy{
		TenantID:    tenant,
		Name:        req.Name,
		Condition:   req.Condition,
		Permissions: req.Permissions,
		Priority:    req.Priority,
		Enabled:     enabled,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.Events.Publish(stream.NewEvent("rbac.policy.created", tenant, policy))
	httpx.WriteJSON(w, http.StatusCreated, policy)
}

func (s *Server) handleSetPolicyEnabled(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req struct {
		TenantID string `json:"tenant_id"`
		Enabled  bool   `json:"enabled"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tenant := s.tenantFor(r, principal, req.TenantID)
	if tenant == "" {
		s.deny(w, "security")
		return
	}
	policyID := chi.URLParam(r, "policy_id")
	if err := s.RBAC.SetPolicyEnabled(r.Context(), actor, tenant, policyID, req.Enabled); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.Events.Publish(stream.NewEvent("rbac.policy.toggled", tenant, map[string]interface{}{
		"policy_id": policyID,
		"enabled":   req.Enabled,
	}))
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"policy_id": policyID, "enabled": req.Enabled})
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	tenant := s.tenantFor(r, principal, "")
	if !s.requirePerm(w, r, actor, tenant, rbac.PermManageRoles) {
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	if userID == "" {
		httpx.Error(w, http.StatusBadRequest, "user is required")
		return
	}
	minConfidence := 0.3
	if v := r.URL.Query().Get("min_confidence"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			minConfidence = f
		}
	}
	recs, err := s.RBAC.Recommendations(r.Context(), userID, tenant, minConfidence)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	// Advisory only. Nothing here grants access.
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":         userID,
		"recommendations": recs,
		"advisory":        true,
	})
}
