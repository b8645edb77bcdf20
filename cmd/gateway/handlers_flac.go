package main

import (
	"encoding/json"
	"net/http"
	"strings"

	"trustcore/pkg/httpx"
	"trustcore/pkg/models"

	"github.com/google/uuid"
)

type flacFilterRequest struct {
	TenantID string                   `json:"tenant_id"`
	UserID   string                   `json:"user_id"`
	Table    string                   `json:"table"`
	Row      map[string]interface{}   `json:"row,omitempty"`
	Rows     []map[string]interface{} `json:"rows,omitempty"`
}

func (s *Server) handleFLACFilter(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req flacFilterRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Table) == "" {
		httpx.Error(w, http.StatusBadRequest, "table is required")
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = principal.Subject
	}
	tenant := s.tenantFor(r, principal, req.TenantID)
	if tenant == "" {
		s.deny(w, "security")
		return
	}
	// Filtering on someone else's behalf is a service-to-service call and
	// needs the manage grant; filtering your own reads does not.
	if userID != principal.Subject && !s.requirePerm(w, r, actor, tenant, permFLACManage) {
		return
	}
	ctx := r.Context()
	if req.Rows != nil {
		rows, err := s.FLAC.FilterRows(ctx, userID, tenant, req.Table, req.Rows, actor.Context)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		s.Metrics.IncMaskOp("rows")
		httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"rows": rows})
		return
	}
	row, err := s.FLAC.FilterRow(ctx, userID, tenant, req.Table, req.Row, actor.Context)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.Metrics.IncMaskOp("row")
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"row": row})
}

type flacAccessRequest struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Table    string `json:"table"`
	Field    string `json:"field"`
}

func (s *Server) handleFLACAccess(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req flacAccessRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Table == "" || req.Field == "" {
		httpx.Error(w, http.StatusBadRequest, "table and field are required")
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = principal.Subject
	}
	tenant := s.tenantFor(r, principal, req.TenantID)
	if tenant == "" {
		s.deny(w, "security")
		return
	}
	if userID != principal.Subject && !s.requirePerm(w, r, actor, tenant, permFLACManage) {
		return
	}
	access, err := s.FLAC.FieldAccess(r.Context(), userID, tenant, req.Table, req.Field, actor.Context)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, access)
}

func (s *Server) handleFLACSavePolicy(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var policy models.FieldPolicy
	if err := json.Unmarshal(body, &policy); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if policy.TableName == "" || policy.FieldName == "" || policy.RoleID == "" {
		httpx.Error(w, http.StatusBadRequest, "table_name, field_name and role_id are required")
		return
	}
	tenant := s.tenantFor(r, principal, policy.TenantID)
	if !s.requirePerm(w, r, actor, tenant, permFLACManage) {
		return
	}
	policy.TenantID = tenant
	if policy.ID == "" {
		policy.ID = uuid.NewString()
	}
	if err := s.FLAC.SavePolicy(r.Context(), actor.UserID, policy); err != nil {
		s.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, policy)
}

func (s *Server) handleFLACSaveClassification(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var c models.DataClassification
	if err := json.Unmarshal(body, &c); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if c.TableName == "" || c.FieldName == "" || c.Level == "" {
		httpx.Error(w, http.StatusBadRequest, "table_name, field_name and level are required")
		return
	}
	tenant := s.tenantFor(r, principal, c.TenantID)
	if !s.requirePerm(w, r, actor, tenant, permFLACManage) {
		return
	}
	c.TenantID = tenant
	if err := s.FLAC.SaveClassification(r.Context(), actor.UserID, c); err != nil {
		s.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, c)
}
