package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"trustcore/pkg/httpx"
	"trustcore/pkg/ledger"
	"trustcore/pkg/retention"
	"trustcore/pkg/stream"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type appendRecordRequest struct {
	TenantID string          `json:"tenant_id"`
	Module   string          `json:"module"`
	Action   string          `json:"action"`
	Resource string          `json:"resource"`
	Payload  json.RawMessage `json:"payload"`
}

func (s *Server) handleAppendRecord(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req appendRecordRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tenant := s.tenantFor(r, principal, req.TenantID)
	if !s.requirePerm(w, r, actor, tenant, permAuditAppend) {
		return
	}
	rec, err := s.Ledger.Append(r.Context(), ledger.AppendRequest{
		TenantID:    tenant,
		ActorUserID: principal.Subject,
		Module:      req.Module,
		Action:      req.Action,
		Resource:    req.Resource,
		Payload:     req.Payload,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.Metrics.IncAppendOutcome("ok")
	s.Events.Publish(stream.NewEvent("audit.appended", tenant, map[string]interface{}{
		"record_id": rec.ID,
		"seq":       rec.Seq,
		"module":    rec.Module,
		"action":    rec.Action,
	}))
	httpx.WriteJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	tenant := s.tenantFor(r, principal, "")
	if !s.requirePerm(w, r, actor, tenant, permAuditRead) {
		return
	}
	limit := queryInt(r, "limit", 100)
	records, err := s.Ledger.Records(r.Context(), tenant, limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	rec, err := s.Ledger.Get(r.Context(), chi.URLParam(r, "record_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	tenant := s.tenantFor(r, principal, rec.TenantID)
	if tenant != rec.TenantID {
		s.deny(w, permAuditRead)
		return
	}
	if !s.requirePerm(w, r, actor, tenant, permAuditRead) {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) handleVerifyRecord(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	id := chi.URLParam(r, "record_id")
	rec, err := s.Ledger.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	tenant := s.tenantFor(r, principal, rec.TenantID)
	if tenant != rec.TenantID {
		s.deny(w, permAuditVerify)
		return
	}
	if !s.requirePerm(w, r, actor, tenant, permAuditVerify) {
		return
	}
	valid, err := s.Ledger.VerifyRecord(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"record_id": id, "valid": valid})
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	tenant := s.tenantFor(r, principal, "")
	if !s.requirePerm(w, r, actor, tenant, permAuditVerify) {
		return
	}
	fromSeq := int64(queryInt(r, "from_seq", 1))
	toSeq := int64(queryInt(r, "to_seq", 0))
	start := time.Now()
	report, err := s.Ledger.VerifyChain(r.Context(), tenant, fromSeq, toSeq)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.Metrics.ObserveVerifyLatency(time.Since(start))
	if !report.Valid {
		s.Metrics.IncIntegrityFailure()
		s.Events.Publish(stream.NewEvent("integrity.alert", tenant, report))
	}
	httpx.WriteJSON(w, http.StatusOK, report)
}

// handleExportRecords streams a chain window as a download bundle.
// Pseudonymization is the default; exporting raw actor IDs and payloads
// additionally requires chain-verify rights.
func (s *Server) handleExportRecords(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	tenant := s.tenantFor(r, principal, "")
	if !s.requirePerm(w, r, actor, tenant, permAuditRead) {
		return
	}
	pseudonymize := r.URL.Query().Get("pseudonymize") != "false"
	if !pseudonymize && !s.requirePerm(w, r, actor, tenant, permAuditVerify) {
		return
	}
	bundle, err := s.Exporter.Export(r.Context(),
		tenant,
		int64(queryInt(r, "from_seq", 1)),
		int64(queryInt(r, "to_seq", 0)),
		pseudonymize)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleRunAnchor(w http.ResponseWriter, r *http.Request) {
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
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	tenant := s.tenantFor(r, principal, req.TenantID)
	if !s.requirePerm(w, r, actor, tenant, permAnchorManage) {
		return
	}
	a, err := s.Anchors.RunCycle(r.Context(), tenant)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.Metrics.IncAnchorCycle()
	s.Events.Publish(stream.NewEvent("anchor.created", tenant, a))
	httpx.WriteJSON(w, http.StatusCreated, a)
}

func (s *Server) handleListAnchors(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	tenant := s.tenantFor(r, principal, "")
	if !s.requirePerm(w, r, actor, tenant, permAuditRead) {
		return
	}
	anchors, err := s.Anchors.Anchors(r.Context(), tenant, queryInt(r, "limit", 50))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"anchors": anchors})
}

func (s *Server) handleVerifyAnchor(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	tenant := s.tenantFor(r, principal, "")
	if !s.requirePerm(w, r, actor, tenant, permAuditVerify) {
		return
	}
	id := chi.URLParam(r, "anchor_id")
	start := time.Now()
	valid, err := s.Anchors.Verify(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.Metrics.ObserveVerifyLatency(time.Since(start))
	if !valid {
		s.Metrics.IncIntegrityFailure()
		s.Events.Publish(stream.NewEvent("integrity.alert", tenant, map[string]string{"anchor_id": id}))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"anchor_id": id, "valid": valid})
}

func (s *Server) handleConfirmAnchor(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	tenant := s.tenantFor(r, principal, "")
	if !s.requirePerm(w, r, actor, tenant, permAnchorManage) {
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req struct {
		TxID string `json:"tx_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil || strings.TrimSpace(req.TxID) == "" {
		httpx.Error(w, http.StatusBadRequest, "tx_id is required")
		return
	}
	id := chi.URLParam(r, "anchor_id")
	if err := s.Anchors.Confirm(r.Context(), id, req.TxID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"anchor_id": id, "tx_id": req.TxID})
}

func (s *Server) handleProveRecord(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	tenant := s.tenantFor(r, principal, "")
	if !s.requirePerm(w, r, actor, tenant, permAuditVerify) {
		return
	}
	proof, err := s.Anchors.ProveRecord(r.Context(), chi.URLParam(r, "anchor_id"), chi.URLParam(r, "record_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, proof)
}

func (s *Server) handleListSecurityEvents(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	tenant := s.tenantFor(r, principal, "")
	if !s.requirePerm(w, r, actor, tenant, permEventsRead) {
		return
	}
	events, err := s.Retention.Events(r.Context(), tenant, queryInt(r, "limit", 100))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

type holdRequest struct {
	TenantID string `json:"tenant_id"`
	Resource string `json:"resource"`
	Reason   string `json:"reason"`
}

func (s *Server) handleAddHold(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req holdRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Resource) == "" {
		httpx.Error(w, http.StatusBadRequest, "resource is required")
		return
	}
	tenant := s.tenantFor(r, principal, req.TenantID)
	if !s.requirePerm(w, r, actor, tenant, permHoldsManage) {
		return
	}
	hold := retention.Hold{
		ID:        uuid.NewString(),
		TenantID:  tenant,
		Resource:  req.Resource,
		Reason:    req.Reason,
		CreatedBy: principal.Subject,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.Retention.AddHold(r.Context(), hold); err != nil {
		s.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, hold)
}

func (s *Server) handleListHolds(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	tenant := s.tenantFor(r, principal, "")
	if !s.requirePerm(w, r, actor, tenant, permHoldsManage) {
		return
	}
	holds, err := s.Retention.Holds(r.Context(), tenant)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"holds": holds})
}

func (s *Server) handleRemoveHold(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	tenant := s.tenantFor(r, principal, "")
	if !s.requirePerm(w, r, actor, tenant, permHoldsManage) {
		return
	}
	if err := s.Retention.RemoveHold(r.Context(), tenant, chi.URLParam(r, "hold_id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunRetention(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	tenant := s.tenantFor(r, principal, "")
	if !s.requirePerm(w, r, actor, tenant, permHoldsManage) {
		return
	}
	if s.Sweeper == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "retention sweeper disabled")
		return
	}
	pruned, err := s.Sweeper.SweepOnce(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"pruned": pruned})
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
