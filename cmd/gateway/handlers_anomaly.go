package main

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"trustcore/pkg/anomaly"
	"trustcore/pkg/httpx"
	"trustcore/pkg/retention"

	"github.com/google/uuid"
)

func (s *Server) handleAnomalyDetect(w http.ResponseWriter, r *http.Request) {
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var ev anomaly.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tenant := s.tenantFor(r, principal, ev.TenantID)
	if !s.requirePerm(w, r, actor, tenant, permAnomalyDetect) {
		return
	}
	ev.TenantID = tenant
	if ev.IP == "" {
		ev.IP = clientIP(r)
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	assessment, err := s.Detector.Detect(r.Context(), ev)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.Metrics.IncAnomaly(assessment.IsAnomaly)
	if assessment.IsAnomaly {
		detail, _ := json.Marshal(assessment)
		if err := s.Retention.InsertEvent(r.Context(), retention.SecurityEvent{
			ID:        uuid.NewString(),
			TenantID:  tenant,
			Resource:  ev.UserID,
			EventType: "anomaly.detected",
			RiskScore: assessment.RiskScore,
			Detail:    detail,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			// The escalation already reached the ledger; a queue insert
			// failure must not turn the assessment into an error.
			log.Printf("anomaly: security event insert: %v", err)
		}
	}
	httpx.WriteJSON(w, http.StatusOK, assessment)
}
