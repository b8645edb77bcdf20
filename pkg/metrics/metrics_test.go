package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /healthz", 200, 15*time.Millisecond)
	r.Observe("GET /healthz", 503, 35*time.Millisecond)
	r.IncAppendOutcome("ok")
	r.IncAppendOutcome("ok")
	r.IncAppendOutcome("conflict_retry")
	r.IncDenial("rbac")
	r.IncMaskOp("partial")
	r.IncAnomaly(true)
	r.IncPolicyEvalError()
	r.SetGauge("anchor_lag_records", 3)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["GET /healthz"]
	if !ok {
		t.Fatal("missing endpoint metric")
	}
	if ep.Count != 2 {
		t.Fatalf("expected count=2 got=%d", ep.Count)
	}
	if ep.ErrorCount != 1 {
		t.Fatalf("expected error_count=1 got=%d", ep.ErrorCount)
	}
	if ep.MaxMillis != 35 {
		t.Fatalf("expected max_millis=35 got=%d", ep.MaxMillis)
	}
	if snap.AppendOutcomes["ok"] != 2 {
		t.Fatalf("expected ok=2 got=%d", snap.AppendOutcomes["ok"])
	}
	if snap.AppendOutcomes["conflict_retry"] != 1 {
		t.Fatalf("expected conflict_retry=1 got=%d", snap.AppendOutcomes["conflict_retry"])
	}
	if snap.DenialsByModule["rbac"] != 1 {
		t.Fatalf("expected rbac denial=1 got=%d", snap.DenialsByModule["rbac"])
	}
	if snap.MaskOps["partial"] != 1 {
		t.Fatalf("expected partial=1 got=%d", snap.MaskOps["partial"])
	}
	if snap.AnomalyOutcomes["scored"] != 1 || snap.AnomalyOutcomes["escalated"] != 1 {
		t.Fatalf("unexpected anomaly outcomes: %#v", snap.AnomalyOutcomes)
	}
	if snap.PolicyEvalErrors != 1 {
		t.Fatalf("expected policy eval errors=1 got=%d", snap.PolicyEvalErrors)
	}
	if snap.Gauges["anchor_lag_records"] != 3 {
		t.Fatalf("expected gauge anchor_lag_records=3 got=%v", snap.Gauges["anchor_lag_records"])
	}
}

func TestVerifyLatencyStat(t *testing.T) {
	r := NewRegistry()
	r.ObserveVerifyLatency(10 * time.Millisecond)
	r.ObserveVerifyLatency(30 * time.Millisecond)
	snap := r.Snapshot()
	if snap.ChainVerifyLatencyMS.Count != 2 {
		t.Fatalf("expected count=2 got=%d", snap.ChainVerifyLatencyMS.Count)
	}
	if snap.ChainVerifyLatencyMS.MaxMS != 30 {
		t.Fatalf("expected max=30 got=%d", snap.ChainVerifyLatencyMS.MaxMS)
	}
	if snap.ChainVerifyLatencyMS.AvgMS != 20 {
		t.Fatalf("expected avg=20 got=%v", snap.ChainVerifyLatencyMS.AvgMS)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys got=%d", len(keys))
	}
	if keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /v1/audit/records", 200, 12*time.Millisecond)
	r.Observe("POST /v1/audit/records", 500, 20*time.Millisecond)
	r.IncAppendOutcome("ok")
	r.IncDenial("flac")
	r.IncIntegrityFailure()
	r.SetGauge("anchor_lag_records", 7)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	r.PrometheusHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "trustcore_endpoint_count") {
		t.Fatalf("missing endpoint metric: %s", body)
	}
	if !strings.Contains(body, "trustcore_append_total{outcome=\"ok\"} 1") {
		t.Fatalf("missing append metric: %s", body)
	}
	if !strings.Contains(body, "trustcore_denial_total{module=\"flac\"} 1") {
		t.Fatalf("missing denial metric: %s", body)
	}
	if !strings.Contains(body, "trustcore_integrity_failures_total 1") {
		t.Fatalf("missing integrity metric: %s", body)
	}
	if !strings.Contains(body, "trustcore_gauge{name=\"anchor_lag_records\"} 7.000") {
		t.Fatalf("missing gauge metric: %s", body)
	}
}

func TestJSONHandlerAndEmptyInputs(t *testing.T) {
	r := NewRegistry()
	r.IncAppendOutcome("")
	r.IncMaskOp("")
	r.SetGauge("", 5)
	r.Observe("GET /healthz", 204, 5*time.Millisecond)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "\"generated_at\"") {
		t.Fatalf("expected generated timestamp in body: %s", body)
	}
	if strings.Contains(body, "\"\"") {
		t.Fatalf("did not expect empty-key counters in body: %s", body)
	}
}
