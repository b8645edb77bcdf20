package sdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trustcore/pkg/models"
)

func TestNewClientNormalizesBaseURL(t *testing.T) {
	c := NewClient("https://gateway.local/", 0)
	if c.BaseURL != "https://gateway.local" {
		t.Fatalf("base url = %q", c.BaseURL)
	}
	if c.HTTPClient.Timeout != 5*time.Second {
		t.Fatalf("default timeout = %v", c.HTTPClient.Timeout)
	}
}

func TestAppendRecordSendsAuthAndBody(t *testing.T) {
	var gotAuth, gotContentType string
	var gotBody AppendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/audit/records" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(models.AuditRecord{
			ID:       "rec-1",
			TenantID: "acme",
			Seq:      7,
			Module:   gotBody.Module,
			Action:   gotBody.Action,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	c.AuthToken = "tok-123"
	rec, err := c.AppendRecord(context.Background(), AppendRequest{
		TenantID: "acme",
		Module:   "billing",
		Action:   "invoice.created",
		Resource: "inv-9",
		Payload:  json.RawMessage(`{"amount":100}`),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Fatalf("content type = %q", gotContentType)
	}
	if gotBody.Module != "billing" || gotBody.Resource != "inv-9" {
		t.Fatalf("body = %+v", gotBody)
	}
	if rec.ID != "rec-1" || rec.Seq != 7 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestNoAuthHeaderWithoutToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h := r.Header.Get("Authorization"); h != "" {
			t.Errorf("unexpected auth header %q", h)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"records": []models.AuditRecord{}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	if _, err := c.Records(context.Background(), 10); err != nil {
		t.Fatalf("records: %v", err)
	}
}

func TestErrorResponsesCarryStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"access denied"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.VerifyChain(context.Background(), 1, 0)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "status=403") || !strings.Contains(err.Error(), "access denied") {
		t.Fatalf("error = %v", err)
	}
}

func TestVerifyChainPassesWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("from_seq") != "3" || q.Get("to_seq") != "9" {
			t.Errorf("query = %v", q)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"tenant_id": "acme",
			"valid":     true,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	report, err := c.VerifyChain(context.Background(), 3, 9)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if !report.Valid || report.TenantID != "acme" {
		t.Fatalf("report = %+v", report)
	}
}

func TestCheckPermissionsDecodesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/permissions/check" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"user_id": "alice",
			"results": map[string]bool{
				"audit.records.read": true,
				"audit.chain.verify": false,
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	results, err := c.CheckPermissions(context.Background(), "alice", "acme", []models.PermissionKey{
		"audit.records.read", "audit.chain.verify",
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !results["audit.records.read"] || results["audit.chain.verify"] {
		t.Fatalf("results = %v", results)
	}
}

func TestConfirmAnchorRejectsEmptyTxID(t *testing.T) {
	c := NewClient("http://unused", time.Second)
	if err := c.ConfirmAnchor(context.Background(), "anc-1", "  "); err == nil {
		t.Fatal("expected tx_id validation error")
	}
}

func TestProveRecordEscapesPathSegments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.EscapedPath(), "/v1/anchors/anc%2F1/proof/") {
			t.Errorf("path = %s", r.URL.EscapedPath())
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"root": "abc", "index": 0})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	proof, err := c.ProveRecord(context.Background(), "anc/1", "rec-2")
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	if proof.Root != "abc" {
		t.Fatalf("proof = %+v", proof)
	}
}

func TestExportTogglesPseudonymization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pseudonymize") != "false" {
			t.Errorf("query = %v", r.URL.Query())
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"tenant_id":    "acme",
			"pseudonymous": false,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	bundle, err := c.Export(context.Background(), 1, 0, false)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if bundle.Pseudonymous || bundle.TenantID != "acme" {
		t.Fatalf("bundle = %+v", bundle)
	}
}
