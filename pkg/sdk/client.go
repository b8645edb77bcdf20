// Package sdk is a thin HTTP client for the trustcore gateway. Services
// that emit audit records or gate requests on permissions embed it instead
// of hand-rolling gateway calls.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"trustcore/pkg/anchor"
	"trustcore/pkg/anomaly"
	"trustcore/pkg/export"
	"trustcore/pkg/ledger"
	"trustcore/pkg/models"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	AuthToken  string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// AppendRequest mirrors the gateway's append body. ActorUserID is taken
// from the bearer token server-side and cannot be supplied here.
type AppendRequest struct {
	TenantID string          `json:"tenant_id"`
	Module   string          `json:"module"`
	Action   string          `json:"action"`
	Resource string          `json:"resource"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func (c *Client) AppendRecord(ctx context.Context, req AppendRequest) (models.AuditRecord, error) {
	var out models.AuditRecord
	err := c.do(ctx, http.MethodPost, "/v1/audit/records", req, &out)
	return out, err
}

func (c *Client) Record(ctx context.Context, recordID string) (models.AuditRecord, error) {
	var out models.AuditRecord
	err := c.do(ctx, http.MethodGet, "/v1/audit/records/"+url.PathEscape(recordID), nil, &out)
	return out, err
}

func (c *Client) Records(ctx context.Context, limit int) ([]models.AuditRecord, error) {
	var out struct {
		Records []models.AuditRecord `json:"records"`
	}
	path := "/v1/audit/records"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

func (c *Client) VerifyRecord(ctx context.Context, recordID string) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/audit/records/"+url.PathEscape(recordID)+"/verify", nil, &out)
	return out.Valid, err
}

func (c *Client) VerifyChain(ctx context.Context, fromSeq, toSeq int64) (ledger.Report, error) {
	var out ledger.Report
	path := fmt.Sprintf("/v1/audit/chain/verify?from_seq=%d&to_seq=%d", fromSeq, toSeq)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Export pulls a chain window as a bundle. Pseudonymize false requires
// chain-verify rights on the token.
func (c *Client) Export(ctx context.Context, fromSeq, toSeq int64, pseudonymize bool) (export.Bundle, error) {
	var out export.Bundle
	path := fmt.Sprintf("/v1/audit/export?from_seq=%d&to_seq=%d&pseudonymize=%t", fromSeq, toSeq, pseudonymize)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) RunAnchor(ctx context.Context, tenantID string) (models.Anchor, error) {
	var out models.Anchor
	err := c.do(ctx, http.MethodPost, "/v1/anchors/run", map[string]string{"tenant_id": tenantID}, &out)
	return out, err
}

func (c *Client) Anchors(ctx context.Context, limit int) ([]models.Anchor, error) {
	var out struct {
		Anchors []models.Anchor `json:"anchors"`
	}
	path := "/v1/anchors"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Anchors, nil
}

func (c *Client) VerifyAnchor(ctx context.Context, anchorID string) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/anchors/"+url.PathEscape(anchorID)+"/verify", nil, &out)
	return out.Valid, err
}

func (c *Client) ConfirmAnchor(ctx context.Context, anchorID, txID string) error {
	if strings.TrimSpace(txID) == "" {
		return fmt.Errorf("tx_id is required")
	}
	path := "/v1/anchors/" + url.PathEscape(anchorID) + "/confirm"
	return c.do(ctx, http.MethodPost, path, map[string]string{"tx_id": txID}, nil)
}

func (c *Client) ProveRecord(ctx context.Context, anchorID, recordID string) (anchor.Proof, error) {
	var out anchor.Proof
	path := "/v1/anchors/" + url.PathEscape(anchorID) + "/proof/" + url.PathEscape(recordID)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) EffectivePermissions(ctx context.Context, userID string) ([]models.PermissionKey, error) {
	var out struct {
		Permissions []models.PermissionKey `json:"permissions"`
	}
	path := "/v1/permissions"
	if userID != "" {
		path += "?user=" + url.QueryEscape(userID)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Permissions, nil
}

func (c *Client) CheckPermissions(ctx context.Context, userID, tenantID string, perms []models.PermissionKey) (map[models.PermissionKey]bool, error) {
	payload := map[string]interface{}{
		"user_id":     userID,
		"tenant_id":   tenantID,
		"permissions": perms,
	}
	var out struct {
		Results map[models.PermissionKey]bool `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/permissions/check", payload, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) DetectAnomaly(ctx context.Context, ev anomaly.Event) (anomaly.Assessment, error) {
	var out anomaly.Assessment
	err := c.do(ctx, http.MethodPost, "/v1/anomaly/detect", ev, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return err
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	c.applyAuth(httpReq)
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s status=%d body=%s", method, path, resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 5 * time.Second}
}

func (c *Client) applyAuth(req *http.Request) {
	if c.AuthToken == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.AuthToken))
}
