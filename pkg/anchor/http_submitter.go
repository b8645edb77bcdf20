package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"trustcore/pkg/httpx"
)

// HTTPSubmitter posts Merkle roots to an external anchoring service over
// HTTPS. The service may answer with a transaction id immediately or
// return 202 and report it later through the confirmation topic.
type HTTPSubmitter struct {
	URL       string
	ChainName string
	APIKey    string
	Client    *http.Client
	Retries   int
}

func NewHTTPSubmitter(url, chainName, apiKey string) *HTTPSubmitter {
	return &HTTPSubmitter{
		URL:       url,
		ChainName: chainName,
		APIKey:    apiKey,
		Client:    &http.Client{Timeout: 15 * time.Second},
		Retries:   2,
	}
}

func (s *HTTPSubmitter) Chain() string { return s.ChainName }

func (s *HTTPSubmitter) Submit(ctx context.Context, tenantID, merkleRoot string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"tenant_id":   tenantID,
		"merkle_root": merkleRoot,
		"chain":       s.ChainName,
	})
	if err != nil {
		return "", err
	}
	headers := map[string]string{}
	if s.APIKey != "" {
		headers["Authorization"] = "Bearer " + s.APIKey
	}
	status, respBody, err := httpx.RequestJSON(ctx, s.Client, http.MethodPost, s.URL, body, headers, s.Retries, time.Second)
	if err != nil {
		return "", err
	}
	switch {
	case status == http.StatusAccepted:
		// tx id arrives asynchronously via Confirm
		return "", nil
	case status >= 200 && status < 300:
		var resp struct {
			TxID string `json:"tx_id"`
		}
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return "", fmt.Errorf("anchor submit: decode response: %w", err)
		}
		return resp.TxID, nil
	default:
		return "", fmt.Errorf("anchor submit: unexpected status %d", status)
	}
}
