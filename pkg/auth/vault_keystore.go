package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// VaultTransitKeyStore resolves anchor submitter Ed25519 public keys from
// Vault Transit. Key names are KeyPrefix + kid.
type VaultTransitKeyStore struct {
	Client     *http.Client
	Addr       string
	Token      string
	Namespace  string
	Transit    string
	KeyPrefix  string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func (s VaultTransitKeyStore) GetKey(ctx context.Context, kid string) (*KeyRecord, error) {
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return nil, errors.New("kid required")
	}
	endpoint, err := s.keyEndpoint(kid)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(s.Token) == "" {
		return nil, errors.New("vault token required")
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	retries := s.MaxRetries
	if retries < 0 {
		retries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		status, body, err := s.fetch(ctx, endpoint, timeout)
		switch {
		case err != nil:
			lastErr = err
		case status == http.StatusNotFound:
			return nil, fmt.Errorf("kid %q not found in vault transit", kid)
		case status >= 300:
			lastErr = fmt.Errorf("vault transit key lookup failed status=%d", status)
		default:
			pub, err := parseVaultTransitPublicKey(body)
			if err != nil {
				return nil, err
			}
			return &KeyRecord{
				Kid:       kid,
				Signer:    "vault-transit:" + s.KeyPrefix + kid,
				PublicKey: pub,
				Status:    "active",
			}, nil
		}
		if attempt < retries && s.RetryDelay > 0 {
			time.Sleep(s.RetryDelay)
			continue
		}
		break
	}
	if lastErr == nil {
		lastErr = errors.New("vault transit lookup failed")
	}
	return nil, lastErr
}

func (s VaultTransitKeyStore) keyEndpoint(kid string) (string, error) {
	addr := strings.TrimRight(strings.TrimSpace(s.Addr), "/")
	if addr == "" {
		return "", errors.New("vault addr required")
	}
	mount := s.Transit
	if mount == "" {
		mount = "transit"
	}
	return addr + "/v1/" + strings.Trim(mount, "/") + "/keys/" + url.PathEscape(s.KeyPrefix+kid), nil
}

func (s VaultTransitKeyStore) fetch(ctx context.Context, endpoint string, timeout time.Duration) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("X-Vault-Token", s.Token)
	if ns := strings.TrimSpace(s.Namespace); ns != "" {
		req.Header.Set("X-Vault-Namespace", ns)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// parseVaultTransitPublicKey extracts the latest-version public key from a
// Transit key read response. Values may carry an "ed25519:" style prefix.
func parseVaultTransitPublicKey(body []byte) ([]byte, error) {
	var payload struct {
		Data struct {
			LatestVersion int `json:"latest_version"`
			Keys          map[string]struct {
				PublicKey string `json:"public_key"`
			} `json:"keys"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid vault response: %w", err)
	}
	if len(payload.Data.Keys) == 0 {
		return nil, errors.New("vault response missing key versions")
	}

	version := payload.Data.LatestVersion
	if version <= 0 {
		// Older Vault builds omit latest_version.
		for k := range payload.Data.Keys {
			if n, err := strconv.Atoi(k); err == nil && n > version {
				version = n
			}
		}
	}
	item, ok := payload.Data.Keys[strconv.Itoa(version)]
	if !ok {
		return nil, errors.New("vault response missing latest public key")
	}

	pub := strings.TrimSpace(item.PublicKey)
	if pub == "" {
		return nil, errors.New("vault response has empty public key")
	}
	if _, rest, found := strings.Cut(pub, ":"); found {
		pub = strings.TrimSpace(rest)
	}
	pk, err := base64.StdEncoding.DecodeString(pub)
	if err != nil {
		return nil, fmt.Errorf("vault public key decode failed: %w", err)
	}
	return pk, nil
}
