package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func vaultKeyStoreFor(srv *httptest.Server) VaultTransitKeyStore {
	return VaultTransitKeyStore{
		Client:  srv.Client(),
		Addr:    srv.URL,
		Token:   "vault-token",
		Transit: "transit",
		Timeout: time.Second,
	}
}

func TestVaultTransitKeyStoreGetKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubB64 := base64.StdEncoding.EncodeToString(pub)

	// Version 1 carries a type prefix, version 2 is bare; the store must
	// pick latest_version and strip any prefix.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/v1/transit/keys/") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"latest_version": 2,
				"keys": map[string]any{
					"1": map[string]any{"public_key": "ed25519:" + pubB64},
					"2": map[string]any{"public_key": pubB64},
				},
			},
		})
	}))
	defer srv.Close()

	rec, err := vaultKeyStoreFor(srv).GetKey(context.Background(), "kid-1")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if rec.Kid != "kid-1" || rec.Status != "active" {
		t.Fatalf("unexpected key record: %+v", rec)
	}
	if string(rec.PublicKey) != string(pub) {
		t.Fatal("public key mismatch")
	}
}

func TestVaultTransitKeyStoreFailures(t *testing.T) {
	cases := []struct {
		name    string
		kid     string
		handler http.HandlerFunc
	}{
		{
			name:    "unknown_kid",
			kid:     "kid-404",
			handler: func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) },
		},
		{
			name: "unparseable_public_key",
			kid:  "kid-1",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"data":{"latest_version":1,"keys":{"1":{"public_key":"%%%"}}}}`))
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			if _, err := vaultKeyStoreFor(srv).GetKey(context.Background(), tc.kid); err == nil {
				t.Fatal("expected GetKey error")
			}
		})
	}
}

func TestParseVaultTransitPublicKeyErrors(t *testing.T) {
	bodies := map[string]string{
		"malformed_json":        `{bad`,
		"no_key_versions":       `{"data":{"keys":{}}}`,
		"latest_version_absent": `{"data":{"latest_version":2,"keys":{"1":{"public_key":"abc"}}}}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			if _, err := parseVaultTransitPublicKey([]byte(body)); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}
