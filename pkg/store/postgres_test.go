package store

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// stubPoolSeams shrinks the retry loop to one fast attempt and optionally
// swaps out the pool constructor. Restores everything on cleanup.
func stubPoolSeams(t *testing.T, newPool func(context.Context, *pgxpool.Config) (*pgxpool.Pool, error)) {
	t.Helper()
	origRetries := postgresConnectRetries
	origDelay := postgresRetryDelay
	origPingTimeout := postgresPingTimeout
	origSleep := postgresSleep
	origNew := pgxPoolNewWithConfig
	t.Cleanup(func() {
		postgresConnectRetries = origRetries
		postgresRetryDelay = origDelay
		postgresPingTimeout = origPingTimeout
		postgresSleep = origSleep
		pgxPoolNewWithConfig = origNew
	})

	postgresConnectRetries = 1
	postgresRetryDelay = 0
	postgresPingTimeout = 50 * time.Millisecond
	postgresSleep = func(time.Duration) {}
	if newPool != nil {
		pgxPoolNewWithConfig = newPool
	}
}

func TestValidatePostgresTLS(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"verify_full_allowed", "postgres://u:p@db:5432/x?sslmode=verify-full", false},
		{"require_allowed", "postgres://u:p@db:5432/x?sslmode=require", false},
		{"prefer_denied", "postgres://u:p@db:5432/x?sslmode=prefer", true},
		{"missing_sslmode_denied", "postgres://u:p@db:5432/x", true},
		{"invalid_url_denied", "://bad", true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := validatePostgresTLS(tc.url)
			if (err != nil) != tc.wantErr {
				t.Fatalf("validatePostgresTLS(%q) = %v, wantErr=%v", tc.url, err, tc.wantErr)
			}
		})
	}
}

func TestNewPostgresPoolRejectsInvalidInputs(t *testing.T) {
	t.Setenv("DATABASE_REQUIRE_TLS", "")
	t.Setenv("DATABASE_URL", "://bad")
	if _, err := NewPostgresPool(context.Background()); err == nil {
		t.Fatal("expected parse error for invalid dsn")
	}

	t.Setenv("DATABASE_REQUIRE_TLS", "true")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/x?sslmode=disable")
	_, err := NewPostgresPool(context.Background())
	if err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("expected insecure transport error, got %v", err)
	}
}

func TestRequiresSecureTransportVariants(t *testing.T) {
	for val, want := range map[string]bool{"true": true, "1": true, "off": false} {
		t.Setenv("TRANSPORT_REQ", val)
		if got := requiresSecureTransport("TRANSPORT_REQ"); got != want {
			t.Fatalf("requiresSecureTransport(%q) = %v, want %v", val, got, want)
		}
	}
}

func TestNewPostgresPoolRetryExhaustedPing(t *testing.T) {
	stubPoolSeams(t, nil)

	// A freshly closed listener guarantees a refused connection.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	t.Setenv("DATABASE_REQUIRE_TLS", "")
	t.Setenv("DATABASE_URL", "postgres://u:p@"+addr+"/x?sslmode=disable")
	_, err = NewPostgresPool(context.Background())
	if err == nil || !strings.Contains(err.Error(), "db ping retries exhausted") {
		t.Fatalf("expected retry exhausted error, got %v", err)
	}
}

func TestNewPostgresPoolNewWithConfigError(t *testing.T) {
	stubPoolSeams(t, func(context.Context, *pgxpool.Config) (*pgxpool.Pool, error) {
		return nil, errors.New("boom")
	})

	t.Setenv("DATABASE_REQUIRE_TLS", "")
	t.Setenv("DATABASE_URL", "postgres://u:p@127.0.0.1:5432/x?sslmode=disable")
	_, err := NewPostgresPool(context.Background())
	if err == nil || !strings.Contains(err.Error(), "db ping retries exhausted") {
		t.Fatalf("expected wrapped retry error, got %v", err)
	}
}

func TestNewPostgresPoolSetsTenantRuntimeParams(t *testing.T) {
	var runtimeParams map[string]string
	stubPoolSeams(t, func(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
		runtimeParams = map[string]string{}
		for k, v := range cfg.ConnConfig.RuntimeParams {
			runtimeParams[k] = v
		}
		return nil, errors.New("boom")
	})

	t.Setenv("DATABASE_REQUIRE_TLS", "")
	t.Setenv("DATABASE_URL", "postgres://u:p@127.0.0.1:5432/x?sslmode=disable")
	t.Setenv("DB_TENANT_SCOPE", "all")
	t.Setenv("DB_TENANT_STATIC", "tenant-a")
	if _, err := NewPostgresPool(context.Background()); err == nil {
		t.Fatal("expected error from stubbed pool constructor")
	}

	want := map[string]string{
		"app.current_tenant_scope": "all",
		"app.current_tenant":       "tenant-a",
	}
	for param, val := range want {
		if got := runtimeParams[param]; got != val {
			t.Errorf("%s = %q, want %q", param, got, val)
		}
	}
}
