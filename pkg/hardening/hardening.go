// Package hardening validates deployment configuration before the service
// accepts traffic. A gateway holding audit chains must refuse to start with
// a weakened transport or missing secrets rather than log a warning.
package hardening

import (
	"fmt"
	"strings"
)

// EnvRequirement names an environment secret that must be non-empty in
// strict production mode.
type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service                string
	Environment            string
	StrictProdSecurity     string
	DatabaseRequireTLS     string
	RedisAddr              string
	RedisRequireTLS        string
	RedisTLSInsecure       string
	RedisAllowInsecureTLS  string
	CORSAllowedOrigins     string
	RequiredServiceSecrets []EnvRequirement
}

// ValidateProduction returns the first hardening violation, or nil. It is a
// no-op outside production-like environments and when strict mode is
// explicitly disabled.
func ValidateProduction(o Options) error {
	if !productionLike(o.Environment) || !boolEnv(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("%s: strict production hardening %s", service, fmt.Sprintf(format, args...))
	}

	if !boolEnv(o.DatabaseRequireTLS, false) {
		return fail("requires DATABASE_REQUIRE_TLS=true")
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !boolEnv(o.RedisRequireTLS, false) {
			return fail("requires REDIS_REQUIRE_TLS=true")
		}
		if boolEnv(o.RedisTLSInsecure, false) || boolEnv(o.RedisAllowInsecureTLS, false) {
			return fail("forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS")
		}
	}
	if err := checkOrigins(o.CORSAllowedOrigins, fail); err != nil {
		return err
	}
	for _, secret := range o.RequiredServiceSecrets {
		if strings.TrimSpace(secret.Name) == "" {
			continue
		}
		if strings.TrimSpace(secret.Value) == "" {
			return fail("requires %s", secret.Name)
		}
	}
	return nil
}

func checkOrigins(raw string, fail func(string, ...interface{}) error) error {
	seen := 0
	for _, part := range strings.Split(raw, ",") {
		origin := strings.ToLower(strings.TrimSpace(part))
		if origin == "" {
			continue
		}
		seen++
		switch {
		case origin == "*":
			return fail("forbids CORS wildcard origin")
		case isLoopback(origin):
			return fail("forbids localhost CORS origin %q", origin)
		case !strings.HasPrefix(origin, "https://"):
			return fail("requires HTTPS CORS origin, got %q", origin)
		}
	}
	if seen == 0 {
		return fail("requires explicit CORS_ALLOWED_ORIGINS")
	}
	return nil
}

func isLoopback(origin string) bool {
	for _, prefix := range []string{"http://localhost", "https://localhost", "http://127.0.0.1", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

func boolEnv(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func productionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}
