// Package httpx carries the gateway's HTTP plumbing: response helpers,
// hardening headers, and the CORS allowlist.
package httpx

import (
	"encoding/json"
	"net/http"
	"strings"
)

var hardeningHeaders = map[string]string{
	"X-Content-Type-Options":    "nosniff",
	"X-Frame-Options":           "DENY",
	"Referrer-Policy":           "no-referrer",
	"Permissions-Policy":        "geolocation=(), camera=(), microphone=()",
	"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'; base-uri 'none'",
	"Strict-Transport-Security": "max-age=63072000; includeSubDomains; preload",
	// Audit payloads and permission verdicts must never come out of a
	// shared cache.
	"Cache-Control": "no-store",
}

// SecurityHeadersMiddleware stamps every response with the baseline
// hardening set. The service serves JSON only, so the CSP denies everything.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for name, value := range hardeningHeaders {
			h.Set(name, value)
		}
		next.ServeHTTP(w, r)
	})
}

type originAllowlist struct {
	origins  map[string]struct{}
	allowAll bool
}

func parseOrigins(csv string) originAllowlist {
	list := originAllowlist{origins: map[string]struct{}{}}
	for _, part := range strings.Split(csv, ",") {
		origin := strings.TrimSpace(part)
		switch origin {
		case "":
		case "*":
			list.allowAll = true
		default:
			list.origins[origin] = struct{}{}
		}
	}
	return list
}

func (l originAllowlist) allows(origin string) bool {
	if l.allowAll {
		return true
	}
	_, ok := l.origins[origin]
	return ok
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != ""
}

// CORSMiddleware enforces an explicit comma-separated origin allowlist.
// Requests from unlisted origins pass through without CORS grants (the
// browser blocks them); preflights from unlisted origins are rejected.
func CORSMiddleware(allowedOrigins string) func(http.Handler) http.Handler {
	allowlist := parseOrigins(allowedOrigins)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !allowlist.allows(origin) {
				if isPreflight(r) {
					http.Error(w, "origin not allowed", http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Add("Vary", "Origin")
			h.Add("Vary", "Access-Control-Request-Method")
			h.Add("Vary", "Access-Control-Request-Headers")
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
			reqHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
			if reqHeaders == "" {
				reqHeaders = "Authorization,Content-Type,X-Requested-With"
			}
			h.Set("Access-Control-Allow-Headers", reqHeaders)
			h.Set("Access-Control-Max-Age", "600")
			if isPreflight(r) {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes a JSON error body. Handlers funnel denial messages through
// here so the wire shape stays uniform.
func Error(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]interface{}{"error": msg})
}
