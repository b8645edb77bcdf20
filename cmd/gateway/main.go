package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"trustcore/pkg/anchor"
	"trustcore/pkg/anomaly"
	"trustcore/pkg/auth"
	"trustcore/pkg/export"
	"trustcore/pkg/flac"
	"trustcore/pkg/hardening"
	"trustcore/pkg/httpx"
	"trustcore/pkg/ledger"
	"trustcore/pkg/metrics"
	"trustcore/pkg/models"
	"trustcore/pkg/policyexpr"
	"trustcore/pkg/ratelimit"
	"trustcore/pkg/rbac"
	"trustcore/pkg/retention"
	"trustcore/pkg/securitybus"
	"trustcore/pkg/store"
	"trustcore/pkg/stream"
	"trustcore/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Permissions gating the gateway surface. Role and policy management use
// the rbac package's own constants.
const (
	permAuditAppend   models.PermissionKey = "audit.records.append"
	permAuditRead     models.PermissionKey = "audit.records.read"
	permAuditVerify   models.PermissionKey = "audit.chain.verify"
	permAnchorManage  models.PermissionKey = "audit.anchors.manage"
	permFLACManage    models.PermissionKey = "security.flac.manage"
	permAnomalyDetect models.PermissionKey = "security.anomaly.detect"
	permHoldsManage   models.PermissionKey = "compliance.holds.manage"
	permEventsRead    models.PermissionKey = "security.events.read"
)

type Server struct {
	Ledger    *ledger.Ledger
	Anchors   *anchor.Service
	RBAC      *rbac.Engine
	FLAC      *flac.Engine
	Detector  *anomaly.Detector
	Retention retention.EventStore
	Sweeper   *retention.Sweeper
	Exporter  *export.Exporter

	Cache   store.Cache
	Redis   *redis.Client
	Metrics *metrics.Registry
	Events  *stream.Hub
	Bus     *securitybus.Publisher

	RateLimiter        ratelimit.Limiter
	RateLimitEnabled   bool
	RateLimitPerMinute int

	AuthMode            string
	AuthSecret          string
	MaxRequestBodyBytes int64

	AnchorTenants  []string
	AnchorInterval time.Duration

	RetentionEnabled bool
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (*pgxpool.Pool, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = store.NewPostgresPool
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.anchorLoop(context.Background())
		if s.RetentionEnabled && s.Sweeper != nil {
			go s.Sweeper.Run(context.Background())
		}
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "trustcore-gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	authMode := env("AUTH_MODE", "hs256")
	if strings.EqualFold(authMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "AUTH_HS256_SECRET", Value: env("AUTH_HS256_SECRET", "")},
		},
	}); err != nil {
		return err
	}

	ledgerStore := ledger.NewPostgresStore(pool)
	lgr := ledger.New(ledgerStore)

	anchorStore := anchor.NewPostgresStore(pool)
	submitter := buildSubmitter()
	anchorSvc := anchor.NewService(ledgerStore, anchorStore, submitter)

	rbacStore := rbac.NewPostgresStore(pool)
	engine := rbac.NewEngine(rbacStore)
	engine.Cache = cache

	flacStore := flac.NewPostgresStore(pool)
	flacEngine := flac.NewEngine(rbacStore, flacStore)
	flacEngine.Audit = lgr

	retentionStore := retention.NewPostgresStore(pool)
	retentionDays := envInt("RETENTION_DAYS", 90)
	sweeper := retention.NewSweeper(retentionStore, time.Hour*24*time.Duration(retentionDays))
	sweeper.Interval = time.Second * time.Duration(envInt("RETENTION_INTERVAL_SEC", 3600))

	hub := stream.NewHub()
	detector := anomaly.NewDetector(ledgerStore, lgr)
	detector.Notifiers = []anomaly.Notifier{hub}
	detector.Classifier = anomaly.NewVelocityClassifier(cache)

	var bus *securitybus.Publisher
	if brokers := splitCSV(env("KAFKA_BROKERS", "")); len(brokers) > 0 {
		bus, err = securitybus.NewPublisher(securitybus.Config{
			Brokers: brokers,
			Topic:   env("KAFKA_SECURITY_TOPIC", "trustcore.security-events"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer bus.Close()
		detector.Notifiers = append(detector.Notifiers, bus)

		if confirmTopic := env("KAFKA_CONFIRM_TOPIC", ""); confirmTopic != "" {
			consumer, err := securitybus.NewKafkaConsumer(securitybus.Config{
				Brokers: brokers,
				Topic:   confirmTopic,
				GroupID: env("KAFKA_CONFIRM_GROUP", "trustcore-gateway"),
			})
			if err != nil {
				return fmt.Errorf("kafka confirm consumer: %w", err)
			}
			if vaultAddr := env("VAULT_ADDR", ""); vaultAddr != "" {
				keys := auth.VaultTransitKeyStore{
					Addr:       vaultAddr,
					Token:      env("VAULT_TOKEN", ""),
					Namespace:  env("VAULT_NAMESPACE", ""),
					Transit:    env("VAULT_TRANSIT_MOUNT", "transit"),
					KeyPrefix:  env("VAULT_KEY_PREFIX", "anchor-"),
					MaxRetries: 2,
					RetryDelay: 200 * time.Millisecond,
				}
				go securitybus.RunSignedConfirmLoop(ctx, consumer, anchorSvc, keys)
			} else {
				go securitybus.RunConfirmLoop(ctx, consumer, anchorSvc)
			}
		}
	}

	s := &Server{
		Ledger:              lgr,
		Anchors:             anchorSvc,
		RBAC:                engine,
		FLAC:                flacEngine,
		Detector:            detector,
		Retention:           retentionStore,
		Sweeper:             sweeper,
		Exporter:            export.New(ledgerStore, []byte(env("EXPORT_HASH_SALT", ""))),
		Cache:               cache,
		Redis:               redisClient,
		Metrics:             metrics.NewRegistry(),
		Events:              hub,
		Bus:                 bus,
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		AuthMode:            authMode,
		AuthSecret:          env("AUTH_HS256_SECRET", ""),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		AnchorTenants:       splitCSV(env("ANCHOR_TENANTS", "")),
		AnchorInterval:      time.Second * time.Duration(envInt("ANCHOR_INTERVAL_SEC", 300)),
		RetentionEnabled:    env("RETENTION_ENABLED", "false") == "true",
	}
	if s.RateLimitEnabled {
		window := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, window)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(window)
		}
	}

	r := s.routes()
	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("trustcore-gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "trustcore-gateway"})
	})

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithJWKS(env("AUTH_JWKS_URL", "")),
		auth.WithIssuer(env("AUTH_ISSUER", "")),
		auth.WithAudience(env("AUTH_AUDIENCE", "")),
		auth.WithTimeout(time.Millisecond*time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))),
	))
	authRouter.Use(s.rateLimitMiddleware)
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	authRouter.Post("/v1/audit/records", s.handleAppendRecord)
	authRouter.Get("/v1/audit/records", s.handleListRecords)
	authRouter.Get("/v1/audit/records/{record_id}", s.handleGetRecord)
	authRouter.Get("/v1/audit/records/{record_id}/verify", s.handleVerifyRecord)
	authRouter.Get("/v1/audit/chain/verify", s.handleVerifyChain)
	authRouter.Get("/v1/audit/export", s.handleExportRecords)

	authRouter.Post("/v1/anchors/run", s.handleRunAnchor)
	authRouter.Get("/v1/anchors", s.handleListAnchors)
	authRouter.Get("/v1/anchors/{anchor_id}/verify", s.handleVerifyAnchor)
	authRouter.Post("/v1/anchors/{anchor_id}/confirm", s.handleConfirmAnchor)
	authRouter.Get("/v1/anchors/{anchor_id}/proof/{record_id}", s.handleProveRecord)

	authRouter.Get("/v1/permissions", s.handleEffectivePermissions)
	authRouter.Post("/v1/permissions/check", s.handleCheckPermissions)
	authRouter.Post("/v1/roles", s.handleCreateRole)
	authRouter.Patch("/v1/roles/{role_id}/permissions", s.handleUpdateRolePermissions)
	authRouter.Delete("/v1/roles/{role_id}", s.handleDeleteRole)
	authRouter.Post("/v1/roles/assign", s.handleAssignRole)
	authRouter.Post("/v1/roles/revoke", s.handleRevokeRole)
	authRouter.Post("/v1/policies", s.handleCreatePolicy)
	authRouter.Patch("/v1/policies/{policy_id}/enabled", s.handleSetPolicyEnabled)
	authRouter.Get("/v1/recommendations", s.handleRecommendations)

	authRouter.Post("/v1/flac/filter", s.handleFLACFilter)
	authRouter.Post("/v1/flac/access", s.handleFLACAccess)
	authRouter.Post("/v1/flac/policies", s.handleFLACSavePolicy)
	authRouter.Post("/v1/flac/classifications", s.handleFLACSaveClassification)

	authRouter.Post("/v1/anomaly/detect", s.handleAnomalyDetect)
	authRouter.Get("/v1/security/events", s.handleListSecurityEvents)

	authRouter.Post("/v1/holds", s.handleAddHold)
	authRouter.Get("/v1/holds", s.handleListHolds)
	authRouter.Delete("/v1/holds/{hold_id}", s.handleRemoveHold)
	authRouter.Post("/v1/retention/run", s.handleRunRetention)

	authRouter.Get("/v1/events", s.streamEvents)
	r.Mount("/", authRouter)
	return r
}

// anchorLoop runs periodic anchor cycles for the configured tenants.
func (s *Server) anchorLoop(ctx context.Context) {
	if len(s.AnchorTenants) == 0 || s.AnchorInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.AnchorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tenant := range s.AnchorTenants {
				a, err := s.Anchors.RunCycle(ctx, tenant)
				if err != nil {
					if !errors.Is(err, anchor.ErrNothingToAnchor) {
						log.Printf("anchor cycle tenant %s: %v", tenant, err)
					}
					continue
				}
				s.Metrics.IncAnchorCycle()
				s.Events.Publish(stream.NewEvent("anchor.created", tenant, a))
			}
		}
	}
}

func buildSubmitter() anchor.Submitter {
	if url := env("ANCHOR_SUBMIT_URL", ""); url != "" {
		return anchor.NewHTTPSubmitter(url, env("ANCHOR_CHAIN", "external"), env("ANCHOR_SUBMIT_TOKEN", ""))
	}
	return anchor.LocalSubmitter{}
}

// actor resolves the authenticated principal plus the evaluation context
// dynamic policies see for this request.
func (s *Server) actor(r *http.Request) (rbac.Actor, auth.Principal, bool) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok && !strings.EqualFold(s.AuthMode, "off") {
		return rbac.Actor{}, auth.Principal{}, false
	}
	ectx := policyexpr.Context{
		"user_id":    principal.Subject,
		"tenant_id":  principal.Tenant,
		"ip":         clientIP(r),
		"user_agent": r.UserAgent(),
		"hour":       float64(time.Now().UTC().Hour()),
	}
	return rbac.Actor{UserID: principal.Subject, Context: ectx}, principal, true
}

// tenantFor returns the tenant the request operates on. Non-elevated
// principals are confined to their token tenant.
func (s *Server) tenantFor(r *http.Request, principal auth.Principal, requested string) string {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		requested = strings.TrimSpace(r.URL.Query().Get("tenant"))
	}
	tokenTenant := strings.TrimSpace(principal.Tenant)
	if tokenTenant == "" {
		return requested
	}
	if requested == "" || requested == tokenTenant {
		return tokenTenant
	}
	if auth.HasAnyRole(principal, "securityadmin", "complianceofficer") {
		return requested
	}
	return ""
}

// requirePerm authorizes the request actor for perm within tenant. Every
// failure path answers the same way: 403 access denied.
func (s *Server) requirePerm(w http.ResponseWriter, r *http.Request, actor rbac.Actor, tenantID string, perm models.PermissionKey) bool {
	if strings.EqualFold(s.AuthMode, "off") {
		return true
	}
	if tenantID == "" {
		s.deny(w, perm)
		return false
	}
	ok, err := s.RBAC.HasPermission(r.Context(), actor.UserID, tenantID, perm, actor.Context)
	if err != nil || !ok {
		s.deny(w, perm)
		return false
	}
	return true
}

func (s *Server) deny(w http.ResponseWriter, perm models.PermissionKey) {
	module := string(perm)
	if i := strings.Index(module, "."); i > 0 {
		module = module[:i]
	}
	s.Metrics.IncDenial(module)
	httpx.Error(w, http.StatusForbidden, "access denied")
}

// writeDomainError maps core errors to HTTP statuses without leaking
// authorization detail.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var verr *models.ValidationError
	var cerr *ledger.ConflictError
	var ierr *ledger.IntegrityError
	var aerr *rbac.AuthorizationError
	var eerr *policyexpr.EvalError
	switch {
	case errors.As(err, &verr):
		httpx.Error(w, http.StatusBadRequest, verr.Error())
	case errors.As(err, &cerr):
		s.Metrics.IncAppendOutcome("conflict_exhausted")
		httpx.Error(w, http.StatusConflict, "append conflict, retry")
	case errors.As(err, &ierr):
		s.Metrics.IncIntegrityFailure()
		s.Events.Publish(stream.NewEvent("integrity.alert", "", map[string]string{
			"record_id": ierr.RecordID,
			"reason":    ierr.Reason,
		}))
		httpx.Error(w, http.StatusInternalServerError, "integrity failure")
	case errors.As(err, &aerr), errors.As(err, &eerr):
		httpx.Error(w, http.StatusForbidden, "access denied")
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, anchor.ErrNotFound),
		errors.Is(err, rbac.ErrRoleNotFound),
		errors.Is(err, rbac.ErrPolicyNotFound),
		errors.Is(err, retention.ErrHoldNotFound):
		httpx.Error(w, http.StatusNotFound, "not found")
	case errors.Is(err, rbac.ErrSystemRole):
		httpx.Error(w, http.StatusUnprocessableEntity, "system roles are immutable")
	case errors.Is(err, rbac.ErrDuplicateRole):
		httpx.Error(w, http.StatusConflict, "role already exists")
	case errors.Is(err, anchor.ErrNothingToAnchor):
		httpx.Error(w, http.StatusConflict, "no unanchored records")
	default:
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.RateLimitEnabled || s.RateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		principal, _ := auth.PrincipalFromContext(r.Context())
		key := ratelimit.TenantKey(principal.Tenant, principal.Subject)
		if key == "" {
			key = clientIP(r)
		}
		decision := s.RateLimiter.Allow(key, s.RateLimitPerMinute)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	actor, principal, ok := s.actor(r)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	tenant := s.tenantFor(r, principal, "")
	if !s.requirePerm(w, r, actor, tenant, permEventsRead) {
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := splitCSV(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(tenant, 64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", tenant, nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func clientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		if i := strings.Index(fwd, ","); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return fwd
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
