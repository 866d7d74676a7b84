package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"bastion/pkg/auth"
	"bastion/pkg/bundles"
	"bastion/pkg/dsl"
	"bastion/pkg/hardening"
	"bastion/pkg/httpx"
	"bastion/pkg/metrics"
	"bastion/pkg/models"
	"bastion/pkg/ratelimit"
	"bastion/pkg/store"
	"bastion/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

// Server is the policy authoring and lifecycle service. It compiles DSL
// sources, versions the results as bundles, and exports activated bundles
// for the gateways.
type Server struct {
	Store               bundles.Store
	Cache               store.Cache
	Metrics             *metrics.Registry
	Limiter             ratelimit.Limiter
	CompileRateLimit    int
	BundleDir           string
	AuthMode            string
	AuthSecret          string
	MaxRequestBodyBytes int64
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openStoreFn     func(context.Context) (bundles.Store, func(), error)
	listenFn        func(*http.Server) error
)

func main() {
	if err := runPolicyd(initTelemetryFn, openStoreFn, listenFn); err != nil {
		logFatalf("policyd: %v", err)
	}
}

func runPolicyd(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openStore func(context.Context) (bundles.Store, func(), error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openStore == nil {
		openStore = defaultOpenStore
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "policyd")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	authMode := env("AUTH_MODE", "hs256")
	authSecret := env("AUTH_HS256_SECRET", "")
	if strings.EqualFold(authMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "policyd",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "AUTH_HS256_SECRET", Value: authSecret},
		},
	}); err != nil {
		return err
	}

	st, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	var cache store.Cache
	var limiter ratelimit.Limiter
	window := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if redisClient, err := store.NewRedis(ctx); err == nil {
		cache = store.NewCache(ctx, redisClient)
		limiter = ratelimit.NewRedis(redisClient, window)
		defer func() { _ = redisClient.Close() }()
	} else {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		cache = store.NewMemoryCache()
		limiter = ratelimit.NewInMemory(window)
	}

	s := &Server{
		Store:               st,
		Cache:               cache,
		Metrics:             metrics.NewRegistry(),
		Limiter:             limiter,
		CompileRateLimit:    envInt("COMPILE_RATE_LIMIT", 0),
		BundleDir:           strings.TrimSpace(env("BUNDLE_DIR", "")),
		AuthMode:            authMode,
		AuthSecret:          authSecret,
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("policyd"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "policyd"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithIssuer(env("AUTH_ISSUER", "")),
		auth.WithAudience(env("AUTH_AUDIENCE", "")),
	))
	authRouter.Post("/v1/tenants/{tenant}/compile", s.withRoles(s.compilePolicy, "policyauthor", "securityadmin"))
	authRouter.Post("/v1/tenants/{tenant}/bundles", s.withRoles(s.createBundle, "policyauthor", "securityadmin"))
	authRouter.Get("/v1/tenants/{tenant}/bundles", s.withRoles(s.listBundles, "policyauthor", "operator", "securityadmin"))
	authRouter.Post("/v1/bundles/{id}/activate", s.withRoles(s.activateBundle, "operator", "securityadmin"))
	authRouter.Post("/v1/bundles/{id}/archive", s.withRoles(s.archiveBundle, "operator", "securityadmin"))
	authRouter.Post("/v1/tenants/{tenant}/export", s.withRoles(s.exportBundle, "operator", "securityadmin"))
	r.Mount("/", authRouter)

	addr := env("ADDR", ":8082")
	log.Printf("policyd listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func defaultOpenStore(ctx context.Context) (bundles.Store, func(), error) {
	if strings.EqualFold(env("BUNDLE_STORE", "postgres"), "memory") {
		return bundles.NewMemoryStore(), nil, nil
	}
	pool, err := store.NewPostgresPool(ctx)
	if err != nil {
		return nil, nil, err
	}
	pg := bundles.NewPostgresStore(pool)
	if err := pg.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pg, pool.Close, nil
}

type compileRequest struct {
	Source string `json:"source"`
}

type compileResponse struct {
	OK          bool             `json:"ok"`
	Namespace   string           `json:"namespace,omitempty"`
	Compiled    string           `json:"compiled,omitempty"`
	Diagnostics []dsl.Diagnostic `json:"diagnostics,omitempty"`
}

func (s *Server) compilePolicy(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	if s.CompileRateLimit > 0 && s.Limiter != nil {
		if rl := s.Limiter.Allow("compile:"+tenantID, s.CompileRateLimit); !rl.Allowed {
			httpx.Error(w, 429, "rate limit exceeded")
			return
		}
	}
	var req compileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		httpx.Error(w, 400, "source required")
		return
	}
	resp, status := s.compile(r.Context(), tenantID, req.Source)
	httpx.WriteJSON(w, status, resp)
}

// compile runs the full pipeline with a cache in front: identical
// tenant+source pairs return the memoized result. Compilation is
// deterministic, so the cache can never serve a stale answer for a key.
func (s *Server) compile(ctx context.Context, tenantID, source string) (compileResponse, int) {
	key := compileCacheKey(tenantID, source)
	if s.Cache != nil {
		if raw, err := s.Cache.Get(ctx, key); err == nil && raw != "" {
			var cached compileResponse
			if err := json.Unmarshal([]byte(raw), &cached); err == nil {
				if cached.OK {
					return cached, 200
				}
				return cached, 422
			}
		}
	}
	compiled, diags := dsl.Compile(source, tenantID)
	resp := compileResponse{}
	status := 200
	if len(diags) > 0 {
		resp.Diagnostics = diags
		status = 422
	} else {
		resp.OK = true
		resp.Namespace = compiled.Namespace
		resp.Compiled = compiled.Source
	}
	if s.Cache != nil {
		if raw, err := json.Marshal(resp); err == nil {
			ttl := time.Minute * time.Duration(envInt("COMPILE_CACHE_TTL_MIN", 30))
			_ = s.Cache.Set(ctx, key, string(raw), ttl)
		}
	}
	return resp, status
}

func compileCacheKey(tenantID, source string) string {
	sum := sha256.Sum256([]byte(tenantID + "\x00" + source))
	return "compile:" + hex.EncodeToString(sum[:])
}

type createBundleRequest struct {
	Source      string `json:"source"`
	Semver      string `json:"semver,omitempty"`
	Description string `json:"description,omitempty"`
}

func (s *Server) createBundle(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	var req createBundleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		httpx.Error(w, 400, "source required")
		return
	}
	compiled, diags := dsl.Compile(req.Source, tenantID)
	if len(diags) > 0 {
		httpx.WriteJSON(w, 422, compileResponse{Diagnostics: diags})
		return
	}
	author := ""
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
		author = principal.Subject
	}
	meta := models.BundleMetadata{
		Semver:      strings.TrimSpace(req.Semver),
		Author:      author,
		Description: strings.TrimSpace(req.Description),
	}
	bundle, err := s.Store.Persist(r.Context(), tenantID, compiled, meta)
	if err != nil {
		internalServerError(w, "persist bundle", err)
		return
	}
	httpx.WriteJSON(w, 201, bundle)
}

func (s *Server) listBundles(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	items, err := s.Store.ListBundles(r.Context(), tenantID)
	if err != nil {
		internalServerError(w, "list bundles", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"items": items})
}

func (s *Server) activateBundle(w http.ResponseWriter, r *http.Request) {
	bundleID := chi.URLParam(r, "id")
	err := s.Store.Activate(r.Context(), bundleID)
	switch {
	case errors.Is(err, bundles.ErrNotFound):
		httpx.Error(w, 404, "not found")
		return
	case errors.Is(err, bundles.ErrArchived):
		httpx.Error(w, 409, "bundle is archived")
		return
	case err != nil:
		internalServerError(w, "activate bundle", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"activated": true, "bundle_id": bundleID})
}

func (s *Server) archiveBundle(w http.ResponseWriter, r *http.Request) {
	bundleID := chi.URLParam(r, "id")
	err := s.Store.Archive(r.Context(), bundleID)
	switch {
	case errors.Is(err, bundles.ErrNotFound):
		httpx.Error(w, 404, "not found")
		return
	case err != nil:
		internalServerError(w, "archive bundle", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"archived": true, "bundle_id": bundleID})
}

// exportBundle writes the tenant's active bundle into the shared bundle
// directory for gateways running in directory mode.
func (s *Server) exportBundle(w http.ResponseWriter, r *http.Request) {
	if s.BundleDir == "" {
		httpx.Error(w, 503, "bundle export not configured")
		return
	}
	tenantID := chi.URLParam(r, "tenant")
	bundle, err := s.Store.LoadActive(r.Context(), tenantID)
	if errors.Is(err, bundles.ErrNotFound) || errors.Is(err, bundles.ErrNoActive) {
		httpx.Error(w, 404, "no active bundle")
		return
	}
	if err != nil {
		internalServerError(w, "load active bundle", err)
		return
	}
	if err := bundles.ExportBundle(s.BundleDir, *bundle); err != nil {
		internalServerError(w, "export bundle", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"exported":  true,
		"tenant":    tenantID,
		"bundle_id": bundle.BundleID,
		"version":   bundle.Version,
	})
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func internalServerError(w http.ResponseWriter, op string, err error) {
	if err != nil {
		log.Printf("policyd %s: %v", op, err)
	}
	httpx.Error(w, 500, "internal error")
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
