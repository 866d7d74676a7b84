package main

import (
	"context"
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
	"bastion/pkg/decision"
	"bastion/pkg/enginepool"
	"bastion/pkg/hardening"
	"bastion/pkg/httpx"
	"bastion/pkg/metrics"
	"bastion/pkg/models"
	"bastion/pkg/ratelimit"
	"bastion/pkg/store"
	"bastion/pkg/stream"
	"bastion/pkg/telemetry"
	"bastion/pkg/watch"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

type Server struct {
	Eval                *decision.Evaluator
	Pool                *enginepool.Pool
	Events              *stream.Hub
	Metrics             *metrics.Registry
	Limiter             ratelimit.Limiter
	DecisionRateLimit   int
	AuthMode            string
	AuthSecret          string
	MaxRequestBodyBytes int64
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        func(*http.Server) error
)

func main() {
	if err := runGateway(initTelemetryFn, listenFn); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
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
		Service:            "gateway",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		WSAllowedOrigins:   env("WS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "AUTH_HS256_SECRET", Value: authSecret},
		},
	}); err != nil {
		return err
	}

	source, closeSource, err := openBundleSource(ctx)
	if err != nil {
		return err
	}
	if closeSource != nil {
		defer closeSource()
	}

	reg := metrics.NewRegistry()
	hub := stream.NewHub()
	hub.OnDrop(reg.IncStreamDropped)
	pool := enginepool.New(source)
	pool.OnSwap(func(string, bool) {
		reg.SetGauge("tenants_loaded", float64(len(pool.Tenants())))
	})
	eval := decision.NewEvaluator(pool, hub, reg)

	var limiter ratelimit.Limiter
	window := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 1))
	if redisClient, err := store.NewRedis(ctx); err == nil {
		limiter = ratelimit.NewRedis(redisClient, window)
		defer func() { _ = redisClient.Close() }()
	} else {
		log.Printf("redis unavailable, using in-memory rate limits: %v", err)
		limiter = ratelimit.NewInMemory(window)
	}

	s := &Server{
		Eval:                eval,
		Pool:                pool,
		Events:              hub,
		Metrics:             reg,
		Limiter:             limiter,
		DecisionRateLimit:   envInt("DECISION_RATE_LIMIT", 0),
		AuthMode:            authMode,
		AuthSecret:          authSecret,
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}

	if bundleDir := strings.TrimSpace(env("BUNDLE_DIR", "")); bundleDir != "" {
		debounce := time.Millisecond * time.Duration(envInt("BUNDLE_WATCH_DEBOUNCE_MS", 250))
		watcher, err := watch.New(bundleDir, debounce, func(tenantID string) {
			_, err := pool.Reload(context.Background(), tenantID)
			reg.IncReload(tenantID, err == nil)
			if err != nil {
				log.Printf("bundle watch reload: %v", err)
			}
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		defer func() { _ = watcher.Close() }()
	}

	if brokers := strings.TrimSpace(env("KAFKA_BROKERS", "")); brokers != "" {
		sink, err := stream.NewKafkaSink(stream.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_DECISION_TOPIC", "bastion.decisions"),
		})
		if err != nil {
			return err
		}
		go sink.Run(ctx, hub)
		defer func() { _ = sink.Close() }()
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Use(s.metricsMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Get("/metrics", reg.Handler())
	r.Get("/metrics/prometheus", reg.PrometheusHandler())

	r.Post("/v1/decision", s.handleDecision)

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithIssuer(env("AUTH_ISSUER", "")),
		auth.WithAudience(env("AUTH_AUDIENCE", "")),
	))
	authRouter.Post("/v1/tenants/{tenant}/reload", s.withRoles(s.handleReload, "operator", "securityadmin"))
	authRouter.Delete("/v1/tenants/{tenant}", s.withRoles(s.handleRemoveTenant, "operator", "securityadmin"))
	authRouter.Get("/v1/tenants", s.withRoles(s.handleListTenants, "operator", "securityadmin"))
	authRouter.Get("/v1/stream", s.withRoles(s.streamEvents, "operator", "securityadmin", "auditor"))
	r.Mount("/", authRouter)

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
	return listen(server)
}

// openBundleSource prefers the exported bundle directory; without one it
// reads active bundles straight from Postgres.
func openBundleSource(ctx context.Context) (enginepool.BundleSource, func(), error) {
	if dir := strings.TrimSpace(env("BUNDLE_DIR", "")); dir != "" {
		return bundles.NewDirSource(dir), nil, nil
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

type decisionRequest struct {
	TenantID string           `json:"tenant_id"`
	Input    models.ABACInput `json:"input"`
}

type decisionResponse struct {
	Decision       models.PolicyDecision `json:"decision"`
	EvalDurationMS float64               `json:"eval_duration_ms"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		tenantID = strings.TrimSpace(req.Input.Subject.TenantID)
	}
	if tenantID == "" {
		httpx.Error(w, 400, "tenant_id required")
		return
	}
	if s.DecisionRateLimit > 0 && s.Limiter != nil {
		if rl := s.Limiter.Allow("decision:"+tenantID, s.DecisionRateLimit); !rl.Allowed {
			w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(rl.ResetAt).Seconds())+1, 10))
			httpx.Error(w, 429, "rate limit exceeded")
			return
		}
	}
	start := time.Now()
	result := s.Eval.Evaluate(r.Context(), tenantID, &req.Input)
	httpx.WriteJSON(w, 200, decisionResponse{
		Decision:       result,
		EvalDurationMS: float64(time.Since(start).Microseconds()) / 1000.0,
	})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	handle, err := s.Pool.Reload(r.Context(), tenantID)
	s.Metrics.IncReload(tenantID, err == nil)
	if err != nil {
		log.Printf("reload tenant %s: %v", tenantID, err)
		httpx.WriteJSON(w, 409, map[string]any{
			"reloaded": false,
			"tenant":   tenantID,
			"error":    err.Error(),
		})
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"reloaded": true,
		"tenant":   tenantID,
		"version":  handle.LoadedVersion,
	})
}

func (s *Server) handleRemoveTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	s.Pool.Remove(tenantID)
	s.Metrics.SetGauge("tenants_loaded", float64(len(s.Pool.Tenants())))
	httpx.WriteJSON(w, 200, map[string]any{"removed": true, "tenant": tenantID})
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	type tenantStatus struct {
		TenantID     string    `json:"tenant_id"`
		Version      uint64    `json:"version"`
		LastReloadAt time.Time `json:"last_reload_at"`
	}
	out := make([]tenantStatus, 0)
	for _, id := range s.Pool.Tenants() {
		if h, ok := s.Pool.Lookup(id); ok {
			out = append(out, tenantStatus{
				TenantID:     h.TenantID,
				Version:      h.LoadedVersion,
				LastReloadAt: h.LastReloadAt,
			})
		}
	}
	httpx.WriteJSON(w, 200, map[string]any{"tenants": out})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	tenantFilter := strings.TrimSpace(r.URL.Query().Get("tenant"))
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	s.Metrics.IncStreamSessions()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(tenantFilter, envInt("STREAM_BUFFER", stream.DefaultBuffer))
	defer s.Events.Unsubscribe(sub)

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

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
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

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		endpoint := r.Method + " " + r.URL.Path
		s.Metrics.Observe(endpoint, rec.status, elapsed)
		s.Metrics.ObserveLatency(endpoint, elapsed)
	})
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
